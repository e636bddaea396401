package event

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Linux events are eventfds. Firing adds to the counter, clearing reads it
// back to zero.
type Event struct {
	fd int
}

// New allocates an event in the not-fired state.
func New() (e *Event, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return
	}
	return &Event{fd: fd}, nil
}

// Fire makes the event readable. Safe to call any number of times before a
// Clear; the counter just accumulates.
func (e *Event) Fire() {
	if e.fd == -1 {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(e.fd, buf[:])
}

// Clear consumes the event, making it not-readable. Clearing an event that
// never fired is a no-op (the read comes back EAGAIN).
func (e *Event) Clear() {
	if e.fd == -1 {
		return
	}
	var buf [8]byte
	unix.Read(e.fd, buf[:])
}

// Close releases the descriptor. Fire, Clear and Close on a closed event do
// nothing.
func (e *Event) Close() {
	if e.fd == -1 {
		return
	}
	unix.Close(e.fd)
	e.fd = -1
}
