//go:build unix && !linux

package event

import "golang.org/x/sys/unix"

// Hosts without eventfd get a nonblocking self-pipe. Firing writes a byte to
// the write end, clearing drains the read end. The read end is the pollable
// descriptor.
type Event struct {
	fd, wfd int
}

// New allocates an event in the not-fired state.
func New() (e *Event, err error) {
	var p [2]int
	if err = unix.Pipe(p[:]); err != nil {
		return
	}
	unix.SetNonblock(p[0], true)
	unix.SetNonblock(p[1], true)
	return &Event{fd: p[0], wfd: p[1]}, nil
}

// Fire makes the event readable. A full pipe means the event is already
// pending, so the short write is fine.
func (e *Event) Fire() {
	if e.wfd == -1 {
		return
	}
	unix.Write(e.wfd, []byte{1})
}

// Clear consumes the event, draining anything queued in the pipe.
func (e *Event) Clear() {
	if e.fd == -1 {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(e.fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both ends of the pipe. Fire, Clear and Close on a closed
// event do nothing.
func (e *Event) Close() {
	if e.fd == -1 {
		return
	}
	unix.Close(e.fd)
	unix.Close(e.wfd)
	e.fd, e.wfd = -1, -1
}
