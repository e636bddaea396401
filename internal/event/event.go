// Package event supplies the readiness plumbing the coroutine machine is
// built on: a user-triggerable event object with a pollable descriptor, and
// a blocking poll over a set of descriptors.
//
// An Event can be fired from anywhere and consumed by whoever polls its
// descriptor. Firing makes the descriptor readable, clearing makes it
// not-readable again.
package event

import "golang.org/x/sys/unix"

// Fd returns the pollable descriptor, or -1 after Close.
func (e *Event) Fd() int {
	return e.fd
}

// Closed reports whether the event has been closed.
func (e *Event) Closed() bool {
	return e.fd == -1
}

// Poll blocks until at least one entry's requested events fire, filling in
// the Revents fields. Interrupted polls are retried.
func Poll(fds []unix.PollFd) (n int, err error) {
	for {
		n, err = unix.Poll(fds, -1)
		if err != unix.EINTR {
			return
		}
	}
}
