// Package coroutines is a single-threaded cooperative multitasking runtime.
// Tasks are stackful coroutines that suspend either voluntarily or while
// awaiting readiness of a file descriptor; a Machine multiplexes every
// suspended descriptor through one poll and always resumes the coroutine
// that has been waiting longest.
//
// Each coroutine body runs on its own goroutine, which gives it a private
// growable stack. The machine and its coroutines hand control back and
// forth over unbuffered channels, so at most one of them is ever executing;
// everything between two suspension points is atomic with respect to peers.
package coroutines

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/dallison/coroutines/internal/event"
)

// DefaultStackSize is the advisory stack size for coroutines created
// without an explicit one. Goroutine stacks grow on demand, so this is a
// sizing hint recorded for diagnostics rather than a hard limit.
const DefaultStackSize = 8192

// Interest masks for Wait, matching the poll(2) flag set.
const (
	Readable = int16(unix.POLLIN)
	Writable = int16(unix.POLLOUT)
	Errored  = int16(unix.POLLERR)
)

// State is the lifecycle state of a coroutine.
type State uint8

// Coroutine states
const (
	StateNew State = iota
	StateReady
	StateRunning
	StateYielded
	StateWaiting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateYielded:
		return "yielded"
	case StateWaiting:
		return "waiting"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// Body is a coroutine's behavior. It is invoked exactly once, on the
// coroutine's own stack, and receives the coroutine it is running as.
type Body func(c *Coroutine)

// Options configures coroutine creation.
type Options struct {
	Name      string // printable label, default "co-<id>"
	StackSize int    // advisory stack size in bytes, default DefaultStackSize
	UserData  any    // opaque, not owned by the coroutine
}

// resume actions, sent from the machine to a suspended coroutine
type action uint8

const (
	actResume action = iota
	actKill
)

// exitSignal unwinds a coroutine body to its epilogue.
type exitSignal struct{}

// Coroutine is a task with its own stack, executing within a Machine.
// Create one with Machine.New; the zero value is not usable.
type Coroutine struct {
	machine *Machine
	id      int
	name    string
	body    Body
	state   State

	stackSize int
	userData  any

	event      *event.Event // wakeup event, fired by Yield, Call and peers
	waitFd     int          // descriptor from Wait, -1 unless Waiting
	waitEvents int16
	revents    int16 // readiness reported by the last poll round

	resume chan action // machine to coroutine handoff

	// generator protocol, set by Call for the duration of the rendezvous
	caller *Coroutine
	result *any

	lastTick uint64  // machine tick at the last suspension
	yieldPC  uintptr // program counter of the last suspension, for Show
}

// New creates a coroutine bound to the machine with default options. The
// coroutine does not run until Start and the next scheduling round.
func (m *Machine) New(body Body) (*Coroutine, error) {
	return m.NewWithOptions(body, Options{})
}

// NewWithOptions creates a coroutine bound to the machine.
func (m *Machine) NewWithOptions(body Body, opts Options) (c *Coroutine, err error) {
	if opts.StackSize == 0 {
		opts.StackSize = DefaultStackSize
	} else if opts.StackSize < 0 {
		return nil, errors.New("coroutines: stack size must be positive")
	}

	ev, err := event.New()
	if err != nil {
		return nil, fmt.Errorf("coroutines: allocating wakeup event: %w", err)
	}

	c = &Coroutine{
		machine:   m,
		id:        m.allocateID(),
		body:      body,
		state:     StateNew,
		stackSize: opts.StackSize,
		userData:  opts.UserData,
		event:     ev,
		waitFd:    -1,
		resume:    make(chan action),
	}
	if c.name = opts.Name; c.name == "" {
		c.name = fmt.Sprintf("co-%d", c.id)
	}

	m.add(c)
	return
}

// ID returns the coroutine's identifier, unique among the machine's live
// coroutines. IDs are reused after death.
func (c *Coroutine) ID() int {
	return c.id
}

// Name returns the coroutine's label.
func (c *Coroutine) Name() string {
	return c.name
}

// SetName replaces the coroutine's label.
func (c *Coroutine) SetName(name string) {
	c.name = name
}

// State returns the coroutine's current lifecycle state.
func (c *Coroutine) State() State {
	return c.state
}

// Machine returns the machine the coroutine belongs to.
func (c *Coroutine) Machine() *Machine {
	return c.machine
}

// UserData returns the opaque value stored on the coroutine.
func (c *Coroutine) UserData() any {
	return c.userData
}

// SetUserData stores an opaque value on the coroutine. The coroutine does
// not own it.
func (c *Coroutine) SetUserData(v any) {
	c.userData = v
}

// Start makes a New coroutine runnable at the next scheduling round. It has
// no effect in any other state.
func (c *Coroutine) Start() {
	if c.state == StateNew {
		c.state = StateReady
	}
}

// IsAlive reports whether q's ID is still live in c's machine.
func (c *Coroutine) IsAlive(q *Coroutine) bool {
	return c.machine.ids.Contains(q.id)
}

// TriggerEvent fires the coroutine's wakeup event, making it runnable at
// the next scheduling round. Normally the machine's business.
func (c *Coroutine) TriggerEvent() {
	c.event.Fire()
}

// ClearEvent consumes the coroutine's wakeup event.
func (c *Coroutine) ClearEvent() {
	c.event.Clear()
}

// checkRunning asserts that c is the coroutine the machine is currently
// running. Suspension operations are only legal from there.
func (c *Coroutine) checkRunning(op string) {
	if c.machine.current != c || c.state != StateRunning {
		panic("coroutines: " + op + " called outside the running coroutine")
	}
}

// callerPC captures the program counter of the user code invoking a
// suspension operation, two frames up.
func callerPC() uintptr {
	pc, _, _, _ := runtime.Caller(2)
	return pc
}

// park hands control to the scheduler and blocks until the machine resumes
// this coroutine. A poisoned resume (machine teardown) unwinds the body.
func (c *Coroutine) park() {
	c.machine.yielded <- struct{}{}
	if <-c.resume == actKill {
		panic(exitSignal{})
	}
}

// Yield suspends the coroutine and immediately requests rescheduling: the
// wakeup event is fired before parking, so the coroutine competes in the
// very next round. Returns once the machine selects it again.
func (c *Coroutine) Yield() {
	c.checkRunning("Yield")
	c.state = StateYielded
	c.yieldPC = callerPC()
	c.lastTick = c.machine.tick
	c.event.Fire()
	c.park()
}

// Wait suspends the coroutine until fd reports any of the events in mask
// (Readable, Writable, Errored). It returns the readiness bits from the
// poll entry that woke it; error conditions like POLLHUP are surfaced here
// for the caller to act on, never handled by the machine. The descriptor
// stays owned by the caller.
func (c *Coroutine) Wait(fd int, mask int16) int16 {
	c.checkRunning("Wait")
	c.state = StateWaiting
	c.waitFd = fd
	c.waitEvents = mask
	c.yieldPC = callerPC()
	c.lastTick = c.machine.tick
	c.park()
	c.waitFd = -1
	return c.revents
}

// YieldValue delivers v to the coroutine's caller and parks until the next
// Call. The wakeup event is deliberately not fired: a generator stays
// parked until a consumer asks for more.
func (c *Coroutine) YieldValue(v any) {
	c.checkRunning("YieldValue")
	if c.result != nil {
		*c.result = v
	}
	if c.caller != nil {
		c.caller.event.Fire()
	}
	c.state = StateYielded
	c.yieldPC = callerPC()
	c.lastTick = c.machine.tick
	c.park()
}

// Call runs callee as a generator and suspends until it either yields a
// value or dies. A non-nil result receives the value produced by the
// callee's YieldValue; nil makes the call a pure rendezvous. On return the
// caller distinguishes the two outcomes with IsAlive. callee must belong to
// the same machine.
func (c *Coroutine) Call(callee *Coroutine, result *any) {
	c.checkRunning("Call")
	callee.caller = c
	callee.result = result

	// start the callee if it never ran, otherwise wake it
	if callee.state == StateNew {
		callee.Start()
	} else {
		callee.event.Fire()
	}

	// park without firing our own event; the callee's YieldValue or death
	// is what makes us runnable again
	c.state = StateYielded
	c.yieldPC = callerPC()
	c.lastTick = c.machine.tick
	c.park()

	// the rendezvous is over, the callee holds no reference to us
	callee.caller = nil
	callee.result = nil
}

// Exit terminates the coroutine immediately, without returning from the
// body. Only legal on the currently running coroutine.
func (c *Coroutine) Exit() {
	c.checkRunning("Exit")
	panic(exitSignal{})
}

// run is the body entry point, on the coroutine's own goroutine.
func (c *Coroutine) run() {
	defer c.finish()
	c.body(c)
}

// finish is the Dead epilogue: wake a caller awaiting a generator value,
// remove the coroutine from its machine (releasing the ID in the same
// step), release owned descriptors, and hand control back to the scheduler.
func (c *Coroutine) finish() {
	if r := recover(); r != nil {
		if _, ok := r.(exitSignal); !ok {
			// user panics are not caught
			panic(r)
		}
	}
	if c.caller != nil {
		c.caller.event.Fire()
	}
	c.state = StateDead
	c.machine.remove(c)
	c.event.Close()
	if c.waitFd != -1 {
		// died while waiting (machine teardown); the wait descriptor is
		// released with the rest of the record
		unix.Close(c.waitFd)
		c.waitFd = -1
	}
	c.machine.yielded <- struct{}{}
}
