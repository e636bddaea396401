package coroutines

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/dallison/coroutines/internal/bitset"
	"github.com/dallison/coroutines/internal/event"
)

// Machine is a cooperative scheduler owning a set of coroutines and the
// readiness plumbing that drives them. Coroutines are resumed one at a
// time, longest-waiting first; the machine polls the descriptors of every
// suspended coroutine plus its own interrupt event.
//
// The goroutine that calls Run drives the machine; each coroutine body runs
// on a goroutine of its own, and control passes between them so that only
// one executes at a time. Several machines may coexist, each wholly
// independent.
type Machine struct {
	coroutines []*Coroutine // membership, insertion order
	ids        bitset.Set   // live coroutine IDs
	nextID     int          // ceiling for fresh IDs when no low slot is free

	current *Coroutine
	running atomic.Bool // may be cleared from outside the machine
	tick    uint64      // incremented once per successful poll round

	interrupt *event.Event  // always polled at index 0; fired by Stop
	yielded   chan struct{} // signalled by a coroutine suspending or dying

	// grow-only poll scratch; blocked[i] owns pollfds[i+1]
	pollfds   []unix.PollFd
	blocked   []*Coroutine
	runnables []*Coroutine
}

// NewMachine creates an empty machine.
func NewMachine() (m *Machine, err error) {
	interrupt, err := event.New()
	if err != nil {
		return nil, fmt.Errorf("coroutines: allocating interrupt event: %w", err)
	}
	return &Machine{
		interrupt: interrupt,
		yielded:   make(chan struct{}),
	}, nil
}

// Run drives the machine until every coroutine is dead or Stop is called.
// With no coroutines it returns immediately.
func (m *Machine) Run() {
	m.running.Store(true)
	for m.running.Load() {
		if len(m.coroutines) == 0 {
			break
		}
		c := m.nextRunnable()
		m.current = c
		if c != nil {
			m.resumeCoroutine(c)
		}
	}
}

// Stop makes Run return once the current coroutine reaches a suspension
// point. The interrupt event breaks a poll already in progress, so it is
// also safe from a signal-style helper outside the machine, provided that
// helper does nothing but fire.
func (m *Machine) Stop() {
	m.running.Store(false)
	m.interrupt.Fire()
}

// Destruct tears the machine down. Coroutines still suspended are unwound
// and their resources released; call it after Run returns.
func (m *Machine) Destruct() {
	for len(m.coroutines) > 0 {
		m.kill(m.coroutines[0])
	}
	m.interrupt.Close()
}

// Show writes a diagnostic listing of the machine's coroutines: id, name,
// state and where each one last suspended.
func (m *Machine) Show(w io.Writer) {
	for _, c := range m.coroutines {
		where := "-"
		if c.yieldPC != 0 {
			if fn := runtime.FuncForPC(c.yieldPC); fn != nil {
				file, line := fn.FileLine(c.yieldPC)
				where = fmt.Sprintf("%s:%d", filepath.Base(file), line)
			}
		}
		fmt.Fprintf(w, "coroutine %d: %s: state: %s: yielded at: %s\n",
			c.id, c.name, c.state, where)
	}
}

// Tick returns the number of completed scheduling rounds.
func (m *Machine) Tick() uint64 {
	return m.tick
}

// Len returns the number of live coroutines.
func (m *Machine) Len() int {
	return len(m.coroutines)
}

// allocateID hands out the lowest free ID, falling back to the next
// sequential value when no low slot is clear.
func (m *Machine) allocateID() (id int) {
	if id = m.ids.FirstClear(); id < 0 {
		id = m.nextID
	}
	if id >= m.nextID {
		m.nextID = id + 1
	}
	m.ids.Insert(id)
	return
}

func (m *Machine) add(c *Coroutine) {
	m.coroutines = append(m.coroutines, c)
}

// remove drops c from membership and releases its ID, one atomic step as
// far as coroutines can observe.
func (m *Machine) remove(c *Coroutine) {
	for i, co := range m.coroutines {
		if co == c {
			m.coroutines = append(m.coroutines[:i], m.coroutines[i+1:]...)
			m.ids.Remove(c.id)
			return
		}
	}
}

// nextRunnable polls every suspended coroutine's descriptor (events for
// Ready and Yielded, the wait descriptor for Waiting) plus the interrupt
// event, then picks the runnable coroutine that has been waiting longest.
// Returns nil when the poll produced nothing to run, or the machine was
// stopped.
func (m *Machine) nextRunnable() *Coroutine {
	m.pollfds = m.pollfds[:0]
	m.blocked = m.blocked[:0]
	m.pollfds = append(m.pollfds, unix.PollFd{
		Fd:     int32(m.interrupt.Fd()),
		Events: unix.POLLIN,
	})
	for _, c := range m.coroutines {
		switch c.state {
		case StateNew, StateRunning, StateDead:
			continue
		case StateWaiting:
			m.pollfds = append(m.pollfds, unix.PollFd{
				Fd:     int32(c.waitFd),
				Events: c.waitEvents,
			})
		default: // Ready or Yielded, watch the wakeup event
			m.pollfds = append(m.pollfds, unix.PollFd{
				Fd:     int32(c.event.Fd()),
				Events: unix.POLLIN,
			})
			if c.state == StateReady {
				// freshly started; fire so it competes in this round
				c.event.Fire()
			}
		}
		m.blocked = append(m.blocked, c)
	}

	n, err := event.Poll(m.pollfds)
	if n <= 0 || err != nil {
		return nil
	}
	m.tick++

	if m.pollfds[0].Revents != 0 {
		m.interrupt.Clear()
	}
	if !m.running.Load() {
		// stopped, nothing more to schedule
		return nil
	}

	m.runnables = m.runnables[:0]
	for i, pfd := range m.pollfds[1:] {
		if pfd.Revents != 0 {
			c := m.blocked[i]
			c.revents = pfd.Revents
			m.runnables = append(m.runnables, c)
		}
	}
	if len(m.runnables) == 0 {
		// only the interrupt fired
		return nil
	}

	// longest-waiting first; the stable sort keeps membership order for
	// coroutines that have waited equally long
	runnables := m.runnables
	sort.SliceStable(runnables, func(i, j int) bool {
		return m.tick-runnables[i].lastTick > m.tick-runnables[j].lastTick
	})

	chosen := runnables[0]
	chosen.event.Clear()
	return chosen
}

// resumeCoroutine transfers control to c until it suspends or dies. A
// Ready coroutine gets its body started on a fresh goroutine; a suspended
// one is woken through its resume channel.
func (m *Machine) resumeCoroutine(c *Coroutine) {
	switch c.state {
	case StateReady:
		c.state = StateRunning
		c.yieldPC = 0
		go c.run()
		<-m.yielded
	case StateYielded, StateWaiting:
		c.state = StateRunning
		c.resume <- actResume
		<-m.yielded
	default:
		// resuming a New or Running coroutine is a scheduler bug; skip it
	}
}

// kill unwinds a suspended coroutine during machine teardown. Bodies that
// never started have no goroutine to unwind and are just released.
func (m *Machine) kill(c *Coroutine) {
	switch c.state {
	case StateNew, StateReady:
		c.state = StateDead
		m.remove(c)
		c.event.Close()
	case StateYielded, StateWaiting:
		c.resume <- actKill
		<-m.yielded
	default:
		// Running or Dead here means Destruct was called from inside Run
		m.remove(c)
	}
}
