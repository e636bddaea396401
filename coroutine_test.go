package coroutines_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/dallison/coroutines"
)

func newMachine(t *testing.T) *coroutines.Machine {
	t.Helper()

	m, err := coroutines.NewMachine()
	if err != nil {
		t.Fatal("creating machine:", err)
	}
	return m
}

func TestSingleYield(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMachine(t)

	var yields int
	c, err := m.New(func(c *coroutines.Coroutine) {
		for i := 0; i < 100; i++ {
			assert.Equal(t, coroutines.StateRunning, c.State())
			c.Yield()
			yields++
		}
	})
	if err != nil {
		t.Fatal("creating coroutine:", err)
	}

	assert.Equal(t, coroutines.StateNew, c.State())
	c.Start()
	assert.Equal(t, coroutines.StateReady, c.State())

	m.Run()

	assert.Equal(t, 100, yields)
	assert.Equal(t, coroutines.StateDead, c.State())
	assert.Equal(t, 0, m.Len())

	m.Destruct()
}

func TestGenerator(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMachine(t)

	gen, err := m.New(func(g *coroutines.Coroutine) {
		for i := 1; i < 5; i++ {
			g.YieldValue(i)
		}
	})
	if err != nil {
		t.Fatal("creating generator:", err)
	}

	var got []int
	var calls int
	consumer, err := m.New(func(c *coroutines.Coroutine) {
		for c.IsAlive(gen) {
			var v any
			c.Call(gen, &v)
			calls++
			if c.IsAlive(gen) {
				got = append(got, v.(int))
			}
		}
	})
	if err != nil {
		t.Fatal("creating consumer:", err)
	}

	// the generator is never started directly; the first Call does it
	consumer.Start()
	m.Run()

	assert.Equal(t, []int{1, 2, 3, 4}, got)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 0, m.Len())

	m.Destruct()
}

func TestGeneratorDiesWithoutValue(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMachine(t)

	gen, err := m.New(func(g *coroutines.Coroutine) {})
	if err != nil {
		t.Fatal("creating generator:", err)
	}

	var alive bool
	consumer, err := m.New(func(c *coroutines.Coroutine) {
		v := any("untouched")
		c.Call(gen, &v)
		alive = c.IsAlive(gen)
		assert.Equal(t, "untouched", v)
	})
	if err != nil {
		t.Fatal("creating consumer:", err)
	}

	consumer.Start()
	m.Run()

	assert.False(t, alive)
	m.Destruct()
}

func TestRendezvous(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMachine(t)

	var produced int
	gen, err := m.New(func(g *coroutines.Coroutine) {
		for i := 0; i < 3; i++ {
			produced++
			g.YieldValue(nil)
		}
	})
	if err != nil {
		t.Fatal("creating generator:", err)
	}

	var seen []int
	consumer, err := m.New(func(c *coroutines.Coroutine) {
		for c.IsAlive(gen) {
			c.Call(gen, nil)
			seen = append(seen, produced)
		}
	})
	if err != nil {
		t.Fatal("creating consumer:", err)
	}

	consumer.Start()
	m.Run()

	// each rendezvous happens after exactly one more production
	assert.Equal(t, []int{1, 2, 3, 3}, seen)
	m.Destruct()
}

func TestPipePair(t *testing.T) {
	defer goleak.VerifyNone(t)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal("pipe:", err)
	}

	m := newMachine(t)

	writer, err := m.New(func(c *coroutines.Coroutine) {
		for i := 0; i < 20; i++ {
			c.Wait(fds[1], coroutines.Writable)
			unix.Write(fds[1], []byte(fmt.Sprintf("FOO %d\n", i)))
			c.Yield()
		}
		unix.Close(fds[1])
	})
	if err != nil {
		t.Fatal("creating writer:", err)
	}

	var out string
	reader, err := m.New(func(c *coroutines.Coroutine) {
		buf := make([]byte, 256)
		for {
			c.Wait(fds[0], coroutines.Readable)
			n, err := unix.Read(fds[0], buf)
			if err != nil {
				t.Error("read:", err)
				break
			}
			if n == 0 {
				out += "EOF"
				break
			}
			out += string(buf[:n])
		}
		unix.Close(fds[0])
	})
	if err != nil {
		t.Fatal("creating reader:", err)
	}

	reader.Start()
	writer.Start()
	m.Run()

	want := ""
	for i := 0; i < 20; i++ {
		want += fmt.Sprintf("FOO %d\n", i)
	}
	want += "EOF"
	assert.Equal(t, want, out)

	m.Destruct()
}

func TestWaitSurfacesHangup(t *testing.T) {
	defer goleak.VerifyNone(t)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal("pipe:", err)
	}
	// no writer; the reader should see the hangup and decide for itself
	unix.Close(fds[1])

	m := newMachine(t)

	var revents int16
	var n int
	c, err := m.New(func(c *coroutines.Coroutine) {
		revents = c.Wait(fds[0], coroutines.Readable)
		buf := make([]byte, 16)
		n, _ = unix.Read(fds[0], buf)
		unix.Close(fds[0])
	})
	if err != nil {
		t.Fatal("creating coroutine:", err)
	}

	c.Start()
	m.Run()

	assert.NotZero(t, revents)
	assert.Zero(t, n)
	assert.Equal(t, coroutines.StateDead, c.State())

	m.Destruct()
}

func TestExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMachine(t)

	var before, after bool
	c, err := m.New(func(c *coroutines.Coroutine) {
		before = true
		c.Exit()
		after = true
	})
	if err != nil {
		t.Fatal("creating coroutine:", err)
	}

	c.Start()
	m.Run()

	assert.True(t, before)
	assert.False(t, after)
	assert.Equal(t, coroutines.StateDead, c.State())

	m.Destruct()
}

func TestUserDataAndNames(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMachine(t)

	c, err := m.NewWithOptions(func(c *coroutines.Coroutine) {
		assert.Equal(t, 42, c.UserData().(int))
		c.SetUserData("done")
	}, coroutines.Options{Name: "worker", UserData: 42})
	if err != nil {
		t.Fatal("creating coroutine:", err)
	}

	assert.Equal(t, "worker", c.Name())

	d, err := m.New(func(*coroutines.Coroutine) {})
	if err != nil {
		t.Fatal("creating coroutine:", err)
	}
	assert.Equal(t, fmt.Sprintf("co-%d", d.ID()), d.Name())
	d.SetName("renamed")
	assert.Equal(t, "renamed", d.Name())

	c.Start()
	d.Start()
	m.Run()

	assert.Equal(t, "done", c.UserData().(string))
	m.Destruct()
}

func TestStackSize(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newMachine(t)

	_, err := m.NewWithOptions(func(*coroutines.Coroutine) {}, coroutines.Options{StackSize: -1})
	assert.Error(t, err)

	c, err := m.NewWithOptions(func(*coroutines.Coroutine) {}, coroutines.Options{StackSize: 1 << 16})
	assert.NoError(t, err)

	// zero is not an error, it just means the default
	d, err := m.NewWithOptions(func(*coroutines.Coroutine) {}, coroutines.Options{StackSize: 0})
	assert.NoError(t, err)

	c.Start()
	d.Start()
	m.Run()
	m.Destruct()
}
