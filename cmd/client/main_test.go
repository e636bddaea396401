package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/dallison/coroutines"
)

func TestParseHeaders(t *testing.T) {
	first, headers := parseHeaders([]byte(
		"HTTP/1.1 200 OK\r\nContent-Length: 42\r\ntransfer-encoding: chunked\r\n\r\n"))

	assert.Equal(t, []string{"HTTP/1.1", "200", "OK"}, first)
	assert.Equal(t, "42", headers["CONTENT-LENGTH"])
	assert.Equal(t, "chunked", headers["TRANSFER-ENCODING"])
}

// decode runs a body decoder inside a machine, feeding it raw over a pipe.
func decode(t *testing.T, raw string, run func(b *body)) string {
	t.Helper()

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal("pipe:", err)
	}
	go func() {
		unix.Write(fds[1], []byte(raw))
		unix.Close(fds[1])
	}()

	m, err := coroutines.NewMachine()
	if err != nil {
		t.Fatal("creating machine:", err)
	}

	out := &strings.Builder{}
	c, err := m.New(func(c *coroutines.Coroutine) {
		run(&body{c: c, fd: fds[0], out: out})
		unix.Close(fds[0])
	})
	if err != nil {
		t.Fatal("creating coroutine:", err)
	}

	c.Start()
	m.Run()
	m.Destruct()
	return out.String()
}

func TestCopyN(t *testing.T) {
	defer goleak.VerifyNone(t)

	got := decode(t, "hello worldTRAILING", func(b *body) {
		b.copyN(11, false)
	})
	assert.Equal(t, "hello world", got)
}

func TestChunked(t *testing.T) {
	defer goleak.VerifyNone(t)

	raw := "5\r\nhello\r\n6\r\n world\r\nA\r\n0123456789\r\n0\r\n\r\n"
	got := decode(t, raw, func(b *body) {
		b.chunked()
	})
	assert.Equal(t, "hello world0123456789", got)
}

func TestChunkedLeftover(t *testing.T) {
	defer goleak.VerifyNone(t)

	// leftover head bytes already in the buffer, rest over the pipe
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal("pipe:", err)
	}
	go func() {
		unix.Write(fds[1], []byte("llo\r\n0\r\n\r\n"))
		unix.Close(fds[1])
	}()

	m, err := coroutines.NewMachine()
	if err != nil {
		t.Fatal("creating machine:", err)
	}

	out := &strings.Builder{}
	c, err := m.New(func(c *coroutines.Coroutine) {
		b := &body{c: c, fd: fds[0], buf: []byte("5\r\nhe"), out: out}
		b.chunked()
		unix.Close(fds[0])
	})
	if err != nil {
		t.Fatal("creating coroutine:", err)
	}

	c.Start()
	m.Run()
	m.Destruct()

	assert.Equal(t, "hello", out.String())
}
