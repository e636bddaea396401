// A concurrent HTTP/1.1 GET client. Launches N coroutines that each fetch
// the same file from the same host and stream the body to stdout,
// understanding both Content-Length and chunked transfer encoding.
//
// usage: client -j <jobs> <host> <filename>
package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dallison/coroutines"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: client -j <jobs> <host> <filename>")
	os.Exit(1)
}

// serverData is shared by all fetch coroutines as user data.
type serverData struct {
	host     string
	addr     [4]byte // IPv4 address of the server
	filename string
}

// sendToServer writes the request in bounded pieces, waiting for
// writability before each one.
func sendToServer(c *coroutines.Coroutine, fd int, data []byte) bool {
	const maxPiece = 1024
	for len(data) > 0 {
		c.Wait(fd, coroutines.Writable)

		piece := min(maxPiece, len(data))
		n, err := unix.Write(fd, data[:piece])
		if err != nil {
			fmt.Println("write:", err)
			return false
		}
		if n == 0 {
			return false
		}
		data = data[n:]
	}
	return true
}

// parseHeaders splits a raw response head into the status-line fields and
// the MIME headers. Header names are upper-cased; they are case
// insensitive.
func parseHeaders(head []byte) (first []string, headers map[string]string) {
	headers = map[string]string{}

	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return
	}
	first = strings.Fields(lines[0])

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToUpper(name)] = strings.TrimSpace(value)
	}
	return
}

// body streams response content off a connection, starting from whatever
// was left over after the head.
type body struct {
	c   *coroutines.Coroutine
	fd  int
	buf []byte // unconsumed bytes
	out io.Writer
}

// fill waits for more data and replaces the buffer with it. False on EOF or
// error.
func (b *body) fill() bool {
	b.c.Wait(b.fd, coroutines.Readable)

	buf := make([]byte, 256)
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		fmt.Println("read:", err)
		return false
	}
	if n == 0 {
		return false
	}
	b.buf = buf[:n]
	return true
}

// copyN consumes length bytes, writing them to the output unless quiet.
func (b *body) copyN(length int, quiet bool) {
	for length > 0 {
		if len(b.buf) == 0 {
			if !b.fill() {
				return
			}
		}
		n := min(length, len(b.buf))
		if !quiet {
			b.out.Write(b.buf[:n])
		}
		b.buf = b.buf[n:]
		length -= n
	}
}

// chunkLength reads the hex chunk-length line preceding each chunk.
func (b *body) chunkLength() (length int) {
	for {
		if len(b.buf) == 0 {
			if !b.fill() {
				return 0
			}
		}
		ch := b.buf[0]
		b.buf = b.buf[1:]

		switch {
		case ch == '\r':
			// skip the \n and we're at the chunk data
			if len(b.buf) == 0 {
				b.fill()
			}
			if len(b.buf) > 0 {
				b.buf = b.buf[1:]
			}
			return
		case ch >= '0' && ch <= '9':
			length = length<<4 | int(ch-'0')
		case ch >= 'a' && ch <= 'f':
			length = length<<4 | int(ch-'a'+10)
		case ch >= 'A' && ch <= 'F':
			length = length<<4 | int(ch-'A'+10)
		}
	}
}

// chunked streams chunks until the zero-length terminator.
func (b *body) chunked() {
	for {
		length := b.chunkLength()
		if length == 0 {
			return
		}
		b.copyN(length, false)
		b.copyN(2, true) // the CRLF after the chunk
	}
}

// fetch runs one GET against the server and streams the body out.
func fetch(c *coroutines.Coroutine) {
	data := c.UserData().(*serverData)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		fmt.Println("socket:", err)
		return
	}
	defer unix.Close(fd)

	if err = unix.Connect(fd, &unix.SockaddrInet4{Port: 80, Addr: data.addr}); err != nil {
		fmt.Println("connect:", err)
		return
	}

	request := fmt.Appendf(nil, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", data.filename, data.host)
	if !sendToServer(c, fd, request) {
		fmt.Fprintln(os.Stderr, "Failed to send to server")
		return
	}

	// read until the blank line terminating the response head
	var head []byte
	buf := make([]byte, 64)
	for !bytes.Contains(head, []byte("\r\n\r\n")) {
		c.Wait(fd, coroutines.Readable)

		n, err := unix.Read(fd, buf)
		if err != nil {
			fmt.Println("read:", err)
			return
		}
		if n == 0 {
			// EOF while reading the head, nothing we can do
			return
		}
		head = append(head, buf[:n]...)
	}

	// split off any body bytes that came in with the head
	sep := bytes.Index(head, []byte("\r\n\r\n"))
	rest := head[sep+4:]
	head = head[:sep+4]

	first, headers := parseHeaders(head)
	if len(first) < 2 {
		fmt.Fprintln(os.Stderr, "Malformed status line")
		return
	}
	proto, status := first[0], first[1]

	if code, _ := strconv.Atoi(status); code != 200 {
		fmt.Fprintf(os.Stderr, "%s Error: %s: %s\n", proto, status, strings.Join(first[2:], " "))
		return
	}

	b := &body{c: c, fd: fd, buf: rest, out: os.Stdout}
	if headers["TRANSFER-ENCODING"] == "chunked" {
		b.chunked()
	} else if v, ok := headers["CONTENT-LENGTH"]; ok {
		length, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Bad Content-length:", v)
			return
		}
		b.copyN(length, false)
	} else {
		fmt.Fprintln(os.Stderr, "Don't know how many bytes to read, no Content-length in headers")
	}
}

func main() {
	var host, filename string
	jobs := 1

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-j":
			// -j N
			i++
			if i >= len(args) {
				usage()
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				usage()
			}
			jobs = n
		case strings.HasPrefix(arg, "-j"):
			// -jN
			n, err := strconv.Atoi(arg[2:])
			if err != nil {
				usage()
			}
			jobs = n
		case strings.HasPrefix(arg, "-"):
			usage()
		case host == "":
			host = arg
		case filename == "":
			filename = arg
		default:
			usage()
		}
	}
	if host == "" || filename == "" {
		usage()
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unknown host", host)
		os.Exit(1)
	}
	var addr [4]byte
	found := false
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			addr = [4]byte(v4)
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintln(os.Stderr, "no IPv4 address for host", host)
		os.Exit(1)
	}

	m, err := coroutines.NewMachine()
	if err != nil {
		fmt.Println("Failed to create machine:", err)
		os.Exit(1)
	}

	data := &serverData{host: host, addr: addr, filename: filename}
	for i := 0; i < jobs; i++ {
		c, err := m.NewWithOptions(fetch, coroutines.Options{UserData: data})
		if err != nil {
			fmt.Println("Failed to create coroutine:", err)
			os.Exit(1)
		}
		c.Start()
	}

	m.Run()
	m.Destruct()
}
