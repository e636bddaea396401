// A single-threaded HTTP/1.1 GET server. One coroutine listens for
// connections and spawns a coroutine per client; every blocking point is a
// wait on the machine, so all connections progress together without
// threads.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dallison/coroutines"
)

// clientData travels to each connection coroutine as user data, which owns
// the descriptor from there on.
type clientData struct {
	fd int
	sa unix.Sockaddr
}

// sendToClient writes data to the connection in bounded pieces, waiting for
// writability before each one.
func sendToClient(c *coroutines.Coroutine, fd int, data []byte) {
	const maxPiece = 1024
	for len(data) > 0 {
		c.Wait(fd, coroutines.Writable)

		piece := min(maxPiece, len(data))
		n, err := unix.Write(fd, data[:piece])
		if err != nil {
			fmt.Println("write:", err)
			return
		}
		if n == 0 {
			return
		}
		data = data[n:]
	}
}

// parseHeaders splits a raw request head into the first-line fields and the
// MIME headers. Header names are upper-cased; they are case insensitive.
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

// readHead reads from the connection until the blank line ending the
// request head, returning everything read so far.
func readHead(c *coroutines.Coroutine, fd int) (head []byte, ok bool) {
	buf := make([]byte, 64)
	for {
		c.Wait(fd, coroutines.Readable)

		n, err := unix.Read(fd, buf)
		if err != nil {
			fmt.Println("read:", err)
			return nil, false
		}
		if n == 0 {
			// EOF while reading the head, nothing we can do
			return nil, false
		}
		head = append(head, buf[:n]...)

		if bytes.Contains(head, []byte("\r\n\r\n")) {
			return head, true
		}
	}
}

// serve handles one connection: parse the request, send the file or an
// error status back.
func serve(c *coroutines.Coroutine) {
	data := c.UserData().(*clientData)
	fd := data.fd
	defer unix.Close(fd)

	head, ok := readHead(c, fd)
	if !ok {
		return
	}

	first, headers := parseHeaders(head)
	if len(first) < 3 {
		return
	}
	method, filename, proto := first[0], first[1], first[2]

	host := headers["HOST"]
	if host == "" {
		host = "unknown"
	}
	fmt.Printf("%s: %s for %s from %s\n", c.Name(), method, filename, host)

	// only the GET method for now
	if method != "GET" {
		sendToClient(c, fd, fmt.Appendf(nil, "%s 400 Invalid request method\r\n\r\n", proto))
		return
	}

	var st unix.Stat_t
	if err := unix.Stat(filename, &st); err != nil {
		sendToClient(c, fd, fmt.Appendf(nil, "%s 404 Not Found\r\n\r\n", proto))
		return
	}
	file, err := unix.Open(filename, unix.O_RDONLY, 0)
	if err != nil {
		sendToClient(c, fd, fmt.Appendf(nil, "%s 404 Not Found\r\n\r\n", proto))
		return
	}
	defer unix.Close(file)

	sendToClient(c, fd, fmt.Appendf(nil,
		"%s 200 OK\r\nContent-type: text/html\r\nContent-length: %d\r\n\r\n",
		proto, st.Size))

	buf := make([]byte, 1024)
	for {
		c.Wait(file, coroutines.Readable)

		n, err := unix.Read(file, buf)
		if err != nil {
			fmt.Println("file read:", err)
			return
		}
		if n == 0 {
			return
		}
		sendToClient(c, fd, buf[:n])
	}
}

// listen accepts connections forever, spawning a coroutine for each one.
func listen(c *coroutines.Coroutine) {
	port := c.UserData().(int)

	s, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		fmt.Println("socket:", err)
		return
	}
	unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err = unix.Bind(s, &unix.SockaddrInet4{Port: port}); err != nil {
		fmt.Println("bind:", err)
		unix.Close(s)
		return
	}
	if err = unix.Listen(s, 10); err != nil {
		fmt.Println("listen:", err)
		unix.Close(s)
		return
	}

	for {
		// wait for an incoming connection; everyone else runs meanwhile
		c.Wait(s, coroutines.Readable)

		fd, sa, err := unix.Accept(s)
		if err != nil {
			fmt.Println("accept:", err)
			continue
		}

		// the connection coroutine owns the descriptor now
		conn, err := c.Machine().NewWithOptions(serve, coroutines.Options{
			UserData: &clientData{fd: fd, sa: sa},
		})
		if err != nil {
			fmt.Println("spawning connection coroutine:", err)
			unix.Close(fd)
			continue
		}
		conn.Start()
	}
}

func main() {
	fconfig := flag.String("config", "", "path to a HuJSON config file")
	flag.Parse()

	cfg, err := loadConfig(*fconfig)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}

	m, err := coroutines.NewMachine()
	if err != nil {
		fmt.Println("Failed to create machine:", err)
		os.Exit(1)
	}

	l, err := m.NewWithOptions(listen, coroutines.Options{
		Name:     "listener",
		UserData: cfg.Port,
	})
	if err != nil {
		fmt.Println("Failed to create listener:", err)
		os.Exit(1)
	}
	l.Start()

	fmt.Println("Listening on port", cfg.Port)
	m.Run()
	m.Destruct()
}
