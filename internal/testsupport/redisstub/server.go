// Package redisstub runs a minimal in-process Redis listener for tests.
// It speaks just enough RESP2 for the rate limiter's windowed counters:
// INCR, EXPIRE and TTL, plus the handshake commands go-redis issues on
// connect. State lives in memory and dies with the server.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub server.
type Options struct {
	// Password, when set, requires clients to AUTH before other commands.
	Password string
}

// Server is a single-process fake Redis bound to a loopback port.
type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu     sync.Mutex
	kv     map[string]*kvEntry
	closed bool
}

type kvEntry struct {
	value  int64
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Start listens on an ephemeral loopback port and serves connections
// until Close is called.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("redisstub: listen: %w", err)
	}
	s := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
	}
	go s.serve()
	return s, nil
}

// Addr returns the host:port the stub is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Close stops the listener. In-flight connections are abandoned.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authed := s.opts.Password == ""

	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		cmd := strings.ToUpper(args[0])

		switch cmd {
		case "HELLO":
			// go-redis probes RESP3 first and falls back to the
			// legacy AUTH/SELECT handshake on this error.
			writeError(writer, "ERR unknown command 'hello'")
		case "AUTH":
			if len(args) < 2 {
				writeError(writer, "ERR wrong number of arguments for 'auth' command")
				break
			}
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authed = true
				writeSimpleString(writer, "OK")
			} else {
				writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "PING":
			writeSimpleString(writer, "PONG")
		case "SELECT", "CLIENT":
			writeSimpleString(writer, "OK")
		default:
			if !authed {
				writeError(writer, "NOAUTH Authentication required.")
				break
			}
			s.dispatch(writer, cmd, args[1:])
		}

		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) {
	switch cmd {
	case "INCR":
		if len(args) != 1 {
			writeError(w, "ERR wrong number of arguments for 'incr' command")
			return
		}
		writeInteger(w, s.incr(args[0]))
	case "EXPIRE":
		if len(args) != 2 {
			writeError(w, "ERR wrong number of arguments for 'expire' command")
			return
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			writeError(w, "ERR value is not an integer or out of range")
			return
		}
		if s.expire(args[0], seconds) {
			writeInteger(w, 1)
		} else {
			writeInteger(w, 0)
		}
	case "TTL":
		if len(args) != 1 {
			writeError(w, "ERR wrong number of arguments for 'ttl' command")
			return
		}
		writeInteger(w, s.ttl(args[0]))
	default:
		writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.kv[key]
	if !ok || entry.expired(now) {
		entry = &kvEntry{}
		s.kv[key] = entry
	}
	entry.value++
	return entry.value
}

func (s *Server) expire(key string, seconds int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		return false
	}
	entry.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
	return true
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		return -2
	}
	secs := int64(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// SetCount overwrites a key's counter, letting tests fabricate state.
func (s *Server) SetCount(key string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = &kvEntry{value: value}
}

func readArray(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		// Tolerate inline commands from hand-typed clients.
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("redisstub: bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("redisstub: bad bulk header %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("redisstub: bad bulk length %q", header)
		}
		buf := make([]byte, size+2)
		if _, err := ioReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimpleString(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "+%s\r\n", s)
}

func writeError(w *bufio.Writer, msg string) {
	fmt.Fprintf(w, "-%s\r\n", msg)
}

func writeInteger(w *bufio.Writer, n int64) {
	fmt.Fprintf(w, ":%d\r\n", n)
}
