// Package transport implements the asynchronous, newline-framed line
// protocol over a TCP connection: FIFO ordering per connection, explicit
// close semantics, and non-blocking sends. The design keeps the original's
// contract — BeginSend/BeginReceive-style async messaging with FIFO
// queuing and a terminal closed state — but collapses its callback/thread
// plumbing into goroutines and channels, per the callbacks-to-structured-
// concurrency note in the design.
package transport

import (
	"bufio"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Result classifies the outcome delivered to a Receive handler.
type Result int

const (
	// OK indicates a complete line was delivered.
	OK Result = iota
	// TransientIOError indicates a non-fatal read hiccup; the transport
	// remains open and further receives may be issued.
	TransientIOError
	// Closed indicates the transport has reached its terminal state,
	// including the peer-hangup case where a read yields zero bytes.
	Closed
)

// Handler is invoked exactly once for the next complete line (or failure
// indication) registered via Receive. It is always invoked outside of any
// transport-held lock, so a Handler may call Send on the same Transport
// without risk of deadlock.
type Handler func(line string, result Result)

type arrival struct {
	line   string
	result Result
}

// Transport is a bidirectional stream of newline-terminated text messages
// layered over an accepted net.Conn.
type Transport struct {
	ID         uuid.UUID
	conn       net.Conn
	remoteAddr string

	mu       sync.Mutex
	closed   bool
	handlers []Handler // receive requests awaiting a line, FIFO
	backlog  []arrival // lines/results awaiting a receive request, FIFO

	outMu  sync.Mutex
	outbox []string
	wake   chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an accepted connection. The caller must not use conn directly
// afterward.
func New(conn net.Conn) *Transport {
	t := &Transport{
		ID:         uuid.New(),
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go t.writeLoop()
	go t.readLoop()
	return t
}

// RemoteAddress returns the human-readable "ip:port" of the peer.
func (t *Transport) RemoteAddress() string {
	return t.remoteAddr
}

// Send enqueues msg for transmission, appending a newline if msg lacks
// one. It returns immediately; the write happens asynchronously on the
// transport's single writer goroutine, which preserves FIFO order. Send
// returns false if the transport is already closed, in which case the
// message is discarded.
func (t *Transport) Send(msg string) bool {
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}

	t.outMu.Lock()
	t.outbox = append(t.outbox, msg)
	t.outMu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// Receive registers one-shot delivery of the next complete line to
// handler. Multiple outstanding Receive calls are served in the order
// they were registered.
func (t *Transport) Receive(handler Handler) {
	t.mu.Lock()
	if len(t.backlog) > 0 {
		a := t.backlog[0]
		t.backlog = t.backlog[1:]
		t.mu.Unlock()
		go handler(a.line, a.result)
		return
	}
	if t.closed {
		t.mu.Unlock()
		go handler("", Closed)
		return
	}
	t.handlers = append(t.handlers, handler)
	t.mu.Unlock()
}

// Close is idempotent: it transitions the transport to its terminal
// closed state, fails every pending receive with Closed, and stops
// accepting new sends.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		pending := t.handlers
		t.handlers = nil
		t.backlog = nil
		t.mu.Unlock()

		_ = t.conn.Close()
		close(t.done)

		for _, h := range pending {
			go h("", Closed)
		}
	})
}

func (t *Transport) writeLoop() {
	for {
		t.outMu.Lock()
		for len(t.outbox) == 0 {
			t.outMu.Unlock()
			select {
			case <-t.wake:
			case <-t.done:
				return
			}
			t.outMu.Lock()
		}
		msg := t.outbox[0]
		t.outbox = t.outbox[1:]
		t.outMu.Unlock()

		if _, err := t.conn.Write([]byte(msg)); err != nil {
			t.Close()
			return
		}
	}
}

func (t *Transport) readLoop() {
	r := bufio.NewReader(t.conn)
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\n")
		line = strings.ReplaceAll(line, "\r", "")

		if err != nil {
			if line != "" {
				// Deliver whatever was read before the error, then the
				// terminal indication on the next Receive.
				t.deliver(line, OK)
			}
			t.deliverClose()
			t.Close()
			return
		}
		t.deliver(line, OK)
	}
}

func (t *Transport) deliver(line string, result Result) {
	t.mu.Lock()
	if len(t.handlers) == 0 {
		t.backlog = append(t.backlog, arrival{line, result})
		t.mu.Unlock()
		return
	}
	h := t.handlers[0]
	t.handlers = t.handlers[1:]
	t.mu.Unlock()
	go h(line, result)
}

func (t *Transport) deliverClose() {
	t.mu.Lock()
	h, ok := t.popHandler()
	t.mu.Unlock()
	if ok {
		go h("", Closed)
	}
}

// popHandler removes and returns the first pending handler, if any. The
// caller must hold t.mu.
func (t *Transport) popHandler() (Handler, bool) {
	if len(t.handlers) == 0 {
		return nil, false
	}
	h := t.handlers[0]
	t.handlers = t.handlers[1:]
	return h, true
}
