package transport

import (
	"fmt"
	"net"
)

// Listener accepts TCP connections and wraps each as a Transport.
type Listener struct {
	ln net.Listener
}

// Listen binds to host:port. An empty host binds all interfaces.
func Listen(host string, port int) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a connection arrives, returning it wrapped as a
// Transport. It returns an error once Stop has been called.
func (l *Listener) Accept() (*Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Stop closes the listening socket, unblocking any Accept in progress.
func (l *Listener) Stop() error {
	return l.ln.Close()
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
