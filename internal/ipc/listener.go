package ipc

import (
	"fmt"
	"net"
	"sync"
)

// Listener accepts IPC connections on the well-known endpoint. The
// exclusive TCP bind doubles as the hub arbitration primitive: the one
// process whose Listen succeeds is the hub, every other process gets a
// bind error and falls back to the client role.
type Listener struct {
	ln      net.Listener
	handler Handler

	mu    sync.Mutex
	conns map[*Conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds addr exclusively and starts accepting. A bind failure
// is returned as-is so the caller can distinguish "someone else is
// hub" from programming errors.
func Listen(addr string, handler Handler) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	l := &Listener{
		ln:      ln,
		handler: handler,
		conns:   make(map[*Conn]struct{}),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr reports the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				continue
			}
		}

		conn := newConn(nc, l.handler)
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		conn.OnClose(func() {
			l.mu.Lock()
			delete(l.conns, conn)
			l.mu.Unlock()
		})
		conn.start()
	}
}

// Close stops accepting and drops every live connection.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.ln.Close()

		l.mu.Lock()
		conns := make([]*Conn, 0, len(l.conns))
		for c := range l.conns {
			conns = append(conns, c)
		}
		l.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
		l.wg.Wait()
	})
	return nil
}
