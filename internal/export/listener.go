// Package export accepts externally-triggered import notifications on
// the well-known export port. Only the hub runs this listener. The
// sender writes one JSON payload per connection and closes; the
// payload is a single object or an array of objects.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
	"github.com/Konzui/Quixel-Portal-sub001/internal/metrics"
)

const maxPayloadSize = 16 * 1024 * 1024

// payload is the wire form of one export notification.
type payload struct {
	Path       string `json:"path"`
	Name       string `json:"name,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Sink receives parsed requests from connection goroutines. It must
// only enqueue or route; it never touches host state directly.
type Sink func(reqs []importer.Request)

// Listener is the export endpoint.
type Listener struct {
	ln          net.Listener
	sink        Sink
	readTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the export port and starts accepting.
func Listen(addr string, readTimeout time.Duration, sink Sink) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	l := &Listener{
		ln:          ln,
		sink:        sink,
		readTimeout: readTimeout,
		done:        make(chan struct{}),
	}

	log.Printf("Export listener on %s", ln.Addr())

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
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				log.Printf("Export accept error: %v", err)
				continue
			}
		}
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(l.readTimeout))

	data, err := io.ReadAll(io.LimitReader(conn, maxPayloadSize))
	if err != nil {
		log.Printf("Export read from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	reqs, err := parsePayload(data)
	if err != nil {
		// Malformed payloads are logged and dropped; the sender is a
		// browser-side script we do not control.
		log.Printf("Export payload from %s dropped: %v", conn.RemoteAddr(), err)
		metrics.ExportParseFailures.Inc()
		return
	}
	if len(reqs) == 0 {
		return
	}

	metrics.ExportsReceived.Add(float64(len(reqs)))
	l.sink(reqs)
}

// parsePayload accepts either one object or an array of objects.
// Entries without a path are skipped.
func parsePayload(data []byte) ([]importer.Request, error) {
	trimmed := bytes.TrimSpace(data)

	var raw []payload
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("parse export array: %w", err)
		}
	} else {
		var one payload
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("parse export object: %w", err)
		}
		raw = append(raw, one)
	}

	now := time.Now()
	reqs := make([]importer.Request, 0, len(raw))
	for _, p := range raw {
		if p.Path == "" {
			log.Printf("Export entry without path skipped")
			continue
		}
		reqs = append(reqs, importer.Request{
			Path:       p.Path,
			Name:       p.Name,
			Resolution: p.Resolution,
			ReceivedAt: now,
		})
	}
	return reqs, nil
}

// Close stops the listener. In-flight connections finish on their own.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.ln.Close()
		l.wg.Wait()
	})
	return nil
}
