// Package ipc carries typed request/ack messages between local editor
// processes. Frames are a 4-byte big-endian length followed by a JSON
// body. Connections are persistent and full-duplex: either side may
// originate a request, and replies are matched to requests by
// correlation id, so a heartbeat in flight never blocks an import push
// travelling the other way.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	errs "github.com/Konzui/Quixel-Portal-sub001/pkg/errors"
)

const maxFrameSize = 1024 * 1024

// Handler receives messages that are not replies. The handler runs on
// the connection's read goroutine, so it must only enqueue or consult
// guarded state, and it must answer via Reply before returning when
// the message expects one.
type Handler func(c *Conn, msg *Message)

// Conn is one persistent IPC connection.
type Conn struct {
	nc      net.Conn
	handler Handler

	sendMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan *Message

	done      chan struct{}
	closeOnce sync.Once

	closeMu sync.Mutex
	onClose []func()
}

// Dial connects to an IPC endpoint. A refused or unreachable endpoint
// yields ErrUnreachable.
func Dial(addr string, timeout time.Duration, handler Handler) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", addr, errs.ErrUnreachable, err)
	}
	c := newConn(nc, handler)
	c.start()
	return c, nil
}

func newConn(nc net.Conn, handler Handler) *Conn {
	return &Conn{
		nc:      nc,
		handler: handler,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
}

func (c *Conn) start() {
	go c.readLoop()
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Done is closed when the connection is gone; clients watch it to
// detect hub failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// OnClose registers a callback invoked once when the connection dies.
// A callback registered after the connection already died runs
// immediately.
func (c *Conn) OnClose(fn func()) {
	c.closeMu.Lock()
	select {
	case <-c.done:
		c.closeMu.Unlock()
		fn()
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.closeMu.Unlock()
}

// Request sends msg and blocks until the matching ACK or ERROR
// arrives, the context expires, or the connection dies. An ERROR reply
// is returned as a message, not an error: the transport worked.
func (c *Conn) Request(ctx context.Context, msg *Message) (*Message, error) {
	ch := make(chan *Message, 1)
	c.pendMu.Lock()
	c.pending[msg.CorrelationID] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.pendMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", msg.Type, errs.ErrTimeout)
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", msg.Type, errs.ErrClosed)
	}
}

// Notify sends a message that expects no reply.
func (c *Conn) Notify(msg *Message) error {
	return c.write(msg)
}

// Reply answers a request with an ACK or ERROR payload.
func (c *Conn) Reply(to *Message, typ MessageType, payload any) error {
	m, err := NewReply(to, typ, payload)
	if err != nil {
		return err
	}
	return c.write(m)
}

// ReplyError answers a request with an ERROR carrying reason.
func (c *Conn) ReplyError(to *Message, reason string) error {
	return c.Reply(to, MsgError, ErrorPayload{Reason: reason})
}

func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > maxFrameSize {
		return errs.ErrPayloadTooLarge
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return errs.ErrClosed
	default:
	}

	if _, err := c.nc.Write(buf); err != nil {
		c.Close()
		return fmt.Errorf("write frame: %w: %v", errs.ErrUnreachable, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.Close()

	for {
		data, err := readFrame(c.nc)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("IPC: dropping unparsable frame from %s: %v", c.RemoteAddr(), err)
			continue
		}

		if msg.isReply() {
			c.pendMu.Lock()
			ch, ok := c.pending[msg.CorrelationID]
			c.pendMu.Unlock()
			if ok {
				ch <- &msg
			} else if msg.Type == MsgError {
				log.Printf("IPC: unsolicited error from %s: %s", c.RemoteAddr(), msg.ErrorReason())
			}
			continue
		}

		if c.handler != nil {
			c.handler(c, &msg)
		}
	}
}

// Close tears the connection down and unblocks all pending requests.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		close(c.done)
		callbacks := c.onClose
		c.onClose = nil
		c.closeMu.Unlock()

		c.nc.Close()
		for _, fn := range callbacks {
			fn()
		}
	})
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxFrameSize {
		return nil, errs.ErrPayloadTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
