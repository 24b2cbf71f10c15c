package ipc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "github.com/Konzui/Quixel-Portal-sub001/pkg/errors"
)

// echoListener ACKs every request with its own payload.
func echoListener(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", func(c *Conn, msg *Message) {
		var hb HeartbeatPayload
		_ = msg.Decode(&hb)
		require.NoError(t, c.Reply(msg, MsgAck, hb))
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestConn_RequestAck(t *testing.T) {
	l := echoListener(t)

	conn, err := Dial(l.Addr(), time.Second, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg, err := NewMessage(MsgHeartbeat, HeartbeatPayload{InstanceID: "abc", PID: 7})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := conn.Request(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, MsgAck, reply.Type)
	require.Equal(t, msg.CorrelationID, reply.CorrelationID)

	var hb HeartbeatPayload
	require.NoError(t, reply.Decode(&hb))
	require.Equal(t, "abc", hb.InstanceID)
	require.Equal(t, 7, hb.PID)
}

func TestConn_OrderPreservedOnOneConnection(t *testing.T) {
	l := echoListener(t)

	conn, err := Dial(l.Addr(), time.Second, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 50; i++ {
		msg, err := NewMessage(MsgHeartbeat, HeartbeatPayload{InstanceID: "seq", PID: i})
		require.NoError(t, err)

		reply, err := conn.Request(ctx, msg)
		require.NoError(t, err)

		var hb HeartbeatPayload
		require.NoError(t, reply.Decode(&hb))
		require.Equal(t, i, hb.PID)
	}
}

func TestConn_RequestTimeout(t *testing.T) {
	// Handler that never replies.
	l, err := Listen("127.0.0.1:0", func(c *Conn, msg *Message) {})
	require.NoError(t, err)
	defer l.Close()

	conn, err := Dial(l.Addr(), time.Second, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg, err := NewMessage(MsgHeartbeat, HeartbeatPayload{InstanceID: "x", PID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = conn.Request(ctx, msg)
	require.ErrorIs(t, err, errs.ErrTimeout)
}

func TestConn_ErrorReplyIsNotTransportError(t *testing.T) {
	l, err := Listen("127.0.0.1:0", func(c *Conn, msg *Message) {
		require.NoError(t, c.ReplyError(msg, "no such instance"))
	})
	require.NoError(t, err)
	defer l.Close()

	conn, err := Dial(l.Addr(), time.Second, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg, err := NewMessage(MsgClaimActive, ClaimActivePayload{InstanceID: "ghost"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := conn.Request(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, MsgError, reply.Type)
	require.Equal(t, "no such instance", reply.ErrorReason())
}

func TestConn_DialUnreachable(t *testing.T) {
	// Grab a port and release it so nothing listens there.
	l, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	addr := l.Addr()
	require.NoError(t, l.Close())

	_, err = Dial(addr, 500*time.Millisecond, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrUnreachable)
}

func TestConn_ServerPushReachesDialerHandler(t *testing.T) {
	got := make(chan *Message, 1)

	var serverConn atomic.Pointer[Conn]
	l, err := Listen("127.0.0.1:0", func(c *Conn, msg *Message) {
		serverConn.Store(c)
		require.NoError(t, c.Reply(msg, MsgAck, nil))
	})
	require.NoError(t, err)
	defer l.Close()

	conn, err := Dial(l.Addr(), time.Second, func(c *Conn, msg *Message) {
		got <- msg
	})
	require.NoError(t, err)
	defer conn.Close()

	// One request so the server learns the connection.
	reg, err := NewMessage(MsgRegister, RegisterPayload{InstanceID: "a", DisplayName: "a"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = conn.Request(ctx, reg)
	require.NoError(t, err)

	note, err := NewMessage(MsgActiveChanged, ActiveChangedPayload{ActiveInstanceID: "a", Generation: 3})
	require.NoError(t, err)
	require.NoError(t, serverConn.Load().Notify(note))

	select {
	case msg := <-got:
		require.Equal(t, MsgActiveChanged, msg.Type)
		var p ActiveChangedPayload
		require.NoError(t, msg.Decode(&p))
		require.Equal(t, "a", p.ActiveInstanceID)
		require.Equal(t, uint64(3), p.Generation)
	case <-time.After(2 * time.Second):
		t.Fatal("pushed notification never arrived")
	}
}

func TestConn_CloseUnblocksPendingRequests(t *testing.T) {
	l, err := Listen("127.0.0.1:0", func(c *Conn, msg *Message) {})
	require.NoError(t, err)
	defer l.Close()

	conn, err := Dial(l.Addr(), time.Second, nil)
	require.NoError(t, err)

	msg, err := NewMessage(MsgHeartbeat, HeartbeatPayload{InstanceID: "x", PID: 1})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, rerr := conn.Request(context.Background(), msg)
		errCh <- rerr
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case rerr := <-errCh:
		require.Error(t, rerr)
		require.True(t, errors.Is(rerr, errs.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not unblocked by Close")
	}
}

func TestListener_ExclusiveBind(t *testing.T) {
	l, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(l.Addr(), nil)
	require.Error(t, err, "second bind of the same endpoint must fail")
}

func TestConn_OnCloseRunsOnce(t *testing.T) {
	l := echoListener(t)

	conn, err := Dial(l.Addr(), time.Second, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	conn.OnClose(func() { calls.Add(1) })

	conn.Close()
	conn.Close()
	require.Equal(t, int32(1), calls.Load())

	// Registration after death fires immediately.
	conn.OnClose(func() { calls.Add(1) })
	require.Equal(t, int32(2), calls.Load())
}
