package admin

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Konzui/Quixel-Portal-sub001/internal/coordinator"
	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
	"github.com/Konzui/Quixel-Portal-sub001/internal/queue"
	"github.com/Konzui/Quixel-Portal-sub001/internal/state"
)

func startHub(t *testing.T) *coordinator.Coordinator {
	t.Helper()

	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	q := queue.New(importer.Func(func(importer.Request) error { return nil }),
		nil, time.Hour, time.Hour)
	require.NoError(t, q.Start())

	c := coordinator.New(coordinator.Config{
		DisplayName: "admin-test",
		IPCAddr:     freeAddr(t),
		ExportAddr:  freeAddr(t),
	}, store, q)
	require.NoError(t, c.Start())
	require.Equal(t, coordinator.RoleHub, c.Role())

	t.Cleanup(func() {
		c.Close()
		q.Close()
	})
	return c
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startServer(t *testing.T, coord *coordinator.Coordinator) *Server {
	t.Helper()
	s := NewServer(freeAddr(t), coord)
	go s.Start()
	t.Cleanup(func() { s.Stop() })

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", s.Addr())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
	return s
}

// do sends one inline RESP command and returns the raw reply line(s).
func do(t *testing.T, addr string, args ...string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	var req strings.Builder
	req.WriteString("*" + strconv.Itoa(len(args)) + "\r\n")
	for _, a := range args {
		req.WriteString("$" + strconv.Itoa(len(a)) + "\r\n" + a + "\r\n")
	}
	_, err = conn.Write([]byte(req.String()))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)

	// Bulk replies announce their body length.
	if strings.HasPrefix(line, "$") && !strings.HasPrefix(line, "$-1") {
		n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
		require.NoError(t, err)
		body := make([]byte, n+2)
		_, err = io.ReadFull(r, body)
		require.NoError(t, err)
		line += string(body)
	}
	return line
}

func TestServer_Ping(t *testing.T) {
	coord := startHub(t)
	s := startServer(t, coord)

	reply := do(t, s.Addr(), "PING")
	require.Equal(t, "+PONG\r\n", reply)
}

func TestServer_StatusReportsRole(t *testing.T) {
	coord := startHub(t)
	s := startServer(t, coord)

	reply := do(t, s.Addr(), "STATUS")
	require.Contains(t, reply, "role:hub")
	require.Contains(t, reply, "instance_id:"+coord.InstanceID())
	require.Contains(t, reply, "generation:")
}

func TestServer_ClaimAndRelease(t *testing.T) {
	coord := startHub(t)
	s := startServer(t, coord)

	reply := do(t, s.Addr(), "CLAIM")
	require.Equal(t, "+OK\r\n", reply)
	require.Equal(t, coord.InstanceID(), coord.ActiveInstanceID())

	reply = do(t, s.Addr(), "RELEASE")
	require.Equal(t, "+OK\r\n", reply)
	require.Empty(t, coord.ActiveInstanceID())
}

func TestServer_ClaimUnknownInstance(t *testing.T) {
	coord := startHub(t)
	s := startServer(t, coord)

	reply := do(t, s.Addr(), "CLAIM", "no-such-instance")
	require.True(t, strings.HasPrefix(reply, "-ERR"), "got %q", reply)
}

func TestServer_UnknownCommand(t *testing.T) {
	coord := startHub(t)
	s := startServer(t, coord)

	reply := do(t, s.Addr(), "FLY")
	require.True(t, strings.HasPrefix(reply, "-ERR unknown command"), "got %q", reply)
}
