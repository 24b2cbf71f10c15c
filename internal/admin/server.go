// Package admin exposes a local RESP endpoint for inspecting and
// driving the coordinator: the same claim/release entry points the IPC
// messages use, plus status output any redis client can read.
package admin

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"

	"github.com/Konzui/Quixel-Portal-sub001/internal/coordinator"
)

const commandTimeout = 5 * time.Second

type CommandFunc func(conn redcon.Conn, args [][]byte)

// Server is the admin endpoint.
type Server struct {
	addr     string
	coord    *coordinator.Coordinator
	commands map[string]CommandFunc

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
}

// NewServer wires the command table.
func NewServer(addr string, coord *coordinator.Coordinator) *Server {
	s := &Server{
		addr:     addr,
		coord:    coord,
		commands: make(map[string]CommandFunc),
	}
	s.registerCommands()
	return s
}

func (s *Server) registerCommands() {
	s.commands["PING"] = s.cmdPing
	s.commands["STATUS"] = s.cmdStatus
	s.commands["INSTANCES"] = s.cmdInstances
	s.commands["QUEUE"] = s.cmdQueue
	s.commands["CLAIM"] = s.cmdClaim
	s.commands["RELEASE"] = s.cmdRelease
	s.commands["QUIT"] = s.cmdQuit
}

// Start serves until Stop.
func (s *Server) Start() error {
	log.Printf("Admin endpoint on %s", s.addr)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr, s.handleCommand, nil, nil)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

// Stop closes the endpoint.
func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr reports the bound address.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	name := strings.ToUpper(string(cmd.Args[0]))
	fn, ok := s.commands[name]
	if !ok {
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", name))
		return
	}
	fn(conn, cmd.Args[1:])
}

func (s *Server) cmdPing(conn redcon.Conn, args [][]byte) {
	conn.WriteString("PONG")
}

func (s *Server) cmdQuit(conn redcon.Conn, args [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

// cmdStatus writes CLUSTER INFO-style lines.
func (s *Server) cmdStatus(conn redcon.Conn, args [][]byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "role:%s\r\n", s.coord.Role())
	fmt.Fprintf(&b, "instance_id:%s\r\n", s.coord.InstanceID())
	fmt.Fprintf(&b, "active_instance_id:%s\r\n", s.coord.ActiveInstanceID())
	fmt.Fprintf(&b, "import_queue_depth:%d\r\n", s.coord.QueueDepth())

	if st := s.coord.ClusterSnapshot(); st != nil {
		fmt.Fprintf(&b, "hub_pid:%d\r\n", st.HubPID)
		fmt.Fprintf(&b, "hub_addr:%s\r\n", st.HubAddr)
		fmt.Fprintf(&b, "generation:%d\r\n", st.Generation)
		fmt.Fprintf(&b, "known_instances:%d\r\n", len(st.Instances))
		fmt.Fprintf(&b, "held_exports:%d\r\n", s.coord.PendingExports())
	}
	conn.WriteBulkString(b.String())
}

func (s *Server) cmdInstances(conn redcon.Conn, args [][]byte) {
	st := s.coord.ClusterSnapshot()
	if st == nil {
		conn.WriteError("ERR not the hub")
		return
	}

	ids := make([]string, 0, len(st.Instances))
	for id := range st.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	conn.WriteArray(len(ids))
	for _, id := range ids {
		rec := st.Instances[id]
		marker := ""
		if id == st.ActiveInstanceID {
			marker = " active"
		}
		conn.WriteBulkString(fmt.Sprintf("%s pid=%d name=%q last_heartbeat=%s%s",
			rec.ID, rec.PID, rec.DisplayName,
			rec.LastHeartbeat.Format(time.RFC3339), marker))
	}
}

func (s *Server) cmdQueue(conn redcon.Conn, args [][]byte) {
	items := s.coord.QueueSnapshot()
	conn.WriteArray(len(items))
	for _, it := range items {
		conn.WriteBulkString(fmt.Sprintf("%s path=%s name=%q resolution=%s",
			it.ID, it.Request.Path, it.Request.Name, it.Request.Resolution))
	}
}

// cmdClaim marks this instance active, or an arbitrary instance when
// run against the hub.
func (s *Server) cmdClaim(conn redcon.Conn, args [][]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	if len(args) > 0 {
		err = s.coord.ClaimInstance(ctx, string(args[0]))
	} else {
		err = s.coord.Claim(ctx)
	}
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func (s *Server) cmdRelease(conn redcon.Conn, args [][]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := s.coord.Release(ctx); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}
