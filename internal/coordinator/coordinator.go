// Package coordinator elects one editor process as the hub, tracks
// every other process as a client, and routes externally-triggered
// import requests to whichever instance is currently active. It is the
// only package with coordination business rules; transport, state and
// queueing are collaborators.
package coordinator

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Konzui/Quixel-Portal-sub001/internal/export"
	"github.com/Konzui/Quixel-Portal-sub001/internal/ipc"
	"github.com/Konzui/Quixel-Portal-sub001/internal/queue"
	"github.com/Konzui/Quixel-Portal-sub001/internal/state"
)

// Role is the process's position in the cluster.
type Role int

const (
	RoleStarting Role = iota
	RoleHub
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleStarting:
		return "starting"
	case RoleHub:
		return "hub"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Config carries the per-process coordination settings.
type Config struct {
	InstanceID  string
	DisplayName string
	PID         int

	IPCAddr    string
	ExportAddr string

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	EvictAfter        time.Duration
	DialTimeout       time.Duration
	RequestTimeout    time.Duration
	ExportReadTimeout time.Duration

	// OnActiveChanged is invoked whenever this process learns of a new
	// active-instance designation, so a UI can reflect it without
	// polling. Called from coordination goroutines; must not block.
	OnActiveChanged func(activeID string)
}

func (cfg *Config) applyDefaults() {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 2 * time.Second
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 3 * cfg.HeartbeatInterval
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.ExportReadTimeout == 0 {
		cfg.ExportReadTimeout = 5 * time.Second
	}
}

// Coordinator is the per-process state machine. All mutable
// coordination state lives here, guarded by one mutex; there are no
// package-level globals.
type Coordinator struct {
	cfg   Config
	store *state.Store
	queue *queue.Queue

	mu   sync.Mutex
	role Role

	// Hub side.
	listener *ipc.Listener
	exportLn *export.Listener
	cluster  *state.ClusterState
	conns    map[string]*ipc.Conn
	pending  []queue.Item

	// Client side.
	hubConn    *ipc.Conn
	activeView string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a coordinator. The queue must be started by the caller;
// the coordinator only feeds it.
func New(cfg Config, store *state.Store, q *queue.Queue) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:   cfg,
		store: store,
		queue: q,
		conns: make(map[string]*ipc.Conn),
		done:  make(chan struct{}),
	}
}

// Start resolves the role. Winning the exclusive bind of the IPC
// endpoint makes this process the hub; losing it makes it a client of
// whoever won.
func (c *Coordinator) Start() error {
	if err := c.becomeHub(); err == nil {
		return nil
	}
	return c.becomeClient()
}

// Role reports the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// InstanceID reports this process's instance id.
func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// ActiveInstanceID reports the last known active-instance designation.
func (c *Coordinator) ActiveInstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == RoleHub {
		return c.cluster.ActiveInstanceID
	}
	return c.activeView
}

// ClusterSnapshot returns a copy of the authoritative state. Nil on a
// client, which only holds a partial view.
func (c *Coordinator) ClusterSnapshot() *state.ClusterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleHub || c.cluster == nil {
		return nil
	}
	return c.cluster.Clone()
}

// QueueDepth reports the local import queue length.
func (c *Coordinator) QueueDepth() int {
	return c.queue.Len()
}

// QueueSnapshot copies the local import queue for inspection.
func (c *Coordinator) QueueSnapshot() []queue.Item {
	return c.queue.Snapshot()
}

// PendingExports reports hub-held exports awaiting an active instance.
func (c *Coordinator) PendingExports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) notifyActiveChanged(activeID string) {
	if c.cfg.OnActiveChanged != nil {
		c.cfg.OnActiveChanged(activeID)
	}
}

// Close shuts the coordinator down. A client sends a best-effort
// UNREGISTER first; a hub releases the endpoints and removes the state
// file so a survivor can win the next election without waiting.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		role := c.role
		hubConn := c.hubConn
		c.mu.Unlock()

		if role == RoleClient && hubConn != nil {
			c.sendUnregister(hubConn)
		}

		close(c.done)

		c.mu.Lock()
		listener := c.listener
		exportLn := c.exportLn
		conns := make([]*ipc.Conn, 0, len(c.conns))
		for _, conn := range c.conns {
			conns = append(conns, conn)
		}
		c.mu.Unlock()

		if exportLn != nil {
			exportLn.Close()
		}
		for _, conn := range conns {
			conn.Close()
		}
		if hubConn != nil {
			hubConn.Close()
		}
		if listener != nil {
			listener.Close()
		}

		c.wg.Wait()

		if role == RoleHub {
			// A cleanly departed hub leaves no state behind; whoever
			// starts next elects from scratch.
			if err := c.store.Remove(); err != nil {
				log.Printf("Remove state file: %v", err)
			}
		}
	})
	return nil
}
