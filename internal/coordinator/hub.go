package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Konzui/Quixel-Portal-sub001/internal/export"
	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
	"github.com/Konzui/Quixel-Portal-sub001/internal/ipc"
	"github.com/Konzui/Quixel-Portal-sub001/internal/metrics"
	"github.com/Konzui/Quixel-Portal-sub001/internal/queue"
	"github.com/Konzui/Quixel-Portal-sub001/internal/state"
	errs "github.com/Konzui/Quixel-Portal-sub001/pkg/errors"
)

// becomeHub attempts the exclusive bind that decides the election. On
// success the process owns the IPC endpoint, the export endpoint and a
// fresh ClusterState; nothing is carried over from any previous hub.
func (c *Coordinator) becomeHub() error {
	listener, err := ipc.Listen(c.cfg.IPCAddr, c.handleHubMessage)
	if err != nil {
		return err
	}

	exportLn, err := c.bindExport()
	if err != nil {
		listener.Close()
		return err
	}

	cluster := state.NewClusterState(c.cfg.PID, listener.Addr())
	cluster.Instances[c.cfg.InstanceID] = &state.InstanceRecord{
		ID:            c.cfg.InstanceID,
		PID:           c.cfg.PID,
		LastHeartbeat: time.Now(),
		DisplayName:   c.cfg.DisplayName,
	}
	cluster.Bump()

	c.mu.Lock()
	c.role = RoleHub
	c.listener = listener
	c.exportLn = exportLn
	c.cluster = cluster
	c.hubConn = nil
	c.saveLocked()
	c.mu.Unlock()

	metrics.Instances.Set(1)
	log.Printf("Elected hub (pid %d) on %s, exports on %s",
		c.cfg.PID, listener.Addr(), exportLn.Addr())

	c.wg.Add(1)
	go c.sweepLoop()
	return nil
}

// bindExport retries briefly: the previous hub's export socket can
// linger a moment after its IPC endpoint is already free.
func (c *Coordinator) bindExport() (*export.Listener, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		ln, err := export.Listen(c.cfg.ExportAddr, c.cfg.ExportReadTimeout, c.routeExports)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("bind export endpoint: %w", lastErr)
}

// saveLocked persists the cluster state. Caller holds c.mu.
func (c *Coordinator) saveLocked() {
	if err := c.store.Save(c.cluster); err != nil {
		log.Printf("Persist cluster state: %v", err)
	}
}

// handleHubMessage serves one IPC request on its connection's read
// goroutine. Every request is answered with ACK or ERROR.
func (c *Coordinator) handleHubMessage(conn *ipc.Conn, msg *ipc.Message) {
	switch msg.Type {
	case ipc.MsgRegister:
		var p ipc.RegisterPayload
		if err := msg.Decode(&p); err != nil {
			conn.ReplyError(msg, "bad register payload")
			return
		}
		c.register(p.InstanceID, p.DisplayName, conn)
		conn.Reply(msg, ipc.MsgAck, ipc.RegisterAck{InstanceID: p.InstanceID})

	case ipc.MsgUnregister:
		var p ipc.UnregisterPayload
		if err := msg.Decode(&p); err != nil {
			conn.ReplyError(msg, "bad unregister payload")
			return
		}
		c.unregister(p.InstanceID)
		conn.Reply(msg, ipc.MsgAck, nil)

	case ipc.MsgClaimActive:
		var p ipc.ClaimActivePayload
		if err := msg.Decode(&p); err != nil {
			conn.ReplyError(msg, "bad claim payload")
			return
		}
		if err := c.claimActive(p.InstanceID); err != nil {
			conn.ReplyError(msg, err.Error())
			return
		}
		conn.Reply(msg, ipc.MsgAck, ipc.ClaimActiveAck{ActiveInstanceID: p.InstanceID})

	case ipc.MsgReleaseActive:
		var p ipc.ReleaseActivePayload
		if err := msg.Decode(&p); err != nil {
			conn.ReplyError(msg, "bad release payload")
			return
		}
		c.releaseActive(p.InstanceID)
		conn.Reply(msg, ipc.MsgAck, nil)

	case ipc.MsgHeartbeat:
		var p ipc.HeartbeatPayload
		if err := msg.Decode(&p); err != nil {
			conn.ReplyError(msg, "bad heartbeat payload")
			return
		}
		c.heartbeat(p.InstanceID, p.PID)
		conn.Reply(msg, ipc.MsgAck, nil)

	default:
		conn.ReplyError(msg, fmt.Sprintf("unexpected %s on hub endpoint", msg.Type))
	}
}

func (c *Coordinator) register(id, displayName string, conn *ipc.Conn) {
	c.mu.Lock()
	c.cluster.Instances[id] = &state.InstanceRecord{
		ID:            id,
		LastHeartbeat: time.Now(),
		DisplayName:   displayName,
	}
	c.conns[id] = conn
	c.cluster.Bump()
	c.saveLocked()
	count := len(c.cluster.Instances)
	c.mu.Unlock()

	conn.OnClose(func() { c.dropConn(id, conn) })

	metrics.Instances.Set(float64(count))
	log.Printf("Instance registered: %s (%s)", shortID(id), displayName)
}

// dropConn forgets a dead connection. The record itself stays until
// UNREGISTER or heartbeat eviction; a client may reconnect.
func (c *Coordinator) dropConn(id string, conn *ipc.Conn) {
	c.mu.Lock()
	if c.conns[id] == conn {
		delete(c.conns, id)
	}
	c.mu.Unlock()
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	_, known := c.cluster.Instances[id]
	if !known {
		c.mu.Unlock()
		return
	}
	delete(c.cluster.Instances, id)
	delete(c.conns, id)

	cleared := false
	if c.cluster.ActiveInstanceID == id {
		// Never silently reassign; the user claims again explicitly.
		c.cluster.ActiveInstanceID = ""
		cleared = true
	}
	c.cluster.Bump()
	c.saveLocked()
	count := len(c.cluster.Instances)
	c.mu.Unlock()

	metrics.Instances.Set(float64(count))
	log.Printf("Instance unregistered: %s", shortID(id))
	if cleared {
		c.broadcastActive("")
		c.notifyActiveChanged("")
	}
}

func (c *Coordinator) claimActive(id string) error {
	c.mu.Lock()
	if _, known := c.cluster.Instances[id]; !known {
		c.mu.Unlock()
		return errs.ErrUnknownInstance
	}
	c.cluster.ActiveInstanceID = id
	c.cluster.Bump()
	c.saveLocked()
	c.mu.Unlock()

	metrics.ActiveClaims.Inc()
	log.Printf("Active instance: %s", shortID(id))

	c.broadcastActive(id)
	c.notifyActiveChanged(id)

	// Exports held while nothing was active now have a destination.
	go c.flushPending()
	return nil
}

func (c *Coordinator) releaseActive(id string) {
	c.mu.Lock()
	if c.cluster.ActiveInstanceID != id {
		c.mu.Unlock()
		return
	}
	c.cluster.ActiveInstanceID = ""
	c.cluster.Bump()
	c.saveLocked()
	c.mu.Unlock()

	log.Printf("Active instance released by %s", shortID(id))
	c.broadcastActive("")
	c.notifyActiveChanged("")
}

// heartbeat refreshes liveness only; it does not bump the generation.
func (c *Coordinator) heartbeat(id string, pid int) {
	c.mu.Lock()
	if rec, ok := c.cluster.Instances[id]; ok {
		rec.LastHeartbeat = time.Now()
		if rec.PID == 0 {
			rec.PID = pid
		}
	}
	c.mu.Unlock()
	metrics.HeartbeatsReceived.Inc()
}

// broadcastActive pushes the new designation to every connected
// client. Notifications need no reply; a client that misses one learns
// the truth on its next interaction.
func (c *Coordinator) broadcastActive(activeID string) {
	c.mu.Lock()
	gen := c.cluster.Generation
	conns := make([]*ipc.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	msg, err := ipc.NewMessage(ipc.MsgActiveChanged, ipc.ActiveChangedPayload{
		ActiveInstanceID: activeID,
		Generation:       gen,
	})
	if err != nil {
		return
	}
	for _, conn := range conns {
		if err := conn.Notify(msg); err != nil {
			log.Printf("Active-change notify failed: %v", err)
		}
	}
}

// sweepLoop evicts instances whose heartbeats have gone stale and
// refreshes the hub's own liveness beacon in the persisted state.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Coordinator) sweep() {
	now := time.Now()

	c.mu.Lock()
	if self, ok := c.cluster.Instances[c.cfg.InstanceID]; ok {
		self.LastHeartbeat = now
	}

	var evicted []string
	for id, rec := range c.cluster.Instances {
		if id == c.cfg.InstanceID {
			continue
		}
		if now.Sub(rec.LastHeartbeat) > c.cfg.EvictAfter {
			delete(c.cluster.Instances, id)
			delete(c.conns, id)
			evicted = append(evicted, id)
		}
	}

	cleared := false
	for _, id := range evicted {
		if c.cluster.ActiveInstanceID == id {
			c.cluster.ActiveInstanceID = ""
			cleared = true
		}
	}
	if len(evicted) > 0 {
		c.cluster.Bump()
	} else {
		c.cluster.UpdatedAt = now
	}
	c.saveLocked()
	count := len(c.cluster.Instances)
	retry := c.cluster.ActiveInstanceID != "" && len(c.pending) > 0
	c.mu.Unlock()

	if len(evicted) > 0 {
		metrics.InstancesEvicted.Add(float64(len(evicted)))
		metrics.Instances.Set(float64(count))
		for _, id := range evicted {
			log.Printf("Instance evicted (heartbeat timeout): %s", shortID(id))
		}
	}
	if cleared {
		log.Printf("Active instance was evicted; no instance is active until the next claim")
		c.broadcastActive("")
		c.notifyActiveChanged("")
	}

	// Exports held back by an earlier transport failure get another
	// try once per sweep while an active instance exists.
	if retry && !cleared {
		go c.flushPending()
	}
}

// routeExports is the export listener's sink. It runs on a socket
// goroutine and only enqueues or sends.
func (c *Coordinator) routeExports(reqs []importer.Request) {
	for _, req := range reqs {
		c.routeItem(queue.Item{ID: uuid.NewString(), Request: req})
	}
}

func (c *Coordinator) routeItem(it queue.Item) {
	c.mu.Lock()
	active := c.cluster.ActiveInstanceID

	switch {
	case active == "":
		// Held until someone claims; never guess a target.
		c.pending = append(c.pending, it)
		c.mu.Unlock()
		metrics.ImportsRouted.WithLabelValues("held").Inc()
		log.Printf("Export %s held: no active instance", it.Request.Path)
		return

	case active == c.cfg.InstanceID:
		c.mu.Unlock()
		c.queue.Enqueue(it.ID, it.Request)
		metrics.ImportsRouted.WithLabelValues("local").Inc()
		return
	}

	conn := c.conns[active]
	c.mu.Unlock()

	if conn == nil {
		c.requeue(it, "active instance has no connection")
		return
	}
	if err := c.pushImport(conn, it); err != nil {
		c.requeue(it, err.Error())
		return
	}
	metrics.ImportsRouted.WithLabelValues("remote").Inc()
}

// pushImport sends IMPORT_DATA and waits for the ACK. The item's id is
// reused as the correlation id so a retried push cannot duplicate work
// on the receiver.
func (c *Coordinator) pushImport(conn *ipc.Conn, it queue.Item) error {
	msg, err := ipc.NewMessage(ipc.MsgImportData, ipc.ImportDataPayload{Request: it.Request})
	if err != nil {
		return err
	}
	msg.CorrelationID = it.ID

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	reply, err := conn.Request(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Type == ipc.MsgError {
		return fmt.Errorf("import rejected: %s", reply.ErrorReason())
	}

	var ack ipc.ImportDataAck
	if err := reply.Decode(&ack); err != nil {
		return fmt.Errorf("bad import ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("import not accepted")
	}
	return nil
}

// requeue keeps an undeliverable export at the hub. An export is never
// silently lost; the notice is the user-visible trace.
func (c *Coordinator) requeue(it queue.Item, reason string) {
	c.mu.Lock()
	c.pending = append(c.pending, it)
	c.mu.Unlock()

	metrics.ImportsRequeued.Inc()
	log.Printf("NOTICE: export %s could not reach the active instance (%s); held at hub",
		it.Request.Path, reason)
}

// flushPending re-routes exports held while no instance was active.
// Runs on its own goroutine: routing may push over the very connection
// whose read handler triggered the claim.
func (c *Coordinator) flushPending() {
	c.mu.Lock()
	held := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, it := range held {
		c.routeItem(it)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
