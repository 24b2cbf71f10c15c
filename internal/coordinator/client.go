package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Konzui/Quixel-Portal-sub001/internal/ipc"
	"github.com/Konzui/Quixel-Portal-sub001/internal/state"
	errs "github.com/Konzui/Quixel-Portal-sub001/pkg/errors"
)

// becomeClient connects to whichever process won the election. When
// the dial fails too (the hub died between our bind attempt and now),
// the failover loop takes over and either finds the new hub or wins
// the re-election itself.
func (c *Coordinator) becomeClient() error {
	addr := c.hubAddrFromStore()
	if err := c.connectToHub(addr); err != nil {
		log.Printf("Hub at %s not reachable, entering failover: %v", addr, err)
		c.failover()
	}
	return nil
}

// hubAddrFromStore reads the persisted hub address, falling back to
// the configured well-known endpoint.
func (c *Coordinator) hubAddrFromStore() string {
	st, err := c.store.Load()
	if err == nil && st != nil && st.HubAddr != "" {
		return st.HubAddr
	}
	return c.cfg.IPCAddr
}

// connectToHub dials, registers and starts heartbeating. Any
// previously held "active" designation is gone: the hub we register
// with decides who is active now.
func (c *Coordinator) connectToHub(addr string) error {
	conn, err := ipc.Dial(addr, c.cfg.DialTimeout, c.handleClientMessage)
	if err != nil {
		return err
	}

	msg, err := ipc.NewMessage(ipc.MsgRegister, ipc.RegisterPayload{
		InstanceID:  c.cfg.InstanceID,
		DisplayName: c.cfg.DisplayName,
	})
	if err != nil {
		conn.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	reply, err := conn.Request(ctx, msg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}
	if reply.Type == ipc.MsgError {
		conn.Close()
		return fmt.Errorf("register rejected: %s", reply.ErrorReason())
	}

	var ack ipc.RegisterAck
	if err := reply.Decode(&ack); err != nil || ack.InstanceID != c.cfg.InstanceID {
		conn.Close()
		return fmt.Errorf("register ack mismatch")
	}

	c.mu.Lock()
	c.role = RoleClient
	c.hubConn = conn
	c.activeView = ""
	c.mu.Unlock()

	conn.OnClose(func() { go c.onHubLost(conn) })
	go c.heartbeatLoop(conn)

	// First heartbeat right away so the hub learns our pid.
	c.sendHeartbeat(conn)

	log.Printf("Registered with hub at %s as %s", addr, shortID(c.cfg.InstanceID))
	return nil
}

// handleClientMessage serves hub-originated messages on the
// connection's read goroutine.
func (c *Coordinator) handleClientMessage(conn *ipc.Conn, msg *ipc.Message) {
	switch msg.Type {
	case ipc.MsgImportData:
		var p ipc.ImportDataPayload
		if err := msg.Decode(&p); err != nil {
			conn.ReplyError(msg, "bad import payload")
			return
		}
		// The enqueue journals before returning, so this ACK promises
		// durability, not completion.
		accepted := c.queue.Enqueue(msg.CorrelationID, p.Request)
		conn.Reply(msg, ipc.MsgAck, ipc.ImportDataAck{Accepted: accepted})

	case ipc.MsgActiveChanged:
		var p ipc.ActiveChangedPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.activeView = p.ActiveInstanceID
		c.mu.Unlock()
		c.notifyActiveChanged(p.ActiveInstanceID)

	case ipc.MsgError:
		log.Printf("Hub error: %s", msg.ErrorReason())

	default:
		conn.ReplyError(msg, fmt.Sprintf("unexpected %s on client", msg.Type))
	}
}

func (c *Coordinator) heartbeatLoop(conn *ipc.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if !c.sendHeartbeat(conn) {
				return
			}
		}
	}
}

// sendHeartbeat reports liveness. A transport failure closes the
// connection, which is what triggers failover.
func (c *Coordinator) sendHeartbeat(conn *ipc.Conn) bool {
	msg, err := ipc.NewMessage(ipc.MsgHeartbeat, ipc.HeartbeatPayload{
		InstanceID: c.cfg.InstanceID,
		PID:        c.cfg.PID,
	})
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	if _, err := conn.Request(ctx, msg); err != nil {
		log.Printf("Heartbeat failed: %v", err)
		conn.Close()
		return false
	}
	return true
}

// onHubLost runs once when the hub connection dies for any reason
// other than our own shutdown.
func (c *Coordinator) onHubLost(conn *ipc.Conn) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	if c.hubConn != conn {
		c.mu.Unlock()
		return
	}
	c.hubConn = nil
	c.mu.Unlock()

	log.Printf("Hub connection lost, probing for a successor")
	c.failover()
}

// failover resolves a dead hub. The persisted state decides: a fresh
// hub record means reconnect, a stale or absent one means race for the
// exclusive endpoint. Exactly one racer wins; the rest re-register
// with the winner. Nobody is active until an explicit re-claim.
func (c *Coordinator) failover() {
	watcher, werr := state.NewWatcher(c.store)
	if werr != nil {
		log.Printf("State watcher unavailable, falling back to timed retries: %v", werr)
	} else {
		defer watcher.Close()
	}

	for {
		select {
		case <-c.done:
			return
		default:
		}

		st, err := c.store.Load()
		hubFresh := err == nil && st != nil && st.HubAddr != "" &&
			time.Since(st.UpdatedAt) <= c.cfg.EvictAfter

		if hubFresh {
			if cerr := c.connectToHub(st.HubAddr); cerr == nil {
				return
			}
		} else {
			if herr := c.becomeHub(); herr == nil {
				log.Printf("Won hub re-election; previous membership discarded")
				return
			}
			// Lost the race; the winner publishes its state shortly.
		}

		if watcher != nil {
			select {
			case <-c.done:
				return
			case <-watcher.Updates():
			case <-time.After(c.cfg.HeartbeatInterval):
			}
		} else {
			select {
			case <-c.done:
				return
			case <-time.After(c.cfg.HeartbeatInterval):
			}
		}
	}
}

// Claim designates this instance as the receiver of routed imports.
func (c *Coordinator) Claim(ctx context.Context) error {
	return c.ClaimInstance(ctx, c.cfg.InstanceID)
}

// ClaimInstance designates id as active. On a client only the own
// instance can be claimed; claiming an arbitrary id is a hub operation.
func (c *Coordinator) ClaimInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	role := c.role
	conn := c.hubConn
	c.mu.Unlock()

	if role == RoleHub {
		return c.claimActive(id)
	}
	if id != c.cfg.InstanceID {
		return errs.ErrNotHub
	}
	if conn == nil {
		return errs.ErrNotRegistered
	}

	msg, err := ipc.NewMessage(ipc.MsgClaimActive, ipc.ClaimActivePayload{InstanceID: id})
	if err != nil {
		return err
	}
	reply, err := conn.Request(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Type == ipc.MsgError {
		return fmt.Errorf("claim rejected: %s", reply.ErrorReason())
	}

	c.mu.Lock()
	c.activeView = id
	c.mu.Unlock()
	c.notifyActiveChanged(id)
	return nil
}

// Release gives up this instance's active designation.
func (c *Coordinator) Release(ctx context.Context) error {
	c.mu.Lock()
	role := c.role
	conn := c.hubConn
	c.mu.Unlock()

	if role == RoleHub {
		c.releaseActive(c.cfg.InstanceID)
		return nil
	}
	if conn == nil {
		return errs.ErrNotRegistered
	}

	msg, err := ipc.NewMessage(ipc.MsgReleaseActive, ipc.ReleaseActivePayload{InstanceID: c.cfg.InstanceID})
	if err != nil {
		return err
	}
	reply, err := conn.Request(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Type == ipc.MsgError {
		return fmt.Errorf("release rejected: %s", reply.ErrorReason())
	}
	return nil
}

// sendUnregister is the best-effort goodbye on graceful shutdown.
func (c *Coordinator) sendUnregister(conn *ipc.Conn) {
	msg, err := ipc.NewMessage(ipc.MsgUnregister, ipc.UnregisterPayload{InstanceID: c.cfg.InstanceID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn.Request(ctx, msg)
}
