// Package queue holds imports that have been accepted but not yet
// handed to the asset importer. The queue is unbounded and insertion
// ordered; a single drain goroutine delivers one item at a time
// because the downstream importer is not safe to invoke reentrantly.
package queue

import (
	"log"
	"sync"
	"time"

	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
	"github.com/Konzui/Quixel-Portal-sub001/internal/metrics"
)

// Item is one queued import, keyed by the correlation id under which
// it was accepted.
type Item struct {
	ID      string           `json:"id"`
	Request importer.Request `json:"request"`
}

// Queue is a thread-safe import queue with an idempotent enqueue and
// an adaptive-cadence drain loop. Producers (socket and IPC
// goroutines) only ever call Enqueue; delivery happens solely on the
// drain goroutine.
type Queue struct {
	imp     importer.Importer
	journal *Journal

	idlePoll time.Duration
	busyPoll time.Duration

	mu         sync.Mutex
	items      []Item
	seen       map[string]struct{}
	inProgress bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a queue. journal may be nil, in which case accepted items
// do not survive a process restart.
func New(imp importer.Importer, journal *Journal, idlePoll, busyPoll time.Duration) *Queue {
	return &Queue{
		imp:      imp,
		journal:  journal,
		idlePoll: idlePoll,
		busyPoll: busyPoll,
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Start replays the journal and begins draining.
func (q *Queue) Start() error {
	if q.journal != nil {
		entries, err := q.journal.Replay()
		if err != nil {
			return err
		}
		q.mu.Lock()
		for _, it := range entries {
			q.items = append(q.items, it)
			q.seen[it.ID] = struct{}{}
		}
		depth := len(q.items)
		q.mu.Unlock()

		if depth > 0 {
			log.Printf("Import queue: replayed %d pending request(s) from journal", depth)
		}
		metrics.ImportQueueDepth.Set(float64(depth))
	}

	q.wg.Add(1)
	go q.drainLoop()
	return nil
}

// Enqueue accepts a request under id. A correlation id that was
// already accepted is reported as accepted again without growing the
// queue, so re-delivered IMPORT_DATA messages cannot duplicate work.
// The item is journaled before this returns: an ACK sent after
// Enqueue means the request is durable.
func (q *Queue) Enqueue(id string, req importer.Request) bool {
	q.mu.Lock()
	if _, dup := q.seen[id]; dup {
		q.mu.Unlock()
		return true
	}
	q.seen[id] = struct{}{}
	q.items = append(q.items, Item{ID: id, Request: req})
	depth := len(q.items)
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.Append(id, req); err != nil {
			log.Printf("Import queue: journal append failed: %v", err)
		}
	}
	metrics.ImportQueueDepth.Set(float64(depth))
	return true
}

// Len reports the number of undelivered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the pending items for inspection.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// drainLoop polls the queue on a timer, accelerating while items are
// pending. The poll itself never blocks on anything but Deliver.
func (q *Queue) drainLoop() {
	defer q.wg.Done()

	timer := time.NewTimer(q.idlePoll)
	defer timer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-timer.C:
		}

		q.pollOnce()

		q.mu.Lock()
		pending := len(q.items) > 0
		q.mu.Unlock()
		if pending {
			timer.Reset(q.busyPoll)
		} else {
			timer.Reset(q.idlePoll)
		}
	}
}

// pollOnce delivers at most one item. The inProgress flag forbids a
// second delivery while one is running.
func (q *Queue) pollOnce() {
	q.mu.Lock()
	if q.inProgress || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.inProgress = true
	depth := len(q.items)
	q.mu.Unlock()

	metrics.ImportQueueDepth.Set(float64(depth))

	err := q.imp.Deliver(item.Request)
	if err != nil {
		// Keep the journal entry so the request is retried on the
		// next process run; this run moves on.
		log.Printf("Import of %s failed: %v", item.Request.Path, err)
	} else if q.journal != nil {
		if jerr := q.journal.Remove(item.ID); jerr != nil {
			log.Printf("Import queue: journal remove failed: %v", jerr)
		}
	}

	q.mu.Lock()
	q.inProgress = false
	q.mu.Unlock()
}

// Close stops the drain loop. Queued items stay journaled.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
}
