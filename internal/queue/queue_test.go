package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
)

// collectingImporter records deliveries and can be made slow or flaky.
type collectingImporter struct {
	mu        sync.Mutex
	delivered []importer.Request
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	delay     time.Duration
	failPaths map[string]bool
}

func (ci *collectingImporter) Deliver(req importer.Request) error {
	cur := ci.inFlight.Add(1)
	defer ci.inFlight.Add(-1)
	for {
		max := ci.maxSeen.Load()
		if cur <= max || ci.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	if ci.delay > 0 {
		time.Sleep(ci.delay)
	}
	if ci.failPaths[req.Path] {
		return fmt.Errorf("import refused")
	}

	ci.mu.Lock()
	ci.delivered = append(ci.delivered, req)
	ci.mu.Unlock()
	return nil
}

func (ci *collectingImporter) paths() []string {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	out := make([]string, len(ci.delivered))
	for i, r := range ci.delivered {
		out[i] = r.Path
	}
	return out
}

func newTestQueue(t *testing.T, imp importer.Importer) *Queue {
	t.Helper()
	q := New(imp, nil, 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, q.Start())
	t.Cleanup(q.Close)
	return q
}

func TestQueue_DeliversInOrder(t *testing.T) {
	ci := &collectingImporter{}
	q := newTestQueue(t, ci)

	for i := 0; i < 5; i++ {
		ok := q.Enqueue(fmt.Sprintf("id-%d", i), importer.Request{Path: fmt.Sprintf("/assets/%d", i)})
		require.True(t, ok)
	}

	require.Eventually(t, func() bool { return len(ci.paths()) == 5 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t,
		[]string{"/assets/0", "/assets/1", "/assets/2", "/assets/3", "/assets/4"},
		ci.paths())
	require.Equal(t, 0, q.Len())
}

func TestQueue_EnqueueIdempotent(t *testing.T) {
	ci := &collectingImporter{delay: 50 * time.Millisecond}
	q := newTestQueue(t, ci)

	require.True(t, q.Enqueue("dup", importer.Request{Path: "/assets/rock"}))
	require.True(t, q.Enqueue("dup", importer.Request{Path: "/assets/rock"}))
	require.True(t, q.Enqueue("dup", importer.Request{Path: "/assets/rock"}))

	require.Eventually(t, func() bool { return len(ci.paths()) >= 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, ci.paths(), 1, "re-delivered id must not duplicate work")
}

func TestQueue_NeverDeliversConcurrently(t *testing.T) {
	ci := &collectingImporter{delay: 30 * time.Millisecond}
	q := newTestQueue(t, ci)

	for i := 0; i < 8; i++ {
		q.Enqueue(fmt.Sprintf("c-%d", i), importer.Request{Path: fmt.Sprintf("/a/%d", i)})
	}

	require.Eventually(t, func() bool { return len(ci.paths()) == 8 },
		5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), ci.maxSeen.Load(), "Deliver must never run reentrantly")
}

func TestQueue_FailedDeliveryDoesNotStall(t *testing.T) {
	ci := &collectingImporter{failPaths: map[string]bool{"/bad": true}}
	q := newTestQueue(t, ci)

	q.Enqueue("f-1", importer.Request{Path: "/bad"})
	q.Enqueue("f-2", importer.Request{Path: "/good"})

	require.Eventually(t, func() bool { return len(ci.paths()) == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"/good"}, ci.paths())
}

func TestQueue_SnapshotAndLen(t *testing.T) {
	ci := &collectingImporter{delay: 500 * time.Millisecond} // first item holds the drain
	q := newTestQueue(t, ci)

	q.Enqueue("s-0", importer.Request{Path: "/blocked"})
	require.Eventually(t, func() bool { return ci.inFlight.Load() == 1 },
		2*time.Second, 10*time.Millisecond)

	q.Enqueue("s-1", importer.Request{Path: "/waiting-1", Name: "Rock_01"})
	q.Enqueue("s-2", importer.Request{Path: "/waiting-2"})

	require.Equal(t, 2, q.Len())
	snap := q.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "s-1", snap[0].ID)
	require.Equal(t, "Rock_01", snap[0].Request.Name)
}
