package state

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watcher observes the persisted state file and reports each new
// version. Clients use it during hub failover to discover the new hub
// without polling. The file is replaced by rename on every save, so
// the watch is placed on the directory and filtered by name.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	updates chan *ClusterState
	done    chan struct{}
}

// NewWatcher starts watching the store's directory.
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store:   store,
		watcher: fw,
		updates: make(chan *ClusterState, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Updates delivers each reloaded state. Intermediate versions may be
// coalesced; only the latest matters to a failover decision.
func (w *Watcher) Updates() <-chan *ClusterState {
	return w.updates
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	target := w.store.Path()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			st, err := w.store.Load()
			if err != nil || st == nil {
				continue
			}
			select {
			case w.updates <- st:
			default:
				// Drop the stale buffered version in favor of this one.
				select {
				case <-w.updates:
				default:
				}
				select {
				case w.updates <- st:
				default:
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("State watcher error: %v", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
