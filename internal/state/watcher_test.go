package state

import (
	"os"
	"testing"
	"time"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

func TestWatcher_ReportsNewState(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	w, err := NewWatcher(store)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	want := sampleState()
	want.Generation = 99
	if err := store.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	select {
	case got := <-w.Updates():
		if got.Generation != 99 {
			t.Errorf("generation mismatch: got %d, want 99", got.Generation)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the save")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	w, err := NewWatcher(store)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	other := dir + "/unrelated.json"
	if err := writeFile(other, []byte("{}")); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case st := <-w.Updates():
		t.Fatalf("unexpected update for unrelated file: %+v", st)
	case <-time.After(500 * time.Millisecond):
	}
}
