// Package state persists the shared cluster record that surviving
// processes consult when the hub changes. The file is read-mostly,
// single-writer (the hub), and replaced atomically on every save so a
// reader never observes a partial document.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

const stateFileName = "portal-state.json"

// Store reads and writes the persisted ClusterState.
type Store struct {
	dataDir string
}

// NewStore creates the data directory if needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// Path returns the location of the state file.
func (s *Store) Path() string {
	return filepath.Join(s.dataDir, stateFileName)
}

// Load returns the last persisted state, or nil when the file is
// absent. A corrupt or unparsable file is treated the same as an
// absent one: the next hub rebuilds from scratch, it is never fatal.
func (s *Store) Load() (*ClusterState, error) {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		log.Printf("State file %s unreadable, treating as absent: %v", s.Path(), err)
		return nil, nil
	}

	st := &ClusterState{
		HubPID:           ps.HubPID,
		HubAddr:          ps.HubAddr,
		ActiveInstanceID: ps.ActiveInstanceID,
		Generation:       ps.Generation,
		Instances:        make(map[string]*InstanceRecord, len(ps.Instances)),
		UpdatedAt:        ps.UpdatedAt,
	}
	for i := range ps.Instances {
		rec := ps.Instances[i]
		st.Instances[rec.ID] = &rec
	}
	return st, nil
}

// Save writes the state via a temporary file and an atomic rename.
// Only the hub calls Save.
func (s *Store) Save(st *ClusterState) error {
	ps := persistedState{
		HubPID:           st.HubPID,
		HubAddr:          st.HubAddr,
		ActiveInstanceID: st.ActiveInstanceID,
		Generation:       st.Generation,
		Instances:        make([]InstanceRecord, 0, len(st.Instances)),
		UpdatedAt:        st.UpdatedAt,
	}
	for _, rec := range st.Instances {
		ps.Instances = append(ps.Instances, *rec)
	}
	sort.Slice(ps.Instances, func(i, j int) bool {
		return ps.Instances[i].ID < ps.Instances[j].ID
	})

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := s.Path()
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Remove deletes the state file. Used when a hub shuts down cleanly.
func (s *Store) Remove() error {
	err := os.Remove(s.Path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
