package state

import "time"

// InstanceRecord is one live editor process known to the hub.
type InstanceRecord struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	DisplayName   string    `json:"display_name"`
}

// ClusterState is the hub-authoritative record of membership and the
// active-instance designation. It is persisted as a JSON document with
// instances flattened to an array; in memory the map is keyed by id.
type ClusterState struct {
	HubPID           int                        `json:"hub_pid"`
	HubAddr          string                     `json:"hub_addr"`
	ActiveInstanceID string                     `json:"active_instance_id"`
	Generation       uint64                     `json:"generation"`
	Instances        map[string]*InstanceRecord `json:"-"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// NewClusterState returns a fresh, empty state for a newly elected hub.
// Nothing is carried over from a previous hub's lifetime.
func NewClusterState(hubPID int, hubAddr string) *ClusterState {
	return &ClusterState{
		HubPID:    hubPID,
		HubAddr:   hubAddr,
		Instances: make(map[string]*InstanceRecord),
		UpdatedAt: time.Now(),
	}
}

// Bump advances the generation counter and refreshes UpdatedAt. Every
// membership or active-instance mutation goes through it.
func (s *ClusterState) Bump() {
	s.Generation++
	s.UpdatedAt = time.Now()
}

// Clone returns a deep copy safe to hand outside the hub's lock.
func (s *ClusterState) Clone() *ClusterState {
	cp := *s
	cp.Instances = make(map[string]*InstanceRecord, len(s.Instances))
	for id, rec := range s.Instances {
		r := *rec
		cp.Instances[id] = &r
	}
	return &cp
}

// persistedState is the on-disk form of ClusterState.
type persistedState struct {
	HubPID           int              `json:"hub_pid"`
	HubAddr          string           `json:"hub_addr"`
	ActiveInstanceID string           `json:"active_instance_id"`
	Generation       uint64           `json:"generation"`
	Instances        []InstanceRecord `json:"instances"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
