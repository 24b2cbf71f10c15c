// Package importer defines the boundary to the asset-import pipeline.
// The coordination core hands requests across this boundary one at a
// time; everything past Deliver (geometry, materials, hierarchy) is
// outside this repository.
package importer

import "time"

// Request is one externally-triggered unit of import work.
type Request struct {
	Path       string    `json:"path"`
	Name       string    `json:"name,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Importer consumes requests. Deliver is invoked at most once per
// request, only from the queue's single drain goroutine, never
// concurrently. Implementations are not required to be reentrant.
type Importer interface {
	Deliver(req Request) error
}

// Func adapts a function to the Importer interface.
type Func func(req Request) error

func (f Func) Deliver(req Request) error { return f(req) }
