// Package health tracks per-component status for the /health endpoint.
package health

import (
	"sync"
	"time"
)

// Status is a coarse component state.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CollectorHealth is the per-collector view exposed by /health.
type CollectorHealth struct {
	LastSuccessTS *time.Time `json:"last_success_ts,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Disabled      bool       `json:"disabled,omitempty"`
}

// Report is the full health matrix.
type Report struct {
	Scheduler  Status                     `json:"scheduler"`
	Store      Status                     `json:"store"`
	RingBuffer Status                     `json:"ring_buffer"`
	Collectors map[string]CollectorHealth `json:"collectors"`
}

// Registry is a thread-safe health registry shared by the scheduler,
// pipeline, store writer, and HTTP surface.
type Registry struct {
	mu         sync.RWMutex
	scheduler  Status
	store      Status
	ring       Status
	collectors map[string]CollectorHealth
}

func NewRegistry() *Registry {
	return &Registry{
		scheduler:  StatusDown,
		store:      StatusDown,
		ring:       StatusOK,
		collectors: make(map[string]CollectorHealth),
	}
}

// SetScheduler records the scheduler status.
func (r *Registry) SetScheduler(s Status) {
	r.mu.Lock()
	r.scheduler = s
	r.mu.Unlock()
}

// SetStore records the store status.
func (r *Registry) SetStore(s Status) {
	r.mu.Lock()
	r.store = s
	r.mu.Unlock()
}

// CollectorSucceeded marks a successful sample for the named collector.
func (r *Registry) CollectorSucceeded(name string, at time.Time) {
	r.mu.Lock()
	h := r.collectors[name]
	h.LastSuccessTS = &at
	h.LastError = ""
	r.collectors[name] = h
	r.mu.Unlock()
}

// CollectorFailed records a failure reason for the named collector.
func (r *Registry) CollectorFailed(name, reason string) {
	r.mu.Lock()
	h := r.collectors[name]
	h.LastError = reason
	r.collectors[name] = h
	r.mu.Unlock()
}

// CollectorDisabled marks the named collector disabled for the session.
func (r *Registry) CollectorDisabled(name, reason string) {
	r.mu.Lock()
	h := r.collectors[name]
	h.LastError = reason
	h.Disabled = true
	r.collectors[name] = h
	r.mu.Unlock()
}

// Snapshot returns a copy of the current health matrix.
func (r *Registry) Snapshot() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	collectors := make(map[string]CollectorHealth, len(r.collectors))
	for name, h := range r.collectors {
		collectors[name] = h
	}
	return Report{
		Scheduler:  r.scheduler,
		Store:      r.store,
		RingBuffer: r.ring,
		Collectors: collectors,
	}
}
