// Package pings stores the latest round-trip time measured by each client to
// each relay server.
package pings

import (
	"context"
	"errors"
	"sync"
)

// ErrClientRemoved is returned to the waiters of a client whose pings were
// cleared before its first sample arrived. Waiters should give up.
var ErrClientRemoved = errors.New("client removed")

// Registry holds the samples of every client, indexed by the position of the
// server in the current server list.
type Registry struct {
	mu          sync.Mutex
	serverCount int
	pings       map[string]map[int]float64
	ready       map[string]*Ready
}

func NewRegistry() *Registry {
	return &Registry{
		pings: make(map[string]map[int]float64),
		ready: make(map[string]*Ready),
	}
}

// SetServers replaces the length of the known server list. Stored samples
// are kept, but indices at or beyond the new length are no longer reported.
func (r *Registry) SetServers(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverCount = count
}

// AddPing stores the sample of the client for the server at serverIndex,
// overwriting the previous one. The first sample of a client releases its
// waiters.
func (r *Registry) AddPing(clientID string, serverIndex int, pingMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	samples, ok := r.pings[clientID]
	if !ok {
		samples = make(map[int]float64)
		r.pings[clientID] = samples
	}
	samples[serverIndex] = pingMs

	r.readyLocked(clientID).Resolve()
}

// ClearPing removes the sample of the client for one server index, when
// the server at that index changed.
func (r *Registry) ClearPing(clientID string, serverIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pings[clientID], serverIndex)
}

// ClearPings removes every sample of the client. Pending waiters fail with
// ErrClientRemoved.
func (r *Registry) ClearPings(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pings, clientID)
	if ready, ok := r.ready[clientID]; ok {
		ready.Reject(ErrClientRemoved)
		delete(r.ready, clientID)
	}
}

// GetPings returns the samples of the client indexed by server position.
// Servers without a sample are nil.
func (r *Registry) GetPings(clientID string) []*float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*float64, r.serverCount)
	for i, ping := range r.pings[clientID] {
		if i < 0 || i >= len(result) {
			continue
		}
		result[i] = &ping
	}
	return result
}

// WaitForPingResult returns once the client has at least one sample, at
// once if it already has.
func (r *Registry) WaitForPingResult(ctx context.Context, clientID string) error {
	r.mu.Lock()
	ready := r.readyLocked(clientID)
	r.mu.Unlock()

	return ready.Wait(ctx)
}

func (r *Registry) readyLocked(clientID string) *Ready {
	ready, ok := r.ready[clientID]
	if !ok {
		ready = NewReady()
		if len(r.pings[clientID]) > 0 {
			ready.Resolve()
		}
		r.ready[clientID] = ready
	}
	return ready
}
