// Package live keeps the most recent live stats of every running stream
// for the HTTP adapter.
package live

import (
	"sort"
	"sync"

	"github.com/banshee-data/flowcount/internal/counter"
)

// Registry is a concurrency-safe map from stream id to its latest stats.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]counter.LiveStats
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]counter.LiveStats)}
}

// Publish replaces the stats for s.StreamID.
func (r *Registry) Publish(s counter.LiveStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[s.StreamID] = s
}

// Get returns the latest stats for a stream.
func (r *Registry) Get(streamID string) (counter.LiveStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[streamID]
	return s, ok
}

// Streams returns the ids of all published streams, sorted.
func (r *Registry) Streams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
