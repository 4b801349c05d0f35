// Package metrics holds the request-scoped metrics collection and the
// rules used to merge metrics reported by parallel workers.
package metrics

import (
	"maps"
	"sync"
)

// Collection is a request-scoped set of metrics
type Collection interface {
	Add(key string, value any)
	TryGetValue(key string) (any, bool)
	All() map[string]any
}

// MapCollection is a thread-safe Collection backed by a map
type MapCollection struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewCollection creates an empty collection
func NewCollection() *MapCollection {
	return &MapCollection{values: make(map[string]any)}
}

// Add sets key to value, replacing any previous value
func (c *MapCollection) Add(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// TryGetValue returns the value of key and whether it was present
func (c *MapCollection) TryGetValue(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// All returns a snapshot of every metric
func (c *MapCollection) All() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// RequestData is shared by every component serving one request
type RequestData struct {
	Metrics Collection

	// TelemetryOptedIn gates the per-adapter metrics workers report
	TelemetryOptedIn bool
}

// NewRequestData creates request data with an empty collection
func NewRequestData(telemetryOptedIn bool) *RequestData {
	return &RequestData{
		Metrics:          NewCollection(),
		TelemetryOptedIn: telemetryOptedIn,
	}
}
