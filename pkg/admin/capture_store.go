package admin

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/jnovack/sni-proxy/pkg/sniproxy"
)

// CaptureStore is a concurrency-safe in-memory store for recent RequestRecord entries.
type CaptureStore struct {
	mu      sync.Mutex
	entries []sniproxy.RequestRecord
	max     int
}

// NewCaptureStore creates a CaptureStore with capacity maxEntries.
func NewCaptureStore(maxEntries int) *CaptureStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CaptureStore{max: maxEntries}
}

// Add adds a record to the store.
func (c *CaptureStore) Add(r sniproxy.RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// evict the oldest entry
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, r)
}

// List returns a snapshot copy of entries.
func (c *CaptureStore) List() []sniproxy.RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sniproxy.RequestRecord, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clear empties the store.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Observer returns a RequestObserver that stores every record and then calls prev, if set.
func (c *CaptureStore) Observer(prev sniproxy.RequestObserver) sniproxy.RequestObserver {
	return func(r sniproxy.RequestRecord) {
		c.Add(r)
		if prev != nil {
			prev(r)
		}
	}
}

// HandleRequests writes the captured records as JSON. DELETE clears the store.
func HandleRequests(w http.ResponseWriter, r *http.Request, c *CaptureStore) {
	if r.Method == http.MethodDelete {
		c.Clear()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.List())
}
