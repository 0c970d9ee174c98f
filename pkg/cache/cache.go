// Package cache holds the in-memory hostname to certificate mapping.
//
// Entries are keyed by the exact hostname string they were loaded for and
// live until Invalidate is called. Values are fully built before Set
// publishes them, so readers never see a partial certificate.
package cache

import (
	"crypto/tls"
	"sort"
	"sync"
)

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*tls.Certificate
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*tls.Certificate)}
}

// Get returns the certificate stored for host.
func (c *Cache) Get(host string) (*tls.Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cert, ok := c.entries[host]
	return cert, ok
}

// Set stores cert for host, replacing any previous entry. Nil certificates are ignored.
func (c *Cache) Set(host string, cert *tls.Certificate) {
	if cert == nil {
		return
	}
	c.mu.Lock()
	c.entries[host] = cert
	c.mu.Unlock()
}

// Invalidate drops the entry for host and reports whether one existed.
func (c *Cache) Invalidate(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[host]
	delete(c.entries, host)
	return ok
}

// Len returns the number of cached hostnames.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Hosts returns the cached hostnames, sorted.
func (c *Cache) Hosts() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.entries))
	for h := range c.entries {
		out = append(out, h)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
