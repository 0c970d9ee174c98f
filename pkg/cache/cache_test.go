package cache

import (
	"crypto/tls"
	"fmt"
	"sync"
	"testing"
)

func TestGetSet(t *testing.T) {
	c := New()
	if _, ok := c.Get("a.test"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	a := &tls.Certificate{Certificate: [][]byte{[]byte("a")}}
	c.Set("a.test", a)
	got, ok := c.Get("a.test")
	if !ok || got != a {
		t.Fatalf("expected cached certificate for a.test, got %v %v", got, ok)
	}
	// Keys are exact strings; no case folding.
	if _, ok := c.Get("A.test"); ok {
		t.Fatalf("lookup must be case sensitive")
	}
	c.Set("nil.test", nil)
	if _, ok := c.Get("nil.test"); ok {
		t.Fatalf("nil certificate must not be stored")
	}
}

func TestSetOverwrites(t *testing.T) {
	c := New()
	first := &tls.Certificate{}
	second := &tls.Certificate{}
	c.Set("h", first)
	c.Set("h", second)
	if got, _ := c.Get("h"); got != second {
		t.Fatalf("expected last writer to win")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestInvalidateAndHosts(t *testing.T) {
	c := New()
	c.Set("b.test", &tls.Certificate{})
	c.Set("a.test", &tls.Certificate{})
	hosts := c.Hosts()
	if len(hosts) != 2 || hosts[0] != "a.test" || hosts[1] != "b.test" {
		t.Fatalf("unexpected hosts %v", hosts)
	}
	if !c.Invalidate("a.test") {
		t.Fatalf("expected Invalidate to report an existing entry")
	}
	if c.Invalidate("a.test") {
		t.Fatalf("second Invalidate should report no entry")
	}
	if _, ok := c.Get("a.test"); ok {
		t.Fatalf("invalidated entry still present")
	}
}

func TestConcurrentIsolation(t *testing.T) {
	c := New()
	certs := make([]*tls.Certificate, 50)
	for i := range certs {
		certs[i] = &tls.Certificate{Certificate: [][]byte{[]byte(fmt.Sprint(i))}}
	}
	var wg sync.WaitGroup
	for i := range certs {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Set(fmt.Sprintf("h%d.test", i), certs[i])
		}(i)
		go func(i int) {
			defer wg.Done()
			if got, ok := c.Get(fmt.Sprintf("h%d.test", i)); ok && got != certs[i] {
				t.Errorf("h%d.test returned a foreign certificate", i)
			}
		}(i)
	}
	wg.Wait()
	for i := range certs {
		if got, ok := c.Get(fmt.Sprintf("h%d.test", i)); !ok || got != certs[i] {
			t.Fatalf("h%d.test: wrong entry after concurrent fill", i)
		}
	}
}
