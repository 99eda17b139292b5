package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func providers(t *testing.T) map[string]CacheProvider {
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Could not open sqlite cache: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]CacheProvider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
	}
}

func TestPutAllAndGet(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			if err := c.Open("v1"); err != nil {
				t.Fatal(err)
			}
			now := time.Now()
			err := c.PutAll("v1", []CacheEntry{
				{Key: "GET:/a", RequestedAt: now, ReceivedAt: now, Bytes: []byte("a")},
				{Key: "GET:/b", RequestedAt: now, ReceivedAt: now, Bytes: []byte("b")},
			})
			if err != nil {
				t.Fatal(err)
			}
			ce, ok, err := c.Get("v1", "GET:/b")
			if err != nil || !ok {
				t.Fatalf("Entry not found (ok=%v, err=%v)", ok, err)
			}
			if string(ce.Bytes) != "b" {
				t.Fatalf("Bytes are %s", ce.Bytes)
			}
			if ce.ReceivedAt.Unix() != now.Unix() {
				t.Fatalf("ReceivedAt is %v, expected %v", ce.ReceivedAt, now)
			}
		})
	}
}

func TestBucketsAreIsolated(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			c.Open("v1")
			c.Open("v2")
			c.PutAll("v1", []CacheEntry{{Key: "GET:/a", Bytes: []byte("old")}})
			if c.Has("v2", "GET:/a") {
				t.Fatal("Entry leaked into other bucket")
			}
			if _, ok, _ := c.Get("v2", "GET:/a"); ok {
				t.Fatal("Get returned entry from other bucket")
			}
			buckets, err := c.Buckets()
			if err != nil {
				t.Fatal(err)
			}
			if len(buckets) != 2 || buckets[0] != "v1" || buckets[1] != "v2" {
				t.Fatalf("Buckets are %v", buckets)
			}
		})
	}
}

func TestPutAllReplaces(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			c.Open("v1")
			c.PutAll("v1", []CacheEntry{{Key: "GET:/a", Bytes: []byte("first")}})
			c.PutAll("v1", []CacheEntry{{Key: "GET:/a", Bytes: []byte("second")}})
			ce, _, _ := c.Get("v1", "GET:/a")
			if string(ce.Bytes) != "second" {
				t.Fatalf("Bytes are %s", ce.Bytes)
			}
			var keys []string
			c.Keys("v1", func(k string) { keys = append(keys, k) })
			if len(keys) != 1 {
				t.Fatalf("Keys are %v", keys)
			}
		})
	}
}

func TestPutAllWithoutOpen(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			err := c.PutAll("missing", []CacheEntry{{Key: "GET:/a"}})
			if !errors.Is(err, ErrNoBucket) {
				t.Fatalf("Error is %v", err)
			}
			if c.Has("missing", "GET:/a") {
				t.Fatal("Entry written to missing bucket")
			}
		})
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	for name, c := range providers(t) {
		t.Run(name, func(t *testing.T) {
			c.Open("v1")
			c.PutAll("v1", []CacheEntry{{Key: "GET:/a", Bytes: []byte("a")}})
			if err := c.Open("v1"); err != nil {
				t.Fatal(err)
			}
			if !c.Has("v1", "GET:/a") {
				t.Fatal("Reopening bucket lost entries")
			}
		})
	}
}
