package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/utpmesh/utpd/utp"
)

// MemoryDirectory is an in-process Directory used in tests and in
// single-process demos in place of Redis; for a nonzero TTL it
// implements the same expiry semantics as RedisDirectory. A zero TTL
// differs: here entries never expire, while RedisDirectory substitutes
// a five-minute default.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[utp.PeerID]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	endpoint Endpoint
	expires  time.Time
}

// NewMemoryDirectory creates a MemoryDirectory with the given entry
// TTL. A zero TTL means entries never expire.
func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[utp.PeerID]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Announce implements Directory.
func (d *MemoryDirectory) Announce(_ context.Context, peer utp.PeerID, addr string) error {
	now := d.now()
	entry := Endpoint{PeerID: peer, Addr: addr, LastSeen: now}

	var expires time.Time
	if d.ttl > 0 {
		expires = now.Add(d.ttl)
	}

	d.mu.Lock()
	d.entries[peer] = memoryEntry{endpoint: entry, expires: expires}
	d.mu.Unlock()
	return nil
}

// Resolve implements Directory.
func (d *MemoryDirectory) Resolve(_ context.Context, peer utp.PeerID) (Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[peer]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	if !entry.expires.IsZero() && d.now().After(entry.expires) {
		delete(d.entries, peer)
		return Endpoint{}, ErrNotFound
	}
	return entry.endpoint, nil
}
