package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/utpmesh/utpd/utp"
)

func peerID(b byte) utp.PeerID {
	var p utp.PeerID
	p[0] = b
	return p
}

func TestAnnounceThenResolveRoundTrips(t *testing.T) {
	dir := NewMemoryDirectory(time.Minute)
	peer := peerID(0x01)

	if err := dir.Announce(context.Background(), peer, "127.0.0.1:9000"); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	got, err := dir.Resolve(context.Background(), peer)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q, want 127.0.0.1:9000", got.Addr)
	}
	if got.PeerID != peer {
		t.Errorf("PeerID mismatch")
	}
}

func TestResolveUnknownPeerReturnsErrNotFound(t *testing.T) {
	dir := NewMemoryDirectory(time.Minute)
	if _, err := dir.Resolve(context.Background(), peerID(0xFF)); err != ErrNotFound {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestAnnouncementExpiresAfterTTL(t *testing.T) {
	dir := NewMemoryDirectory(time.Minute)
	peer := peerID(0x02)

	fakeNow := time.Now()
	dir.now = func() time.Time { return fakeNow }

	if err := dir.Announce(context.Background(), peer, "10.0.0.1:1"); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	fakeNow = fakeNow.Add(2 * time.Minute)
	if _, err := dir.Resolve(context.Background(), peer); err != ErrNotFound {
		t.Fatalf("Resolve() after TTL error = %v, want ErrNotFound", err)
	}
}

func TestReAnnounceRefreshesTTL(t *testing.T) {
	dir := NewMemoryDirectory(time.Minute)
	peer := peerID(0x03)

	fakeNow := time.Now()
	dir.now = func() time.Time { return fakeNow }

	if err := dir.Announce(context.Background(), peer, "10.0.0.2:1"); err != nil {
		t.Fatalf("first Announce() error = %v", err)
	}

	fakeNow = fakeNow.Add(45 * time.Second)
	if err := dir.Announce(context.Background(), peer, "10.0.0.2:2"); err != nil {
		t.Fatalf("second Announce() error = %v", err)
	}

	fakeNow = fakeNow.Add(45 * time.Second)
	got, err := dir.Resolve(context.Background(), peer)
	if err != nil {
		t.Fatalf("Resolve() error = %v, want refreshed entry still present", err)
	}
	if got.Addr != "10.0.0.2:2" {
		t.Errorf("Addr = %q, want refreshed address 10.0.0.2:2", got.Addr)
	}
}
