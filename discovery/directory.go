// Package discovery resolves a logical peer id to the endpoints an
// overlay carrier can currently dial, backed by Redis as the shared
// directory a fleet of utpd daemons publishes itself into.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/utpmesh/utpd/utp"
)

// Endpoint is one candidate address a peer can currently be reached
// at, along with when it was last confirmed.
type Endpoint struct {
	PeerID   utp.PeerID `json:"peer_id"`
	Addr     string     `json:"addr"`
	LastSeen time.Time  `json:"last_seen"`
}

// Directory resolves peer ids to endpoints and publishes this node's
// own reachability. Kind lives behind this interface so the engine's
// wiring code (cmd/utpd) doesn't care whether it's talking to Redis or
// an in-memory fake used in tests.
type Directory interface {
	// Announce publishes that peer can currently be reached at addr,
	// refreshing its TTL if already present.
	Announce(ctx context.Context, peer utp.PeerID, addr string) error
	// Resolve returns the most recently announced endpoint for peer,
	// or ErrNotFound if nothing has been announced for it (or its
	// announcement has expired).
	Resolve(ctx context.Context, peer utp.PeerID) (Endpoint, error)
}

// ErrNotFound is returned by Resolve when a peer has no current
// announcement.
var ErrNotFound = fmt.Errorf("discovery: peer not found")

func peerKey(peer utp.PeerID) string {
	return "utpd:peer:" + hex.EncodeToString(peer[:])
}
