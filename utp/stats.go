package utp

// Stats is a read-only snapshot of one connection's bookkeeping, safe
// to read from any goroutine: it is copied out of the table under its
// own lock, never shared with the core's single-threaded event loop.
// It exists for the satellite packages (api, storage) that want to
// observe the engine without reaching into utp/mux or utp/connstate
// directly.
type Stats struct {
	Peer            PeerID `json:"peer"`
	ConnID          uint16 `json:"conn_id"`
	State           string `json:"state"`
	LastTimestampUS uint64 `json:"last_timestamp_us"`
}

// Stats returns a point-in-time snapshot of every connection the
// engine is currently tracking, across all peers.
func (e *Engine) Stats() []Stats {
	snapshots := e.table.Snapshot()
	out := make([]Stats, len(snapshots))
	for i, s := range snapshots {
		out[i] = Stats{
			Peer:            s.Peer,
			ConnID:          s.ConnID,
			State:           s.State.String(),
			LastTimestampUS: s.LastTimestampUS,
		}
	}
	return out
}
