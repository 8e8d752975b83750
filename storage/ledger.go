// Package storage persists a record of every completed uTP stream to
// Postgres for audit and offline analysis, written once from the
// engine's OnStreamComplete callback and never read back by the
// daemon itself.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/utpmesh/utpd/utp"
)

// StreamRecord is one completed uTP stream, as handed to RecordStream
// from the engine's stream-complete callback.
type StreamRecord struct {
	Peer            utp.PeerID
	ConnID          uint16
	ByteLength      int64
	Duration        time.Duration
	RetransmitCount int
	CompletedAt     time.Time
}

// Ledger is a Postgres-backed store of completed stream records.
type Ledger struct {
	db *sql.DB
}

// Config holds the Postgres connection parameters Open dials with.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders cfg as a libpq connection string.
func (cfg Config) DSN() string {
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslmode,
	)
}

// Open connects to Postgres using dsn, verifies connectivity with a
// Ping, and initializes the schema if it doesn't already exist.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	return l, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS completed_streams (
	id SERIAL PRIMARY KEY,
	peer_id VARCHAR(64) NOT NULL,
	conn_id INTEGER NOT NULL,
	byte_length BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	retransmit_count INTEGER NOT NULL DEFAULT 0,
	completed_at TIMESTAMP NOT NULL,
	UNIQUE (peer_id, conn_id, completed_at)
);

CREATE INDEX IF NOT EXISTS idx_completed_streams_peer_id ON completed_streams(peer_id);
CREATE INDEX IF NOT EXISTS idx_completed_streams_completed_at ON completed_streams(completed_at);
`

func (l *Ledger) initSchema() error {
	_, err := l.db.Exec(schemaSQL)
	return err
}

// RecordStream inserts rec into the ledger. A duplicate (peer, conn,
// completed_at) is ignored rather than erroring, since a retried
// OnStreamComplete delivery should not fail the caller.
const insertStreamSQL = `
	INSERT INTO completed_streams (peer_id, conn_id, byte_length, duration_ms, retransmit_count, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (peer_id, conn_id, completed_at) DO NOTHING
`

func (l *Ledger) RecordStream(rec StreamRecord) error {
	_, err := l.db.Exec(insertStreamSQL,
		peerIDHex(rec.Peer),
		rec.ConnID,
		rec.ByteLength,
		rec.Duration.Milliseconds(),
		rec.RetransmitCount,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record stream: %w", err)
	}
	return nil
}

// StreamsForPeer returns every recorded stream for peer, most recent
// first.
const selectStreamsForPeerSQL = `
	SELECT peer_id, conn_id, byte_length, duration_ms, retransmit_count, completed_at
	FROM completed_streams
	WHERE peer_id = $1
	ORDER BY completed_at DESC
`

func (l *Ledger) StreamsForPeer(peer utp.PeerID) ([]StreamRecord, error) {
	rows, err := l.db.Query(selectStreamsForPeerSQL, peerIDHex(peer))
	if err != nil {
		return nil, fmt.Errorf("storage: query streams: %w", err)
	}
	defer rows.Close()

	var out []StreamRecord
	for rows.Next() {
		var (
			peerHex    string
			connID     int
			durationMS int64
			rec        StreamRecord
		)
		if err := rows.Scan(&peerHex, &connID, &rec.ByteLength, &durationMS, &rec.RetransmitCount, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan stream: %w", err)
		}
		rec.Peer = peer
		rec.ConnID = uint16(connID)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func peerIDHex(peer utp.PeerID) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(peer)*2)
	for i, b := range peer {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
