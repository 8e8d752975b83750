// Package api serves live utp.Stats to connected operator dashboards
// over a websocket push connection: every client that connects gets a
// snapshot pushed on a fixed interval, no polling or request framing
// required on the client side.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/utpmesh/utpd/utp"
)

// StatsSource is the subset of *utp.Engine this server depends on,
// narrowed to a single method so tests can push canned snapshots
// without standing up a real engine.
type StatsSource interface {
	Stats() []utp.Stats
}

// Server pushes StatsSource.Stats() to every connected websocket
// client on PushInterval.
type Server struct {
	source       StatsSource
	pushInterval time.Duration
	upgrader     websocket.Upgrader
	httpServer   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn     *websocket.Conn
	sendChan chan []byte
}

// Option customizes a Server constructed by NewServer.
type Option func(*Server)

// WithPushInterval overrides the default 1-second stats push cadence.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) { s.pushInterval = d }
}

// NewServer creates a Server that will push source's stats to every
// websocket client connecting at listenAddr once Serve is called.
func NewServer(source StatsSource, opts ...Option) *Server {
	s := &Server{
		source:       source,
		pushInterval: time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve starts an HTTP server at listenAddr exposing /stats as a
// websocket upgrade endpoint, and blocks until ctx is canceled.
func (s *Server) Serve(ctx context.Context, listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is like Serve but accepts an already-bound listener,
// so callers (tests included) can bind to an ephemeral port and learn
// its address before Serve would otherwise block.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleWebSocket)

	s.httpServer = &http.Server{Handler: mux}

	go s.pushLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.httpServer.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, sendChan: make(chan []byte, 8)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	defer s.dropClient(c)

	for data := range c.sendChan {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readLoop only exists to notice the client going away: dashboards
// never send anything over this connection, but without a read pump
// a closed socket is invisible until the next scheduled push fails.
func (s *Server) readLoop(c *client) {
	defer s.dropClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// dropClient removes c from the client set and tears it down. It is
// called from both writeLoop and readLoop when either notices the
// connection is gone, but the map delete happens under s.mu so only
// whichever of the two gets there first actually sees present: that is
// what makes closing sendChan here safe to do exactly once, instead of
// leaving it open forever and parking writeLoop on it for good once
// broadcast stops being able to feed it.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if present {
		c.conn.Close()
		close(c.sendChan)
	}
}

func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

func (s *Server) broadcast() {
	data, err := json.Marshal(s.source.Stats())
	if err != nil {
		log.Printf("api: marshal stats: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.sendChan <- data:
		default:
			log.Printf("api: dropping stats push, client send buffer full")
		}
	}
}

// ClientCount returns the number of currently connected websocket
// clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
