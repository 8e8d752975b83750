// Package utp implements the public facade over the reliability core:
// a single Engine that accepts outbound byte streams, accepts inbound
// datagrams from whatever carrier is wired in, and delivers completed
// streams to the application.
package utp

import (
	"context"
	"fmt"

	"github.com/utpmesh/utpd/utp/clock"
	"github.com/utpmesh/utpd/utp/mux"
)

// PeerID identifies a remote endpoint; see mux.PeerID for the
// contract (opaque, comparable, usable as a map key).
type PeerID = mux.PeerID

// FrameSender is the carrier's send-side half of the contract: best
// effort, non-blocking delivery of an encoded frame to a peer.
type FrameSender interface {
	SendFrame(peer PeerID, frame []byte) error
}

// Clock is the external-facing wall clock contract, microseconds
// since an arbitrary epoch. It uses a signed int64, unlike the
// internal utp/clock.Clock's uint64, so a caller never has to reason
// about the internal timer package at all; SystemClock bridges it.
type Clock interface {
	NowMicro() int64
}

// Logger is the structured logging contract the core writes through.
// It never imports a concrete logging package; callers wire one in.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// noopLogger discards everything; used when no Logger is supplied.
type noopLogger struct{}

func (noopLogger) Debug(string, map[string]interface{}) {}
func (noopLogger) Info(string, map[string]interface{})  {}
func (noopLogger) Warn(string, map[string]interface{})  {}
func (noopLogger) Error(string, map[string]interface{}) {}

// clockAdapter lets the facade accept an external Clock (int64
// microseconds) wherever the internal packages want a
// utp/clock.Clock (uint64 microseconds).
type clockAdapter struct{ c Clock }

func (a clockAdapter) NowMicro() uint64 { return uint64(a.c.NowMicro()) }

// sendOp and inboundOp are the two kinds of work funneled through the
// engine's event loop, so that Send and OnFrameReceived never touch
// the connection table from outside the loop's own goroutine.
type sendOp struct {
	peer PeerID
	data []byte
}

type inboundOp struct {
	peer PeerID
	raw  []byte
}

// Engine is the single entry point applications drive: Send a byte
// stream to a peer, feed it inbound datagrams as they arrive, and
// register a handler for completed streams. All of that — plus every
// connection and sweep timer firing, posted here via a
// clock.ChanScheduler rather than left on time.AfterFunc's own
// goroutine — is serialized onto one internal goroutine by Run, so
// utp/mux.Table and the connstate machines underneath it never need
// their own locking beyond what mux.Table already has for safety
// against concurrent callers of Send/OnFrameReceived themselves.
type Engine struct {
	table  *mux.Table
	logger Logger

	sendCh    chan sendOp
	inboundCh chan inboundOp
	timerCh   chan func()

	onComplete func(peer PeerID, data []byte)
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's logger (defaults to a no-op).
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs an Engine that sends outbound frames through sender
// and treats clk as the wall clock for both the connection table's
// idle sweep and every connection's own timers.
func New(sender FrameSender, clk Clock, opts ...Option) *Engine {
	e := &Engine{
		logger:    noopLogger{},
		sendCh:    make(chan sendOp, 64),
		inboundCh: make(chan inboundOp, 64),
		timerCh:   make(chan func(), 64),
	}
	for _, opt := range opts {
		opt(e)
	}

	adaptedClock := clockAdapter{clk}
	scheduler := clock.NewChanScheduler(e.timerCh)
	frameSender := frameSenderAdapter{sender: sender, logger: e.logger}

	e.table = mux.New(frameSender, adaptedClock, scheduler, func(peer PeerID, data []byte) {
		if e.onComplete != nil {
			e.onComplete(peer, data)
		}
	})
	return e
}

// frameSenderAdapter adapts the public FrameSender (which can fail)
// to mux.FrameSender (fire-and-forget), logging send failures instead
// of propagating them: the core never learns about in-flight
// transport errors, per the error-handling design.
type frameSenderAdapter struct {
	sender FrameSender
	logger Logger
}

func (a frameSenderAdapter) SendFrame(peer PeerID, frameBytes []byte) {
	if err := a.sender.SendFrame(peer, frameBytes); err != nil {
		a.logger.Warn("frame send failed", map[string]interface{}{"error": err.Error()})
	}
}

// SetStreamCompleteHandler registers the callback invoked once per
// fully delivered inbound stream. Call this before Run.
func (e *Engine) SetStreamCompleteHandler(h func(peer PeerID, data []byte)) {
	e.onComplete = h
}

// Send queues data for delivery to peer as a new uTP connection. It
// is safe to call from any goroutine; the actual work happens inside
// Run's loop.
func (e *Engine) Send(peer PeerID, data []byte) {
	e.sendCh <- sendOp{peer: peer, data: data}
}

// OnFrameReceived queues a raw inbound datagram from peer for
// dispatch. It is safe to call from any goroutine, in particular from
// a carrier's own receive loop.
func (e *Engine) OnFrameReceived(peer PeerID, raw []byte) {
	e.inboundCh <- inboundOp{peer: peer, raw: raw}
}

// Run drains the engine's event channels until ctx is canceled,
// applying every Send, every inbound frame, and every fired timer
// callback to the connection table one at a time. This is the
// engine's only goroutine that ever changes the table (Stats only
// reads it, under the table's lock), preserving the
// core's single-threaded handler model no matter how many goroutines
// call Send/OnFrameReceived, and no matter that timers fire on the Go
// runtime's own timer goroutine — firing only posts the callback here
// via timerCh; it never runs it there.
func (e *Engine) Run(ctx context.Context) error {
	defer e.table.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-e.sendCh:
			e.table.Send(op.peer, op.data)
		case op := <-e.inboundCh:
			if err := e.table.HandleInbound(op.peer, op.raw); err != nil {
				e.logger.Debug("dropped inbound frame", map[string]interface{}{
					"error": fmt.Sprintf("%v", err),
				})
			}
		case fire := <-e.timerCh:
			fire()
		}
	}
}
