package api

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/utpmesh/utpd/utp"
)

type fakeStatsSource struct {
	stats []utp.Stats
}

func (f *fakeStatsSource) Stats() []utp.Stats { return f.stats }

func TestClientReceivesPushedStats(t *testing.T) {
	source := &fakeStatsSource{stats: []utp.Stats{
		{ConnID: 7, State: "CONNECTED", LastTimestampUS: 12345},
	}}
	server := NewServer(source, WithPushInterval(10*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- server.ServeListener(ctx, ln) }()

	wsURL := "ws://" + ln.Addr().String() + "/stats"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var got []utp.Stats
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(got) != 1 || got[0].ConnID != 7 || got[0].State != "CONNECTED" {
		t.Fatalf("got %+v, want one CONNECTED stats entry for conn 7", got)
	}

	cancel()
	<-done
}

func TestClientCountTracksConnectAndDisconnect(t *testing.T) {
	server := NewServer(&fakeStatsSource{}, WithPushInterval(time.Hour))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ServeListener(ctx, ln)

	wsURL := "ws://" + ln.Addr().String() + "/stats"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", server.ClientCount())
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.ClientCount() != 0 {
		t.Fatalf("ClientCount() after close = %d, want 0", server.ClientCount())
	}
}

// TestDropClientClosesSendChanSoWriteLoopExits guards against the
// goroutine leak a disconnecting idle client used to cause: writeLoop
// has no exit besides its sendChan closing, so with a push interval
// long enough that broadcast never gets to it again, the only way it
// ever returns is if dropClient closes the channel.
func TestDropClientClosesSendChanSoWriteLoopExits(t *testing.T) {
	server := NewServer(&fakeStatsSource{}, WithPushInterval(time.Hour))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ServeListener(ctx, ln)

	wsURL := "ws://" + ln.Addr().String() + "/stats"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}

	var c *client
	deadline := time.Now().Add(2 * time.Second)
	for c == nil && time.Now().Before(deadline) {
		server.mu.Lock()
		for existing := range server.clients {
			c = existing
		}
		server.mu.Unlock()
		if c == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if c == nil {
		t.Fatal("server never registered the connecting client")
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case _, ok := <-c.sendChan:
		if ok {
			t.Fatal("sendChan delivered a value instead of being closed")
		}
	case <-time.After(time.Second):
		t.Fatal("sendChan never closed; writeLoop would block on it forever")
	}
}
