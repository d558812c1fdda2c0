package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

// newPeer returns a server-side Client backed by a real WebSocket and the
// dialled client end. The server side reads until the connection closes
// so close handshakes complete.
func newPeer(t *testing.T, id string) (*Client, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}
		accepted <- conn
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	peer := dialWS(t, ts.URL)
	t.Cleanup(func() { peer.Close(websocket.StatusNormalClosure, "") })

	select {
	case conn := <-accepted:
		return &Client{conn: conn, id: id, remoteAddr: "127.0.0.1:1"}, peer
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept connection")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	return string(data)
}

// awaitClose reads from peer in the background so the server's close
// handshake can complete, and reports the error that ended the read.
func awaitClose(peer *websocket.Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _, err := peer.Read(ctx)
		done <- err
	}()
	return done
}

func TestConnManagerAddRemove(t *testing.T) {
	cm := NewConnManager()
	client, _ := newPeer(t, "c1")

	ctx := cm.Add(client)
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if client.send == nil {
		t.Fatal("expected send channel to be initialized")
	}

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled yet")
	default:
	}

	cm.Remove(client)
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after remove, got %d", cm.Count())
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after remove")
	}
}

func TestConnManagerDoubleRemove(t *testing.T) {
	cm := NewConnManager()
	client, _ := newPeer(t, "c1")

	cm.Add(client)
	cm.Remove(client)
	// Should not panic on the closed channel.
	cm.Remove(client)
}

func TestConnManagerSend(t *testing.T) {
	cm := NewConnManager()
	client, peer := newPeer(t, "c1")
	cm.Add(client)
	defer cm.Remove(client)

	if !cm.Send(client, []byte(`{"type":"message"}`)) {
		t.Fatal("expected send to succeed")
	}
	if got := readFrame(t, peer); got != `{"type":"message"}` {
		t.Errorf("unexpected frame %s", got)
	}
}

func TestConnManagerSendAfterRemove(t *testing.T) {
	cm := NewConnManager()
	client, _ := newPeer(t, "c1")
	cm.Add(client)
	cm.Remove(client)

	if cm.Send(client, []byte("x")) {
		t.Error("expected send to a removed client to fail")
	}
}

func TestConnManagerSendBufferFull(t *testing.T) {
	cm := NewConnManager(WithSendBuffer(2))
	client := &Client{id: "slow", send: make(chan []byte, 2)}
	// Register without a write pump so nothing drains the queue.
	cm.clients[client] = &connEntry{cancel: func() {}, connectedAt: time.Now(), lastActive: time.Now()}

	if !cm.Send(client, []byte("1")) || !cm.Send(client, []byte("2")) {
		t.Fatal("expected first two sends to fit the buffer")
	}
	if cm.Send(client, []byte("3")) {
		t.Error("expected third send to be dropped")
	}
	if got := cm.Stats().DroppedMessages; got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
}

func TestConnManagerConcurrentSend(t *testing.T) {
	cm := NewConnManager(WithSendBuffer(256))
	client, peer := newPeer(t, "c1")
	cm.Add(client)
	defer cm.Remove(client)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.Send(client, []byte("x"))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		readFrame(t, peer)
	}
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))
	first, _ := newPeer(t, "c1")
	second, peer := newPeer(t, "c2")
	defer cm.Remove(first)

	done := awaitClose(peer)

	if ctx := cm.Add(first); ctx.Err() != nil {
		t.Fatal("expected first connection to be accepted")
	}
	if ctx := cm.Add(second); ctx.Err() == nil {
		t.Fatal("expected second connection to be rejected")
	}
	if got := cm.Stats().Rejected; got != 1 {
		t.Errorf("expected 1 rejection, got %d", got)
	}

	if err := <-done; websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("expected StatusTryAgainLater, got %v", err)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	cm := NewConnManager()
	client, peer := newPeer(t, "c1")
	ctx := cm.Add(client)
	done := awaitClose(peer)

	cm.Shutdown()

	if cm.Count() != 0 {
		t.Errorf("expected 0 connections after shutdown, got %d", cm.Count())
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected context to be cancelled by shutdown")
	}

	if err := <-done; websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("expected StatusGoingAway, got %v", err)
	}

	// Remove after shutdown must not double-close the send channel.
	cm.Remove(client)
}

func TestConnManagerShutdownRejectsNew(t *testing.T) {
	cm := NewConnManager()
	cm.Shutdown()

	client, peer := newPeer(t, "c1")
	done := awaitClose(peer)

	if ctx := cm.Add(client); ctx.Err() == nil {
		t.Fatal("expected add after shutdown to be rejected")
	}
	if cm.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", cm.Count())
	}
	if err := <-done; websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("expected StatusGoingAway, got %v", err)
	}
}

func TestConnManagerReapIdle(t *testing.T) {
	cm := NewConnManager()
	cm.idleTTL = time.Minute
	idle, idlePeer := newPeer(t, "idle")
	busy, _ := newPeer(t, "busy")
	cm.Add(idle)
	cm.Add(busy)
	defer cm.Remove(busy)

	cm.mu.Lock()
	cm.clients[idle].lastActive = time.Now().Add(-2 * time.Minute)
	cm.mu.Unlock()

	done := awaitClose(idlePeer)
	cm.reapIdle(time.Now())

	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection left, got %d", cm.Count())
	}
	if got := cm.Stats().IdleReaped; got != 1 {
		t.Errorf("expected 1 reaped connection, got %d", got)
	}

	if err := <-done; websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("expected StatusPolicyViolation, got %v", err)
	}
}

func TestConnManagerClients(t *testing.T) {
	cm := NewConnManager()
	client, _ := newPeer(t, "c1")
	cm.Add(client)
	defer cm.Remove(client)

	infos := cm.Clients()
	if len(infos) != 1 {
		t.Fatalf("expected 1 client, got %d", len(infos))
	}
	if infos[0].ID != "c1" || infos[0].RemoteAddr == "" {
		t.Errorf("unexpected info %+v", infos[0])
	}
	if infos[0].ConnectedAt.IsZero() {
		t.Error("expected connected_at to be set")
	}
}
