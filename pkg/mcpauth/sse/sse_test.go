package sse_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/sse"
)

// syncBuffer guards a bytes.Buffer so tests can safely inspect output that a
// heartbeat goroutine may be concurrently writing to.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newWriter() (*bufio.Writer, *syncBuffer) {
	buf := &syncBuffer{}
	return bufio.NewWriter(buf), buf
}

func TestConnectAndSend(t *testing.T) {
	mgr := sse.NewManager(10, 5, time.Hour)
	w, buf := newWriter()

	conn, err := mgr.Connect("user@example.com", w)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.UserEmail != "user@example.com" {
		t.Fatalf("unexpected UserEmail: %q", conn.UserEmail)
	}
	if mgr.Count() != 1 {
		t.Fatalf("expected Count()==1, got %d", mgr.Count())
	}

	if err := conn.Send("message", `{"hello":"world"}`); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "event: message") || !strings.Contains(out, `data: {"hello":"world"}`) {
		t.Fatalf("unexpected SSE frame: %q", out)
	}
}

func TestDisconnectClosesConnection(t *testing.T) {
	mgr := sse.NewManager(10, 5, time.Hour)
	w, _ := newWriter()

	conn, err := mgr.Connect("user@example.com", w)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mgr.Disconnect(conn.ID)

	select {
	case <-conn.Done():
	default:
		t.Fatal("expected Done() to be closed after Disconnect")
	}
	if mgr.Count() != 0 {
		t.Fatalf("expected Count()==0 after Disconnect, got %d", mgr.Count())
	}

	if err := conn.Send("message", "data"); err == nil {
		t.Fatal("expected Send on a disconnected connection to fail")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	mgr := sse.NewManager(10, 5, time.Hour)
	w, _ := newWriter()

	conn, err := mgr.Connect("user@example.com", w)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mgr.Disconnect(conn.ID)
	mgr.Disconnect(conn.ID) // must not panic
}

// Property: once a user is at maxPerUser, admitting one more connection
// evicts that user's oldest connection first.
func TestConnectEvictsOldestPerUserConnection(t *testing.T) {
	mgr := sse.NewManager(100, 2, time.Hour)

	w1, _ := newWriter()
	first, err := mgr.Connect("user@example.com", w1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	w2, _ := newWriter()
	second, err := mgr.Connect("user@example.com", w2)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	w3, _ := newWriter()
	third, err := mgr.Connect("user@example.com", w3)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("expected the oldest connection to be evicted")
	}

	select {
	case <-second.Done():
		t.Fatal("expected the second connection to still be open")
	default:
	}
	select {
	case <-third.Done():
		t.Fatal("expected the newest connection to still be open")
	default:
	}

	if mgr.Count() != 2 {
		t.Fatalf("expected exactly 2 live connections (maxPerUser), got %d", mgr.Count())
	}
}

// Property: once the manager is at maxTotal capacity, a new connection
// (even for an unrelated user) is rejected outright rather than evicting
// someone else's connection.
func TestConnectRejectsOverGlobalCapacity(t *testing.T) {
	mgr := sse.NewManager(2, 10, time.Hour)

	w1, _ := newWriter()
	if _, err := mgr.Connect("user-a@example.com", w1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	w2, _ := newWriter()
	if _, err := mgr.Connect("user-b@example.com", w2); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	w3, _ := newWriter()
	_, err := mgr.Connect("user-c@example.com", w3)
	if err == nil {
		t.Fatal("expected the connection at global capacity to be rejected")
	}
	var ex *errx.Error
	if !errors.As(err, &ex) || ex.Code != sse.CodeCapacity.Code {
		t.Fatalf("expected sse.CodeCapacity, got %v", err)
	}
	if mgr.Count() != 2 {
		t.Fatalf("expected Count() to remain at 2, got %d", mgr.Count())
	}
}

func TestSendToUserDeliversToAllOfThatUsersConnections(t *testing.T) {
	mgr := sse.NewManager(10, 5, time.Hour)

	w1, buf1 := newWriter()
	if _, err := mgr.Connect("user@example.com", w1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	w2, buf2 := newWriter()
	if _, err := mgr.Connect("user@example.com", w2); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	w3, buf3 := newWriter()
	if _, err := mgr.Connect("other@example.com", w3); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sent := mgr.SendToUser("user@example.com", "message", "hi")
	if sent != 2 {
		t.Fatalf("expected to deliver to 2 connections, sent %d", sent)
	}
	if !strings.Contains(buf1.String(), "data: hi") {
		t.Fatalf("expected buf1 to receive the event: %q", buf1.String())
	}
	if !strings.Contains(buf2.String(), "data: hi") {
		t.Fatalf("expected buf2 to receive the event: %q", buf2.String())
	}
	if strings.Contains(buf3.String(), "data: hi") {
		t.Fatal("expected the other user's connection not to receive this event")
	}
}

func TestShutdownClosesAllConnections(t *testing.T) {
	mgr := sse.NewManager(10, 5, time.Hour)

	w1, _ := newWriter()
	conn1, err := mgr.Connect("user-a@example.com", w1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	w2, _ := newWriter()
	conn2, err := mgr.Connect("user-b@example.com", w2)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	mgr.Shutdown()

	for _, conn := range []*sse.Connection{conn1, conn2} {
		select {
		case <-conn.Done():
		default:
			t.Fatalf("expected connection %s to be closed after Shutdown", conn.ID)
		}
	}
	if mgr.Count() != 0 {
		t.Fatalf("expected Count()==0 after Shutdown, got %d", mgr.Count())
	}
}

func TestStartHeartbeatPingsOpenConnections(t *testing.T) {
	mgr := sse.NewManager(10, 5, 20*time.Millisecond)
	w, buf := newWriter()

	if _, err := mgr.Connect("user@example.com", w); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.StartHeartbeat(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "event: ping") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a ping frame within the deadline, got %q", buf.String())
}
