// Package sse manages long-lived Server-Sent Events connections for MCP
// clients: a mutex-guarded in-memory registry of live streams with per-user
// admission control, with the frame-level writes done directly against
// fiber's fasthttp streaming writer.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/google/uuid"
)

// Defaults, tunable by config.
const (
	DefaultMaxTotal       = 1000
	DefaultMaxPerUser     = 5
	DefaultHeartbeatEvery = 30 * time.Second
)

// Connection is one open SSE stream, identified by a server-minted ID and
// bound to the user email that authenticated it.
type Connection struct {
	ID        string
	UserEmail string
	CreatedAt time.Time
	writer    *bufio.Writer
	closed    chan struct{}
	closeOnce sync.Once

	// lastActivity is the unix-nano timestamp of the last successful write,
	// read by the heartbeat loop without taking the manager lock.
	lastActivity atomic.Int64
}

// Send writes a single SSE event named event (no "event:" line when event is
// empty) with a JSON (or arbitrary text) payload, flushing immediately so the
// client sees it without delay.
func (c *Connection) Send(event, data string) error {
	select {
	case <-c.closed:
		return fmt.Errorf("sse: connection %s is closed", c.ID)
	default:
	}

	if event != "" {
		if _, err := fmt.Fprintf(c.writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

func (c *Connection) ping() error { return c.Send("ping", "{}") }

// Done returns a channel closed when the connection is torn down, either by
// the client disconnecting, heartbeat failure, or eviction.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Manager admits, indexes, and evicts SSE connections under per-user and
// global caps, and drives their heartbeat.
type Manager struct {
	maxTotal       int
	maxPerUser     int
	heartbeatEvery time.Duration
	staleAfter     time.Duration

	mu      sync.Mutex
	conns   map[string]*Connection
	byUser  map[string][]string // email -> connection IDs, oldest first

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

func NewManager(maxTotal, maxPerUser int, heartbeatEvery time.Duration) *Manager {
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	if heartbeatEvery <= 0 {
		heartbeatEvery = DefaultHeartbeatEvery
	}
	// A connection is only pinged after sitting quiet for just under two
	// heartbeat intervals (55s at the default 30s cadence), so an actively
	// written stream never carries redundant ping frames.
	staleAfter := 2*heartbeatEvery - 5*time.Second
	if staleAfter < 0 {
		staleAfter = 0
	}
	return &Manager{
		maxTotal:       maxTotal,
		maxPerUser:     maxPerUser,
		heartbeatEvery: heartbeatEvery,
		staleAfter:     staleAfter,
		conns:          make(map[string]*Connection),
		byUser:         make(map[string][]string),
		stopHeartbeat:  make(chan struct{}),
	}
}

// Connect admits a new connection for userEmail, evicting that user's
// oldest connection first if they are already at maxPerUser, and refusing
// admission outright if the manager is at maxTotal.
func (m *Manager) Connect(userEmail string, writer *bufio.Writer) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) >= m.maxTotal {
		return nil, ErrCapacity()
	}

	if ids := m.byUser[userEmail]; len(ids) >= m.maxPerUser {
		oldest := ids[0]
		if evicted, ok := m.conns[oldest]; ok {
			evicted.close()
			delete(m.conns, oldest)
		}
		m.byUser[userEmail] = ids[1:]
	}

	conn := &Connection{
		ID:        uuid.NewString(),
		UserEmail: userEmail,
		CreatedAt: time.Now().UTC(),
		writer:    writer,
		closed:    make(chan struct{}),
	}
	conn.lastActivity.Store(time.Now().UnixNano())
	m.conns[conn.ID] = conn
	m.byUser[userEmail] = append(m.byUser[userEmail], conn.ID)

	return conn, nil
}

// Disconnect removes a connection from the registry. Safe to call more than
// once for the same ID.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	conn.close()
	delete(m.conns, connID)

	ids := m.byUser[conn.UserEmail]
	for i, id := range ids {
		if id == connID {
			m.byUser[conn.UserEmail] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// SendToUser delivers data to every open connection for userEmail.
func (m *Manager) SendToUser(userEmail, event, data string) int {
	m.mu.Lock()
	ids := append([]string(nil), m.byUser[userEmail]...)
	m.mu.Unlock()

	sent := 0
	for _, id := range ids {
		m.mu.Lock()
		conn, ok := m.conns[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := conn.Send(event, data); err == nil {
			sent++
		} else {
			m.Disconnect(id)
		}
	}
	return sent
}

// OwnerOf reports the user email that owns connID, if it is still open.
func (m *Manager) OwnerOf(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return "", false
	}
	return conn.UserEmail, true
}

// SendToConnection writes a single frame to exactly one connection, for the
// RPC-over-SSE transport where a POST on /mcp/:connectionId must deliver its
// response on that specific stream rather than broadcasting to every
// connection the user holds. The connection is disconnected on write failure.
func (m *Manager) SendToConnection(connID, event, data string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sse: connection %s not found", connID)
	}

	if err := conn.Send(event, data); err != nil {
		m.Disconnect(connID)
		return err
	}
	return nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ConnectionIDsForUser returns the live connection IDs for userEmail,
// oldest first, for reporting (e.g. GET /sse/stats).
func (m *Manager) ConnectionIDsForUser(userEmail string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.byUser[userEmail]...)
}

// StartHeartbeat checks open connections on a fixed interval, pinging only
// those with no successful write for staleAfter, until ctx is cancelled or
// Shutdown is called. Only the first call per Manager starts a loop.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	m.heartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(m.heartbeatEvery)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stopHeartbeat:
					return
				case <-ticker.C:
					m.heartbeat()
				}
			}
		}()
	})
}

func (m *Manager) heartbeat() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	now := time.Now().UnixNano()
	for _, id := range ids {
		m.mu.Lock()
		conn, ok := m.conns[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if now-conn.lastActivity.Load() < int64(m.staleAfter) {
			continue
		}
		if err := conn.ping(); err != nil {
			logx.WithError(err).Warnf("sse: heartbeat failed for connection %s, disconnecting", id)
			m.Disconnect(id)
		}
	}
}

// Shutdown closes every connection and stops the heartbeat goroutine.
func (m *Manager) Shutdown() {
	close(m.stopHeartbeat)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.conns {
		conn.close()
		delete(m.conns, id)
	}
	m.byUser = make(map[string][]string)
}

var ErrRegistry = errx.NewRegistry("SSE")

var (
	CodeCapacity = ErrRegistry.Register("CAPACITY", errx.TypeBusiness, http.StatusServiceUnavailable, "Maximum number of concurrent SSE connections reached")
)

func ErrCapacity() *errx.Error { return ErrRegistry.New(CodeCapacity) }
