// Package fanout is the connection fan-out layer: a registry of open
// client connections, each with a subscription filter, broadcasting
// events with a per-client send timeout and reaping slow or dead clients
// so they never block the rest of the registry. It satisfies
// eventbus.Fanout, keeping the Event Bus ignorant of transport.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/workflowcore/internal/log"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// DefaultSendTimeout bounds how long one client's Send may stall a
// delivery goroutine before the client is reaped.
const DefaultSendTimeout = 5 * time.Second

// Connection is the narrow abstraction an HTTP/WebSocket endpoint wires in;
// this package never dials a socket itself (framing, not transport, is
// its job).
type Connection interface {
	ID() string
	Send(ctx context.Context, frame Frame) error
	Close(code int, reason string) error
}

type registration struct {
	conn Connection
	// filter holds the subscribed workflow ids. all=true (subscribe_all)
	// or an empty filter (a connection that hasn't filtered yet) both mean
	// "subscribe to everything".
	filter map[string]bool
	all    bool
}

// Manager is the Connection Fan-out registry. The zero value is not usable;
// construct with New.
type Manager struct {
	mu          sync.Mutex
	conns       map[string]*registration
	sendTimeout time.Duration
	framers     map[Domain]FramerFunc
	repo        domain.Repository
}

// New constructs a Manager with the default send timeout. repo backs
// Backfill; it may be nil if the caller never uses reconnect backfill.
func New(repo domain.Repository) *Manager {
	return &Manager{
		conns:       make(map[string]*registration),
		sendTimeout: DefaultSendTimeout,
		framers:     make(map[Domain]FramerFunc),
		repo:        repo,
	}
}

// SetSendTimeout overrides the default per-client send timeout.
func (m *Manager) SetSendTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendTimeout = d
}

// RegisterFramer adds or replaces the framing function for a side-channel
// domain. Domains without a registered framer use defaultFramer.
func (m *Manager) RegisterFramer(d Domain, fn FramerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framers[d] = fn
}

// Connect registers a newly accepted connection. Until Subscribe narrows
// its filter it receives every event, as if SubscribeAll had been called.
func (m *Manager) Connect(conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID()] = &registration{conn: conn, filter: make(map[string]bool)}
}

// Disconnect removes a connection from the registry. Unknown ids are a
// no-op.
func (m *Manager) Disconnect(conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn.ID())
}

// Subscribe adds workflowID to conn's filter set.
func (m *Manager) Subscribe(conn Connection, workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.conns[conn.ID()]
	if !ok {
		return
	}
	r.all = false
	r.filter[workflowID] = true
}

// Unsubscribe removes workflowID from conn's filter set.
func (m *Manager) Unsubscribe(conn Connection, workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.conns[conn.ID()]
	if !ok {
		return
	}
	delete(r.filter, workflowID)
}

// SubscribeAll switches conn to receive every non-trace event regardless of
// workflow id.
func (m *Manager) SubscribeAll(conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.conns[conn.ID()]
	if !ok {
		return
	}
	r.all = true
	r.filter = make(map[string]bool)
}

func (r *registration) matches(e *domain.Event) bool {
	if e.Level() == domain.LevelTrace {
		return true
	}
	if r.all || len(r.filter) == 0 {
		return true
	}
	return r.filter[e.WorkflowID()]
}

// Broadcast implements eventbus.Fanout: routes a persisted/subscriber
// event to every matching connection, reaping any connection whose send
// times out or errors.
func (m *Manager) Broadcast(e *domain.Event) {
	m.deliver(eventFrame(e), func(r *registration) bool { return r.matches(e) })
}

// BroadcastStream implements eventbus.Fanout: the stream-only path used by
// Bus.EmitStream, same routing and reaping semantics as Broadcast.
func (m *Manager) BroadcastStream(e *domain.Event) {
	m.deliver(eventFrame(e), func(r *registration) bool { return r.matches(e) })
}

// BroadcastSideChannel delivers a non-workflow-domain event (brainstorm and
// similar) to every connected client, framed by the registered Framer for
// its domain (or defaultFramer if none is registered).
func (m *Manager) BroadcastSideChannel(e SideChannelEvent) {
	m.mu.Lock()
	framer, ok := m.framers[e.Domain]
	m.mu.Unlock()
	if !ok {
		framer = defaultFramer
	}
	m.deliver(framer(e), func(*registration) bool { return true })
}

// deliver snapshots the matching targets under the lock, then sends
// concurrently outside it so one slow client can't hold up the registry;
// per-client sends race a timeout and failing/timed-out clients are reaped
// after the round completes.
func (m *Manager) deliver(frame Frame, match func(*registration) bool) {
	m.mu.Lock()
	timeout := m.sendTimeout
	targets := make([]Connection, 0, len(m.conns))
	for _, r := range m.conns {
		if match(r) {
			targets = append(targets, r.conn)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	failed := make(chan string, len(targets))
	for _, conn := range targets {
		wg.Add(1)
		conn := conn
		log.SafeGo(log.CatFanout, "deliver", func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := conn.Send(ctx, frame); err != nil {
				log.Warn(log.CatFanout, "send failed, reaping connection", "conn_id", conn.ID(), "error", err.Error())
				failed <- conn.ID()
			}
		})
	}
	wg.Wait()
	close(failed)

	for id := range failed {
		m.reap(id)
	}
}

func (m *Manager) reap(connID string) {
	m.mu.Lock()
	r, ok := m.conns[connID]
	delete(m.conns, connID)
	m.mu.Unlock()
	if ok {
		_ = r.conn.Close(1001, "send timeout or error")
	}
}

// CloseAll closes every registered connection, swallowing per-connection
// errors, and empties the registry. Used during graceful shutdown.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.Lock()
	conns := make([]Connection, 0, len(m.conns))
	for _, r := range m.conns {
		conns = append(conns, r.conn)
	}
	m.conns = make(map[string]*registration)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(code, reason)
	}
}

// Backfill implements the reconnect protocol: if sinceEventID is known,
// stream every later event in its workflow followed by a backfill_complete
// marker; otherwise send backfill_expired and the client must do a full
// refresh.
func (m *Manager) Backfill(ctx context.Context, conn Connection, sinceEventID string, limit int) error {
	exists, err := m.repo.EventExists(sinceEventID)
	if err != nil {
		return err
	}
	if !exists {
		return conn.Send(ctx, backfillExpiredFrame("since event is no longer known; full refresh required"))
	}

	events, err := m.repo.GetEventsAfter(sinceEventID, limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := conn.Send(ctx, eventFrame(e)); err != nil {
			return err
		}
	}
	return conn.Send(ctx, backfillCompleteFrame(len(events)))
}
