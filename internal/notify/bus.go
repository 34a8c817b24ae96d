// Package notify fans out paper lifecycle and progress events to connected
// observers such as SSE streams and Kafka exporters.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// Connection is a delivery endpoint registered with the bus.
type Connection interface {
	// ID uniquely identifies the connection within a bus.
	ID() string

	// Send delivers one event. Errors are logged by the bus and never
	// returned to publishers.
	Send(ctx context.Context, event domain.Event) error
}

// Config contains bus settings.
type Config struct {
	// QueueSize is the per-connection outbound buffer. Events published
	// while it is full are dropped for that connection.
	QueueSize int

	// SendTimeout bounds a single Send call.
	SendTimeout time.Duration
}

// DefaultConfig returns the default bus settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:   256,
		SendTimeout: 5 * time.Second,
	}
}

// client is the bus side of a connection. Every connection gets one
// outbound goroutine so its events arrive in submission order.
type client struct {
	conn   Connection
	queue  chan domain.Event
	global bool
	tap    bool
	papers map[string]struct{}
}

// Bus is the connection registry and event fan-out.
type Bus struct {
	mu      sync.RWMutex
	clients map[string]*client
	papers  map[string]map[string]struct{}
	closed  bool
	wg      sync.WaitGroup

	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewBus creates a Bus.
func NewBus(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Bus {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Bus{
		clients: make(map[string]*client),
		papers:  make(map[string]map[string]struct{}),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "notify_bus").Logger(),
	}
}

// Connect adds conn to the global set and, when paperID is not empty, to
// that paper's subscribers.
func (b *Bus) Connect(conn Connection, paperID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.clientLocked(conn)
	if c == nil {
		return
	}
	c.global = true
	if paperID != "" {
		b.subscribeLocked(c, paperID)
	}
	connLog := observability.WithConnectionContext(b.logger, conn.ID(), paperID)
	connLog.Debug().Msg("connection registered")
}

// Disconnect removes conn from the global set and from every paper it was
// subscribed to.
func (b *Bus) Disconnect(conn Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[conn.ID()]
	if !ok {
		return
	}
	for paperID := range c.papers {
		b.unsubscribeLocked(c, paperID)
	}
	c.global = false
	c.tap = false
	b.releaseLocked(c)
}

// Tap registers conn to receive every event published on the bus, global
// and paper-scoped alike.
func (b *Bus) Tap(conn Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.clientLocked(conn); c != nil {
		c.tap = true
	}
}

// SubscribeToPaper adds a paper-scoped subscription without touching global
// membership.
func (b *Bus) SubscribeToPaper(conn Connection, paperID string) {
	if paperID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.clientLocked(conn); c != nil {
		b.subscribeLocked(c, paperID)
	}
}

// UnsubscribeFromPaper removes a paper-scoped subscription. The paper entry
// is deleted with its last subscriber.
func (b *Bus) UnsubscribeFromPaper(conn Connection, paperID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[conn.ID()]
	if !ok {
		return
	}
	b.unsubscribeLocked(c, paperID)
	b.releaseLocked(c)
}

// Broadcast delivers event to every globally connected connection.
func (b *Bus) Broadcast(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.metrics.RecordEventPublished(event.EventType)
	for _, c := range b.clients {
		if c.global || c.tap {
			b.enqueueLocked(c, event)
		}
	}
}

// BroadcastToPaper delivers event to the connections subscribed to paperID.
func (b *Bus) BroadcastToPaper(paperID string, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.metrics.RecordEventPublished(event.EventType)
	subs := b.papers[paperID]
	for id, c := range b.clients {
		if _, ok := subs[id]; ok || c.tap {
			b.enqueueLocked(c, event)
		}
	}
}

// SendPersonalMessage delivers event to conn only. A connection unknown to
// the bus is sent to directly.
func (b *Bus) SendPersonalMessage(conn Connection, event domain.Event) {
	b.mu.RLock()
	c, ok := b.clients[conn.ID()]
	if ok {
		b.enqueueLocked(c, event)
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()
	b.send(conn, event)
}

// Subscribers returns the ids of the connections subscribed to paperID,
// sorted.
func (b *Bus) Subscribers(paperID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.papers[paperID]))
	for id := range b.papers[paperID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasPaper reports whether paperID has a subscriber entry.
func (b *Bus) HasPaper(paperID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.papers[paperID]
	return ok
}

// ConnectionCount returns the number of globally connected connections.
func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, c := range b.clients {
		if c.global {
			n++
		}
	}
	return n
}

// Close drops every connection and waits for queued events to be sent.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for _, c := range b.clients {
		for paperID := range c.papers {
			b.unsubscribeLocked(c, paperID)
		}
		c.global = false
		c.tap = false
		b.releaseLocked(c)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) clientLocked(conn Connection) *client {
	if c, ok := b.clients[conn.ID()]; ok {
		return c
	}
	if b.closed {
		return nil
	}
	c := &client{
		conn:   conn,
		queue:  make(chan domain.Event, b.cfg.QueueSize),
		papers: make(map[string]struct{}),
	}
	b.clients[conn.ID()] = c
	b.metrics.RecordBusConnect()
	b.wg.Add(1)
	go b.run(c)
	return c
}

func (b *Bus) subscribeLocked(c *client, paperID string) {
	subs, ok := b.papers[paperID]
	if !ok {
		subs = make(map[string]struct{})
		b.papers[paperID] = subs
	}
	subs[c.conn.ID()] = struct{}{}
	c.papers[paperID] = struct{}{}
}

func (b *Bus) unsubscribeLocked(c *client, paperID string) {
	delete(c.papers, paperID)
	subs, ok := b.papers[paperID]
	if !ok {
		return
	}
	delete(subs, c.conn.ID())
	if len(subs) == 0 {
		delete(b.papers, paperID)
	}
}

// releaseLocked drops a client that is neither global nor subscribed to
// any paper. Closing its queue lets the outbound goroutine drain and exit.
func (b *Bus) releaseLocked(c *client) {
	if c.global || c.tap || len(c.papers) > 0 {
		return
	}
	delete(b.clients, c.conn.ID())
	close(c.queue)
	b.metrics.RecordBusDisconnect()
	b.logger.Debug().Str("connection_id", c.conn.ID()).Msg("connection released")
}

// enqueueLocked never blocks; the caller holds at least the read lock so
// the queue cannot be closed underneath it.
func (b *Bus) enqueueLocked(c *client, event domain.Event) {
	select {
	case c.queue <- event:
	default:
		b.metrics.RecordEventDropped()
		b.logger.Warn().
			Str("connection_id", c.conn.ID()).
			Str("event_type", event.EventType).
			Msg("connection queue full, dropping event")
	}
}

func (b *Bus) run(c *client) {
	defer b.wg.Done()
	for event := range c.queue {
		b.send(c.conn, event)
	}
}

func (b *Bus) send(conn Connection, event domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()
	if err := conn.Send(ctx, event); err != nil {
		b.logger.Debug().
			Err(err).
			Str("connection_id", conn.ID()).
			Str("event_type", event.EventType).
			Msg("event delivery failed")
	}
}
