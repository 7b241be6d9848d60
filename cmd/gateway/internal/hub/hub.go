// Package hub runs the event loop that owns the connection registry, the
// price cache and the broadcast cycle state.
//
// Everything that touches that state runs on the goroutine executing Run.
// Socket read pumps, timers and background I/O completions reach it by
// posting closures with Post.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/alerts"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/cache"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/protocol"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/registry"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/repository"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

const eventQueueSize = 1024

var ErrStopped = errors.New("hub stopped")

type Fetcher interface {
	FetchBatch(ctx context.Context, symbols []string) map[string]models.PriceTick
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, batch []alerts.Observation) []alerts.Fired
}

type Options struct {
	BroadcastInterval time.Duration
	HeartbeatInterval time.Duration
	AlertTimeout      time.Duration
	MirrorTimeout     time.Duration
}

func (o *Options) setDefaults() {
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.AlertTimeout <= 0 {
		o.AlertTimeout = 5 * time.Second
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = 2 * time.Second
	}
}

type Option func(*Hub)

// WithMirror enables the Redis snapshot mirror.
func WithMirror(m repository.SnapshotMirror) Option {
	return func(h *Hub) { h.mirror = m }
}

// WithAlerts enables alert evaluation for authenticated connections.
func WithAlerts(a AlertEvaluator) Option {
	return func(h *Hub) { h.alerts = a }
}

type Hub struct {
	registry *registry.Registry
	cache    *cache.PriceCache
	fetcher  Fetcher
	mirror   repository.SnapshotMirror
	alerts   AlertEvaluator
	opts     Options
	logger   *zap.Logger

	events chan func()
	done   chan struct{}
	bg     sync.WaitGroup // mirror writes

	// loop-owned
	cycleCtx    context.Context
	inFlight    bool
	kickPending bool
	stopping    bool
	stats       Stats
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections     int   `json:"connections"`
	Authenticated   int   `json:"authenticated"`
	ActiveSymbols   int   `json:"activeSymbols"`
	CachedSymbols   int   `json:"cachedSymbols"`
	Cycles          int64 `json:"cycles"`
	SkippedCycles   int64 `json:"skippedCycles"`
	LastCycleMillis int64 `json:"lastCycleMillis"`
	Evictions       int64 `json:"evictions"`
	AlertsFired     int64 `json:"alertsFired"`
	InFlight        bool  `json:"inFlight"`
}

func New(reg *registry.Registry, c *cache.PriceCache, fetcher Fetcher, opts Options, logger *zap.Logger, options ...Option) *Hub {
	opts.setDefaults()
	h := &Hub{
		registry: reg,
		cache:    c,
		fetcher:  fetcher,
		opts:     opts,
		logger:   logger,
		events:   make(chan func(), eventQueueSize),
		done:     make(chan struct{}),
		cycleCtx: context.Background(),
	}
	for _, o := range options {
		o(h)
	}
	return h
}

// Run executes the event loop until ctx is cancelled. On shutdown it lets
// the in-flight cycle finish, waits for mirror writes and closes every
// connection before returning.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	// cycles outlive cancellation so shutdown can drain them
	h.cycleCtx = context.WithoutCancel(ctx)

	broadcast := time.NewTicker(h.opts.BroadcastInterval)
	defer broadcast.Stop()
	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Info("Hub started",
		zap.Duration("broadcast_interval", h.opts.BroadcastInterval),
		zap.Duration("heartbeat_interval", h.opts.HeartbeatInterval))

	for {
		select {
		case fn := <-h.events:
			fn()
		case <-broadcast.C:
			h.startCycle(false)
		case <-heartbeat.C:
			h.heartbeatRound()
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) shutdown() {
	h.stopping = true
	h.kickPending = false
	for h.inFlight {
		fn := <-h.events
		fn()
	}
	h.bg.Wait()

	conns := h.registry.All()
	for _, c := range conns {
		if conn, ok := h.registry.Unregister(c.ID()); ok {
			conn.Close()
		}
	}
	h.logger.Info("Hub stopped", zap.Int("closed_connections", len(conns)))
}

// Post schedules fn on the event loop. It reports false once the hub has
// stopped.
func (h *Hub) Post(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- fn:
		return true
	case <-h.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (h *Hub) call(fn func()) error {
	finished := make(chan struct{})
	if !h.Post(func() { fn(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register adds a connection and greets it.
func (h *Hub) Register(conn registry.Conn) {
	h.Post(func() {
		id, err := h.registry.Register(conn)
		if err != nil {
			h.logger.Error("Failed to register connection", zap.String("conn_id", conn.ID()), zap.Error(err))
			conn.Close()
			return
		}
		h.logger.Debug("Connection registered", zap.String("conn_id", id))
		if c, ok := h.registry.Get(id); ok {
			h.send(c, protocol.NewConnection(id))
		}
	})
}

// Unregister removes a connection whose socket has gone away.
func (h *Hub) Unregister(id string) {
	h.Post(func() { h.evict(id, "closed by peer") })
}

// Touch records a heartbeat acknowledgment.
func (h *Hub) Touch(id string) {
	h.Post(func() { h.registry.Touch(id) })
}

// Kick asks for an immediate broadcast cycle.
func (h *Hub) Kick() {
	h.Post(func() { h.startCycle(true) })
}

// Heartbeat runs one heartbeat round now.
func (h *Hub) Heartbeat() {
	h.Post(h.heartbeatRound)
}

// HandleMessage decodes a client frame on the caller's goroutine and applies
// it on the loop.
func (h *Hub) HandleMessage(id string, payload []byte) {
	msg, err := protocol.Decode(payload)
	h.Post(func() {
		c, ok := h.registry.Get(id)
		if !ok {
			return
		}
		if err != nil {
			h.send(c, protocol.NewError(err.Error()))
			return
		}
		h.handle(c, msg)
	})
}

func (h *Hub) handle(c *registry.Connection, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Subscribe:
		h.handleSubscribe(c, m)
	case protocol.Unsubscribe:
		h.handleUnsubscribe(c, m)
	case protocol.Authenticate:
		h.handleAuthenticate(c, m)
	case protocol.Ping:
		h.registry.Touch(c.ID())
		h.send(c, protocol.NewPong())
	}
}

func (h *Hub) handleSubscribe(c *registry.Connection, m protocol.Subscribe) {
	change, err := h.registry.UpdateSubscription(c.ID(), m.Symbols)
	if err != nil {
		h.send(c, protocol.NewError(err.Error()))
		return
	}
	if !h.send(c, protocol.NewSubscriptionConfirmed(change.Symbols)) {
		return
	}

	// a resubscribe with the same set changes nothing beyond the confirmation
	if len(change.Added) == 0 {
		return
	}

	// cached values go out right away; anything not fresh waits for the kick
	if snap := h.cache.Snapshot(change.Added); len(snap) > 0 {
		if !h.send(c, protocol.NewPriceUpdate(snap)) {
			return
		}
	}
	for _, s := range change.Added {
		if !h.cache.Fresh(s) {
			h.startCycle(true)
			return
		}
	}
}

func (h *Hub) handleUnsubscribe(c *registry.Connection, m protocol.Unsubscribe) {
	if m.All {
		if err := h.registry.ClearSymbols(c.ID()); err != nil {
			h.send(c, protocol.NewError(err.Error()))
			return
		}
		h.send(c, protocol.NewUnsubscriptionConfirmed(nil))
		return
	}
	remaining, err := h.registry.RemoveSymbols(c.ID(), m.Symbols)
	if err != nil {
		h.send(c, protocol.NewError(err.Error()))
		return
	}
	h.send(c, protocol.NewUnsubscriptionConfirmed(remaining))
}

func (h *Hub) handleAuthenticate(c *registry.Connection, m protocol.Authenticate) {
	if err := h.registry.Authenticate(c.ID(), m.UserID); err != nil {
		h.send(c, protocol.NewError(err.Error()))
		return
	}
	h.logger.Debug("Connection authenticated", zap.String("conn_id", c.ID()), zap.String("user_id", c.UserID()))
	h.send(c, protocol.NewAuthenticated(c.UserID()))
}

// send encodes msg and enqueues it. A connection that cannot take the
// message is evicted and send reports false.
func (h *Hub) send(c *registry.Connection, msg any) bool {
	b, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("Failed to encode message", zap.Error(err))
		return false
	}
	if err := c.Conn().Send(b); err != nil {
		h.evict(c.ID(), err.Error())
		return false
	}
	return true
}

func (h *Hub) evict(id, reason string) {
	conn, ok := h.registry.Unregister(id)
	if !ok {
		return
	}
	conn.Close()
	h.stats.Evictions++
	h.logger.Info("Connection removed", zap.String("conn_id", id), zap.String("reason", reason))
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() (Stats, error) {
	var s Stats
	err := h.call(func() {
		s = h.stats
		s.Connections = h.registry.Len()
		s.ActiveSymbols = len(h.registry.ActiveSymbols())
		s.CachedSymbols = h.cache.Len()
		s.InFlight = h.inFlight
		for _, c := range h.registry.All() {
			if c.Authenticated() {
				s.Authenticated++
			}
		}
	})
	return s, err
}
