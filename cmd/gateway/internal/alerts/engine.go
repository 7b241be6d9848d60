// Package alerts evaluates delivered ticks against users' price alerts.
//
// Every alert fires at most once: the in-memory fired set claims an alert
// before anything is written, and the durable write is a conditional update,
// so a second writer (another replica, or a restart that raced an in-flight
// write) cannot make it fire again. An alert leaves the fired set once its
// write has settled; from then on the store no longer returns it as active.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/repository"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

// Observation is one tick delivered to one user's connection.
type Observation struct {
	UserID string
	Tick   models.PriceTick
}

// Fired is an alert that crossed its threshold in this evaluation.
type Fired struct {
	Alert models.Alert
	Tick  models.PriceTick
}

type Engine struct {
	store     repository.AlertStore
	publisher repository.EventPublisher // optional
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	fired   map[string]struct{} // claimed, write not yet settled
	pending map[string]models.AlertEvent // fired, not yet persisted
}

func NewEngine(store repository.AlertStore, publisher repository.EventPublisher, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		fired:     make(map[string]struct{}),
		pending:   make(map[string]models.AlertEvent),
	}
}

// SetClock replaces the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Evaluate checks each observation against the user's active alerts for
// that symbol and returns the alerts that fired. Synthetic ticks are never
// evaluated. Store errors are logged and the affected pair is skipped.
func (e *Engine) Evaluate(ctx context.Context, batch []Observation) []Fired {
	e.retryPending(ctx)

	type pair struct{ user, symbol string }
	seen := make(map[pair]struct{}, len(batch))

	var out []Fired
	for _, obs := range batch {
		if obs.UserID == "" || obs.Tick.Synthetic() {
			continue
		}
		key := pair{obs.UserID, obs.Tick.Symbol}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		active, err := e.store.GetActiveAlerts(ctx, obs.UserID, obs.Tick.Symbol)
		if err != nil {
			e.logger.Error("Failed to load alerts",
				zap.String("user_id", obs.UserID), zap.String("symbol", obs.Tick.Symbol), zap.Error(err))
			continue
		}

		price := decimal.NewFromFloat(obs.Tick.Price)
		for _, a := range active {
			if a.IsTriggered || !a.IsActive {
				continue
			}
			// no evaluation against prices older than the alert itself
			if obs.Tick.Timestamp < a.CreatedAt.UnixMilli() {
				continue
			}
			if !a.Matches(price) {
				continue
			}
			if f, ok := e.fire(ctx, a, obs.Tick, price); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

func (e *Engine) fire(ctx context.Context, a models.Alert, tick models.PriceTick, price decimal.Decimal) (Fired, bool) {
	e.mu.Lock()
	if _, done := e.fired[a.ID]; done {
		e.mu.Unlock()
		return Fired{}, false
	}
	e.fired[a.ID] = struct{}{}
	e.mu.Unlock()

	at := e.now()
	event := models.AlertEvent{
		AlertID:     a.ID,
		UserID:      a.UserID,
		Symbol:      a.Symbol,
		Price:       price,
		TargetPrice: a.TargetPrice,
		Direction:   a.Direction,
		TriggeredAt: at.UnixMilli(),
	}

	won, err := e.store.MarkAlertTriggered(ctx, a.ID, at)
	if err != nil {
		e.logger.Error("Failed to persist triggered alert, will retry",
			zap.String("alert_id", a.ID), zap.Error(err))
		e.mu.Lock()
		e.pending[a.ID] = event
		e.mu.Unlock()
		return triggered(a, tick, at), true
	}
	e.release(a.ID)
	if !won {
		e.logger.Info("Alert already triggered elsewhere", zap.String("alert_id", a.ID))
		return Fired{}, false
	}

	e.record(ctx, event)
	return triggered(a, tick, at), true
}

func triggered(a models.Alert, tick models.PriceTick, at time.Time) Fired {
	a.IsTriggered = true
	a.IsActive = false
	a.TriggeredAt = &at
	return Fired{Alert: a, Tick: tick}
}

// record writes the notification and publishes the event. Both are best
// effort once the alert itself is persisted.
func (e *Engine) record(ctx context.Context, event models.AlertEvent) {
	if err := e.store.CreateNotification(ctx, event.UserID, event); err != nil {
		e.logger.Error("Failed to create notification",
			zap.String("alert_id", event.AlertID), zap.Error(err))
	}
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishAlert(ctx, event); err != nil {
		e.logger.Warn("Failed to publish alert event",
			zap.String("alert_id", event.AlertID), zap.Error(err))
	}
}

func (e *Engine) retryPending(ctx context.Context) {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	retry := make([]models.AlertEvent, 0, len(e.pending))
	for _, ev := range e.pending {
		retry = append(retry, ev)
	}
	e.mu.Unlock()

	for _, ev := range retry {
		won, err := e.store.MarkAlertTriggered(ctx, ev.AlertID, time.UnixMilli(ev.TriggeredAt))
		if err != nil {
			e.logger.Warn("Retry of triggered alert failed", zap.String("alert_id", ev.AlertID), zap.Error(err))
			continue
		}

		e.mu.Lock()
		delete(e.pending, ev.AlertID)
		delete(e.fired, ev.AlertID)
		e.mu.Unlock()

		if won {
			e.record(ctx, ev)
		}
	}
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fired, id)
}

// Tracked returns the number of alerts held in the fired set.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fired)
}

// Pending returns the number of fired alerts still waiting to be persisted.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
