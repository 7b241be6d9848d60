package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/alerts"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/protocol"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/registry"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

// cycle carries one broadcast from start to delivery.
type cycle struct {
	started  time.Time
	symbols  []string
	subs     map[string]map[string]struct{} // conn id -> subscription at start
	fetched  map[string]models.PriceTick
	mirrored map[string]models.PriceTick
}

// startCycle begins a broadcast unless one is already running. A kick that
// arrives mid-cycle is remembered and runs once the cycle completes.
func (h *Hub) startCycle(kick bool) {
	if h.stopping {
		return
	}
	if h.inFlight {
		if kick {
			h.kickPending = true
		} else {
			h.stats.SkippedCycles++
			h.logger.Debug("Previous cycle still in flight, skipping tick")
		}
		return
	}

	symbols := h.registry.ActiveSymbols()
	if len(symbols) == 0 {
		return
	}

	cyc := &cycle{
		started: time.Now(),
		symbols: symbols,
		subs:    make(map[string]map[string]struct{}),
	}
	for _, c := range h.registry.All() {
		if set := c.SymbolSet(); len(set) > 0 {
			cyc.subs[c.ID()] = set
		}
	}
	unseen := h.cache.Missing(symbols)

	h.inFlight = true
	h.stats.Cycles++

	ctx := h.cycleCtx
	go func() {
		cyc.fetched = h.fetcher.FetchBatch(ctx, symbols)
		cyc.mirrored = h.loadMirror(ctx, unseen, cyc.fetched)
		if !h.Post(func() { h.deliver(cyc) }) {
			h.logger.Warn("Hub stopped before cycle delivery")
		}
	}()
}

// loadMirror reads the last mirrored value for symbols that have never been
// cached and were not fetched this cycle.
func (h *Hub) loadMirror(ctx context.Context, unseen []string, fetched map[string]models.PriceTick) map[string]models.PriceTick {
	if h.mirror == nil {
		return nil
	}
	var need []string
	for _, s := range unseen {
		if _, ok := fetched[s]; !ok {
			need = append(need, s)
		}
	}
	if len(need) == 0 {
		return nil
	}

	mctx, cancel := context.WithTimeout(ctx, h.opts.MirrorTimeout)
	defer cancel()
	ticks, err := h.mirror.LoadTicks(mctx, need)
	if err != nil {
		h.logger.Warn("Failed to read snapshot mirror", zap.Strings("symbols", need), zap.Error(err))
		return nil
	}
	return ticks
}

// deliver runs on the loop: it updates the cache, then fans out.
func (h *Hub) deliver(cyc *cycle) {
	for _, t := range cyc.fetched {
		h.cache.Put(t)
	}
	for _, t := range cyc.mirrored {
		h.cache.Recover(t)
	}

	ticks := make(map[string]models.PriceTick, len(cyc.symbols))
	var fallbacks []string
	for _, s := range cyc.symbols {
		t, observed := h.cache.Resolve(s)
		if !observed {
			fallbacks = append(fallbacks, s)
		}
		ticks[s] = t
	}
	if len(fallbacks) > 0 {
		h.logger.Warn("Serving fallback prices", zap.Strings("symbols", fallbacks))
	}

	// fan out through the symbol index; a connection gets a symbol only if
	// it held it at cycle start and still holds it now
	var order []*registry.Connection
	batches := make(map[string][]models.PriceTick)
	for _, s := range cyc.symbols {
		for _, c := range h.registry.ConnectionsFor(s) {
			if _, was := cyc.subs[c.ID()][s]; !was {
				continue
			}
			if _, seen := batches[c.ID()]; !seen {
				order = append(order, c)
			}
			batches[c.ID()] = append(batches[c.ID()], ticks[s])
		}
	}

	var observations []alerts.Observation
	for _, c := range order {
		data := batches[c.ID()]
		if !h.send(c, protocol.NewPriceUpdate(data)) {
			continue
		}
		if c.Authenticated() {
			for _, t := range data {
				observations = append(observations, alerts.Observation{UserID: c.UserID(), Tick: t})
			}
		}
	}

	h.saveMirror(cyc.fetched)

	if h.alerts == nil || len(observations) == 0 {
		h.finishCycle(cyc)
		return
	}

	ctx := h.cycleCtx
	go func() {
		actx, cancel := context.WithTimeout(ctx, h.opts.AlertTimeout)
		defer cancel()
		fired := h.alerts.Evaluate(actx, observations)
		if !h.Post(func() {
			h.deliverAlerts(fired)
			h.finishCycle(cyc)
		}) {
			h.logger.Warn("Hub stopped before alert delivery", zap.Int("fired", len(fired)))
		}
	}()
}

func (h *Hub) saveMirror(fetched map[string]models.PriceTick) {
	if h.mirror == nil || len(fetched) == 0 {
		return
	}
	batch := make([]models.PriceTick, 0, len(fetched))
	for _, t := range fetched {
		batch = append(batch, t)
	}

	ctx := h.cycleCtx
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		mctx, cancel := context.WithTimeout(ctx, h.opts.MirrorTimeout)
		defer cancel()
		if err := h.mirror.SaveTicks(mctx, batch); err != nil {
			h.logger.Warn("Failed to write snapshot mirror", zap.Int("ticks", len(batch)), zap.Error(err))
		}
	}()
}

// deliverAlerts sends each fired alert to every connection of its user.
func (h *Hub) deliverAlerts(fired []alerts.Fired) {
	for _, f := range fired {
		h.stats.AlertsFired++
		msg := protocol.NewPriceAlert(protocol.AlertData{
			Symbol:      f.Alert.Symbol,
			Price:       f.Tick.Price,
			AlertType:   string(f.Alert.Direction),
			TargetPrice: f.Alert.TargetPrice.InexactFloat64(),
			AlertID:     f.Alert.ID,
		})
		conns := h.registry.ConnectionsForUser(f.Alert.UserID)
		for _, c := range conns {
			h.send(c, msg)
		}
		h.logger.Info("Price alert fired",
			zap.String("alert_id", f.Alert.ID),
			zap.String("user_id", f.Alert.UserID),
			zap.String("symbol", f.Alert.Symbol),
			zap.Float64("price", f.Tick.Price),
			zap.Int("connections", len(conns)))
	}
}

func (h *Hub) finishCycle(cyc *cycle) {
	h.inFlight = false
	h.stats.LastCycleMillis = time.Since(cyc.started).Milliseconds()

	if h.kickPending && !h.stopping {
		h.kickPending = false
		h.startCycle(true)
	}
}
