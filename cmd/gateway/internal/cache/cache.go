// Package cache holds the latest known tick per symbol.
//
// A PriceCache is owned by the hub's event loop and is not safe for
// concurrent use. Entries are never evicted: past their TTL they stop being
// fresh but keep serving as the last good value until a newer tick lands.
package cache

import (
	"time"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

const DefaultTTL = 30 * time.Second

// Entry is a cached tick and the time it was stored.
type Entry struct {
	Tick       models.PriceTick
	InsertedAt time.Time
}

type PriceCache struct {
	entries  map[string]Entry
	defaults map[string]float64
	ttl      time.Duration
	now      func() time.Time
}

// New builds a cache. defaults maps symbols to the price served when no
// observation of that symbol has ever been seen.
func New(ttl time.Duration, defaults map[string]float64) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &PriceCache{
		entries:  make(map[string]Entry),
		defaults: d,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *PriceCache) SetClock(now func() time.Time) { c.now = now }

func (c *PriceCache) Get(symbol string) (Entry, bool) {
	e, ok := c.entries[symbol]
	return e, ok
}

// Put stores an observed tick. Synthetic ticks are ignored so a placeholder
// never displaces a real value, and a tick older than the stored one is
// dropped.
func (c *PriceCache) Put(tick models.PriceTick) {
	if tick.Synthetic() {
		return
	}
	if cur, ok := c.entries[tick.Symbol]; ok && tick.Timestamp < cur.Tick.Timestamp {
		return
	}
	c.entries[tick.Symbol] = Entry{Tick: tick, InsertedAt: c.now()}
}

// Recover seeds a symbol with a value restored from outside the process.
// The entry is stored already expired so the next successful fetch
// replaces it. Symbols with an existing entry are left alone.
func (c *PriceCache) Recover(tick models.PriceTick) {
	if tick.Synthetic() {
		return
	}
	if _, ok := c.entries[tick.Symbol]; ok {
		return
	}
	c.entries[tick.Symbol] = Entry{Tick: tick.WithSource(models.SourceMirror)}
}

// Fresh reports whether symbol has an entry younger than the TTL.
func (c *PriceCache) Fresh(symbol string) bool {
	e, ok := c.entries[symbol]
	return ok && c.now().Sub(e.InsertedAt) < c.ttl
}

// Missing returns the symbols with no entry at all.
func (c *PriceCache) Missing(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		if _, ok := c.entries[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// Resolve returns the best value available for symbol: a fresh entry, then
// a stale one, then the configured default, then a zero-price placeholder.
// The bool is false when the tick is synthetic.
func (c *PriceCache) Resolve(symbol string) (models.PriceTick, bool) {
	if e, ok := c.entries[symbol]; ok {
		src := models.SourceStale
		switch {
		case e.Tick.Source == models.SourceMirror:
			src = models.SourceMirror
		case c.now().Sub(e.InsertedAt) < c.ttl:
			src = models.SourceCache
		}
		return e.Tick.WithSource(src), true
	}

	tick := models.PriceTick{
		Symbol:    symbol,
		Timestamp: c.now().UnixMilli(),
		Source:    models.SourceFallback,
	}
	if p, ok := c.defaults[symbol]; ok {
		tick.Price = p
	}
	return tick, false
}

// Snapshot resolves every symbol that has a real entry, skipping the rest.
func (c *PriceCache) Snapshot(symbols []string) []models.PriceTick {
	out := make([]models.PriceTick, 0, len(symbols))
	for _, s := range symbols {
		if tick, ok := c.Resolve(s); ok {
			out = append(out, tick)
		}
	}
	return out
}

func (c *PriceCache) Len() int { return len(c.entries) }
