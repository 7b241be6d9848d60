package generator

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Instrument seeds one simulated symbol.
type Instrument struct {
	Price  float64
	Supply float64 // circulating units, for market cap
}

type state struct {
	open   float64
	price  float64
	volume float64
	supply float64
	at     time.Time
}

// PriceSimulator walks every instrument's price on each Step and serves the
// latest values as quotes.
type PriceSimulator struct {
	logger     *zap.Logger
	rand       Rand
	clock      Clock
	volatility float64

	mu      sync.RWMutex
	symbols []string
	states  map[string]*state
}

func NewPriceSimulator(
	logger *zap.Logger,
	instruments map[string]Instrument,
	volatility float64,
	rnd Rand,
	clock Clock,
) *PriceSimulator {
	now := clock.Now()
	states := make(map[string]*state, len(instruments))
	symbols := make([]string, 0, len(instruments))
	for sym, in := range instruments {
		sym = strings.ToUpper(sym)
		states[sym] = &state{open: in.Price, price: in.Price, supply: in.Supply, at: now}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	return &PriceSimulator{
		logger:     logger,
		rand:       rnd,
		clock:      clock,
		volatility: volatility,
		symbols:    symbols,
		states:     states,
	}
}

// Symbols lists the simulated symbols in order.
func (s *PriceSimulator) Symbols() []string {
	return append([]string(nil), s.symbols...)
}

// Step moves each price by at most volatility (as a fraction) in either
// direction. Prices never drop to zero.
func (s *PriceSimulator) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, sym := range s.symbols {
		st := s.states[sym]
		move := (s.rand.Float64()*2 - 1) * s.volatility
		next := st.price * (1 + move)
		if next <= 0 {
			next = st.price
		}
		st.volume += math.Abs(next-st.price) * 1000
		st.price = next
		st.at = now
	}
}

// Quotes returns the current quote for every known symbol in symbols.
func (s *PriceSimulator) Quotes(symbols []string) map[string]Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Quote, len(symbols))
	for _, raw := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		st, ok := s.states[sym]
		if !ok {
			continue
		}
		out[sym] = Quote{
			Price:     round(st.price, 8),
			Change24h: round((st.price-st.open)/st.open*100, 4),
			Volume24h: round(st.volume, 2),
			MarketCap: round(st.price*st.supply, 2),
			Timestamp: st.at.UnixMilli(),
		}
	}
	return out
}

// Run steps the walk every interval until ctx is cancelled.
func (s *PriceSimulator) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("Simulator Started", zap.Strings("symbols", s.symbols), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			s.Step()
			s.clock.Sleep(interval)
		}
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
