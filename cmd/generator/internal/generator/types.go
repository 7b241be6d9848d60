package generator

import (
	"math/rand"
	"time"
)

// for deterministic testing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// for deterministic values
type Rand interface {
	Float64() float64
}

// Quote mirrors one entry of the quote API response.
type Quote struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Volume24h float64 `json:"volume24h"`
	MarketCap float64 `json:"marketCap"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

type RealRand struct{ *rand.Rand }

func NewRealRand(seed int64) RealRand { return RealRand{rand.New(rand.NewSource(seed))} }

func (r RealRand) Float64() float64 { return r.Rand.Float64() }
