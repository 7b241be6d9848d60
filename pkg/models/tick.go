package models

// TickSource records where a PriceTick came from. It is not serialized.
type TickSource int

const (
	SourceUpstream TickSource = iota
	SourceCache               // fresh cache entry
	SourceStale               // cache entry past its TTL
	SourceMirror              // recovered from the Redis snapshot mirror
	SourceFallback            // synthesized, no real observation exists
)

func (s TickSource) String() string {
	switch s {
	case SourceUpstream:
		return "upstream"
	case SourceCache:
		return "cache"
	case SourceStale:
		return "stale"
	case SourceMirror:
		return "mirror"
	case SourceFallback:
		return "fallback"
	}
	return "unknown"
}

// PriceTick is one price observation for a symbol. It is a value type and is
// never mutated once built; a newer tick replaces an older one.
type PriceTick struct {
	Symbol    string     `json:"symbol"`
	Price     float64    `json:"price"`
	Change24h float64    `json:"change24h"`
	Volume24h float64    `json:"volume24h"`
	MarketCap float64    `json:"marketCap"`
	Timestamp int64      `json:"timestamp"` // unix millis
	Source    TickSource `json:"-"`
}

// WithSource returns a copy of t tagged with src.
func (t PriceTick) WithSource(src TickSource) PriceTick {
	t.Source = src
	return t
}

// Synthetic reports whether the tick is a placeholder rather than an observation.
func (t PriceTick) Synthetic() bool { return t.Source == SourceFallback }
