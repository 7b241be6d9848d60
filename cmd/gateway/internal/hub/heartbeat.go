package hub

import (
	"go.uber.org/zap"
)

// heartbeatRound evicts connections that never answered the previous ping
// and pings the rest. A peer that goes silent is gone after at most two
// rounds.
func (h *Hub) heartbeatRound() {
	var evicted, pinged int
	for _, c := range h.registry.All() {
		if !c.Alive() {
			h.evict(c.ID(), "heartbeat timeout")
			evicted++
			continue
		}
		h.registry.MarkPinged(c.ID())
		if err := c.Conn().Ping(); err != nil {
			h.evict(c.ID(), "ping failed: "+err.Error())
			evicted++
			continue
		}
		pinged++
	}
	if evicted > 0 {
		h.logger.Info("Heartbeat round", zap.Int("pinged", pinged), zap.Int("evicted", evicted))
	}
}
