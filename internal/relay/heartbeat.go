package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/metrics"
)

// RunHeartbeat probes every live agent with agent:ping on each tick and
// closes agents that have not answered within the allowed window. Blocks until
// ctx is cancelled; run it in its own goroutine.
func (r *Relay) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	ping := mustMarshal(Envelope{Type: TypeAgentPing})
	deadAfter := time.Duration(r.cfg.HeartbeatMaxMissed) * r.cfg.HeartbeatPeriod

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, a := range r.tables.AllAgents() {
			if silence := time.Since(a.lastPongTime()); silence > deadAfter {
				a.logger.Warn("agent missed heartbeats, closing",
					zap.Duration("silence", silence))
				metrics.HeartbeatDisconnects.Inc()
				a.close()
				continue
			}
			a.enqueueRaw(ping)
		}
	}
}
