package mcp

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPoolIdleTimeout bounds how long a pooled MCP connection sits
// unused before the janitor reaps it.
const DefaultPoolIdleTimeout = 30 * time.Minute

// DefaultJanitorInterval is how often the janitor sweeps expired approvals
// and idle pool connections.
const DefaultJanitorInterval = time.Minute

// Janitor runs the background sweeps SPEC_FULL.md §5 calls for: the
// approval-timeout evictor and the MCP connection-pool reaper. Both
// ApprovalManager and ConnectionPool already evict lazily on their own hot
// paths (HandleApproval, Put); Janitor adds the periodic sweep so entries
// are reclaimed even when no new traffic touches them, the same
// ticker-plus-context-cancellation shape the control plane's retention
// janitor runs on.
type Janitor struct {
	approval       *ApprovalManager
	pool           *ConnectionPool
	interval       time.Duration
	poolIdleTimeout time.Duration
	log            zerolog.Logger
}

func NewJanitor(approval *ApprovalManager, pool *ConnectionPool, log zerolog.Logger) *Janitor {
	return &Janitor{
		approval:        approval,
		pool:            pool,
		interval:        DefaultJanitorInterval,
		poolIdleTimeout: DefaultPoolIdleTimeout,
		log:             log,
	}
}

func (j *Janitor) WithInterval(d time.Duration) *Janitor {
	if d > 0 {
		j.interval = d
	}
	return j
}

func (j *Janitor) WithPoolIdleTimeout(d time.Duration) *Janitor {
	if d > 0 {
		j.poolIdleTimeout = d
	}
	return j
}

// Run blocks, sweeping on j.interval until ctx is cancelled, at which point
// every pending approval is denied (graceful shutdown, SPEC_FULL.md §5).
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.approval.CancelAllPending()
			return
		case <-ticker.C:
			j.approval.EvictExpired()
			if n := j.pool.ReapIdle(j.poolIdleTimeout); n > 0 {
				j.log.Debug().Int("count", n).Msg("reaped idle MCP connections")
			}
		}
	}
}
