package provisioner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vyvo/buildercloud/pkg/ci"
	"github.com/vyvo/buildercloud/pkg/inventory"
)

// DefaultSweepInterval is how often Retention checks for idle builders.
const DefaultSweepInterval = time.Minute

// Retention terminates builders whose label has had neither queued nor
// running work for longer than the builder's idle TTL. Builders with a
// non-positive TTL are kept forever.
type Retention struct {
	orchestrator *Orchestrator
	inventory    *inventory.Inventory
	queue        ci.Queue
	interval     time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	idleSince map[string]time.Time
}

func NewRetention(o *Orchestrator, interval time.Duration) *Retention {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Retention{
		orchestrator: o,
		inventory:    o.Inventory,
		queue:        o.Queue,
		interval:     interval,
		logger:       o.Logger,
		now:          time.Now,
		idleSince:    map[string]time.Time{},
	}
}

// Run sweeps every interval until ctx is done.
func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info("retention sweep terminated idle builders", "count", n)
			}
		}
	}
}

// Sweep runs one retention pass and returns the number of builders
// terminated.
func (r *Retention) Sweep(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	seen := make(map[string]bool)
	terminated := 0
	for _, b := range r.inventory.List() {
		name := b.Name()
		seen[name] = true
		ttl := b.Worker().IdleTTL
		if ttl <= 0 {
			continue
		}
		busy, err := r.busy(ctx, b.Label())
		if err != nil {
			r.logger.Warn("retention queue check failed", "builder", name, "error", err)
			continue
		}
		if busy {
			delete(r.idleSince, name)
			continue
		}
		since, ok := r.idleSince[name]
		if !ok {
			r.idleSince[name] = now
			continue
		}
		if now.Sub(since) < ttl {
			continue
		}
		r.logger.Info("terminating idle builder", "builder", name, "idle", now.Sub(since))
		if err := r.orchestrator.Terminate(ctx, name); err != nil {
			r.logger.Warn("retention terminate failed", "builder", name, "error", err)
			continue
		}
		delete(r.idleSince, name)
		terminated++
	}
	for name := range r.idleSince {
		if !seen[name] {
			delete(r.idleSince, name)
		}
	}
	return terminated
}

// busy reports whether label has work waiting for or running on a builder.
func (r *Retention) busy(ctx context.Context, label string) (bool, error) {
	pending, err := r.queue.Pending(ctx, label)
	if err != nil || pending {
		return pending, err
	}
	return r.queue.Running(ctx, label)
}
