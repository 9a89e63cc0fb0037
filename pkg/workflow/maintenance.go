package workflow

import (
	"context"
	"time"

	"github.com/gitguard-io/gitguard/pkg/graph"
)

// MaintenanceInterval is how often retention sweeps run.
const MaintenanceInterval = time.Hour

// CheckpointRetention is how long terminal checkpoints are kept.
const CheckpointRetention = 30 * 24 * time.Hour

// PortalPageRetention is how long stale portal pages are kept before
// compaction removes them.
const PortalPageRetention = 90 * 24 * time.Hour

// Maintain runs retention sweeps until ctx is cancelled: pruning the
// delivery ledger, old checkpoints, retained stream entries, stale
// portal pages, and policy nodes for rules no longer in the bundle.
// Safe to run on any node; sweeps are deletes with absolute cutoffs,
// so concurrent runs converge.
func (eng *Engine) Maintain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = MaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			eng.sweep(ctx)
		}
	}
}

// Sweep runs one retention pass immediately.
func (eng *Engine) Sweep(ctx context.Context) {
	eng.sweep(ctx)
}

func (eng *Engine) sweep(ctx context.Context) {
	now := eng.clock()

	if eng.deps.Ledger != nil {
		removed, err := eng.deps.Ledger.Prune(ctx, now.Add(-eng.cfg.DedupRetention))
		if err != nil {
			eng.logger.Error("ledger prune failed", "error", err)
		} else if removed > 0 {
			eng.logger.Info("ledger pruned", "removed", removed)
		}
	}

	if eng.deps.Checkpoints != nil {
		removed, err := eng.deps.Checkpoints.Prune(ctx, now.Add(-CheckpointRetention))
		if err != nil {
			eng.logger.Error("checkpoint prune failed", "error", err)
		} else if removed > 0 {
			eng.logger.Info("checkpoints pruned", "removed", removed)
		}
	}

	if eng.deps.Stream != nil {
		var dropped int64
		for _, subject := range Subjects() {
			n, err := eng.deps.Stream.Trim(ctx, subject)
			if err != nil {
				eng.logger.Error("stream trim failed", "subject", subject, "error", err)
				continue
			}
			dropped += n
		}
		if dropped > 0 {
			eng.logger.Info("stream trimmed", "dropped", dropped)
		}
	}

	if eng.deps.Publisher != nil {
		removed, err := eng.deps.Publisher.Compact(ctx, now.Add(-PortalPageRetention))
		if err != nil {
			eng.logger.Error("portal compaction failed", "error", err)
		} else if removed > 0 {
			eng.logger.Info("portal pages compacted", "removed", removed)
		}
	}

	eng.vacuumPolicyNodes(ctx)
}

// vacuumPolicyNodes drops policy nodes, and their governed_by edges,
// for rules the active bundle no longer carries.
func (eng *Engine) vacuumPolicyNodes(ctx context.Context) {
	if eng.deps.Graph == nil || eng.deps.Policies == nil {
		return
	}
	live := map[string]bool{}
	for _, name := range eng.deps.Policies.RuleNames() {
		live[name] = true
	}

	nodes, err := eng.deps.Graph.NodesByType(ctx, graph.NodePolicy)
	if err != nil {
		eng.logger.Error("policy vacuum failed", "error", err)
		return
	}
	var removed int
	for _, node := range nodes {
		if live[node.Ref.Key] {
			continue
		}
		if err := eng.deps.Graph.DeleteCascade(ctx, node.Ref); err != nil {
			eng.logger.Error("policy vacuum failed", "rule", node.Ref.Key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		eng.logger.Info("stale policy nodes vacuumed", "removed", removed)
	}
}
