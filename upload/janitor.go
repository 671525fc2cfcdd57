package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/mnemosyne-app/mnemosyne/ledger"
)

// Janitor periodically reaps memories whose retention horizon has passed,
// running the same delete workflow the API uses so backend objects and
// ledger rows go together.
type Janitor struct {
	interval    time.Duration
	store       *ledger.Store
	coordinator *Coordinator
	log         *slog.Logger
}

// NewJanitor creates a janitor sweeping at the given interval. Intervals at
// or below zero default to one hour.
func NewJanitor(interval time.Duration, store *ledger.Store, coordinator *Coordinator, log *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		interval:    interval,
		store:       store,
		coordinator: coordinator,
		log:         log.With("component", "retention-janitor"),
	}
}

// Run sweeps until the context is cancelled. The first sweep happens after
// one full interval, not at startup.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep reaps every currently expired memory and returns how many were
// removed. Memories with in-flight derivative work are held back by the
// ledger query and picked up on a later sweep.
func (j *Janitor) Sweep(ctx context.Context) int {
	expired, err := j.store.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		j.log.Error("expiry scan failed", "err", err)
		return 0
	}

	reaped := 0
	for _, memory := range expired {
		report, err := j.coordinator.DeleteMemory(ctx, memory.ID, memory.Type)
		if err != nil {
			j.log.Error("failed to reap expired memory", "memoryId", memory.ID, "err", err)
			continue
		}
		reaped++
		j.log.Info("reaped expired memory",
			"memoryId", memory.ID,
			"edges", report.DeletedEdges,
			"cleanupFailures", len(report.CleanupFailed))
	}

	if reaped > 0 {
		j.log.Info("retention sweep complete", "reaped", reaped, "candidates", len(expired))
	}
	return reaped
}
