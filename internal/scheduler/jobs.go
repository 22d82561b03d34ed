package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"limitboard/internal/domain"
	"limitboard/internal/pool"
	"limitboard/internal/util"
)

// Pools is the pool service as seen by the refresh job.
type Pools interface {
	RefreshPool(ctx context.Context, kind domain.PoolKind, date string, bypass bool) ([]domain.PoolEntry, error)
	FillProfiles(ctx context.Context, codes []string) (pool.FillResult, error)
}

// RefreshJob re-fetches the current trading day's pools with the cache
// bypassed, optionally enriching newly seen tickers with profiles.
type RefreshJob struct {
	Pools        Pools
	Kinds        []domain.PoolKind
	FillProfiles bool
	Now          func() time.Time
	Logger       *slog.Logger
}

func (j *RefreshJob) Name() string { return "pool-refresh" }

func (j *RefreshJob) Run(ctx context.Context) error {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	log := j.Logger
	if log == nil {
		log = slog.Default()
	}
	kinds := j.Kinds
	if len(kinds) == 0 {
		kinds = []domain.PoolKind{domain.PoolLimitUp}
	}

	date := util.TradingDate(now())
	var errs []error
	seen := make(map[string]bool)
	var codes []string
	for _, kind := range kinds {
		entries, err := j.Pools.RefreshPool(ctx, kind, date, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("refreshing %s pool: %w", kind, err))
			continue
		}
		for _, e := range entries {
			if !seen[e.Code] {
				seen[e.Code] = true
				codes = append(codes, e.Code)
			}
		}
		log.Info("pool refreshed", "kind", kind, "date", date, "count", len(entries))
	}

	if j.FillProfiles && len(codes) > 0 {
		res, err := j.Pools.FillProfiles(ctx, codes)
		if err != nil {
			errs = append(errs, fmt.Errorf("filling profiles: %w", err))
		} else {
			log.Info("profiles filled", "fetched", res.Fetched, "skipped", res.Skipped, "failed", res.Failed)
		}
	}
	return errors.Join(errs...)
}

// Purger drops expired cache entries.
type Purger interface {
	Purge() int
}

// PurgeJob evicts expired throttle entries from the request coalescer.
type PurgeJob struct {
	Cache  Purger
	Logger *slog.Logger
}

func (j *PurgeJob) Name() string { return "coalesce-purge" }

func (j *PurgeJob) Run(_ context.Context) error {
	if n := j.Cache.Purge(); n > 0 && j.Logger != nil {
		j.Logger.Debug("purged throttle entries", "count", n)
	}
	return nil
}
