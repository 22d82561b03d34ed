// Package pool ties upstream fetches to the company record store: every
// successful fetch is written back as a partial upsert carrying only the
// fields that fetch obtained.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"limitboard/internal/company"
	"limitboard/internal/domain"
)

// Upstream is the market-data source.
// cached is true when the answer came from the request throttle window
// rather than the network; such answers are not written back.
type Upstream interface {
	Pool(ctx context.Context, kind domain.PoolKind, date string, bypass bool) ([]domain.PoolEntry, bool, error)
	CompanyProfile(ctx context.Context, code string, bypass bool) (*domain.CompanyProfile, bool, error)
}

// RecordStore is the record cache the service writes into.
type RecordStore interface {
	Get(code string) (company.StockRecord, bool)
	Upsert(ctx context.Context, code string, p company.Patch) company.StockRecord
	UpsertMany(ctx context.Context, patches map[string]company.Patch)
}

// Service serves pool and profile requests on behalf of the dashboard.
type Service struct {
	up      Upstream
	store   RecordStore
	workers int
	log     *slog.Logger
}

// NewService wires a Service. workers bounds concurrent profile fetches in
// FillProfiles.
func NewService(up Upstream, store RecordStore, workers int, log *slog.Logger) *Service {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{up: up, store: store, workers: workers, log: log}
}

// RefreshPool fetches a pool and records each entry as the ticker's latest
// list observation. Limit-up and strong entries are both recorded; the
// latest fetch wins. Answers served from the throttle window leave the store
// untouched.
func (s *Service) RefreshPool(ctx context.Context, kind domain.PoolKind, date string, bypass bool) ([]domain.PoolEntry, error) {
	entries, cached, err := s.up.Pool(ctx, kind, date, bypass)
	if err != nil {
		return nil, err
	}
	if cached {
		return entries, nil
	}
	patches := make(map[string]company.Patch, len(entries))
	for i := range entries {
		e := entries[i]
		patches[e.Code] = company.Patch{List: &e}
	}
	s.store.UpsertMany(ctx, patches)
	s.log.Debug("pool refreshed", "kind", kind, "date", date, "count", len(entries))
	return entries, nil
}

// Profile returns the cached profile for code, fetching and recording it
// when absent or when force is set.
func (s *Service) Profile(ctx context.Context, code string, force bool) (*domain.CompanyProfile, error) {
	if !force {
		if rec, ok := s.store.Get(code); ok && rec.Profile != nil {
			return rec.Profile, nil
		}
	}
	p, cached, err := s.up.CompanyProfile(ctx, code, force)
	if err != nil {
		return nil, err
	}
	if cached {
		return p, nil
	}
	rec := s.store.Upsert(ctx, code, company.Patch{Profile: p})
	return rec.Profile, nil
}

// FillResult summarizes a FillProfiles run.
type FillResult struct {
	Fetched int `json:"fetched"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// FillProfiles fetches profiles for codes lacking one, at most workers at a
// time. Individual failures are logged and counted, not returned; only
// context cancellation aborts the run.
func (s *Service) FillProfiles(ctx context.Context, codes []string) (FillResult, error) {
	var res FillResult
	var todo []string
	for _, code := range codes {
		if rec, ok := s.store.Get(code); ok && rec.Profile != nil {
			res.Skipped++
			continue
		}
		todo = append(todo, code)
	}

	results := make([]error, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, code := range todo {
		i, code := i, code
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.Profile(gctx, code, false)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			results[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	for i, err := range results {
		if err != nil {
			res.Failed++
			s.log.Warn("fetching company profile", "code", todo[i], "error", err)
			continue
		}
		res.Fetched++
	}
	return res, nil
}

// Trend is the coarse market direction derived from a sentiment score.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
)

// Sentiment summarizes one trading day.
type Sentiment struct {
	Date           string `json:"date"`
	LimitUpCount   int    `json:"limit_up_count"`
	LimitDownCount int    `json:"limit_down_count"`
	Score          int    `json:"sentiment_score"` // 0-100
	Trend          Trend  `json:"trend_direction"`
	MaxStreak      int    `json:"max_streak"`
}

// Sentiment derives the day's sentiment from the limit-up and limit-down
// pools. The score is the limit-up share of all limit moves; 50 when the
// day has none.
func (s *Service) Sentiment(ctx context.Context, date string) (Sentiment, error) {
	g, gctx := errgroup.WithContext(ctx)
	var up, down []domain.PoolEntry
	g.Go(func() error {
		var err error
		up, err = s.RefreshPool(gctx, domain.PoolLimitUp, date, false)
		return err
	})
	g.Go(func() error {
		var err error
		down, err = s.RefreshPool(gctx, domain.PoolLimitDown, date, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return Sentiment{}, fmt.Errorf("computing sentiment: %w", err)
	}

	out := Sentiment{
		Date:           date,
		LimitUpCount:   len(up),
		LimitDownCount: len(down),
		Score:          50,
	}
	if total := len(up) + len(down); total > 0 {
		out.Score = int(math.Round(100 * float64(len(up)) / float64(total)))
	}
	switch {
	case out.Score >= 60:
		out.Trend = TrendUp
	case out.Score < 40:
		out.Trend = TrendDown
	default:
		out.Trend = TrendSideways
	}
	for _, e := range up {
		if e.Streak > out.MaxStreak {
			out.MaxStreak = e.Streak
		}
	}
	return out, nil
}
