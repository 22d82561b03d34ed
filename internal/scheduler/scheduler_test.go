package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitboard/internal/domain"
	"limitboard/internal/pool"
	"limitboard/internal/util"
)

type refreshCall struct {
	kind   domain.PoolKind
	date   string
	bypass bool
}

type fakePools struct {
	mu      sync.Mutex
	calls   []refreshCall
	filled  [][]string
	entries map[domain.PoolKind][]domain.PoolEntry
	failOn  domain.PoolKind
}

func (f *fakePools) RefreshPool(_ context.Context, kind domain.PoolKind, date string, bypass bool) ([]domain.PoolEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refreshCall{kind, date, bypass})
	if kind == f.failOn {
		return nil, errors.New("upstream down")
	}
	return f.entries[kind], nil
}

func (f *fakePools) FillProfiles(_ context.Context, codes []string) (pool.FillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = append(f.filled, codes)
	return pool.FillResult{Fetched: len(codes)}, nil
}

type countingPurger struct{ calls int }

func (p *countingPurger) Purge() int { p.calls++; return 2 }

// sunday is 2025-12-07 09:00 in Shanghai.
var sunday = time.Date(2025, 12, 7, 1, 0, 0, 0, time.UTC)

func TestRefreshJob(t *testing.T) {
	pools := &fakePools{entries: map[domain.PoolKind][]domain.PoolEntry{
		domain.PoolLimitUp: {{Code: "000001"}, {Code: "000002"}},
		domain.PoolStrong:  {{Code: "000002"}, {Code: "600519"}},
	}}
	job := &RefreshJob{
		Pools:        pools,
		Kinds:        []domain.PoolKind{domain.PoolLimitUp, domain.PoolStrong},
		FillProfiles: true,
		Now:          func() time.Time { return sunday },
		Logger:       util.Discard(),
	}

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []refreshCall{
		{domain.PoolLimitUp, "2025-12-05", true},
		{domain.PoolStrong, "2025-12-05", true},
	}, pools.calls)
	assert.Equal(t, [][]string{{"000001", "000002", "600519"}}, pools.filled)
}

func TestRefreshJobDefaultsAndErrors(t *testing.T) {
	pools := &fakePools{failOn: domain.PoolLimitUp}
	job := &RefreshJob{Pools: pools, FillProfiles: true, Now: func() time.Time { return sunday }, Logger: util.Discard()}

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit-up")
	assert.Len(t, pools.calls, 1)
	assert.Empty(t, pools.filled)
}

func TestPurgeJob(t *testing.T) {
	p := &countingPurger{}
	job := &PurgeJob{Cache: p, Logger: util.Discard()}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, p.calls)
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(util.Discard())
	err := s.AddJob("every now and then", funcJob{name: "x", fn: func(context.Context) error { return nil }})
	assert.Error(t, err)

	assert.NoError(t, s.AddJob("*/5 9-15 * * MON-FRI", funcJob{name: "x", fn: func(context.Context) error { return nil }}))
	assert.NoError(t, s.AddJob("@every 1m", funcJob{name: "y", fn: func(context.Context) error { return nil }}))
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(util.Discard())
	var got context.Context
	require.NoError(t, s.RunNow(funcJob{name: "capture", fn: func(ctx context.Context) error {
		got = ctx
		return nil
	}}))
	s.Start()
	s.Stop()
	assert.ErrorIs(t, got.Err(), context.Canceled)
}
