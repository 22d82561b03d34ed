// Package company maintains the per-ticker record cache: an in-memory map
// persisted as one JSON document in a kv.Storage, seeded once from a
// snapshot file and enriched by field-level upserts.
package company

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"limitboard/internal/domain"
	"limitboard/internal/kv"
)

// DefaultKey is the storage key the whole mapping is persisted under.
const DefaultKey = "COMPANY_CACHE_V1"

// Options configures a Store. Zero values select defaults.
type Options struct {
	Key      string
	Snapshot SnapshotSource
	Now      func() time.Time
	Logger   *slog.Logger
}

// Store holds StockRecords keyed by ticker code. All methods are safe for
// concurrent use. Processes sharing one storage backend are not coordinated;
// the last flush wins.
type Store struct {
	mu      sync.RWMutex
	records map[string]StockRecord
	// writeFailed is set after the first failed flush so repeated failures
	// log quietly. Guarded by mu.
	writeFailed bool

	storage kv.Storage
	key     string
	seed    SnapshotSource
	now     func() time.Time
	log     *slog.Logger

	initMu sync.Mutex
	inited bool
}

// NewStore creates a Store and loads the persisted copy from storage. A nil
// storage keeps the store in memory only.
func NewStore(ctx context.Context, storage kv.Storage, opts Options) *Store {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		storage: storage,
		key:     opts.Key,
		seed:    opts.Snapshot,
		now:     opts.Now,
		log:     opts.Logger,
	}
	s.records = s.readLocal(ctx)
	return s
}

// Initialize seeds the store from the snapshot source. It runs at most once
// per Store; later calls return immediately. Codes already present, in
// memory or in the persisted copy, are never overwritten by the snapshot.
// A missing or malformed snapshot is logged and otherwise ignored.
func (s *Store) Initialize(ctx context.Context) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.inited {
		return
	}
	s.inited = true

	local := s.readLocal(ctx)
	seed := s.loadSnapshot(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	adopted, seeded := 0, 0
	for code, rec := range local {
		if _, ok := s.records[code]; !ok {
			s.records[code] = rec
			adopted++
		}
	}
	for code, rec := range seed {
		if _, ok := s.records[code]; !ok {
			s.records[code] = rec
			seeded++
		}
	}
	if seeded > 0 || adopted > 0 {
		s.flush(ctx)
	}
	s.log.Info("company cache initialized",
		"records", len(s.records), "seeded", seeded, "adopted", adopted)
}

// Get returns the record for code and whether it exists.
func (s *Store) Get(code string) (StockRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[code]
	if !ok {
		return StockRecord{}, false
	}
	return rec.clone(), true
}

// All returns a deep copy of the full mapping.
func (s *Store) All() map[string]StockRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StockRecord, len(s.records))
	for code, rec := range s.records {
		out[code] = rec.clone()
	}
	return out
}

// Codes returns the known ticker codes in ascending order.
func (s *Store) Codes() []string {
	s.mu.RLock()
	codes := make([]string, 0, len(s.records))
	for code := range s.records {
		codes = append(codes, code)
	}
	s.mu.RUnlock()
	sort.Strings(codes)
	return codes
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Upsert merges p into the record for code, creating it if absent. Fields
// present in p replace the stored value; absent fields are kept.
// LastUpdated is stamped with the current time and never moves backwards.
// The merged record is persisted and returned.
func (s *Store) Upsert(ctx context.Context, code string, p Patch) StockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.upsertLocked(code, p, s.now().UTC())
	s.flush(ctx)
	return rec.clone()
}

// UpsertMany merges every patch as Upsert does, persisting once for the
// whole batch.
func (s *Store) UpsertMany(ctx context.Context, patches map[string]Patch) {
	if len(patches) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for code, p := range patches {
		s.upsertLocked(code, p, now)
	}
	s.flush(ctx)
}

// upsertLocked merges p into the record for code. Must be called with mu
// held.
func (s *Store) upsertLocked(code string, p Patch, now time.Time) StockRecord {
	rec, ok := s.records[code]
	if !ok {
		rec = StockRecord{Code: code}
	}
	p.apply(&rec)
	rec.Code = code

	if now.Before(rec.LastUpdated) {
		now = rec.LastUpdated
	}
	rec.LastUpdated = now

	s.records[code] = rec
	return rec
}

// UpsertList records the latest pool observation for code.
func (s *Store) UpsertList(ctx context.Context, code string, entry domain.PoolEntry) StockRecord {
	return s.Upsert(ctx, code, Patch{List: &entry})
}

// ExportSnapshot serializes the full mapping in the snapshot file format.
func (s *Store) ExportSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s.records, "", "  ")
}

// Degraded reports whether the last attempt to persist failed, in which case
// the store is effectively in-memory only.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeFailed
}

// readLocal loads the persisted copy. Unavailable storage and undecodable
// data yield an empty map.
func (s *Store) readLocal(ctx context.Context) map[string]StockRecord {
	empty := make(map[string]StockRecord)
	if s.storage == nil {
		return empty
	}
	data, err := s.storage.Get(ctx, s.key)
	if errors.Is(err, kv.ErrNotFound) {
		return empty
	}
	if err != nil {
		s.log.Warn("reading company cache", "key", s.key, "error", err)
		return empty
	}
	recs, rowErrs, err := decodeRecords(data, false)
	if err != nil {
		s.log.Warn("decoding company cache", "key", s.key, "error", err)
		return empty
	}
	for _, e := range rowErrs {
		s.log.Warn("skipping cached record", "error", e)
	}
	return recs
}

func (s *Store) loadSnapshot(ctx context.Context) map[string]StockRecord {
	if s.seed == nil {
		return nil
	}
	data, err := s.seed.Load(ctx)
	if err != nil {
		s.log.Warn("loading company snapshot", "error", err)
		return nil
	}
	recs, rowErrs, err := ParseSnapshot(data)
	if err != nil {
		s.log.Warn("parsing company snapshot", "error", err)
		return nil
	}
	for _, e := range rowErrs {
		s.log.Warn("skipping snapshot record", "error", e)
	}
	return recs
}

// flush writes the in-memory state to storage. Must be called with mu held.
func (s *Store) flush(ctx context.Context) {
	if s.storage == nil {
		return
	}
	data, err := json.Marshal(s.records)
	if err == nil {
		err = s.storage.Set(ctx, s.key, data)
	}
	if err != nil {
		if !s.writeFailed {
			s.log.Warn("persisting company cache, continuing in memory", "error", err)
		} else {
			s.log.Debug("persisting company cache", "error", err)
		}
		s.writeFailed = true
		return
	}
	s.writeFailed = false
}
