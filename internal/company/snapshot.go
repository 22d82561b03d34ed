package company

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"limitboard/internal/coalesce"
)

// SnapshotFile is the conventional name of the bundled seed file.
const SnapshotFile = "company-cache.json"

// SnapshotSource yields the raw bytes of a company-cache.json document.
type SnapshotSource interface {
	Load(ctx context.Context) ([]byte, error)
}

// FileSnapshot reads the seed from the local filesystem.
type FileSnapshot struct {
	Path string
}

func (f FileSnapshot) Load(_ context.Context) ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Executor is the subset of *coalesce.Coalescer used for fetching.
type Executor interface {
	Execute(ctx context.Context, d coalesce.Descriptor) ([]byte, error)
}

// HTTPSnapshot fetches the seed with a plain GET against a static asset URL.
type HTTPSnapshot struct {
	URL  string
	Exec Executor
}

func (h HTTPSnapshot) Load(ctx context.Context) ([]byte, error) {
	return h.Exec.Execute(ctx, coalesce.Descriptor{Method: coalesce.MethodGet, URL: h.URL})
}

// NewSnapshotSource picks the seed source: url when set, else path. It
// returns nil when both are empty.
func NewSnapshotSource(path, url string, exec Executor) SnapshotSource {
	switch {
	case url != "":
		return HTTPSnapshot{URL: url, Exec: exec}
	case path != "":
		return FileSnapshot{Path: path}
	}
	return nil
}

// RowError describes one record that could not be decoded.
type RowError struct {
	Code string
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("record %s: %v", e.Code, e.Err) }
func (e *RowError) Unwrap() error { return e.Err }

// ParseSnapshot decodes a snapshot document, normalizing legacy rows. A
// document that is not a JSON object fails as a whole; bad rows are skipped
// and reported individually.
func ParseSnapshot(data []byte) (map[string]StockRecord, []error, error) {
	return decodeRecords(data, true)
}

// decodeRecords decodes a code → record mapping row by row. normalize
// enables the legacy "dates" migration, which applies to snapshot files
// only.
func decodeRecords(data []byte, normalize bool) (map[string]StockRecord, []error, error) {
	var rows map[string]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	out := make(map[string]StockRecord, len(rows))
	var rowErrs []error
	for code, row := range rows {
		if normalize {
			var err error
			if row, err = normalizeRow(row); err != nil {
				rowErrs = append(rowErrs, &RowError{Code: code, Err: err})
				continue
			}
		}
		var rec StockRecord
		if err := json.Unmarshal(row, &rec); err != nil {
			rowErrs = append(rowErrs, &RowError{Code: code, Err: err})
			continue
		}
		// The mapping key is authoritative.
		rec.Code = code
		out[code] = rec
	}
	return out, rowErrs, nil
}

// normalizeRow promotes the latest entry of a legacy "dates" mapping
// (date → {list: ...}) to the top-level list, unless the row already has
// one, and drops the "dates" key.
func normalizeRow(row json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return nil, err
	}
	datesRaw, ok := fields[keyDates]
	if !ok {
		return row, nil
	}
	delete(fields, keyDates)

	_, hasList := fields[keyList]
	_, hasSnap := fields[keyListSnapshot]
	if !hasList && !hasSnap {
		list, err := latestDatedList(datesRaw)
		if err != nil {
			return nil, fmt.Errorf("dates: %w", err)
		}
		if list != nil {
			fields[keyList] = list
		}
	}
	return json.Marshal(fields)
}

// latestDatedList picks the lexicographically greatest date. ISO dates sort
// chronologically.
func latestDatedList(raw json.RawMessage) (json.RawMessage, error) {
	if isNull(raw) {
		return nil, nil
	}
	var dates map[string]json.RawMessage
	if err := json.Unmarshal(raw, &dates); err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(dates))
	for d := range dates {
		keys = append(keys, d)
	}
	sort.Strings(keys)
	latest := dates[keys[len(keys)-1]]

	var entry map[string]json.RawMessage
	if err := json.Unmarshal(latest, &entry); err != nil {
		return nil, err
	}
	if list, ok := entry[keyList]; ok && !isNull(list) {
		return list, nil
	}
	// Some generations stored the pool entry directly under the date.
	if _, ok := entry["dm"]; ok {
		return latest, nil
	}
	return nil, nil
}
