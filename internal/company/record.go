package company

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"limitboard/internal/domain"
)

// StockRecord is everything known about one ticker.
type StockRecord struct {
	Code        string
	List        *domain.PoolEntry
	Profile     *domain.CompanyProfile
	Trades      json.RawMessage
	LastUpdated time.Time

	// Extra keeps unrecognised top-level keys (legacy flattened copies of
	// list/profile fields) verbatim so exports do not lose them.
	Extra map[string]json.RawMessage
}

// Wire keys of a serialized StockRecord.
const (
	keyCode         = "code"
	keyList         = "list"
	keyListSnapshot = "listSnapshot"
	keyProfile      = "profile"
	keyTrades       = "trades"
	keyLastUpdated  = "lastUpdated"
	keyDates        = "dates"
)

// MarshalJSON writes the record with Extra keys inlined at the top level.
func (r StockRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		out[k] = v
	}
	out[keyCode] = r.Code
	if r.List != nil {
		out[keyList] = r.List
	}
	if r.Profile != nil {
		out[keyProfile] = r.Profile
	}
	if len(r.Trades) > 0 {
		out[keyTrades] = r.Trades
	}
	if !r.LastUpdated.IsZero() {
		out[keyLastUpdated] = r.LastUpdated
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both "list" and the "listSnapshot" alias. Raw
// fields are compacted so indentation does not survive a round trip.
func (r *StockRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var rec StockRecord
	if v, ok := raw[keyCode]; ok {
		if err := json.Unmarshal(v, &rec.Code); err != nil {
			return fmt.Errorf("code: %w", err)
		}
	}
	for _, k := range []string{keyListSnapshot, keyList} {
		v, ok := raw[k]
		if !ok || isNull(v) {
			continue
		}
		var entry domain.PoolEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		rec.List = &entry
	}
	if v, ok := raw[keyProfile]; ok && !isNull(v) {
		var p domain.CompanyProfile
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		rec.Profile = &p
	}
	if v, ok := raw[keyTrades]; ok && !isNull(v) {
		rec.Trades = compact(v)
	}
	if v, ok := raw[keyLastUpdated]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &rec.LastUpdated); err != nil {
			return fmt.Errorf("lastUpdated: %w", err)
		}
	}

	for k, v := range raw {
		switch k {
		case keyCode, keyList, keyListSnapshot, keyProfile, keyTrades, keyLastUpdated:
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]json.RawMessage)
		}
		rec.Extra[k] = compact(v)
	}

	*r = rec
	return nil
}

// clone returns a deep copy so callers cannot reach store internals.
func (r StockRecord) clone() StockRecord {
	out := r
	if r.List != nil {
		l := *r.List
		out.List = &l
	}
	if r.Profile != nil {
		p := *r.Profile
		out.Profile = &p
	}
	if r.Trades != nil {
		out.Trades = bytes.Clone(r.Trades)
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = bytes.Clone(v)
		}
	}
	return out
}

// Patch carries the fields one writer actually obtained. Nil fields are
// left untouched by Upsert. Extra keys that collide with a record field
// (code, list, listSnapshot, profile, trades, lastUpdated, dates) are
// ignored.
type Patch struct {
	List    *domain.PoolEntry
	Profile *domain.CompanyProfile
	Trades  json.RawMessage
	Extra   map[string]json.RawMessage
}

// apply overwrites every field present in p.
func (p Patch) apply(r *StockRecord) {
	if p.List != nil {
		l := *p.List
		r.List = &l
	}
	if p.Profile != nil {
		pr := *p.Profile
		r.Profile = &pr
	}
	if p.Trades != nil {
		r.Trades = bytes.Clone(p.Trades)
	}
	for k, v := range p.Extra {
		if reserved(k) {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage, len(p.Extra))
		}
		r.Extra[k] = bytes.Clone(v)
	}
}

func reserved(key string) bool {
	switch key {
	case keyCode, keyList, keyListSnapshot, keyProfile, keyTrades, keyLastUpdated, keyDates:
		return true
	}
	return false
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return bytes.Clone(v)
	}
	return buf.Bytes()
}
