// Package upstream is a client for the biying market-data REST API. Every
// call goes through the request coalescer, so identical concurrent calls
// share one network round trip.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"limitboard/internal/coalesce"
	"limitboard/internal/domain"
	"limitboard/internal/util"
)

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.biyingapi.com"

// Executor is the subset of *coalesce.Coalescer the client needs.
type Executor interface {
	Fetch(ctx context.Context, d coalesce.Descriptor) (coalesce.Result, error)
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	BaseURL     string
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// Client fetches pools and company profiles.
type Client struct {
	baseURL     string
	exec        Executor
	license     *License
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger
}

// NewClient returns a Client issuing requests through exec.
func NewClient(exec Executor, license *License, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		exec:        exec,
		license:     license,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		log:         opts.Logger,
	}
}

var poolPaths = map[domain.PoolKind]string{
	domain.PoolLimitUp:   "hslt/ztgc",
	domain.PoolLimitDown: "hslt/dtgc",
	domain.PoolStrong:    "hslt/qsgc",
}

// Pool fetches one day's pool of the given kind. bypass forces a fresh
// request even inside the throttle window. cached reports that the answer
// came from the throttle window rather than the network.
func (c *Client) Pool(ctx context.Context, kind domain.PoolKind, date string, bypass bool) (entries []domain.PoolEntry, cached bool, err error) {
	path, ok := poolPaths[kind]
	if !ok {
		return nil, false, fmt.Errorf("upstream: unknown pool %q", kind)
	}
	if _, err := util.ParseDate(date); err != nil {
		return nil, false, err
	}
	res, err := c.get(ctx, bypass, path, date)
	if err != nil {
		return nil, false, fmt.Errorf("fetching %s pool for %s: %w", kind, date, err)
	}
	if err := decodeList(res.Body, "stocks", &entries); err != nil {
		return nil, false, fmt.Errorf("decoding %s pool: %w", kind, err)
	}
	// Error payloads decode as a single code-less entry.
	out := entries[:0]
	for _, e := range entries {
		if e.Code != "" {
			out = append(out, e)
		}
	}
	return out, res.Cached, nil
}

// LimitUpPool fetches the limit-up pool for date.
func (c *Client) LimitUpPool(ctx context.Context, date string, bypass bool) ([]domain.PoolEntry, error) {
	entries, _, err := c.Pool(ctx, domain.PoolLimitUp, date, bypass)
	return entries, err
}

// LimitDownPool fetches the limit-down pool for date.
func (c *Client) LimitDownPool(ctx context.Context, date string, bypass bool) ([]domain.PoolEntry, error) {
	entries, _, err := c.Pool(ctx, domain.PoolLimitDown, date, bypass)
	return entries, err
}

// StrongPool fetches the strong-stock pool for date.
func (c *Client) StrongPool(ctx context.Context, date string, bypass bool) ([]domain.PoolEntry, error) {
	entries, _, err := c.Pool(ctx, domain.PoolStrong, date, bypass)
	return entries, err
}

// ErrNoProfile is returned when the API answers without a profile row.
var ErrNoProfile = errors.New("upstream: empty company profile")

// CompanyProfile fetches the profile for code. The API answers with either a
// one-element array or a single object. cached is as for Pool.
func (c *Client) CompanyProfile(ctx context.Context, code string, bypass bool) (*domain.CompanyProfile, bool, error) {
	res, err := c.get(ctx, bypass, "hscp/gsjj", code)
	if err != nil {
		return nil, false, fmt.Errorf("fetching profile %s: %w", code, err)
	}
	var profiles []domain.CompanyProfile
	if err := decodeList(res.Body, "profile", &profiles); err != nil {
		return nil, false, fmt.Errorf("decoding profile %s: %w", code, err)
	}
	if len(profiles) == 0 || profiles[0].Name == "" {
		return nil, false, ErrNoProfile
	}
	return &profiles[0], res.Cached, nil
}

// get issues GET {base}/{path}/{arg}/{license}, retrying 429 responses with
// exponential backoff. The license is masked in errors and logs.
func (c *Client) get(ctx context.Context, bypass bool, path, arg string) (coalesce.Result, error) {
	license, err := c.license.Resolve(ctx)
	if err != nil {
		return coalesce.Result{}, err
	}
	d := coalesce.Descriptor{
		Method:      coalesce.MethodGet,
		URL:         fmt.Sprintf("%s/%s/%s/%s", c.baseURL, path, url.PathEscape(arg), url.PathEscape(license)),
		BypassCache: bypass,
		Secrets:     []string{license},
	}

	var res coalesce.Result
	attempt := 0
	err = util.Retry(ctx, c.maxAttempts, c.retryDelay, func() error {
		attempt++
		var err error
		res, err = c.exec.Fetch(ctx, d)
		var se *coalesce.StatusError
		if errors.As(err, &se) && se.Code == http.StatusTooManyRequests {
			c.log.Warn("rate limited, backing off", "path", path, "attempt", attempt)
			return err
		}
		return util.Permanent(err)
	})
	return res, err
}

// decodeList accepts a bare array, a single object, or a {"data": ...}
// wrapper whose payload is an array, a single object, or an object holding
// the array under field.
func decodeList[T any](body []byte, field string, out *[]T) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		*out = nil
		return nil
	}

	switch body[0] {
	case '[':
		return json.Unmarshal(body, out)
	case '{':
	default:
		return fmt.Errorf("unexpected payload starting with %q", body[0])
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return err
	}
	data, ok := wrapper["data"]
	if !ok {
		var one T
		if err := json.Unmarshal(body, &one); err != nil {
			return err
		}
		*out = []T{one}
		return nil
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if list, ok := inner[field]; ok {
			return decodeList(list, field, out)
		}
	}
	return decodeList(data, field, out)
}
