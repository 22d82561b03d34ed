// Package limitboard is a Go client for the limitboard server API.
package limitboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"limitboard/internal/api"
	"limitboard/internal/coalesce"
	"limitboard/internal/company"
	"limitboard/internal/domain"
	"limitboard/internal/pool"
)

type (
	PoolResponse      = api.PoolResponse
	CompaniesResponse = api.CompaniesResponse
	Sentiment         = pool.Sentiment
	StockRecord       = company.StockRecord
)

// ErrNotFound is returned when the server has no record for a ticker.
var ErrNotFound = errors.New("limitboard: not found")

// Client talks to a limitboard server. Identical concurrent reads share one
// request, and repeats within the throttle window are served locally.
type Client struct {
	baseURL string
	http    *http.Client
	exec    *coalesce.Coalescer
}

// Options configures a Client.
type Options struct {
	Timeout  time.Duration
	Throttle time.Duration
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	t := coalesce.NewHTTPTransport(opts.Timeout)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    t.Client,
		exec:    coalesce.New(t, coalesce.Options{Throttle: opts.Throttle}),
	}
}

// Pool returns the named pool for date (YYYY-MM-DD, empty for today).
// bypass forces a fresh upstream fetch.
func (c *Client) Pool(ctx context.Context, kind domain.PoolKind, date string, bypass bool) (*PoolResponse, error) {
	params := map[string]any{}
	if date != "" {
		params["date"] = date
	}
	if bypass {
		params["bypass"] = "true"
	}
	var out PoolResponse
	if err := c.get(ctx, "/api/pool/"+url.PathEscape(string(kind)), params, bypass, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sentiment returns the day's limit-move summary.
func (c *Client) Sentiment(ctx context.Context, date string) (*Sentiment, error) {
	params := map[string]any{}
	if date != "" {
		params["date"] = date
	}
	var out Sentiment
	if err := c.get(ctx, "/api/sentiment", params, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Company returns the stored record for code, or ErrNotFound.
func (c *Client) Company(ctx context.Context, code string) (*StockRecord, error) {
	var out StockRecord
	if err := c.get(ctx, "/api/company/"+url.PathEscape(code), nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Companies returns every stored record.
func (c *Client) Companies(ctx context.Context) (*CompaniesResponse, error) {
	var out CompaniesResponse
	if err := c.get(ctx, "/api/company", nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchProfile asks the server to load the company profile for code and
// returns the updated record.
func (c *Client) FetchProfile(ctx context.Context, code string, force bool) (*StockRecord, error) {
	d := coalesce.Descriptor{
		Method:      coalesce.MethodPost,
		URL:         c.baseURL + "/api/company/" + url.PathEscape(code) + "/profile",
		BypassCache: force,
	}
	if force {
		d.Params = map[string]any{"force": "true"}
	}
	var out StockRecord
	if err := c.do(ctx, d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export downloads the server's record mapping in snapshot format.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	return c.exec.Execute(ctx, coalesce.Descriptor{
		Method:      coalesce.MethodGet,
		URL:         c.baseURL + "/api/company/export",
		BypassCache: true,
	})
}

// SetLicense stores the upstream API license on the server.
func (c *Client) SetLicense(ctx context.Context, license string) error {
	body, err := json.Marshal(map[string]string{"license": license})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/license", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("setting license: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("setting license: %s", resp.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]any, bypass bool, out any) error {
	return c.do(ctx, coalesce.Descriptor{
		Method:      coalesce.MethodGet,
		URL:         c.baseURL + path,
		Params:      params,
		BypassCache: bypass,
	}, out)
}

func (c *Client) do(ctx context.Context, d coalesce.Descriptor, out any) error {
	body, err := c.exec.Execute(ctx, d)
	if err != nil {
		var se *coalesce.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return fmt.Errorf("%s: %w", d.URL, ErrNotFound)
		}
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", d.URL, err)
	}
	return nil
}
