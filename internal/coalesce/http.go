package coalesce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single outbound HTTP request.
const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 32 << 20

// Limiter paces outbound requests. util.RateLimiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Code)
}

// HTTPTransport sends descriptors over net/http.
type HTTPTransport struct {
	Client  *http.Client
	Header  http.Header
	Limiter Limiter
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport returns a transport with a client bounded by timeout
// (DefaultTimeout when zero).
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h := http.Header{}
	h.Set("Accept", "application/json, */*;q=0.1")
	h.Set("User-Agent", "limitboard/1.0")
	return &HTTPTransport{
		Client: &http.Client{Timeout: timeout},
		Header: h,
	}
}

func (t *HTTPTransport) Do(ctx context.Context, d Descriptor) ([]byte, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := t.newRequest(ctx, d)
	if err != nil {
		return nil, err
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = d.Redact(ue.URL)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", d.Redact(d.URL), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{Method: req.Method, URL: d.Redact(d.URL), Code: resp.StatusCode, Body: d.Redact(snippet)}
	}
	return body, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, d Descriptor) (*http.Request, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if len(d.Params) > 0 {
		q := u.Query()
		for k, v := range d.Params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	method := strings.ToUpper(d.Method)
	if method == "" {
		method = MethodGet
	}

	var body io.Reader
	if d.Body != nil && method == MethodPost {
		data, err := json.Marshal(d.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
