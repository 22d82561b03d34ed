// Package coalesce deduplicates and throttles outbound requests. Concurrent
// identical requests share one execution; a successful result is served to
// identical requests for a throttle window afterwards.
package coalesce

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Supported request methods.
const (
	MethodGet  = "GET"
	MethodPost = "POST"
)

// Descriptor identifies one logical outbound call.
type Descriptor struct {
	Method string
	URL    string
	// Params are encoded as the query string. Values are formatted with
	// fmt's %v verb.
	Params map[string]any
	// Body is JSON-encoded for POST requests.
	Body any
	// BypassCache forces a fresh execution. The execution is still shared
	// with later non-bypassing callers and still refreshes the throttle cache.
	BypassCache bool
	// Secrets are masked wherever the URL shows up in errors or logs. They
	// do not contribute to Key.
	Secrets []string
}

// Redact replaces every secret in s, raw or path-escaped, with "***".
func (d Descriptor) Redact(s string) string {
	for _, secret := range d.Secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "***")
		if esc := url.PathEscape(secret); esc != secret {
			s = strings.ReplaceAll(s, esc, "***")
		}
	}
	return s
}

// Key returns the deterministic identity of d. Structurally equal params and
// bodies yield equal keys: encoding/json emits map keys in sorted order.
func (d Descriptor) Key() (string, error) {
	method := strings.ToUpper(d.Method)
	if method == "" {
		method = MethodGet
	}
	if method != MethodGet && method != MethodPost {
		return "", fmt.Errorf("coalesce: unsupported method %q", d.Method)
	}

	params, err := canonical(d.Params)
	if err != nil {
		return "", fmt.Errorf("coalesce: encoding params: %w", err)
	}
	body, err := canonical(d.Body)
	if err != nil {
		return "", fmt.Errorf("coalesce: encoding body: %w", err)
	}

	var b strings.Builder
	b.Grow(len(method) + len(d.URL) + len(params) + len(body) + 3)
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(d.URL)
	b.WriteByte('|')
	b.WriteString(params)
	b.WriteByte('|')
	b.WriteString(body)
	return b.String(), nil
}

func canonical(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
