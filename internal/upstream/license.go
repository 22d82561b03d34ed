package upstream

import (
	"context"
	"errors"
	"strings"
	"sync"

	"limitboard/internal/kv"
)

// LicenseKey is the storage key a runtime-supplied license is persisted under.
const LicenseKey = "BIYING_LICENSE"

// ErrMissingCredential means no API license is configured anywhere.
var ErrMissingCredential = errors.New("upstream: no API license configured")

// License resolves the upstream API credential: the configured value
// (config file or BIYING_LICENSE) first, then a value persisted by Set.
type License struct {
	configured string
	storage    kv.Storage

	mu     sync.Mutex
	cached string
}

// NewLicense returns a resolver. storage may be nil.
func NewLicense(configured string, storage kv.Storage) *License {
	return &License{configured: strings.TrimSpace(configured), storage: storage}
}

// Resolve returns the first non-empty license, or ErrMissingCredential.
func (l *License) Resolve(ctx context.Context) (string, error) {
	if l.configured != "" {
		return l.configured, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached != "" {
		return l.cached, nil
	}
	if l.storage != nil {
		data, err := l.storage.Get(ctx, LicenseKey)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return "", err
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			l.cached = v
			return v, nil
		}
	}
	return "", ErrMissingCredential
}

// Set stores a license supplied at runtime and persists it when storage is
// available. It does not override a configured license.
func (l *License) Set(ctx context.Context, license string) error {
	license = strings.TrimSpace(license)
	if license == "" {
		return errors.New("upstream: empty license")
	}
	l.mu.Lock()
	l.cached = license
	l.mu.Unlock()
	if l.storage == nil {
		return nil
	}
	return l.storage.Set(ctx, LicenseKey, []byte(license))
}
