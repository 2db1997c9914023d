// Package apps holds the app registry: resolution of client-supplied app
// credentials and the per-app admission policies. App values are immutable at
// runtime; creation happens out of band.
package apps

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
)

// ErrNotFound is returned by registry lookups that do not match an app. For
// key lookups during admission this is the UnknownAppKey signal.
var ErrNotFound = errors.New("app not found")

// App is one logical tenant.
type App struct {
	ID     string `yaml:"id" json:"id"`
	Key    string `yaml:"key" json:"key"`
	Secret string `yaml:"secret" json:"secret"`
	Name   string `yaml:"name" json:"name"`

	// Capacity is the maximum number of concurrent connections; nil means
	// unlimited.
	Capacity *int `yaml:"capacity" json:"capacity,omitempty"`

	ClientMessagesEnabled bool `yaml:"client_messages_enabled" json:"client_messages_enabled"`
	StatisticsEnabled     bool `yaml:"statistics_enabled" json:"statistics_enabled"`

	// AllowedOrigins restricts the Origin header of connecting clients.
	// Empty means any origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins,omitempty"`
}

// OriginAllowed checks the Origin header value against the allow list. Entries
// are compared against the origin's host, so "test.origin.com" admits
// "https://test.origin.com". An empty list admits everything, as does an
// absent header (non-browser clients).
func (a *App) OriginAllowed(origin string) bool {
	if len(a.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, allowed := range a.AllowedOrigins {
		if strings.EqualFold(allowed, host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Registry resolves apps by their credentials. Backends must be safe for
// concurrent use; lookups honour the context deadline.
type Registry interface {
	FindByID(ctx context.Context, id string) (*App, error)
	FindByKey(ctx context.Context, key string) (*App, error)
	FindBySecret(ctx context.Context, secret string) (*App, error)
	All(ctx context.Context) ([]*App, error)
	Create(ctx context.Context, app App) error
}

// MemoryRegistry serves a fixed list of apps loaded from configuration.
type MemoryRegistry struct {
	mu   sync.RWMutex
	apps []*App
}

func NewMemoryRegistry(list []App) *MemoryRegistry {
	r := &MemoryRegistry{}
	for i := range list {
		app := list[i]
		r.apps = append(r.apps, &app)
	}
	return r
}

func (r *MemoryRegistry) find(match func(*App) bool) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, app := range r.apps {
		if match(app) {
			return app, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRegistry) FindByID(_ context.Context, id string) (*App, error) {
	return r.find(func(a *App) bool { return a.ID == id })
}

func (r *MemoryRegistry) FindByKey(_ context.Context, key string) (*App, error) {
	return r.find(func(a *App) bool { return a.Key == key })
}

func (r *MemoryRegistry) FindBySecret(_ context.Context, secret string) (*App, error) {
	return r.find(func(a *App) bool { return a.Secret == secret })
}

func (r *MemoryRegistry) All(_ context.Context) ([]*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*App, len(r.apps))
	copy(out, r.apps)
	return out, nil
}

func (r *MemoryRegistry) Create(_ context.Context, app App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.apps {
		if existing.ID == app.ID || existing.Key == app.Key {
			return errors.New("app id or key already registered")
		}
	}
	r.apps = append(r.apps, &app)
	return nil
}
