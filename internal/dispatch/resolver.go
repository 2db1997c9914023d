package dispatch

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
)

// Method is one handler operation: invoked with the dispatch context, the
// event's data payload and the contextual channel name. The returned value
// becomes the automatic success envelope unless it is an Envelope, Handled or
// an error.
type Method func(ctx *Context, data json.RawMessage, channel string) (any, error)

// Controller implements the handlers for one event namespace.
type Controller interface {
	Methods() map[string]Method
}

// Optional controller hooks, checked by the engine per dispatch.
type (
	// Booter runs before the auth gate; returning ErrStop halts silently.
	Booter interface{ Boot(*Context) error }
	// BootedHook runs after the auth gate with the same halt semantics.
	BootedHook interface{ Booted(*Context) error }
	// Unbooter runs after the handler, terminal or not. Best-effort
	// cleanup; it can stop nothing.
	Unbooter interface{ Unboot(*Context) }
	// GuestAccessor opts a controller out of the default requirement for
	// an authenticated principal.
	GuestAccessor interface{ AllowsGuests() bool }
)

// Factory produces a fresh controller per dispatch so handler state never
// leaks between concurrent dispatches.
type Factory func() Controller

// Namespace maps controller names to factories. Names follow the class-path
// convention: "ChatMessageController" or "Chat/MessageController".
type Namespace map[string]Factory

// ResolverStats reports cache effectiveness.
type ResolverStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Resolver maps an event namespace prefix (the part before the first ".") to
// a controller factory. The user namespace shadows the default namespace.
// Resolutions, including failed ones, are cached unless hot-reload mode is on.
type Resolver struct {
	user     Namespace
	defaults Namespace

	hotReload bool

	mu    sync.RWMutex
	cache map[string]Factory // nil value = cached negative lookup

	hits   atomic.Int64
	misses atomic.Int64
}

func NewResolver(user, defaults Namespace) *Resolver {
	return &Resolver{
		user:     user,
		defaults: defaults,
		cache:    make(map[string]Factory),
	}
}

// SetHotReload disables resolution caching; every dispatch re-resolves.
func (r *Resolver) SetHotReload(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hotReload = on
	r.cache = make(map[string]Factory)
}

// Resolve returns the controller factory for an event prefix.
func (r *Resolver) Resolve(prefix string) (Factory, bool) {
	r.mu.RLock()
	hot := r.hotReload
	if !hot {
		if factory, ok := r.cache[prefix]; ok {
			r.mu.RUnlock()
			r.hits.Add(1)
			return factory, factory != nil
		}
	}
	r.mu.RUnlock()

	r.misses.Add(1)
	factory := r.lookup(prefix)

	if !hot {
		r.mu.Lock()
		r.cache[prefix] = factory
		r.mu.Unlock()
	}
	return factory, factory != nil
}

// lookup walks the name strategies over both namespaces, user first.
func (r *Resolver) lookup(prefix string) Factory {
	for _, name := range candidateNames(prefix) {
		if f, ok := r.user[name]; ok {
			return f
		}
	}
	for _, name := range candidateNames(prefix) {
		if f, ok := r.defaults[name]; ok {
			return f
		}
	}
	return nil
}

// Preload resolves every registered namespace prefix into the cache. The set
// of prefixes is derived by reversing the registered controller names.
func (r *Resolver) Preload() {
	seen := make(map[string]struct{})
	for name := range r.user {
		seen[prefixForName(name)] = struct{}{}
	}
	for name := range r.defaults {
		seen[prefixForName(name)] = struct{}{}
	}
	for prefix := range seen {
		if prefix != "" {
			r.Resolve(prefix)
		}
	}
}

// ClearCache drops all cached resolutions, positive and negative.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Factory)
}

// Stats returns cache counters.
func (r *Resolver) Stats() ResolverStats {
	r.mu.RLock()
	entries := len(r.cache)
	r.mu.RUnlock()
	return ResolverStats{
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Entries: entries,
	}
}

// candidateNames generates the controller names tried for a kebab-case
// prefix, in order. "a-b-c" yields "ABCController", "A/BCController",
// "A/B/CController", "AB/CController": the direct pascal-case name first,
// then folder splits by recursive descent.
func candidateNames(prefix string) []string {
	segs := strings.Split(prefix, "-")
	pascal := make([]string, 0, len(segs))
	for _, s := range segs {
		if s == "" {
			continue
		}
		pascal = append(pascal, strings.ToUpper(s[:1])+s[1:])
	}
	if len(pascal) == 0 {
		return nil
	}
	names := splitCandidates(pascal)
	for i, n := range names {
		names[i] = n + "Controller"
	}
	return names
}

func splitCandidates(segs []string) []string {
	out := []string{strings.Join(segs, "")}
	for i := 1; i < len(segs); i++ {
		folder := strings.Join(segs[:i], "")
		for _, rest := range splitCandidates(segs[i:]) {
			out = append(out, folder+"/"+rest)
		}
	}
	return out
}

// prefixForName reverses a controller name back to its kebab-case event
// prefix: "Chat/MessageController" -> "chat-message".
func prefixForName(name string) string {
	name = strings.TrimSuffix(name, "Controller")
	name = strings.ReplaceAll(name, "/", "")
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
