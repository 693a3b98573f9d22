/*
Package settings implements the gate's runtime settings registry (C7):
a whitelist of keys whose effective value is looked up dynamic KV
override, then static configuration, then a hard-coded default. Writes
validate against the key's schema (type, inclusive bounds) before
landing in KV, so a malformed PUT never reaches admission logic.

The only in-process cache in the gate lives here, and only because
§5 of the gating design explicitly sanctions a short-TTL settings
cache: no in-process cache is authoritative, and every read here either
hits KV or serves a value no older than the configured TTL.
*/
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sentrygate/gateway/clock"
	"github.com/sentrygate/gateway/redisclient"
)

// Source identifies where an effective value came from.
type Source string

const (
	SourceDynamic Source = "dynamic"
	SourceStatic  Source = "static"
)

// Kind is the value type a key's schema enforces.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindBool
)

// Schema describes validation and encoding rules for one recognized key.
type Schema struct {
	Key  string
	Kind Kind
	// Min/Max are inclusive bounds for numeric kinds; ignored for KindBool.
	Min, Max float64
}

func (s Schema) validate(raw string) error {
	switch s.Kind {
	case KindBool:
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("settings: %s must be a bool: %w", s.Key, err)
		}
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("settings: %s must be an int: %w", s.Key, err)
		}
		if float64(n) < s.Min || float64(n) > s.Max {
			return fmt.Errorf("settings: %s=%d out of range [%g, %g]", s.Key, n, s.Min, s.Max)
		}
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("settings: %s must be a number: %w", s.Key, err)
		}
		if f < s.Min || f > s.Max {
			return fmt.Errorf("settings: %s=%g out of range [%g, %g]", s.Key, f, s.Min, s.Max)
		}
	}
	return nil
}

// Registry is the whitelisted key/value store backing the admin
// settings surface and every gating component's configuration reads.
type Registry struct {
	store    redisclient.Store
	clock    clock.Clock
	cacheTTL time.Duration

	schemas map[string]Schema
	statics map[string]string // key -> encoded static fallback

	mu    sync.Mutex
	cache map[string]cachedValue
}

type cachedValue struct {
	value    string
	source   Source
	cachedAt time.Time
}

// New creates a Registry. statics supplies the static-layer fallback
// (already encoded as strings) for every recognized key, typically
// derived from *config.Config by the caller.
func New(store redisclient.Store, c clock.Clock, cacheTTL time.Duration, schemas []Schema, statics map[string]string) *Registry {
	m := make(map[string]Schema, len(schemas))
	for _, s := range schemas {
		m[s.Key] = s
	}
	return &Registry{
		store:    store,
		clock:    c,
		cacheTTL: cacheTTL,
		schemas:  m,
		statics:  statics,
		cache:    make(map[string]cachedValue),
	}
}

func settingsKey(key string) string { return "settings:" + key }

// Get returns the effective raw value and its source, consulting the
// in-process cache before KV.
func (r *Registry) Get(ctx context.Context, key string) (string, Source, error) {
	if _, ok := r.schemas[key]; !ok {
		return "", "", fmt.Errorf("settings: unrecognized key %q", key)
	}

	r.mu.Lock()
	if cv, ok := r.cache[key]; ok && r.clock.Now().Sub(cv.cachedAt) < r.cacheTTL {
		r.mu.Unlock()
		return cv.value, cv.source, nil
	}
	r.mu.Unlock()

	v, ok, err := r.store.Get(ctx, settingsKey(key))
	if err != nil {
		// Fail toward the static value rather than surfacing a KV fault
		// to every caller; the registry itself never fails admission.
		return r.statics[key], SourceStatic, nil
	}
	if ok {
		r.setCache(key, v, SourceDynamic)
		return v, SourceDynamic, nil
	}
	r.setCache(key, r.statics[key], SourceStatic)
	return r.statics[key], SourceStatic, nil
}

func (r *Registry) setCache(key, value string, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cachedValue{value: value, source: source, cachedAt: r.clock.Now()}
}

// GetInt is a typed convenience wrapper over Get for KindInt keys.
func (r *Registry) GetInt(ctx context.Context, key string) (int64, error) {
	v, _, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// GetFloat is a typed convenience wrapper over Get for KindFloat keys.
func (r *Registry) GetFloat(ctx context.Context, key string) (float64, error) {
	v, _, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

// GetBool is a typed convenience wrapper over Get for KindBool keys.
func (r *Registry) GetBool(ctx context.Context, key string) (bool, error) {
	v, _, err := r.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

// GetDuration reads a KindInt key as a count of seconds.
func (r *Registry) GetDuration(ctx context.Context, key string) (time.Duration, error) {
	n, err := r.GetInt(ctx, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// Set validates raw against key's schema and, if valid, writes it as
// the dynamic override. The write is immediately visible to subsequent
// reads: the in-process cache entry is updated in place rather than
// merely invalidated, so a read racing the write's own goroutine still
// observes the new value.
func (r *Registry) Set(ctx context.Context, key, raw string) error {
	schema, ok := r.schemas[key]
	if !ok {
		return fmt.Errorf("settings: unrecognized key %q", key)
	}
	if err := schema.validate(raw); err != nil {
		return err
	}
	if err := r.store.Set(ctx, settingsKey(key), raw, 0); err != nil {
		return err
	}
	r.setCache(key, raw, SourceDynamic)
	return nil
}

// Item is one entry in the admin List() surface.
type Item struct {
	Value  string
	Source Source
}

// List returns every recognized key with its current effective value
// and source.
func (r *Registry) List(ctx context.Context) (map[string]Item, error) {
	out := make(map[string]Item, len(r.schemas))
	for key := range r.schemas {
		v, src, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = Item{Value: v, Source: src}
	}
	return out, nil
}
