package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultRetryInterval is how long a failed load is remembered before the
// next request may try again.
const DefaultRetryInterval = 30 * time.Second

type entry struct {
	handle   *Handle
	err      error
	failedAt time.Time
	// fatal marks a ConfigurationError; the entry is never retried.
	fatal bool
}

// Registry maps disease types to their configuration and, once resolved,
// their loaded model. A loaded handle is never replaced; failures stay
// confined to their own key.
type Registry struct {
	configs map[string]DiseaseModelConfig
	order   []string

	opener    Opener
	fetcher   Fetcher
	retry     time.Duration
	selfCheck bool

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Registry)

// WithFetcher enables hf:// and https:// artifact locations.
func WithFetcher(f Fetcher) Option {
	return func(r *Registry) { r.fetcher = f }
}

func WithRetryInterval(d time.Duration) Option {
	return func(r *Registry) { r.retry = d }
}

// WithoutSelfCheck skips the post-load forward pass.
func WithoutSelfCheck() Option {
	return func(r *Registry) { r.selfCheck = false }
}

func NewRegistry(configs []DiseaseModelConfig, opener Opener, opts ...Option) (*Registry, error) {
	r := &Registry{
		configs:   make(map[string]DiseaseModelConfig, len(configs)),
		opener:    opener,
		retry:     DefaultRetryInterval,
		selfCheck: true,
		entries:   make(map[string]*entry),
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, &ConfigurationError{DiseaseType: cfg.DiseaseType, Err: err}
		}
		if _, dup := r.configs[cfg.DiseaseType]; dup {
			return nil, &ConfigurationError{DiseaseType: cfg.DiseaseType, Err: errors.New("configured twice")}
		}
		r.configs[cfg.DiseaseType] = cfg
		r.order = append(r.order, cfg.DiseaseType)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Types returns the configured disease types in configuration order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.order...)
}

// Lookup returns the configuration for a disease type without loading it.
func (r *Registry) Lookup(diseaseType string) (DiseaseModelConfig, error) {
	cfg, ok := r.configs[diseaseType]
	if !ok {
		return DiseaseModelConfig{}, &ConfigurationError{DiseaseType: diseaseType, Err: ErrUnknownDiseaseType}
	}
	return cfg, nil
}

// Resolve returns the configuration and loaded handle for a disease type,
// loading it on first use. Concurrent callers for the same key share one
// load. Cancelling ctx abandons the wait but not the load itself.
func (r *Registry) Resolve(ctx context.Context, diseaseType string) (DiseaseModelConfig, *Handle, error) {
	cfg, err := r.Lookup(diseaseType)
	if err != nil {
		return cfg, nil, err
	}

	if h, done, err := r.cached(diseaseType); done {
		return cfg, h, err
	}

	ch := r.group.DoChan(diseaseType, func() (any, error) {
		return r.load(context.WithoutCancel(ctx), cfg)
	})
	select {
	case <-ctx.Done():
		return cfg, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return cfg, nil, res.Err
		}
		return cfg, res.Val.(*Handle), nil
	}
}

// cached reports a settled entry: a loaded handle, a fatal configuration
// error, or a failure still inside its retry window.
func (r *Registry) cached(diseaseType string) (*Handle, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[diseaseType]
	if !ok {
		return nil, false, nil
	}
	switch {
	case e.handle != nil:
		return e.handle, true, nil
	case e.fatal:
		return nil, true, e.err
	case time.Since(e.failedAt) < r.retry:
		return nil, true, &ModelUnavailableError{DiseaseType: diseaseType, Err: e.err}
	}
	return nil, false, nil
}

func (r *Registry) load(ctx context.Context, cfg DiseaseModelConfig) (*Handle, error) {
	// A flight that finished between cached() and DoChan already stored
	// the result.
	if h, done, err := r.cached(cfg.DiseaseType); done {
		return h, err
	}

	start := time.Now()
	var errs []error
	for _, location := range cfg.ArtifactLocations {
		h, err := r.openLocation(ctx, location)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if r.selfCheck {
			if err := SelfCheck(ctx, cfg, h); err != nil {
				h.Close()
				var cerr *ConfigurationError
				if errors.As(err, &cerr) {
					log.Printf("registry: %s: %v", cfg.DiseaseType, err)
					r.store(cfg.DiseaseType, &entry{err: err, fatal: true, failedAt: time.Now()})
					return nil, err
				}
				errs = append(errs, fmt.Errorf("%s: %w", location, err))
				continue
			}
		}

		r.store(cfg.DiseaseType, &entry{handle: h})
		log.Printf("registry: %s loaded from %s (%s) in %v", cfg.DiseaseType, h.Location, h.Kind, time.Since(start).Round(time.Millisecond))
		return h, nil
	}

	err := &ModelUnavailableError{DiseaseType: cfg.DiseaseType, Err: errors.Join(errs...)}
	log.Printf("registry: %v", err)
	r.store(cfg.DiseaseType, &entry{err: err.Err, failedAt: time.Now()})
	return nil, err
}

func (r *Registry) openLocation(ctx context.Context, location string) (*Handle, error) {
	path := location
	if IsRemote(location) {
		if r.fetcher == nil {
			return nil, fmt.Errorf("%s: remote locations are not enabled", location)
		}
		local, err := r.fetcher.Fetch(ctx, location)
		if err != nil {
			return nil, err
		}
		path = local
	}
	h, err := open(r.opener, path)
	if err != nil {
		return nil, err
	}
	if path != location {
		h.Location = location
	}
	return h, nil
}

func (r *Registry) store(diseaseType string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[diseaseType]; ok && cur.handle != nil {
		return
	}
	r.entries[diseaseType] = e
}

// LoadAll resolves every configured type concurrently and returns how many
// are loaded. Failures are logged and left to lazy retry.
func (r *Registry) LoadAll(ctx context.Context) int {
	var g errgroup.Group
	g.SetLimit(len(r.order) + 1)
	for _, diseaseType := range r.order {
		g.Go(func() error {
			if _, _, err := r.Resolve(ctx, diseaseType); err != nil {
				log.Printf("registry: preload %s failed: %v", diseaseType, err)
			}
			return nil
		})
	}
	g.Wait()

	loaded, _ := r.Count()
	return loaded
}

// EntryStatus is the externally visible state of one disease type.
type EntryStatus struct {
	Loaded   bool        `json:"loaded"`
	Kind     RuntimeKind `json:"runtime,omitempty"`
	Location string      `json:"location,omitempty"`
	GradCAM  bool        `json:"gradcam"`
	Error    string      `json:"error,omitempty"`
}

func (r *Registry) Status() map[string]EntryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]EntryStatus, len(r.order))
	for _, diseaseType := range r.order {
		var st EntryStatus
		if e, ok := r.entries[diseaseType]; ok {
			if e.handle != nil {
				st.Loaded = true
				st.Kind = e.handle.Kind
				st.Location = e.handle.Location
				st.GradCAM = e.handle.Gradients != nil
			} else if e.err != nil {
				st.Error = e.err.Error()
			}
		}
		out[diseaseType] = st
	}
	return out
}

// Count returns loaded and configured model counts.
func (r *Registry) Count() (loaded, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.handle != nil {
			loaded++
		}
	}
	return loaded, len(r.order)
}

// Close releases every loaded handle. Call only once serving has stopped.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, e := range r.entries {
		if e.handle != nil {
			errs = append(errs, e.handle.Close())
		}
		delete(r.entries, key)
	}
	return errors.Join(errs...)
}
