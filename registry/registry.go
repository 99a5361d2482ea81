package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/modplane"
)

const userAgent = "modplane-registry/1.0"

// Registry is a thread-safe table of remote modules.
type Registry struct {
	client        *http.Client
	healthTimeout time.Duration
	concurrency   int
	logger        modplane.Logger
	now           func() time.Time

	mu      sync.RWMutex
	records map[string]*Record
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHTTPClient replaces the HTTP client used for health checks and proxying.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.client = c }
}

// WithHealthCheckTimeout bounds a single health check.
func WithHealthCheckTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.healthTimeout = d
		}
	}
}

// WithConcurrency bounds how many modules HealthCheckAll checks at once.
func WithConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger modplane.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		client:        &http.Client{},
		healthTimeout: DefaultHealthCheckTimeout,
		concurrency:   8,
		logger:        modplane.OrNop(logger),
		now:           time.Now,
		records:       make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the record for id. A trailing slash on baseURL
// is dropped and the health URL defaults to <baseURL>/health.
func (r *Registry) Register(id, baseURL string, auth Auth, opts ...Option) (Record, error) {
	if id == "" {
		return Record{}, ErrEmptyModuleID
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	switch auth.Type {
	case AuthNone, AuthBearer, AuthAPIKey:
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownAuthType, auth.Type)
	}

	base := strings.TrimRight(baseURL, "/")
	rec := &Record{
		ID:         id,
		Name:       id,
		BaseURL:    base,
		HealthURL:  base + DefaultHealthPath,
		Auth:       auth,
		Timeout:    DefaultRequestTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(rec)
	}
	if rec.MaxRetries < 1 {
		rec.MaxRetries = 1
	}

	r.mu.Lock()
	_, replaced := r.records[id]
	r.records[id] = rec
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("Replaced remote module registration", "module", id, "base_url", base)
	} else {
		r.logger.Info("Registered remote module", "module", id, "base_url", base)
	}
	return rec.clone(), nil
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()
	if ok {
		r.logger.Info("Unregistered remote module", "module", id)
	}
	return ok
}

func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records sorted by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheck performs one GET against the module's health URL. Only a 200
// response counts as healthy. Unknown ids are reported unhealthy.
func (r *Registry) HealthCheck(ctx context.Context, id string) bool {
	rec, ok := r.Get(id)
	if !ok {
		return false
	}

	err := r.performHealthCheck(ctx, rec)
	r.update(id, func(stored *Record) {
		stored.LastCheck = r.now()
		stored.Healthy = err == nil
		if err == nil {
			stored.ErrorCount = 0
		} else {
			stored.ErrorCount++
		}
	})
	if err != nil {
		r.logger.Debug("Remote module health check failed", "module", id, "url", rec.HealthURL, "error", err)
		return false
	}
	return true
}

func (r *Registry) performHealthCheck(ctx context.Context, rec Record) error {
	healthCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, rec.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	applyAuth(req.Header, rec.Auth)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, resp.StatusCode)
	}
	return nil
}

// HealthCheckAll checks every registered module with bounded concurrency
// and returns the result per id.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			healthy := r.HealthCheck(gctx, id)
			mu.Lock()
			results[id] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// update applies fn to the stored record if id is still registered.
func (r *Registry) update(id string, fn func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		fn(rec)
	}
}

// applyAuth adds credentials unless the caller already set the header.
func applyAuth(h http.Header, auth Auth) {
	switch auth.Type {
	case AuthBearer:
		if h.Get("Authorization") == "" && auth.Token != "" {
			h.Set("Authorization", "Bearer "+auth.Token)
		}
	case AuthAPIKey:
		if h.Get("X-API-Key") == "" && auth.Token != "" {
			h.Set("X-API-Key", auth.Token)
		}
	}
}
