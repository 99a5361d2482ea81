package mode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Host errors
var (
	ErrNoFactory     = errors.New("no factory registered for module")
	ErrAlreadyLoaded = errors.New("module already loaded")
)

// Host runs module code inside the control plane process.
type Host interface {
	Load(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	IsLoaded(id string) bool
}

// Runnable is a module instance hosted in process.
type Runnable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds a fresh Runnable for each load.
type Factory func() (Runnable, error)

// LocalHost is a Host backed by factories registered at startup.
type LocalHost struct {
	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]Runnable
}

// NewLocalHost creates an empty host.
func NewLocalHost() *LocalHost {
	return &LocalHost{
		factories: make(map[string]Factory),
		loaded:    make(map[string]Runnable),
	}
}

// RegisterFactory makes id loadable.
func (h *LocalHost) RegisterFactory(id string, f Factory) {
	h.mu.Lock()
	h.factories[id] = f
	h.mu.Unlock()
}

// Load builds and starts module id. Loading a loaded module is an error.
func (h *LocalHost) Load(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.loaded[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
	}
	f, ok := h.factories[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoFactory, id)
	}
	r, err := f()
	if err != nil {
		return fmt.Errorf("build %s: %w", id, err)
	}
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	h.loaded[id] = r
	return nil
}

// Unload stops module id. Unloading an unknown module does nothing.
func (h *LocalHost) Unload(ctx context.Context, id string) error {
	h.mu.Lock()
	r, ok := h.loaded[id]
	delete(h.loaded, id)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Stop(ctx)
}

func (h *LocalHost) IsLoaded(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.loaded[id]
	return ok
}

// Loaded lists loaded module ids.
func (h *LocalHost) Loaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.loaded))
	for id := range h.loaded {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
