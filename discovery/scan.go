package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/modplane"
)

// DefaultConcurrency bounds concurrent manifest reads.
const DefaultConcurrency = 4

type scanOptions struct {
	concurrency int
	logger      modplane.Logger
	onInvalid   func(path string, err error)
}

// ScanOption configures Scan.
type ScanOption func(*scanOptions)

// WithConcurrency bounds how many manifests are read at once.
func WithConcurrency(n int) ScanOption {
	return func(o *scanOptions) { o.concurrency = n }
}

// WithLogger sets the logger for skipped plugins.
func WithLogger(logger modplane.Logger) ScanOption {
	return func(o *scanOptions) { o.logger = logger }
}

// WithInvalidHandler is called for every plugin directory whose manifest
// could not be used.
func WithInvalidHandler(fn func(path string, err error)) ScanOption {
	return func(o *scanOptions) { o.onInvalid = fn }
}

func newScanOptions(opts []ScanOption) scanOptions {
	o := scanOptions{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	o.logger = modplane.OrNop(o.logger)
	return o
}

// Scan reads the manifest of every plugin directory under dir. Hidden
// directories and directories without a manifest are ignored; invalid
// manifests are logged, reported to the invalid handler and skipped. Two
// plugins declaring the same id are both skipped. The result is sorted by
// module id.
func Scan(ctx context.Context, dir string, opts ...ScanOption) ([]Manifest, error) {
	o := newScanOptions(opts)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scan plugins: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan plugins: %w", err)
	}

	var (
		mu    sync.Mutex
		found []Manifest
	)
	invalid := func(path string, err error) {
		o.logger.Warn("Skipping plugin", "path", path, "error", err)
		if o.onInvalid != nil {
			mu.Lock()
			o.onInvalid(path, err)
			mu.Unlock()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, err := FindManifest(pluginDir)
			if errors.Is(err, ErrNoManifest) {
				o.logger.Debug("No manifest in plugin directory", "path", pluginDir)
				return nil
			}
			m, err := ReadManifest(path)
			if err != nil {
				invalid(pluginDir, err)
				return nil
			}
			mu.Lock()
			found = append(found, m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Module.ID == found[j].Module.ID {
			return found[i].Path < found[j].Path
		}
		return found[i].Module.ID < found[j].Module.ID
	})

	out := found[:0]
	for i := 0; i < len(found); {
		j := i + 1
		for j < len(found) && found[j].Module.ID == found[i].Module.ID {
			j++
		}
		if j-i > 1 {
			for _, dup := range found[i:j] {
				invalid(filepath.Dir(dup.Path), fmt.Errorf("duplicate plugin id %q", dup.Module.ID))
			}
		} else {
			out = append(out, found[i])
		}
		i = j
	}
	return out, nil
}
