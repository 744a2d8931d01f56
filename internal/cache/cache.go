// Package cache manages the directory of temporary bundles: unpacked
// archives and converted imports. A temporary bundle is leased while a
// document holds it open; Cleanup only reclaims entries nobody leases and
// nobody has touched for a while.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/starford/speedynote/internal/apperr"
)

const (
	bundlesDir = "bundles"
	convertDir = "convert"
)

// Dir is a cache root.
type Dir struct {
	root   string
	minAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	leases map[string]int
	cron   *cron.Cron
}

// Open creates the cache layout under root. Entries younger than minAge are
// never reclaimed.
func Open(root string, minAge time.Duration, logger *slog.Logger) (*Dir, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	for _, sub := range []string{bundlesDir, convertDir} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("cache: create %s: %w", sub, err)
		}
	}
	return &Dir{
		root:   abs,
		minAge: minAge,
		logger: logger.With(slog.String("component", "cache")),
		now:    time.Now,
		leases: make(map[string]int),
	}, nil
}

// Root returns the cache root.
func (d *Dir) Root() string { return d.root }

// ConvertDir is where converter outputs are written.
func (d *Dir) ConvertDir() string { return filepath.Join(d.root, convertDir) }

// NewBundle reserves a fresh temporary bundle directory and leases it.
func (d *Dir) NewBundle(name string) (string, func(), error) {
	dir, err := os.MkdirTemp(filepath.Join(d.root, bundlesDir), sanitize(name)+"-")
	if err != nil {
		return "", nil, fmt.Errorf("cache: %w", err)
	}
	release, err := d.Acquire(dir)
	if err != nil {
		return "", nil, err
	}
	return dir, release, nil
}

// Acquire leases an existing temporary bundle. The returned func releases
// it; calling it more than once is harmless.
func (d *Dir) Acquire(dir string) (func(), error) {
	key, err := d.key(dir)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.leases[key]++
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.leases[key]--; d.leases[key] <= 0 {
				delete(d.leases, key)
			}
		})
	}, nil
}

// Leased reports whether dir is held open.
func (d *Dir) Leased(dir string) bool {
	key, err := d.key(dir)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leases[key] > 0
}

func (d *Dir) key(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("cache: %w", err)
	}
	rel, err := filepath.Rel(filepath.Join(d.root, bundlesDir), abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("cache: %s is not a cached bundle: %w", dir, apperr.ErrNotFound)
	}
	return rel, nil
}

// Cleanup removes the unleased temporary bundles and converter leftovers
// older than the minimum age. It returns the removed paths.
func (d *Dir) Cleanup(ctx context.Context) ([]string, error) {
	var removed []string
	for _, sub := range []string{bundlesDir, convertDir} {
		entries, err := os.ReadDir(filepath.Join(d.root, sub))
		if err != nil {
			return removed, fmt.Errorf("cache: list %s: %w", sub, err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			path := filepath.Join(d.root, sub, e.Name())
			if d.busy(sub, e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil || d.now().Sub(info.ModTime()) < d.minAge {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				d.logger.Warn("cache: remove failed", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			removed = append(removed, path)
		}
	}
	if len(removed) > 0 {
		d.logger.Info("cache: cleaned", slog.Int("removed", len(removed)))
	}
	return removed, nil
}

func (d *Dir) busy(sub, name string) bool {
	if sub != bundlesDir {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leases[name] > 0
}

// Schedule runs Cleanup on a cron spec such as "@hourly" until Stop.
func (d *Dir) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := d.Cleanup(ctx); err != nil {
			d.logger.Error("cache: scheduled cleanup", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("cache: invalid schedule %q: %w", spec, err)
	}
	d.mu.Lock()
	if d.cron != nil {
		d.cron.Stop()
	}
	d.cron = c
	d.mu.Unlock()
	c.Start()
	d.logger.Info("cache: cleanup scheduled", slog.String("spec", spec))
	return nil
}

// Stop halts scheduled cleanup and waits for a running one.
func (d *Dir) Stop() {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "bundle"
	}
	return name
}
