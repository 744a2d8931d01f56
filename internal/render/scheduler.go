package render

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Result is a finished image and the generation it was drawn from.
type Result struct {
	Gen uint64
	Img *image.RGBA
}

// Cache holds the latest image per surface key.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Result
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Result)}
}

// Get returns the cached image for key.
func (c *Cache) Get(key string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[key]
	return r, ok
}

// Fresh reports whether key holds an image at least as new as gen.
func (c *Cache) Fresh(key string, gen uint64) bool {
	r, ok := c.Get(key)
	return ok && r.Gen >= gen
}

// Drop forgets key.
func (c *Cache) Drop(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Retain drops every entry whose key is not in keep.
func (c *Cache) Retain(keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if !keep[k] {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) attach(key string, r Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok && old.Gen > r.Gen {
		return false
	}
	c.entries[key] = r
	return true
}

type task struct {
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler runs Jobs on a bounded worker pool.
type Scheduler struct {
	mu      sync.Mutex
	cache   *Cache
	workers int
	pending map[string]*task
	logger  *slog.Logger
}

// NewScheduler returns a scheduler publishing into cache. workers < 1
// means one worker.
func NewScheduler(cache *Cache, workers int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cache: cache, workers: max(workers, 1), pending: make(map[string]*task), logger: logger}
}

// Cache returns the cache results are published to.
func (s *Scheduler) Cache() *Cache { return s.cache }

// Pass is one batch of submitted jobs.
type Pass struct {
	done chan struct{}
	err  error
	// Queued is the number of jobs that were started.
	Queued int
}

// Wait blocks until every job of the pass has finished or been cancelled.
func (p *Pass) Wait() error {
	<-p.done
	return p.err
}

// Submit replaces the working set with jobs. Pending tasks for keys not in
// jobs are cancelled, as are tasks for an older generation of a key. Jobs
// whose image is already fresh are skipped. Submit does not block.
func (s *Scheduler) Submit(ctx context.Context, jobs []Job) *Pass {
	want := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		want[j.Key] = true
	}

	s.mu.Lock()
	for key, t := range s.pending {
		if !want[key] {
			t.cancel()
			delete(s.pending, key)
		}
	}
	var start []*task
	for _, j := range jobs {
		if s.cache.Fresh(j.Key, j.Gen) {
			continue
		}
		if t, ok := s.pending[j.Key]; ok {
			if t.job.Gen >= j.Gen {
				continue
			}
			t.cancel()
		}
		tctx, cancel := context.WithCancel(ctx)
		t := &task{job: j, ctx: tctx, cancel: cancel}
		s.pending[j.Key] = t
		start = append(start, t)
	}
	s.mu.Unlock()

	p := &Pass{done: make(chan struct{}), Queued: len(start)}
	go func() {
		defer close(p.done)
		var g errgroup.Group
		g.SetLimit(s.workers)
		for _, t := range start {
			g.Go(func() error { return s.run(t) })
		}
		p.err = g.Wait()
	}()
	return p
}

// Cancel stops every pending task.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.pending {
		t.cancel()
		delete(s.pending, key)
	}
}

// Pending returns the number of tasks not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// run executes one task. Cancellation is not an error.
func (s *Scheduler) run(t *task) error {
	defer t.cancel()
	j := t.job
	if j.Before != nil {
		if err := j.Before(t.ctx); err != nil {
			if t.ctx.Err() != nil {
				s.finish(t, nil)
				return nil
			}
			s.logger.Warn("render: backing failed", slog.String("key", j.Key), slog.String("error", err.Error()))
		}
	}
	img, err := Raster(t.ctx, j)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.finish(t, nil)
		return nil
	}
	if err != nil {
		s.finish(t, nil)
		return err
	}
	s.finish(t, img)
	return nil
}

// finish publishes img when t is still the current task for its key and was
// not cancelled, then retires it.
func (s *Scheduler) finish(t *task, img *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pending[t.job.Key]
	if !ok || cur != t {
		return
	}
	delete(s.pending, t.job.Key)
	if img == nil || t.ctx.Err() != nil {
		return
	}
	if !s.cache.attach(t.job.Key, Result{Gen: t.job.Gen, Img: img}) {
		s.logger.Debug("render: stale result dropped", slog.String("key", t.job.Key))
	}
}
