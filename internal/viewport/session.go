package viewport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/render"
)

// ErrClosed is returned by a Session after Close.
var ErrClosed = errors.New("viewport: session closed")

// call is one Do request. It runs in turns: the first starts fn, later
// ones resume it after it parked on a key being saved. Only one call holds
// a turn at a time.
type call struct {
	fn   func(*Viewport) error
	res  chan error
	step chan struct{} // fn returned or parked
	wake chan struct{} // a parked fn may continue
}

// Session owns a Viewport and runs every mutation with exclusive access,
// in arrival order. A call that must wait for a save to release its keys
// is parked so later calls on other keys go ahead. Rendering and file
// writes run elsewhere against snapshots.
type Session struct {
	v       *Viewport
	calls   chan *call
	ready   chan *call
	current *call
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// NewSession starts the owner goroutine of v.
func NewSession(v *Viewport) *Session {
	s := &Session{
		v:      v,
		calls:  make(chan *call),
		ready:  make(chan *call),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: v.logger,
	}
	v.park = s.park
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case c := <-s.calls:
			s.current = c
			go func() {
				c.res <- c.fn(s.v)
				select {
				case c.step <- struct{}{}:
				case <-s.done:
				}
			}()
			<-c.step
		case c := <-s.ready:
			s.current = c
			c.wake <- struct{}{}
			<-c.step
		case <-s.quit:
			s.v.park = nil
			s.v.sched.Cancel()
			return
		}
	}
}

// park gives up the current turn until ch closes or ctx ends, then waits
// for a new turn. It runs on the goroutine of the call holding the turn.
func (s *Session) park(ctx context.Context, ch <-chan struct{}) error {
	c := s.current
	c.step <- struct{}{}
	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}
	select {
	case s.ready <- c:
	case <-s.done:
		return ErrClosed
	}
	<-c.wake
	return err
}

// Do runs fn with exclusive access to the viewport and returns its error.
// fn must not retain the viewport. If ctx ends while fn is queued or
// running, Do returns the context error; a started fn still completes.
func (s *Session) Do(ctx context.Context, fn func(*Viewport) error) error {
	c := &call{fn: fn, res: make(chan error, 1), step: make(chan struct{}), wake: make(chan struct{})}
	select {
	case s.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-c.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Save snapshots on the owner goroutine, writes off it and records the
// result back on it. Edits on keys not being written proceed meanwhile.
func (s *Session) Save(ctx context.Context) error {
	var p *PendingSave
	err := s.Do(ctx, func(v *Viewport) error {
		var err error
		p, err = v.BeginSave()
		return err
	})
	if err != nil || p == nil {
		return err
	}
	p.Write(ctx)
	return s.Do(ctx, func(v *Viewport) error { return v.FinishSave(ctx, p) })
}

// Render schedules a render pass and waits for it.
func (s *Session) Render(ctx context.Context) error {
	var pass *render.Pass
	if err := s.Do(ctx, func(v *Viewport) (err error) {
		pass, err = v.Render(ctx)
		return err
	}); err != nil {
		return err
	}
	return pass.Wait()
}

// Watch follows the backing PDF until ctx ends and refreshes the viewport
// when it changes.
func (s *Session) Watch(ctx context.Context) error {
	var b *pdfbind.Binding
	if err := s.Do(ctx, func(v *Viewport) error {
		b = v.binding
		return nil
	}); err != nil {
		return err
	}
	return b.Watch(ctx, func(ev pdfbind.Event) {
		s.logger.Info("viewport: backing pdf changed", slog.String("kind", string(ev.Kind)))
		err := s.Do(ctx, func(v *Viewport) error {
			if ev.Kind == pdfbind.EventMismatch {
				v.emitter.Emit(ctx, EventPDFMismatch, ev.Mismatch)
			}
			v.BindingChanged(ctx)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("viewport: binding refresh", slog.String("error", err.Error()))
		}
	})
}

// Close stops the owner goroutine. Pending renders are cancelled; unsaved
// edits are left to the caller.
func (s *Session) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
