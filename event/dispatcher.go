package event

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Handler runs in dispatcher context. A non-nil error is fatal: the dispatcher
// stops and returns it.
type Handler func(ctx context.Context, f Flag) error

// Bindings is the static flag to handler table. Unbound entries halt.
type Bindings [MaxFlags]Handler

// Bind sets the handler for f and returns the table for chaining at setup.
func (b *Bindings) Bind(f Flag, h Handler) *Bindings {
	b[f] = h
	return b
}

// Sleeper parks the dispatcher until wake fires or ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, wake <-chan struct{}) error
}

type waitSleeper struct{}

func (waitSleeper) Sleep(ctx context.Context, wake <-chan struct{}) error {
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	Posts      [MaxFlags]uint64
	Coalesced  [MaxFlags]uint64
	Dispatches [MaxFlags]uint64
	Sleeps     uint64
}

type Dispatcher struct {
	reg      *Register
	bindings Bindings
	sleeper  Sleeper
	log      *slog.Logger

	running    atomic.Bool
	dispatches [MaxFlags]atomic.Uint64
	sleeps     atomic.Uint64
}

type DispatcherOpt func(*Dispatcher)

func WithSleeper(s Sleeper) DispatcherOpt {
	return func(d *Dispatcher) {
		d.sleeper = s
	}
}

func WithLogger(l *slog.Logger) DispatcherOpt {
	return func(d *Dispatcher) {
		d.log = l
	}
}

var ErrAlreadyRunning = errors.New("event: dispatcher already running")

func NewDispatcher(reg *Register, bindings Bindings, opts ...DispatcherOpt) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		bindings: bindings,
		sleeper:  waitSleeper{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := range d.bindings {
		if d.bindings[i] == nil {
			d.bindings[i] = Halt("no handler bound")
		}
	}
	return d
}

// Run services the register until ctx is cancelled or a handler halts.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, ok, err := d.DispatchOne(ctx)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		d.sleeps.Add(1)
		err = d.sleeper.Sleep(ctx, d.reg.Wake())
		if err != nil {
			return err
		}
	}
}

// DispatchOne clears the highest priority pending flag and runs its handler.
// It reports false when nothing was pending.
func (d *Dispatcher) DispatchOne(ctx context.Context) (Flag, bool, error) {
	f, ok := d.reg.take()
	if !ok {
		return 0, false, nil
	}
	d.dispatches[f].Add(1)
	d.log.Debug("dispatching event", "flag", f)
	err := d.bindings[f](ctx, f)
	if err != nil {
		d.log.Error("event handler failed, halting", "flag", f, "error", err)
		var halt *HaltError
		if errors.As(err, &halt) {
			return f, true, err
		}
		return f, true, &HaltError{Flag: f, Reason: "handler error", Err: err}
	}
	return f, true, nil
}

func (d *Dispatcher) Stats() Stats {
	var s Stats
	for i := range MaxFlags {
		s.Posts[i] = d.reg.posts[i].Load()
		s.Coalesced[i] = d.reg.coalesced[i].Load()
		s.Dispatches[i] = d.dispatches[i].Load()
	}
	s.Sleeps = d.sleeps.Load()
	return s
}
