// Package letimer models a low-energy down-counting timer. Each period the
// counter reloads (compare0), matches compare1 when the active window starts
// and underflows when the period ends. Enabled sub-events are turned into
// event flags by the interrupt routine.
package letimer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/sensorloop/board"
	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/sleep"
)

// Sub identifies a timer sub-event.
type Sub uint8

const (
	Comp0 Sub = iota
	Comp1
	Underflow
	subCount
)

var subNames = [subCount]string{"COMP0", "COMP1", "UF"}

func (s Sub) String() string {
	if s >= subCount {
		return fmt.Sprintf("SUB(%d)", uint8(s))
	}
	return subNames[s]
}

func (s Sub) mask() uint32 {
	return 1 << s
}

var ErrInvalidConfig = errors.New("letimer: invalid config")
var ErrRunning = errors.New("letimer: already running")
var ErrInvalidSub = errors.New("letimer: invalid sub-event")

// SubEvent maps a sub-event onto an event flag. Disabled sub-events still
// latch in the flag register but never interrupt.
type SubEvent struct {
	Enabled bool
	Flag    event.Flag
}

type Config struct {
	Period    time.Duration
	Active    time.Duration
	Comp0     SubEvent
	Comp1     SubEvent
	Underflow SubEvent
}

func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("%w: period %s must be positive", ErrInvalidConfig, c.Period)
	}
	if c.Active <= 0 || c.Active >= c.Period {
		return fmt.Errorf("%w: active %s must be within (0, %s)", ErrInvalidConfig, c.Active, c.Period)
	}
	for i, se := range c.subs() {
		if se.Enabled && !se.Flag.Valid() {
			return fmt.Errorf("%w: %s mapped to %s", ErrInvalidConfig, Sub(i), se.Flag)
		}
	}
	return nil
}

func (c Config) subs() [subCount]SubEvent {
	return [subCount]SubEvent{c.Comp0, c.Comp1, c.Underflow}
}

type Poster interface {
	Post(f event.Flag) bool
}

type SleepBlocker interface {
	Block(m sleep.Mode) error
	Unblock(m sleep.Mode) error
}

type Stats struct {
	Edges  [subCount]uint64
	Posted [subCount]uint64
}

type Timer struct {
	cfg     Config
	subs    [subCount]SubEvent
	enabled uint32
	post    Poster
	raise   func()
	sleep   SleepBlocker
	em      sleep.Mode
	clocks  *board.Clocks
	periph  board.Peripheral
	logger  *slog.Logger

	mx      sync.Mutex
	flags   uint32
	stats   Stats
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Opt func(*Timer)

// WithRaise sets the function that signals the timer interrupt line. Without
// it edges are handled synchronously on the counter goroutine.
func WithRaise(raise func()) Opt {
	return func(t *Timer) {
		t.raise = raise
	}
}

// WithSleepBlock makes the timer veto m while it runs. The counter keeps
// running down to EM3, so the default is EM4.
func WithSleepBlock(s SleepBlocker, m sleep.Mode) Opt {
	return func(t *Timer) {
		t.sleep = s
		t.em = m
	}
}

// WithClock makes Start fail unless p is clocked.
func WithClock(c *board.Clocks, p board.Peripheral) Opt {
	return func(t *Timer) {
		t.clocks = c
		t.periph = p
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(t *Timer) {
		t.logger = l
	}
}

// Open validates cfg and returns a stopped timer.
func Open(cfg Config, post Poster, opts ...Opt) (*Timer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Timer{
		cfg:    cfg,
		subs:   cfg.subs(),
		post:   post,
		em:     sleep.EM4,
		logger: slog.Default(),
	}
	for i, se := range t.subs {
		if se.Enabled {
			t.enabled |= Sub(i).mask()
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.raise == nil {
		t.raise = t.HandleInterrupt
	}
	return t, nil
}

func (t *Timer) Config() Config {
	return t.cfg
}

// Start runs the counter until Stop is called or ctx is done.
func (t *Timer) Start(ctx context.Context) error {
	if t.clocks != nil {
		if err := t.clocks.Require(t.periph); err != nil {
			return fmt.Errorf("letimer: start: %w", err)
		}
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.running {
		return ErrRunning
	}
	if t.sleep != nil {
		if err := t.sleep.Block(t.em); err != nil {
			return fmt.Errorf("letimer: start: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})
	t.logger.Debug("timer started", "period", t.cfg.Period, "active", t.cfg.Active)
	go t.count(ctx, t.done)
	return nil
}

// Stop halts the counter and waits for it to exit. Stopping a stopped timer
// is a no-op.
func (t *Timer) Stop() {
	t.mx.Lock()
	if !t.running {
		t.mx.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.mx.Unlock()
	cancel()
	<-done
}

func (t *Timer) Running() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.running
}

func (t *Timer) count(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer t.stopped()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	next := time.Now()
	for {
		t.edge(Comp0)
		next = next.Add(t.cfg.Period - t.cfg.Active)
		if !t.wait(ctx, timer, next) {
			return
		}
		t.edge(Comp1)
		next = next.Add(t.cfg.Active)
		if !t.wait(ctx, timer, next) {
			return
		}
		t.edge(Underflow)
	}
}

func (t *Timer) wait(ctx context.Context, timer *time.Timer, deadline time.Time) bool {
	timer.Reset(time.Until(deadline))
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Timer) stopped() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.running = false
	t.cancel()
	if t.sleep != nil {
		if err := t.sleep.Unblock(t.em); err != nil {
			t.logger.Error("could not release sleep block", "mode", t.em, "err", err)
		}
	}
	t.logger.Debug("timer stopped")
}

// Trigger latches sub as if the counter had reached it.
func (t *Timer) Trigger(sub Sub) error {
	if sub >= subCount {
		return fmt.Errorf("%w: %d", ErrInvalidSub, sub)
	}
	t.edge(sub)
	return nil
}

func (t *Timer) edge(sub Sub) {
	t.mx.Lock()
	t.flags |= sub.mask()
	t.stats.Edges[sub]++
	irq := t.enabled&sub.mask() != 0
	t.mx.Unlock()
	if irq {
		t.raise()
	}
}

// HandleInterrupt is the timer interrupt routine. Only enabled sub-events
// are cleared and posted.
func (t *Timer) HandleInterrupt() {
	t.mx.Lock()
	pending := t.flags & t.enabled
	t.flags &^= pending
	var posts [subCount]event.Flag
	n := 0
	for i := Sub(0); i < subCount; i++ {
		if pending&i.mask() == 0 {
			continue
		}
		posts[n] = t.subs[i].Flag
		n++
		t.stats.Posted[i]++
	}
	t.mx.Unlock()
	for _, f := range posts[:n] {
		t.post.Post(f)
	}
}

// Flags returns the latched sub-event register.
func (t *Timer) Flags() uint32 {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.flags
}

func (t *Timer) Stats() Stats {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.stats
}
