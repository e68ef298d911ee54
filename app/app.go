// Package app wires the sensor loop: the timer's compare1 tick starts a
// part-id read and the completion handler drives the status LED.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/sensorloop/board"
	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/i2c"
	"github.com/mklimuk/sensorloop/i2c/i2csim"
	"github.com/mklimuk/sensorloop/indicator"
	"github.com/mklimuk/sensorloop/irq"
	"github.com/mklimuk/sensorloop/letimer"
	"github.com/mklimuk/sensorloop/si1133"
	"github.com/mklimuk/sensorloop/sleep"
)

// Event flags, lowest dispatched first.
const (
	FlagComp0     event.Flag = 0
	FlagComp1     event.Flag = 1
	FlagUnderflow event.Flag = 2
	FlagReadDone  event.Flag = 3
)

var ErrNotSetUp = errors.New("app: not set up")

// Status counts what the loop has done so far.
type Status struct {
	Ticks      uint64
	Skipped    uint64
	Retries    uint64
	Matches    uint64
	Mismatches uint64
	Faults     uint64
	Mode       sleep.Mode
	State      i2c.State
	Last       i2c.Result
}

type App struct {
	cfg    Config
	logger *slog.Logger

	clocks  *board.Clocks
	irq     *irq.Controller
	reg     *event.Register
	arbiter *sleep.Arbiter
	bus     *i2csim.Controller
	engine  *i2c.Engine
	sensor  *si1133.Si1133
	timer   *letimer.Timer
	ind     indicator.Indicator
	disp    *event.Dispatcher
	powerUp time.Duration

	mx      sync.Mutex
	setUp   bool
	attempt int
	status  Status
}

type Opt func(*App)

func WithLogger(l *slog.Logger) Opt {
	return func(a *App) {
		a.logger = l
	}
}

// WithPowerUp overrides the sensor power-up delay waited in Setup.
func WithPowerUp(d time.Duration) Opt {
	return func(a *App) {
		a.powerUp = d
	}
}

// New builds the loop around dev, the device answering at cfg.Address.
func New(cfg Config, dev i2csim.Device, ind indicator.Indicator, opts ...Opt) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		logger:  slog.Default(),
		clocks:  board.NewClocks(),
		irq:     irq.New(),
		reg:     event.NewRegister(),
		arbiter: sleep.NewArbiter(),
		ind:     ind,
		powerUp: board.SensorPowerUp,
	}
	for _, opt := range opts {
		opt(a)
	}

	var simOpts []i2csim.Opt
	if cfg.Bus.Latency > 0 {
		simOpts = append(simOpts, i2csim.WithLatency(cfg.Bus.Latency))
	}
	a.bus = i2csim.New(func() { a.irq.Raise(irq.LineI2C1) }, simOpts...)
	a.bus.Attach(cfg.Address, dev)
	a.engine = i2c.NewEngine(a.bus, a.reg,
		i2c.WithSleepBlock(a.arbiter, sleep.EM2),
		i2c.WithClock(a.clocks, board.I2C1))
	a.sensor = si1133.New(a.engine,
		si1133.WithAddress(cfg.Address),
		si1133.WithPowerUp(a.powerUp))

	timer, err := letimer.Open(cfg.Timer(), a.reg,
		letimer.WithRaise(func() { a.irq.Raise(irq.LineLETIMER0) }),
		letimer.WithSleepBlock(a.arbiter, sleep.EM4),
		letimer.WithClock(a.clocks, board.LETIMER0),
		letimer.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	a.timer = timer

	a.disp = event.NewDispatcher(a.reg, a.Bindings(),
		event.WithSleeper(a.arbiter),
		event.WithLogger(a.logger))
	return a, nil
}

// Bindings returns the static flag table. Every flag not listed halts.
func (a *App) Bindings() event.Bindings {
	var b event.Bindings
	b.Bind(FlagComp0, event.Halt("compare0 interrupt is disabled")).
		Bind(FlagComp1, a.startRead).
		Bind(FlagUnderflow, event.Halt("underflow interrupt is disabled")).
		Bind(FlagReadDone, a.evaluateResult)
	return b
}

// Setup brings the peripherals up in order: clocks, interrupt lines, sensor
// power-up and bus, indicators. It busy-waits for the sensor.
func (a *App) Setup(ctx context.Context) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.setUp {
		return nil
	}
	for _, p := range []board.Peripheral{board.GPIO, board.LETIMER0, board.I2C1} {
		a.clocks.Enable(p)
	}
	a.logger.DebugContext(ctx, "pins routed",
		"scl", board.RouteI2C1SCL, "sda", board.RouteI2C1SDA,
		"out0", board.RouteOut0, "out1", board.RouteOut1)
	if err := a.irq.Attach(irq.LineI2C1, a.engine.HandleInterrupt); err != nil {
		return fmt.Errorf("app: setup: %w", err)
	}
	if err := a.irq.Attach(irq.LineLETIMER0, a.timer.HandleInterrupt); err != nil {
		return fmt.Errorf("app: setup: %w", err)
	}
	if err := a.sensor.Open(); err != nil {
		return fmt.Errorf("app: setup: %w", err)
	}
	if err := indicator.Clear(a.ind, a.cfg.Indicator.led()); err != nil {
		return fmt.Errorf("app: setup: %w", err)
	}
	a.setUp = true
	a.logger.InfoContext(ctx, "peripherals ready",
		"address", fmt.Sprintf("%#x", a.cfg.Address),
		"period", a.cfg.Period, "active", a.cfg.Active)
	return nil
}

// Run delivers interrupts, starts the timer and dispatches events until ctx
// is done or a handler halts.
func (a *App) Run(ctx context.Context) error {
	a.mx.Lock()
	ready := a.setUp
	a.mx.Unlock()
	if !ready {
		return ErrNotSetUp
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.irq.Serve(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	if err := a.timer.Start(ctx); err != nil {
		return fmt.Errorf("app: run: %w", err)
	}
	defer a.timer.Stop()

	err := a.disp.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Drain services pending interrupts and dispatches events until both are
// quiet. It is the synchronous counterpart of Run for a stopped timer.
func (a *App) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		a.irq.Service()
		_, ok, err := a.disp.DispatchOne(ctx)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			continue
		}
		if a.irq.Pending() == 0 && a.reg.Pending() == 0 {
			// a bridged device may still be talking to the host bus
			a.bus.Wait()
			if a.irq.Pending() == 0 && a.reg.Pending() == 0 {
				return n, nil
			}
		}
	}
}

// Tick raises the timer's compare1 edge, as the counter does once a period.
func (a *App) Tick() error {
	return a.timer.Trigger(letimer.Comp1)
}

// Trigger raises any timer sub-event edge.
func (a *App) Trigger(sub letimer.Sub) error {
	return a.timer.Trigger(sub)
}

// Post sets f pending directly.
func (a *App) Post(f event.Flag) error {
	if !f.Valid() {
		return fmt.Errorf("app: post: invalid flag %d", uint8(f))
	}
	a.reg.Post(f)
	return nil
}

// Bus exposes the simulated controller for fault injection.
func (a *App) Bus() *i2csim.Controller {
	return a.bus
}

// LastResult returns the most recent completed read.
func (a *App) LastResult() i2c.Result {
	return a.sensor.Result()
}

func (a *App) Config() Config {
	return a.cfg
}

func (a *App) Status() Status {
	a.mx.Lock()
	s := a.status
	a.mx.Unlock()
	s.Mode = a.arbiter.Mode()
	s.State = a.engine.State()
	s.Last = a.sensor.Result()
	return s
}

func (a *App) DispatchStats() event.Stats {
	return a.disp.Stats()
}

func (a *App) EngineStats() i2c.Stats {
	return a.engine.Stats()
}

func (a *App) TimerStats() letimer.Stats {
	return a.timer.Stats()
}
