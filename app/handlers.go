package app

import (
	"context"
	"errors"

	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/i2c"
	"github.com/mklimuk/sensorloop/indicator"
)

func (a *App) startRead(ctx context.Context, _ event.Flag) error {
	a.mx.Lock()
	a.status.Ticks++
	a.mx.Unlock()
	return a.read(ctx, true)
}

// read starts a transaction. A tick that finds the bus still busy is
// skipped; the next period tries again.
func (a *App) read(ctx context.Context, fresh bool) error {
	err := a.sensor.Read(FlagReadDone, a.cfg.Register, a.cfg.Bytes)
	if err == nil && fresh {
		a.mx.Lock()
		a.attempt = 0
		a.mx.Unlock()
	}
	if errors.Is(err, i2c.ErrBusy) {
		a.mx.Lock()
		a.status.Skipped++
		a.mx.Unlock()
		a.logger.DebugContext(ctx, "bus busy, tick skipped")
		return nil
	}
	return err
}

func (a *App) evaluateResult(ctx context.Context, _ event.Flag) error {
	res := a.sensor.Result()
	led := a.cfg.Indicator.led()
	if !res.OK() {
		a.mx.Lock()
		retry := a.attempt < a.cfg.Retries
		if retry {
			a.attempt++
			a.status.Retries++
		} else {
			a.status.Faults++
		}
		attempt := a.attempt
		a.mx.Unlock()
		if retry {
			a.logger.DebugContext(ctx, "read failed, retrying", "attempt", attempt, "error", res.Err)
			return a.read(ctx, false)
		}
		a.logger.WarnContext(ctx, "read failed", "attempts", attempt+1, "error", res.Err)
		a.show(ctx, led, indicator.Blue)
		return nil
	}
	value := res.Value()
	a.mx.Lock()
	match := value == a.cfg.Expected
	if match {
		a.status.Matches++
	} else {
		a.status.Mismatches++
	}
	a.mx.Unlock()
	if match {
		a.show(ctx, led, indicator.Green)
		return nil
	}
	a.logger.InfoContext(ctx, "unexpected value", "value", value, "expected", a.cfg.Expected)
	a.show(ctx, led, indicator.Red)
	return nil
}

func (a *App) show(ctx context.Context, led indicator.LED, c indicator.Color) {
	if err := indicator.Show(a.ind, led, c); err != nil {
		a.logger.WarnContext(ctx, "could not drive indicator", "led", led, "color", c, "error", err)
	}
}
