package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/i2c"
	"github.com/mklimuk/sensorloop/i2c/i2csim"
	"github.com/mklimuk/sensorloop/indicator"
	"github.com/mklimuk/sensorloop/letimer"
	"github.com/mklimuk/sensorloop/si1133"
	"github.com/mklimuk/sensorloop/sleep"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Period = time.Hour
	cfg.Indicator.Kind = IndicatorNone
	return cfg
}

func newApp(t *testing.T, cfg Config, dev i2csim.Device) (*App, *indicator.Recorder) {
	t.Helper()
	rec := indicator.NewRecorder()
	a, err := New(cfg, dev, rec, WithPowerUp(0), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, a.Setup(context.Background()))
	return a, rec
}

func tick(t *testing.T, a *App) int {
	t.Helper()
	require.NoError(t, a.Tick())
	n, err := a.Drain(context.Background())
	require.NoError(t, err)
	return n
}

// nackDevice refuses its address.
type nackDevice struct{}

func (nackDevice) Address(bool) bool { return false }
func (nackDevice) Write(byte) bool   { return false }
func (nackDevice) Read() byte        { return 0xFF }
func (nackDevice) Stop()             {}

func TestApp_TickMatchShowsGreen(t *testing.T) {
	a, rec := newApp(t, testConfig(), si1133.NewSimulated())

	assert.Equal(t, 2, tick(t, a), "compare1 then read done")
	assert.Equal(t, []indicator.Color{indicator.Green}, rec.Lit(indicator.LED1))
	assert.Equal(t, uint32(si1133.ExpectedPartID), a.LastResult().Value())

	st := a.Status()
	assert.Equal(t, uint64(1), st.Ticks)
	assert.Equal(t, uint64(1), st.Matches)
	assert.Equal(t, i2c.Idle, st.State)
}

func TestApp_MismatchIsDistinct(t *testing.T) {
	match, matchRec := newApp(t, testConfig(), si1133.NewSimulated())
	tick(t, match)

	dev := si1133.NewSimulated()
	dev.SetRegister(si1133.RegPartID, 0x34)
	mismatch, mismatchRec := newApp(t, testConfig(), dev)
	tick(t, mismatch)

	assert.Equal(t, []indicator.Color{indicator.Red}, mismatchRec.Lit(indicator.LED1))
	assert.NotEqual(t, matchRec.Lit(indicator.LED1), mismatchRec.Lit(indicator.LED1))
	assert.Equal(t, uint64(1), mismatch.Status().Mismatches)
	assert.Equal(t, uint32(0x34), mismatch.LastResult().Value())
}

func TestApp_RetryRecoversFromFault(t *testing.T) {
	a, rec := newApp(t, testConfig(), si1133.NewSimulated())
	a.Bus().InjectFault(i2c.StatusArbLost)

	assert.Equal(t, 3, tick(t, a), "compare1, failed read, retried read")
	assert.Equal(t, []indicator.Color{indicator.Green}, rec.Lit(indicator.LED1))
	st := a.Status()
	assert.Equal(t, uint64(1), st.Retries)
	assert.Equal(t, uint64(0), st.Faults)
	assert.Equal(t, uint64(1), a.EngineStats().Failed)
}

func TestApp_FaultAfterRetriesShowsBlue(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 2
	a, rec := newApp(t, cfg, nackDevice{})

	assert.Equal(t, 4, tick(t, a))
	assert.Equal(t, []indicator.Color{indicator.Blue}, rec.Lit(indicator.LED1))
	assert.ErrorIs(t, a.LastResult().Err, i2c.ErrNack)
	assert.Equal(t, uint64(3), a.EngineStats().Failed)

	st := a.Status()
	assert.Equal(t, uint64(2), st.Retries)
	assert.Equal(t, uint64(1), st.Faults)
	assert.Equal(t, uint32(0), a.arbiterBlocked(sleep.EM2), "bus releases its sleep block")
	assert.Equal(t, i2c.Idle, st.State, "bus idle after the fault")

	// the next tick starts over with a fresh retry budget
	assert.Equal(t, 4, tick(t, a))
	assert.Equal(t, uint64(4), a.Status().Retries)
}

func TestApp_DisabledSubEventsNeverPost(t *testing.T) {
	a, _ := newApp(t, testConfig(), si1133.NewSimulated())
	require.NoError(t, a.Trigger(letimer.Comp0))
	require.NoError(t, a.Trigger(letimer.Underflow))
	n, err := a.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestApp_HaltingBindings(t *testing.T) {
	tests := []struct {
		name string
		flag event.Flag
	}{
		{"compare0", FlagComp0},
		{"underflow", FlagUnderflow},
		{"unbound", 9},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a, _ := newApp(t, testConfig(), si1133.NewSimulated())
			require.NoError(t, a.Post(test.flag))
			_, err := a.Drain(context.Background())
			var halt *event.HaltError
			require.ErrorAs(t, err, &halt)
			assert.Equal(t, test.flag, halt.Flag)
			assert.ErrorIs(t, err, event.ErrHalted)
		})
	}
}

func TestApp_PostRejectsInvalidFlag(t *testing.T) {
	a, _ := newApp(t, testConfig(), si1133.NewSimulated())
	assert.Error(t, a.Post(event.MaxFlags))
}

func TestApp_BusyTickIsSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.Latency = 20 * time.Millisecond
	a, rec := newApp(t, cfg, si1133.NewSimulated())
	ctx := context.Background()

	require.NoError(t, a.Tick())
	a.irq.Service()
	f, ok, err := a.disp.DispatchOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, FlagComp1, f)

	require.NoError(t, a.Tick())
	a.irq.Service()
	_, _, err = a.disp.DispatchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Status().Skipped)

	assert.Eventually(t, func() bool {
		_, err := a.Drain(ctx)
		return err == nil && a.Status().Matches == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []indicator.Color{indicator.Green}, rec.Lit(indicator.LED1))
}

func TestApp_Run(t *testing.T) {
	cfg := testConfig()
	cfg.Period = 40 * time.Millisecond
	cfg.Active = 10 * time.Millisecond
	a, rec := newApp(t, cfg, si1133.NewSimulated())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return a.Status().Matches >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	assert.True(t, rec.On(indicator.LED1, indicator.Green))
	assert.Equal(t, uint32(0), a.arbiterBlocked(sleep.EM4))
	assert.Greater(t, a.DispatchStats().Sleeps, uint64(0))
	assert.Greater(t, a.TimerStats().Posted[letimer.Comp1], uint64(1))
}

func TestApp_RunHalts(t *testing.T) {
	a, _ := newApp(t, testConfig(), si1133.NewSimulated())
	require.NoError(t, a.Post(FlagUnderflow))
	err := a.Run(context.Background())
	assert.ErrorIs(t, err, event.ErrHalted)
}

func TestApp_RunRequiresSetup(t *testing.T) {
	a, err := New(testConfig(), si1133.NewSimulated(), indicator.NewRecorder(), WithPowerUp(0))
	require.NoError(t, err)
	assert.ErrorIs(t, a.Run(context.Background()), ErrNotSetUp)
}

func TestApp_SetupIsIdempotent(t *testing.T) {
	a, _ := newApp(t, testConfig(), si1133.NewSimulated())
	assert.NoError(t, a.Setup(context.Background()))
}

func TestApp_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Active = cfg.Period
	_, err := New(cfg, si1133.NewSimulated(), indicator.NewRecorder())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func (a *App) arbiterBlocked(m sleep.Mode) uint32 {
	return a.arbiter.Blocked(m)
}
