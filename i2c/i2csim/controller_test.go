package i2csim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/i2c"
)

type flagSink struct{ flags []event.Flag }

func (s *flagSink) Post(f event.Flag) bool {
	s.flags = append(s.flags, f)
	return true
}

// drive runs the engine's interrupt routine until the controller goes quiet
// and no device call is left on a worker.
func drive(ctl *Controller, eng *i2c.Engine) {
	for {
		ctl.Wait()
		if ctl.Flags() == 0 {
			return
		}
		eng.HandleInterrupt()
	}
}

func TestController_RaisesOncePerPendingFlag(t *testing.T) {
	raised := 0
	ctl := New(func() { raised++ })
	ctl.Attach(0x10, NewRegisterFile(nil))

	ctl.Start()
	assert.Equal(t, 1, raised)
	assert.Equal(t, i2c.StatusStart, ctl.Flags())

	ctl.ClearFlags(i2c.StatusStart)
	assert.Equal(t, i2c.Status(0), ctl.Flags())

	ctl.Transmit(0x10<<1 | 1)
	assert.Equal(t, 2, raised, "ack and first byte share one raise until the ack is cleared")
	assert.Equal(t, i2c.StatusAck, ctl.Flags())
	ctl.ClearFlags(i2c.StatusAck)
	assert.Equal(t, 3, raised)
	assert.Equal(t, i2c.StatusRxData, ctl.Flags())
}

func TestController_ClearRequiresMatchingFlags(t *testing.T) {
	ctl := New(nil)
	ctl.Start()
	ctl.ClearFlags(i2c.StatusAck)
	assert.Equal(t, i2c.StatusStart, ctl.Flags())
}

func TestController_UnknownAddressNacks(t *testing.T) {
	ctl := New(nil)
	ctl.Start()
	ctl.ClearFlags(i2c.StatusStart)
	ctl.Transmit(0x42 << 1)
	assert.Equal(t, i2c.StatusNack, ctl.Flags())
	assert.Equal(t, "S 0x84 N", ctl.Trace())

	ctl.Abort()
	assert.Equal(t, i2c.Status(0), ctl.Flags())
}

func TestController_TransmitOutsideTransferIsBusError(t *testing.T) {
	ctl := New(nil)
	ctl.Transmit(0x00)
	assert.Equal(t, i2c.StatusBusErr, ctl.Flags())
}

func TestRegisterFile_PointerAutoIncrement(t *testing.T) {
	rf := NewRegisterFile(map[byte]byte{0x10: 1, 0x11: 2})
	require.True(t, rf.Address(false))
	rf.Write(0x10)
	require.True(t, rf.Address(true))
	assert.Equal(t, byte(1), rf.Read())
	assert.Equal(t, byte(2), rf.Read())

	rf.Address(false)
	rf.Write(0x20)
	rf.Write(0xAB)
	assert.Equal(t, byte(0xAB), rf.Register(0x20))
}

func newBridgedEngine(t *testing.T, dev *TxDevice, addr uint8) (*Controller, *i2c.Engine, *flagSink) {
	t.Helper()
	ctl := New(nil)
	ctl.Attach(addr, dev)
	sink := &flagSink{}
	eng := i2c.NewEngine(ctl, sink)
	require.NoError(t, eng.Open())
	return ctl, eng, sink
}

func TestTxDevice_ReadThroughPlayback(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x55, W: []byte{0x00}, R: []byte{0x33}},
		},
		DontPanic: true,
	}
	ctl, eng, sink := newBridgedEngine(t, NewTxDevice(bus, 0x55, 1), 0x55)

	require.NoError(t, eng.Begin(i2c.Descriptor{Address: 0x55, Count: 1, Buffer: make([]byte, 1), Completion: 3}))
	drive(ctl, eng)

	res := eng.LastResult()
	require.True(t, res.OK())
	assert.Equal(t, uint32(0x33), res.Value())
	assert.Equal(t, []event.Flag{3}, sink.flags)
	assert.NoError(t, bus.Close(), "all recorded operations consumed")
}

func TestTxDevice_WriteFlushedOnStop(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x55, W: []byte{0x0A, 0x0F}},
		},
		DontPanic: true,
	}
	ctl, eng, _ := newBridgedEngine(t, NewTxDevice(bus, 0x55, 0), 0x55)

	require.NoError(t, eng.Begin(i2c.Descriptor{
		Address: 0x55, Register: 0x0A, Direction: i2c.Write,
		Count: 1, Buffer: []byte{0x0F}, Completion: 3,
	}))
	drive(ctl, eng)

	assert.True(t, eng.LastResult().OK())
	assert.NoError(t, bus.Close())
}

func TestTxDevice_BusErrorFailsTransaction(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	dev := NewTxDevice(bus, 0x55, 1)
	ctl, eng, sink := newBridgedEngine(t, dev, 0x55)

	require.NoError(t, eng.Begin(i2c.Descriptor{Address: 0x55, Count: 1, Buffer: make([]byte, 1), Completion: 3}))
	drive(ctl, eng)

	assert.Equal(t, i2c.Idle, eng.State())
	assert.ErrorIs(t, eng.LastResult().Err, i2c.ErrNack)
	assert.Error(t, dev.Err())
	assert.Equal(t, []event.Flag{3}, sink.flags)
}

// gatedBus holds every Tx until release is closed.
type gatedBus struct {
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedBus) Tx(addr uint16, w, r []byte) error {
	g.calls.Add(1)
	<-g.release
	for i := range r {
		r[i] = 0x33
	}
	return nil
}

// toReadAddress walks the controller up to the read address of a register
// read from 0x55, leaving the host Tx in flight.
func toReadAddress(t *testing.T, ctl *Controller, bus *gatedBus) {
	t.Helper()
	ctl.Start()
	ctl.ClearFlags(i2c.StatusStart)
	ctl.Transmit(0x55 << 1)
	ctl.Wait()
	require.Equal(t, i2c.StatusAck, ctl.Flags())
	ctl.ClearFlags(i2c.StatusAck)
	ctl.Transmit(0x00)
	ctl.ClearFlags(i2c.StatusAck)
	ctl.Start()
	ctl.ClearFlags(i2c.StatusStart)

	ctl.Transmit(0x55<<1 | 1)
	require.Eventually(t, func() bool { return bus.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, i2c.Status(0), ctl.Flags(), "nothing queued while the host bus is busy")
}

func TestController_BlockingDeviceAnswersFromWorker(t *testing.T) {
	bus := &gatedBus{release: make(chan struct{})}
	raised := atomic.Int32{}
	ctl := New(func() { raised.Add(1) })
	ctl.Attach(0x55, NewTxDevice(bus, 0x55, 1))

	toReadAddress(t, ctl, bus)
	before := raised.Load()

	close(bus.release)
	ctl.Wait()
	assert.Equal(t, before+1, raised.Load())
	assert.Equal(t, i2c.StatusAck, ctl.Flags())
	ctl.ClearFlags(i2c.StatusAck)
	assert.Equal(t, i2c.StatusRxData, ctl.Flags())
	assert.Equal(t, byte(0x33), ctl.Receive())
	assert.Equal(t, "S 0xAA A 0x00 A Sr 0xAB A 0x33", ctl.Trace())
}

func TestController_AbortDropsWorkerOutcome(t *testing.T) {
	bus := &gatedBus{release: make(chan struct{})}
	ctl := New(nil)
	ctl.Attach(0x55, NewTxDevice(bus, 0x55, 1))

	toReadAddress(t, ctl, bus)
	ctl.Abort()
	close(bus.release)
	ctl.Wait()
	assert.Equal(t, i2c.Status(0), ctl.Flags())
	assert.Equal(t, "S 0xAA A 0x00 A Sr 0xAB", ctl.Trace())
}
