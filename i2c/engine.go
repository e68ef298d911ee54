package i2c

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/sensorloop/board"
	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/sleep"
)

// MaxTransfer bounds the byte count of one transaction.
const MaxTransfer = 255

var (
	ErrBusy              = errors.New("i2c: transaction already in flight")
	ErrNotOpen           = errors.New("i2c: engine not open")
	ErrInvalidDescriptor = errors.New("i2c: invalid transaction descriptor")

	ErrNack            = errors.New("i2c: no acknowledge")
	ErrArbitrationLost = errors.New("i2c: arbitration lost")
	ErrBusFault        = errors.New("i2c: bus fault")
	ErrTimeout         = errors.New("i2c: bus timeout")
)

type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

type State uint8

const (
	Idle State = iota
	StartSent
	AddrAckWait
	RegAddrSent
	RepeatedStartSent
	ReadAddrAckWait
	ByteReceiving
	ByteSending
	StopSent
	// Done and Failed are passed through on the way back to Idle. The
	// published Result tells them apart.
	Done
	Failed
)

var stateNames = [...]string{
	Idle:              "IDLE",
	StartSent:         "START_SENT",
	AddrAckWait:       "ADDR_ACK_WAIT",
	RegAddrSent:       "REG_ADDR_SENT",
	RepeatedStartSent: "REPEATED_START_SENT",
	ReadAddrAckWait:   "READ_ADDR_ACK_WAIT",
	ByteReceiving:     "BYTE_RECEIVING",
	ByteSending:       "BYTE_SENDING",
	StopSent:          "STOP_SENT",
	Done:              "DONE",
	Failed:            "FAILED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// terminal reports whether no transaction is in flight in state s.
func (s State) terminal() bool {
	return s == Idle || s == Done || s == Failed
}

// Descriptor describes one register read or write.
type Descriptor struct {
	Address    uint8
	Register   uint8
	Direction  Direction
	Count      int
	Buffer     []byte
	Completion event.Flag
}

func (d Descriptor) validate() error {
	switch {
	case d.Address > 0x7F:
		return fmt.Errorf("%w: address %#x exceeds 7 bits", ErrInvalidDescriptor, d.Address)
	case d.Count < 1 || d.Count > MaxTransfer:
		return fmt.Errorf("%w: byte count %d out of range", ErrInvalidDescriptor, d.Count)
	case d.Count > len(d.Buffer):
		return fmt.Errorf("%w: buffer holds %d bytes, need %d", ErrInvalidDescriptor, len(d.Buffer), d.Count)
	case !d.Completion.Valid():
		return fmt.Errorf("%w: completion %s", ErrInvalidDescriptor, d.Completion)
	case d.Direction != Read && d.Direction != Write:
		return fmt.Errorf("%w: direction %d", ErrInvalidDescriptor, d.Direction)
	}
	return nil
}

// Result is the published outcome of the last finished transaction. The zero
// value means no transaction has completed yet.
type Result struct {
	Valid     bool
	Address   uint8
	Register  uint8
	Direction Direction
	Data      []byte
	Err       error
}

func (r Result) OK() bool {
	return r.Valid && r.Err == nil
}

// Value packs up to the first four bytes of Data, most significant first.
func (r Result) Value() uint32 {
	if !r.OK() {
		return 0
	}
	var v uint32
	for i, b := range r.Data {
		if i == 4 {
			break
		}
		v = v<<8 | uint32(b)
	}
	return v
}

// Poster receives completion flags.
type Poster interface {
	Post(f event.Flag) bool
}

type SleepBlocker interface {
	Block(m sleep.Mode) error
	Unblock(m sleep.Mode) error
}

type Stats struct {
	Started   uint64
	Completed uint64
	Failed    uint64
	Spurious  uint64
}

// Engine drives one transaction at a time across controller interrupts.
// Begin runs in dispatcher context; HandleInterrupt runs in interrupt context.
type Engine struct {
	mx     sync.Mutex
	ctl    Controller
	post   Poster
	sleep  SleepBlocker
	em     sleep.Mode
	clocks *board.Clocks
	periph board.Peripheral
	open   bool

	state State
	desc  Descriptor
	index int
	last  Result
	stats Stats
}

type EngineOpt func(*Engine)

// WithSleepBlock makes the engine veto mode m while a transaction is in
// flight. The bus clock stops in EM2, so the default is EM2.
func WithSleepBlock(s SleepBlocker, m sleep.Mode) EngineOpt {
	return func(e *Engine) {
		e.sleep = s
		e.em = m
	}
}

// WithClock makes Open fail unless p is clocked.
func WithClock(c *board.Clocks, p board.Peripheral) EngineOpt {
	return func(e *Engine) {
		e.clocks = c
		e.periph = p
	}
}

func NewEngine(ctl Controller, post Poster, opts ...EngineOpt) *Engine {
	e := &Engine{
		ctl:  ctl,
		post: post,
		em:   sleep.EM2,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open resets the bus to idle and makes the engine available. It fails with
// ErrBusy while a transaction is in flight.
func (e *Engine) Open() error {
	if e.clocks != nil {
		if err := e.clocks.Require(e.periph); err != nil {
			return fmt.Errorf("i2c: open: %w", err)
		}
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.open && !e.state.terminal() {
		return fmt.Errorf("i2c: open: %w (state %s)", ErrBusy, e.state)
	}
	e.ctl.Abort()
	e.ctl.ClearFlags(e.ctl.Flags())
	e.state = Idle
	e.open = true
	return nil
}

// Begin starts a transaction. The engine owns d.Buffer until d.Completion is
// posted.
func (e *Engine) Begin(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if !e.open {
		return ErrNotOpen
	}
	if !e.state.terminal() {
		return fmt.Errorf("%w (state %s)", ErrBusy, e.state)
	}
	if e.sleep != nil {
		if err := e.sleep.Block(e.em); err != nil {
			return fmt.Errorf("i2c: begin: %w", err)
		}
	}
	e.desc = d
	e.index = 0
	e.stats.Started++
	e.state = StartSent
	e.ctl.Start()
	return nil
}

// HandleInterrupt is the controller's interrupt service routine.
func (e *Engine) HandleInterrupt() {
	s := e.ctl.Flags()
	e.ctl.ClearFlags(s)
	e.Step(s)
}

// Step advances the state machine by one transition for status s.
func (e *Engine) Step(s Status) {
	e.mx.Lock()
	flag, done := e.step(s)
	e.mx.Unlock()
	if done {
		e.post.Post(flag)
	}
}

func (e *Engine) step(s Status) (event.Flag, bool) {
	if e.state.terminal() || s == 0 {
		e.stats.Spurious++
		return 0, false
	}
	if s&faultMask != 0 {
		return e.fail(faultError(s))
	}
	d := &e.desc
	switch e.state {
	case StartSent:
		if s&StatusStart == 0 {
			break
		}
		e.ctl.Transmit(d.Address << 1)
		e.state = AddrAckWait
		return 0, false
	case AddrAckWait:
		if s&StatusAck == 0 {
			break
		}
		e.ctl.Transmit(d.Register)
		e.state = RegAddrSent
		return 0, false
	case RegAddrSent:
		if s&StatusAck == 0 {
			break
		}
		if d.Direction == Read {
			e.ctl.Start()
			e.state = RepeatedStartSent
			return 0, false
		}
		e.ctl.Transmit(d.Buffer[0])
		e.index = 1
		e.state = ByteSending
		return 0, false
	case ByteSending:
		if s&StatusAck == 0 {
			break
		}
		if e.index < d.Count {
			e.ctl.Transmit(d.Buffer[e.index])
			e.index++
			return 0, false
		}
		e.ctl.Stop()
		e.state = StopSent
		return 0, false
	case RepeatedStartSent:
		if s&StatusStart == 0 {
			break
		}
		e.ctl.Transmit(d.Address<<1 | 0x01)
		e.state = ReadAddrAckWait
		return 0, false
	case ReadAddrAckWait:
		if s&StatusAck == 0 {
			break
		}
		// the controller clocks in the first byte on its own
		e.state = ByteReceiving
		return 0, false
	case ByteReceiving:
		if s&StatusRxData == 0 {
			break
		}
		d.Buffer[e.index] = e.ctl.Receive()
		e.index++
		if e.index < d.Count {
			e.ctl.Ack()
			return 0, false
		}
		e.ctl.Nack()
		e.ctl.Stop()
		e.state = StopSent
		return 0, false
	case StopSent:
		if s&StatusStop == 0 {
			break
		}
		return e.finish()
	}
	return e.fail(fmt.Errorf("%w: unexpected %s in %s", ErrBusFault, s, e.state))
}

func faultError(s Status) error {
	switch {
	case s&StatusArbLost != 0:
		return ErrArbitrationLost
	case s&StatusTimeout != 0:
		return ErrTimeout
	case s&StatusNack != 0:
		return ErrNack
	default:
		return ErrBusFault
	}
}

func (e *Engine) finish() (event.Flag, bool) {
	data := make([]byte, e.desc.Count)
	copy(data, e.desc.Buffer[:e.desc.Count])
	e.publish(data, nil)
	e.state = Done
	e.stats.Completed++
	return e.release()
}

func (e *Engine) fail(err error) (event.Flag, bool) {
	e.ctl.Abort()
	e.publish(nil, fmt.Errorf("i2c: %s %#x reg %#x failed in %s: %w",
		e.desc.Direction, e.desc.Address, e.desc.Register, e.state, err))
	e.state = Failed
	e.stats.Failed++
	return e.release()
}

func (e *Engine) publish(data []byte, err error) {
	e.last = Result{
		Valid:     true,
		Address:   e.desc.Address,
		Register:  e.desc.Register,
		Direction: e.desc.Direction,
		Data:      data,
		Err:       err,
	}
}

// release invalidates the descriptor and hands the bus back. The outcome
// stays in the published result.
func (e *Engine) release() (event.Flag, bool) {
	flag := e.desc.Completion
	e.desc = Descriptor{}
	e.index = 0
	e.state = Idle
	if e.sleep != nil {
		_ = e.sleep.Unblock(e.em)
	}
	return flag, true
}

// LastResult returns a copy of the most recently published result.
func (e *Engine) LastResult() Result {
	e.mx.Lock()
	defer e.mx.Unlock()
	r := e.last
	if r.Data != nil {
		r.Data = append([]byte(nil), r.Data...)
	}
	return r
}

func (e *Engine) State() State {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.state
}

func (e *Engine) Busy() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return !e.state.terminal()
}

func (e *Engine) Stats() Stats {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.stats
}
