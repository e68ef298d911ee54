// Package sleep arbitrates the low-power wait of the dispatcher. Peripherals
// veto energy modes they cannot survive; the wait never goes deeper than the
// shallowest vetoed mode allows.
package sleep

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mode is an energy mode, EM0 (running) through EM4 (shutoff).
type Mode uint8

const (
	EM0 Mode = iota
	EM1
	EM2
	EM3
	EM4
	modeCount
)

func (m Mode) String() string {
	if m >= modeCount {
		return fmt.Sprintf("EM?(%d)", uint8(m))
	}
	return fmt.Sprintf("EM%d", uint8(m))
}

var ErrNotBlocked = errors.New("sleep: mode is not blocked")
var ErrInvalidMode = errors.New("sleep: invalid energy mode")

const maxBlocks = 255

type Arbiter struct {
	mx      sync.Mutex
	blocked [modeCount]uint32
	entered [modeCount]uint64
}

func NewArbiter() *Arbiter {
	return &Arbiter{}
}

// Block vetoes m and every deeper mode until the matching Unblock.
func (a *Arbiter) Block(m Mode) error {
	if m >= modeCount {
		return ErrInvalidMode
	}
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.blocked[m] >= maxBlocks {
		return fmt.Errorf("sleep: too many blocks on %s", m)
	}
	a.blocked[m]++
	return nil
}

func (a *Arbiter) Unblock(m Mode) error {
	if m >= modeCount {
		return ErrInvalidMode
	}
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.blocked[m] == 0 {
		return fmt.Errorf("sleep: unblock %s: %w", m, ErrNotBlocked)
	}
	a.blocked[m]--
	return nil
}

// Blocked returns the number of outstanding blocks on m.
func (a *Arbiter) Blocked(m Mode) uint32 {
	if m >= modeCount {
		return 0
	}
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.blocked[m]
}

// Mode returns the deepest mode the wait may enter right now. EM4 is never
// entered by the wait; EM3 is the default.
func (a *Arbiter) Mode() Mode {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.mode()
}

func (a *Arbiter) mode() Mode {
	switch {
	case a.blocked[EM0] > 0, a.blocked[EM1] > 0:
		return EM0
	case a.blocked[EM2] > 0:
		return EM1
	case a.blocked[EM3] > 0:
		return EM2
	default:
		return EM3
	}
}

// Sleep implements the dispatcher's low-power wait.
func (a *Arbiter) Sleep(ctx context.Context, wake <-chan struct{}) error {
	a.mx.Lock()
	m := a.mode()
	a.entered[m]++
	a.mx.Unlock()
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entered reports how many waits were taken in mode m.
func (a *Arbiter) Entered(m Mode) uint64 {
	if m >= modeCount {
		return 0
	}
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.entered[m]
}
