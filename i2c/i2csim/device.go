package i2csim

import (
	"fmt"
	"sync"

	"tinygo.org/x/drivers"
)

// RegisterFile is a device with 256 byte-wide registers and an auto
// incrementing register pointer. The first byte of a write sets the pointer.
type RegisterFile struct {
	mx        sync.Mutex
	regs      [256]byte
	ptr       byte
	expectPtr bool
}

func NewRegisterFile(init map[byte]byte) *RegisterFile {
	r := &RegisterFile{}
	for reg, v := range init {
		r.regs[reg] = v
	}
	return r
}

func (r *RegisterFile) Address(read bool) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if !read {
		r.expectPtr = true
	}
	return true
}

func (r *RegisterFile) Write(b byte) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.expectPtr {
		r.ptr = b
		r.expectPtr = false
		return true
	}
	r.regs[r.ptr] = b
	r.ptr++
	return true
}

func (r *RegisterFile) Read() byte {
	r.mx.Lock()
	defer r.mx.Unlock()
	b := r.regs[r.ptr]
	r.ptr++
	return b
}

func (r *RegisterFile) Stop() {}

func (r *RegisterFile) Register(reg byte) byte {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.regs[reg]
}

func (r *RegisterFile) SetRegister(reg, v byte) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.regs[reg] = v
}

// TxDevice bridges a real bus into the simulation. Bytes written are
// buffered and sent as one Tx when the master switches to reading (with
// readLen bytes read back) or stops. A failed Tx NACKs the read address, or
// surfaces as a bus error on stop.
type TxDevice struct {
	mx      sync.Mutex
	bus     drivers.I2C
	addr    uint16
	readLen int

	w   []byte
	r   []byte
	ri  int
	err error
}

func NewTxDevice(bus drivers.I2C, addr uint16, readLen int) *TxDevice {
	return &TxDevice{bus: bus, addr: addr, readLen: readLen}
}

// Blocking reports that the bridge does host I/O in Address and Flush.
func (t *TxDevice) Blocking() {}

func (t *TxDevice) Address(read bool) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !read {
		t.w = t.w[:0]
		return true
	}
	t.r = make([]byte, t.readLen)
	t.ri = 0
	err := t.bus.Tx(t.addr, t.w, t.r)
	t.w = t.w[:0]
	if err != nil {
		t.err = fmt.Errorf("i2csim: tx to %#x: %w", t.addr, err)
		return false
	}
	return true
}

func (t *TxDevice) Write(b byte) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.w = append(t.w, b)
	return true
}

// Read returns 0xFF once the buffered response is exhausted, as an idle
// pulled-up bus would.
func (t *TxDevice) Read() byte {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.ri >= len(t.r) {
		return 0xFF
	}
	b := t.r[t.ri]
	t.ri++
	return b
}

func (t *TxDevice) Stop() {}

func (t *TxDevice) Flush() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if len(t.w) == 0 {
		return nil
	}
	err := t.bus.Tx(t.addr, t.w, nil)
	t.w = t.w[:0]
	if err != nil {
		t.err = fmt.Errorf("i2csim: tx to %#x: %w", t.addr, err)
		return t.err
	}
	return nil
}

// Err returns the last bus error seen by the bridge.
func (t *TxDevice) Err() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.err
}
