// Simulated I2C slave: a 256-byte register file with an auto-incrementing
// register pointer, byte-compatible with the drivers.I2C Tx contract. Used by
// the host demo and the controller tests; fault injection stands in for bus
// errors.
package regfile

import (
	"errors"
	"sync"
)

var ErrNoAck = errors.New("regfile: address nak")

type Device struct {
	mu   sync.Mutex
	addr uint16
	regs [256]byte
	ptr  uint8

	failNext error
}

func New(addr uint16) *Device {
	return &Device{addr: addr}
}

// Tx implements the drivers.I2C transfer shape: the first written byte moves
// the register pointer, remaining written bytes store through it, and reads
// stream from it. The pointer wraps at 0xFF like most small peripherals.
func (d *Device) Tx(addr uint16, w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr != d.addr {
		return ErrNoAck
	}
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	if len(w) > 0 {
		d.ptr = w[0]
		for _, b := range w[1:] {
			d.regs[d.ptr] = b
			d.ptr++
		}
	}
	for i := range r {
		r[i] = d.regs[d.ptr]
		d.ptr++
	}
	return nil
}

// Poke seeds registers directly, bypassing the bus.
func (d *Device) Poke(reg uint8, data ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := reg
	for _, b := range data {
		d.regs[p] = b
		p++
	}
}

// Peek reads one register directly.
func (d *Device) Peek(reg uint8) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[reg]
}

// FailNext makes the next Tx return err.
func (d *Device) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}
