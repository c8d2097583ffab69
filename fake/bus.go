package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNoDevice = errors.New("no device acknowledged address")

// Write is one recorded register write.
type Write struct {
	Address  byte
	Register uint16
	Data     []byte
}

// WriteHook observes register writes after they are applied. It runs without
// the bus lock held so it may call back into the bus.
type WriteHook func(b *Bus, address byte, register uint16, data []byte)

type chip struct {
	wide bool
	regs map[uint16]byte
	ptr  uint16
}

// Bus simulates register-mapped I2C devices with auto-incrementing register
// pointers. A write sets the pointer from its leading index bytes and stores
// the rest; a read returns bytes from the pointer onward.
type Bus struct {
	// Latency is slept inside every call while the call is counted as in
	// flight.
	Latency time.Duration
	// Fail, when set, can reject an operation ("write" or "read") before it
	// touches the registers.
	Fail func(op string, address byte) error
	Hook WriteHook

	mx          sync.Mutex
	chips       map[byte]*chip
	writes      []Write
	inflight    int
	maxInflight int
	releases    int
}

func NewBus() *Bus {
	return &Bus{chips: make(map[byte]*chip)}
}

// AddDevice attaches a device. wide selects 16-bit register indices.
func (b *Bus) AddDevice(address byte, wide bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.chips[address] = &chip{wide: wide, regs: make(map[uint16]byte)}
}

// Move re-addresses a device, as an address-change command would.
func (b *Bus) Move(from, to byte) {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, ok := b.chips[from]
	if !ok {
		return
	}
	delete(b.chips, from)
	b.chips[to] = c
}

func (b *Bus) Has(address byte) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	_, ok := b.chips[address]
	return ok
}

// Set stores vals starting at reg.
func (b *Bus) Set(address byte, reg uint16, vals ...byte) {
	b.mx.Lock()
	defer b.mx.Unlock()
	c := b.chips[address]
	for i, v := range vals {
		c.regs[reg+uint16(i)] = v
	}
}

func (b *Bus) Get(address byte, reg uint16) byte {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.chips[address].regs[reg]
}

func (b *Bus) Writes(address byte) []Write {
	b.mx.Lock()
	defer b.mx.Unlock()
	var res []Write
	for _, w := range b.writes {
		if w.Address == address {
			res = append(res, w)
		}
	}
	return res
}

// WritesTo returns the data of every write that started at reg.
func (b *Bus) WritesTo(address byte, reg uint16) [][]byte {
	var res [][]byte
	for _, w := range b.Writes(address) {
		if w.Register == reg && len(w.Data) > 0 {
			res = append(res, w.Data)
		}
	}
	return res
}

func (b *Bus) MaxInflight() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.maxInflight
}

func (b *Bus) Releases() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.releases
}

func (b *Bus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	defer b.enter()()
	if b.Fail != nil {
		if err := b.Fail("write", address); err != nil {
			return err
		}
	}
	b.mx.Lock()
	c, ok := b.chips[address]
	if !ok {
		b.mx.Unlock()
		return fmt.Errorf("write to %#x: %w", address, ErrNoDevice)
	}
	idx := 1
	if c.wide {
		idx = 2
	}
	if len(buffer) < idx {
		b.mx.Unlock()
		return fmt.Errorf("write to %#x: short register index", address)
	}
	reg := uint16(buffer[0])
	if c.wide {
		reg = uint16(buffer[0])<<8 | uint16(buffer[1])
	}
	data := append([]byte(nil), buffer[idx:]...)
	for i, v := range data {
		c.regs[reg+uint16(i)] = v
	}
	c.ptr = reg
	b.writes = append(b.writes, Write{Address: address, Register: reg, Data: data})
	hook := b.Hook
	b.mx.Unlock()
	if hook != nil && len(data) > 0 {
		hook(b, address, reg, data)
	}
	return nil
}

func (b *Bus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	defer b.enter()()
	if b.Fail != nil {
		if err := b.Fail("read", address); err != nil {
			return err
		}
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	c, ok := b.chips[address]
	if !ok {
		return fmt.Errorf("read from %#x: %w", address, ErrNoDevice)
	}
	for i := range buffer {
		buffer[i] = c.regs[c.ptr+uint16(i)]
	}
	return nil
}

func (b *Bus) Release(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.releases++
	return nil
}

func (b *Bus) enter() func() {
	b.mx.Lock()
	b.inflight++
	if b.inflight > b.maxInflight {
		b.maxInflight = b.inflight
	}
	b.mx.Unlock()
	if b.Latency > 0 {
		time.Sleep(b.Latency)
	}
	return func() {
		b.mx.Lock()
		b.inflight--
		b.mx.Unlock()
	}
}
