package ranging

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/tof"
)

// registers addresses one device on a shared bus. Every call is a separate
// guarded exchange. wide selects 16-bit big-endian register indices.
type registers struct {
	bus  tof.Transactor
	addr byte
	wide bool
}

func (r *registers) index(reg uint16, extra int) []byte {
	if r.wide {
		buf := make([]byte, 2, 2+extra)
		binary.BigEndian.PutUint16(buf, reg)
		return buf
	}
	buf := make([]byte, 1, 1+extra)
	buf[0] = byte(reg)
	return buf
}

func (r *registers) write(ctx context.Context, reg uint16, data ...byte) error {
	buf := append(r.index(reg, len(data)), data...)
	err := r.bus.Tx(ctx, r.addr, buf, nil)
	if err != nil {
		return fmt.Errorf("could not write register %#04x on %#x: %w", reg, r.addr, err)
	}
	return nil
}

func (r *registers) write16(ctx context.Context, reg uint16, val uint16) error {
	return r.write(ctx, reg, byte(val>>8), byte(val))
}

func (r *registers) write32(ctx context.Context, reg uint16, val uint32) error {
	return r.write(ctx, reg, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
}

func (r *registers) read(ctx context.Context, reg uint16, buf []byte) error {
	err := r.bus.Tx(ctx, r.addr, r.index(reg, 0), buf)
	if err != nil {
		return fmt.Errorf("could not read register %#04x on %#x: %w", reg, r.addr, err)
	}
	return nil
}

func (r *registers) read8(ctx context.Context, reg uint16) (byte, error) {
	buf := make([]byte, 1)
	err := r.read(ctx, reg, buf)
	return buf[0], err
}

func (r *registers) read16(ctx context.Context, reg uint16) (uint16, error) {
	buf := make([]byte, 2)
	err := r.read(ctx, reg, buf)
	return binary.BigEndian.Uint16(buf), err
}

// update applies a read-modify-write of one byte.
func (r *registers) update(ctx context.Context, reg uint16, fn func(byte) byte) error {
	v, err := r.read8(ctx, reg)
	if err != nil {
		return err
	}
	return r.write(ctx, reg, fn(v))
}

// pairs writes (register, value) pairs in order.
func (r *registers) pairs(ctx context.Context, seq [][2]byte) error {
	for _, p := range seq {
		if err := r.write(ctx, uint16(p[0]), p[1]); err != nil {
			return err
		}
	}
	return nil
}

var errTimeout = errors.New("timed out waiting for device")

// waitFor polls cond every interval until it holds or timeout elapses.
func waitFor(ctx context.Context, clk clock.Clock, timeout, interval time.Duration, cond func() (bool, error)) error {
	deadline := clk.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if clk.Now().After(deadline) {
			return errTimeout
		}
		if err := tof.Sleep(ctx, clk, interval); err != nil {
			return err
		}
	}
}
