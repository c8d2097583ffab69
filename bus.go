package tof

import (
	"context"
	"errors"
)

var ErrBusBusy = errors.New("i2c engine is busy (command not completed)")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	// Release asks the adapter to abandon a transfer it is stuck on.
	Release(ctx context.Context) error
}

// I2CBus is a raw bus handle. It does not serialize callers; wrap it in an
// Arbiter before sharing it between sensors.
type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// Transactor performs one write-then-read exchange with a device. Either
// buffer may be empty.
type Transactor interface {
	Tx(ctx context.Context, address byte, w, r []byte) error
}
