package tof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrGuardReleased = errors.New("bus guard already released")

// Arbiter serializes access to one shared bus. Waiters are served in arrival
// order and only the waiting goroutine blocks.
type Arbiter struct {
	bus         I2CBus
	sem         *semaphore.Weighted
	txTimeout   time.Duration
	busyRetries int
	logger      *slog.Logger

	acquired atomic.Uint64
}

type ArbiterOpt func(*Arbiter)

// WithTxTimeout bounds every guarded exchange.
func WithTxTimeout(d time.Duration) ArbiterOpt {
	return func(a *Arbiter) {
		a.txTimeout = d
	}
}

// WithBusyRetries sets how many times an exchange is repeated after the
// adapter reports ErrBusBusy. The bus is released between attempts.
func WithBusyRetries(n int) ArbiterOpt {
	return func(a *Arbiter) {
		a.busyRetries = n
	}
}

func WithArbiterLogger(l *slog.Logger) ArbiterOpt {
	return func(a *Arbiter) {
		a.logger = l
	}
}

func NewArbiter(bus I2CBus, opts ...ArbiterOpt) *Arbiter {
	a := &Arbiter{
		bus:         bus,
		sem:         semaphore.NewWeighted(1),
		busyRetries: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire suspends the caller until no other holder is active. The returned
// guard must be released; Do does that on every exit path.
func (a *Arbiter) Acquire(ctx context.Context) (*Guard, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("could not acquire bus: %w", err)
	}
	a.acquired.Add(1)
	return &Guard{arb: a}, nil
}

// Do runs fn while holding the bus. fn must use the guard, not the arbiter,
// for its exchanges.
func (a *Arbiter) Do(ctx context.Context, fn func(g *Guard) error) error {
	g, err := a.Acquire(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g)
}

// Tx performs a single guarded exchange.
func (a *Arbiter) Tx(ctx context.Context, address byte, w, r []byte) error {
	return a.Do(ctx, func(g *Guard) error {
		return g.Tx(ctx, address, w, r)
	})
}

func (a *Arbiter) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	return a.Tx(ctx, address, buffer, nil)
}

func (a *Arbiter) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	return a.Tx(ctx, address, nil, buffer)
}

func (a *Arbiter) Release(ctx context.Context) error {
	return a.Do(ctx, func(*Guard) error {
		return a.bus.Release(ctx)
	})
}

// Acquisitions reports how many guards were handed out so far.
func (a *Arbiter) Acquisitions() uint64 {
	return a.acquired.Load()
}

func (a *Arbiter) exchange(ctx context.Context, address byte, w, r []byte) error {
	if a.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.txTimeout)
		defer cancel()
	}
	var err error
	for i := 0; i <= a.busyRetries; i++ {
		err = a.transfer(ctx, address, w, r)
		if !errors.Is(err, ErrBusBusy) {
			return err
		}
		a.logger.Debug("adapter busy, releasing bus", "address", fmt.Sprintf("%#x", address), "attempt", i+1)
		// try to release the bus
		_ = a.bus.Release(ctx)
	}
	return fmt.Errorf("bus exchange with %#x failed (retry limit reached): %w", address, err)
}

func (a *Arbiter) transfer(ctx context.Context, address byte, w, r []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// adapters that support a repeated start do both halves at once
	if tx, ok := a.bus.(Transactor); ok {
		return tx.Tx(ctx, address, w, r)
	}
	if len(w) > 0 {
		if err := a.bus.WriteToAddr(ctx, address, w); err != nil {
			return err
		}
	}
	if len(r) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bus.ReadFromAddr(ctx, address, r)
}

// Guard is proof of exclusive bus access.
type Guard struct {
	arb      *Arbiter
	released atomic.Bool
}

func (g *Guard) Tx(ctx context.Context, address byte, w, r []byte) error {
	if g.released.Load() {
		return ErrGuardReleased
	}
	return g.arb.exchange(ctx, address, w, r)
}

// Release is idempotent.
func (g *Guard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.arb.sem.Release(1)
	}
}
