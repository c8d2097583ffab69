package fake

import (
	"context"
	"sync"
	"time"

	"github.com/mklimuk/tof"
)

// Level is one recorded output change.
type Level struct {
	Level tof.Level
	At    time.Time
}

// Pin records every level it is driven to. OutFunc, when set, decides the
// outcome.
type Pin struct {
	Name    string
	OutFunc func(ctx context.Context, level tof.Level) error

	mx      sync.Mutex
	history []Level
}

func (p *Pin) Out(ctx context.Context, level tof.Level) error {
	if p.OutFunc != nil {
		if err := p.OutFunc(ctx, level); err != nil {
			return err
		}
	}
	p.mx.Lock()
	p.history = append(p.history, Level{Level: level, At: time.Now()})
	p.mx.Unlock()
	return nil
}

func (p *Pin) History() []Level {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]Level(nil), p.history...)
}

// Current returns the last driven level and false when the pin was never
// driven.
func (p *Pin) Current() (tof.Level, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if len(p.history) == 0 {
		return tof.Low, false
	}
	return p.history[len(p.history)-1].Level, true
}

// Edge is a data-ready line fired by the test.
type Edge struct {
	ch chan struct{}
}

func NewEdge() *Edge {
	return &Edge{ch: make(chan struct{}, 64)}
}

// Fire queues one edge.
func (e *Edge) Fire() {
	e.ch <- struct{}{}
}

func (e *Edge) WaitForEdge(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ch:
		return nil
	}
}
