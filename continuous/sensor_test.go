package continuous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/fake"
)

var errBus = errors.New("bus error")

// fast keeps recovery timings short and disables the missed-edge probe.
var fast = Backoff{
	RestartDelay:   5 * time.Millisecond,
	FailureBackoff: 20 * time.Millisecond,
	ProbeInterval:  10 * time.Millisecond,
	PollInterval:   2 * time.Millisecond,
	EdgeTimeout:    -1,
}

type collector struct {
	mu  sync.Mutex
	got []tof.Measurement
}

func (c *collector) add(m tof.Measurement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
}

func (c *collector) all() []tof.Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tof.Measurement(nil), c.got...)
}

type transitions struct {
	mu  sync.Mutex
	log [][2]State
}

func (tr *transitions) hook(from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.log = append(tr.log, [2]State{from, to})
}

func (tr *transitions) into(s State) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, t := range tr.log {
		if t[1] == s {
			n++
		}
	}
	return n
}

func (tr *transitions) outOf(s State) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, t := range tr.log {
		if t[0] == s {
			n++
		}
	}
	return n
}

func valid(d int) tof.Measurement {
	return tof.Measurement{DistanceMM: d, SigmaMM: 0.5, Status: tof.StatusValid}
}

func start(t *testing.T, s *Sensor[tof.Measurement], cb func(tof.Measurement)) (*Pool, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 4, nil)
	require.NoError(t, s.StartContinuous(ctx, pool, cb))
	t.Cleanup(func() {
		cancel()
		_ = pool.Wait()
	})
	return pool, cancel
}

func TestSensor_DeliversValidMeasurements(t *testing.T) {
	var mu sync.Mutex
	reads := 0
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			mu.Lock()
			defer mu.Unlock()
			reads++
			return valid(100 + reads), nil
		},
	}
	edge := fake.NewEdge()
	s := NewSensor("front", dev, edge, tof.Measurement.Valid, WithBackoff(fast))
	assert.Equal(t, tof.Measurement{}, s.LatestMeasurement())

	// latest holds what the sensor reported when each callback ran
	var c, latest collector
	start(t, s, func(m tof.Measurement) {
		latest.add(s.LatestMeasurement())
		c.add(m)
	})
	for range 5 {
		edge.Fire()
	}

	require.Eventually(t, func() bool { return dev.Count("rearm") == 5 }, time.Second, time.Millisecond)
	got := c.all()
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, 101+i, m.DistanceMM)
		assert.Equal(t, 0.5, m.SigmaMM)
	}
	assert.Equal(t, got, latest.all())
	assert.Equal(t, valid(105), s.LatestMeasurement())
	assert.Equal(t, uint64(5), s.Stats().Delivered)
}

func TestSensor_InvalidMeasurementIsRecordedNotForwarded(t *testing.T) {
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			return tof.Measurement{DistanceMM: 4000, Status: tof.StatusSignalFail}, nil
		},
	}
	edge := fake.NewEdge()
	s := NewSensor("front", dev, edge, tof.Measurement.Valid, WithBackoff(fast))
	var c collector
	start(t, s, c.add)
	edge.Fire()

	require.Eventually(t, func() bool { return dev.Count("rearm") == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, c.all())
	assert.Equal(t, tof.StatusSignalFail, s.LatestMeasurement().Status)
	assert.Equal(t, uint64(1), s.Stats().Invalid)
}

func TestSensor_ReadFailureRestartsWithoutRecovering(t *testing.T) {
	var mu sync.Mutex
	reads := 0
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			mu.Lock()
			defer mu.Unlock()
			reads++
			if reads == 1 {
				return tof.Measurement{}, errBus
			}
			return valid(80), nil
		},
	}
	edge := fake.NewEdge()
	var tr transitions
	s := NewSensor("front", dev, edge, tof.Measurement.Valid, WithBackoff(fast), WithTransitionHook(tr.hook))
	var c collector
	start(t, s, c.add)
	edge.Fire()
	edge.Fire()

	// the failed cycle rearms nothing
	require.Eventually(t, func() bool { return dev.Count("rearm") == 1 }, time.Second, time.Millisecond)
	assert.Len(t, c.all(), 1)
	assert.Equal(t, 0, tr.into(StateRecovering))
	// one arming start plus one recovery start
	assert.Equal(t, 2, dev.Count("start"))
	assert.Equal(t, 1, dev.Count("stop"))
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.ReadErrors)
	assert.Equal(t, uint64(1), stats.Restarts)
}

func TestSensor_RearmFailureRestartsWithoutRecovering(t *testing.T) {
	var mu sync.Mutex
	rearms := 0
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			return valid(200), nil
		},
		RearmFunc: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			rearms++
			if rearms == 1 {
				return errBus
			}
			return nil
		},
	}
	edge := fake.NewEdge()
	var tr transitions
	s := NewSensor("front", dev, edge, tof.Measurement.Valid, WithBackoff(fast), WithTransitionHook(tr.hook))
	var c collector
	start(t, s, c.add)
	edge.Fire()
	edge.Fire()

	require.Eventually(t, func() bool { return dev.Count("rearm") == 2 }, time.Second, time.Millisecond)
	assert.Len(t, c.all(), 2)
	assert.Equal(t, 0, tr.into(StateRecovering))
	assert.Equal(t, uint64(1), s.Stats().RearmErrors)
	assert.Equal(t, 2, dev.Count("start"))
}

func TestSensor_FailedRestartProbesUntilReady(t *testing.T) {
	var mu sync.Mutex
	reads, starts, probes := 0, 0, 0
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			mu.Lock()
			defer mu.Unlock()
			reads++
			if reads == 1 {
				return tof.Measurement{}, errBus
			}
			return valid(300), nil
		},
		StartFunc: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			starts++
			// the first start arms the device, the second one is the
			// recovery attempt
			if starts == 2 {
				return errBus
			}
			return nil
		},
		DataReadyFunc: func(ctx context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			probes++
			if probes <= 3 {
				return false, errBus
			}
			return true, nil
		},
	}
	edge := fake.NewEdge()
	var tr transitions
	s := NewSensor("front", dev, edge, tof.Measurement.Valid, WithBackoff(fast), WithTransitionHook(tr.hook))
	var c collector
	start(t, s, c.add)
	edge.Fire()

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, tr.into(StateRecovering))
	assert.Equal(t, 1, tr.outOf(StateRecovering))
	assert.Equal(t, uint64(3), s.Stats().Probes)
	assert.Equal(t, uint64(1), s.Stats().RestartFailures)

	calls := dev.Calls("ready")
	require.Len(t, calls, 4)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].At.Sub(calls[i-1].At), 9*time.Millisecond)
	}
	assert.Equal(t, 300, c.all()[0].DistanceMM)
}

func TestSensor_RecoveringRetriesRestart(t *testing.T) {
	var mu sync.Mutex
	ranging := false
	reads, starts := 0, 0
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			mu.Lock()
			defer mu.Unlock()
			reads++
			if reads == 1 {
				return tof.Measurement{}, errBus
			}
			return valid(90), nil
		},
		StopFunc: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ranging = false
			return nil
		},
		StartFunc: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			starts++
			if starts == 2 {
				return errBus
			}
			ranging = true
			return nil
		},
		// a stopped device never reports data on its own
		DataReadyFunc: func(ctx context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			return ranging, nil
		},
	}
	b := fast
	b.RetryInterval = 30 * time.Millisecond
	var tr transitions
	s := NewSensor("side", dev, nil, tof.Measurement.Valid, WithBackoff(b), WithTransitionHook(tr.hook))
	var c collector
	start(t, s, c.add)

	require.Eventually(t, func() bool { return len(c.all()) >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 90, c.all()[0].DistanceMM)
	assert.Equal(t, 3, dev.Count("start"))
	assert.Equal(t, 1, tr.into(StateRecovering))
	assert.Equal(t, 1, tr.outOf(StateRecovering))
	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Restarts)
	assert.Equal(t, uint64(1), stats.RestartFailures)
	assert.Positive(t, stats.Probes)
}

func TestSensor_SurvivesRandomFaults(t *testing.T) {
	for _, seed := range []uint64{1, 7, 42} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			var mu sync.Mutex
			rnd := rand.New(rand.NewPCG(seed, seed))
			armed := false
			fail := func() bool {
				mu.Lock()
				defer mu.Unlock()
				return rnd.IntN(3) == 0
			}
			dev := &fake.Device[tof.Measurement]{
				ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
					if fail() {
						return tof.Measurement{}, errBus
					}
					return valid(60), nil
				},
				RearmFunc: func(ctx context.Context) error {
					if fail() {
						return errBus
					}
					return nil
				},
				StopFunc: func(ctx context.Context) error {
					if fail() {
						return errBus
					}
					return nil
				},
				StartFunc: func(ctx context.Context) error {
					mu.Lock()
					first := !armed
					armed = true
					mu.Unlock()
					if !first && fail() {
						return errBus
					}
					return nil
				},
				DataReadyFunc: func(ctx context.Context) (bool, error) {
					if fail() {
						return false, errBus
					}
					return true, nil
				},
			}
			b := fast
			b.RetryInterval = 30 * time.Millisecond
			s := NewSensor("front", dev, nil, tof.Measurement.Valid,
				WithBackoff(b), WithLogger(slog.New(slog.DiscardHandler)))
			var delivered atomic.Uint64
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool := NewPool(ctx, 1, nil)
			require.NoError(t, s.StartContinuous(ctx, pool, func(tof.Measurement) { delivered.Add(1) }))

			require.Eventually(t, func() bool { return s.Stats().Delivered >= 10 }, 5*time.Second, time.Millisecond)
			first := s.Stats().Delivered
			require.Eventually(t, func() bool { return s.Stats().Delivered >= first+10 }, 5*time.Second, time.Millisecond)
			stats := s.Stats()
			assert.Positive(t, stats.Restarts)
			assert.Positive(t, stats.ReadErrors+stats.RearmErrors+stats.WaitErrors)

			cancel()
			done := make(chan error)
			go func() { done <- pool.Wait() }()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("task did not stop")
			}
			assert.Equal(t, delivered.Load(), s.Stats().Delivered)
		})
	}
}

func TestSensor_PollStyleWouldBlockIsNotAFailure(t *testing.T) {
	var mu sync.Mutex
	probes := 0
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			return valid(50), nil
		},
		DataReadyFunc: func(ctx context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			probes++
			return probes%3 == 0, nil
		},
	}
	s := NewSensor("side", dev, nil, tof.Measurement.Valid, WithBackoff(fast))
	var c collector
	start(t, s, c.add)

	require.Eventually(t, func() bool { return len(c.all()) >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), s.Stats().Restarts)
	assert.Equal(t, 1, dev.Count("start"))
}

func TestSensor_PollStyleProbeErrorRestarts(t *testing.T) {
	var mu sync.Mutex
	probes := 0
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			return valid(50), nil
		},
		DataReadyFunc: func(ctx context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			probes++
			if probes == 1 {
				return false, errBus
			}
			return true, nil
		},
	}
	s := NewSensor("side", dev, nil, tof.Measurement.Valid, WithBackoff(fast))
	var c collector
	start(t, s, c.add)

	require.Eventually(t, func() bool { return len(c.all()) >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().WaitErrors)
	assert.GreaterOrEqual(t, dev.Count("start"), 2)
}

func TestSensor_MissedEdgeFallsBackToProbe(t *testing.T) {
	dev := &fake.Device[tof.Measurement]{
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			return valid(70), nil
		},
	}
	b := fast
	b.EdgeTimeout = 20 * time.Millisecond
	s := NewSensor("rear", dev, fake.NewEdge(), tof.Measurement.Valid, WithBackoff(b))
	var c collector
	start(t, s, c.add)

	require.Eventually(t, func() bool { return len(c.all()) >= 1 }, time.Second, time.Millisecond)
}

func TestSensor_StartsOnce(t *testing.T) {
	dev := &fake.Device[tof.Measurement]{}
	s := NewSensor("front", dev, fake.NewEdge(), nil, WithBackoff(fast))
	pool, _ := start(t, s, nil)

	err := s.StartContinuous(context.Background(), pool, nil)
	assert.ErrorIs(t, err, tof.ErrAlreadyStarted)
	assert.Equal(t, 1, dev.Count("start"))
}

func TestSensor_SpawnFailureConsumesSensor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(ctx, 1, nil)
	require.NoError(t, pool.Spawn("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	dev := &fake.Device[tof.Measurement]{}
	s := NewSensor("front", dev, fake.NewEdge(), nil)
	err := s.StartContinuous(ctx, pool, nil)
	assert.ErrorIs(t, err, tof.ErrSpawn)
	assert.Equal(t, 1, dev.Count("stop"))

	err = s.StartContinuous(ctx, pool, nil)
	assert.ErrorIs(t, err, tof.ErrAlreadyStarted)
	cancel()
	assert.NoError(t, pool.Wait())
}

func TestSensor_ArmFailureIsInitError(t *testing.T) {
	dev := &fake.Device[tof.Measurement]{
		StartFunc: func(ctx context.Context) error { return errBus },
	}
	s := NewSensor("front", dev, fake.NewEdge(), nil)
	err := s.StartContinuous(context.Background(), NewPool(context.Background(), 1, nil), nil)
	assert.ErrorIs(t, err, tof.ErrInit)
	assert.ErrorIs(t, err, errBus)
}

func TestSensor_RestartWaitsBetweenStopAndStart(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	reads := 0
	dev := &fake.Device[tof.Measurement]{
		Now: mock.Now,
		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
			mu.Lock()
			defer mu.Unlock()
			reads++
			if reads == 1 {
				return tof.Measurement{}, errBus
			}
			return valid(10), nil
		},
	}
	edge := fake.NewEdge()
	s := NewSensor("front", dev, edge, nil, WithClock(mock), WithBackoff(Backoff{
		RestartDelay: 100 * time.Millisecond,
		EdgeTimeout:  -1,
	}))
	start(t, s, nil)
	edge.Fire()

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return dev.Count("start") == 2
	}, time.Second, time.Millisecond)
	stops := dev.Calls("stop")
	starts := dev.Calls("start")
	require.NotEmpty(t, stops)
	assert.GreaterOrEqual(t, starts[1].At.Sub(stops[0].At), 100*time.Millisecond)
}

func TestSensor_CancelStopsTaskAndDevice(t *testing.T) {
	dev := &fake.Device[tof.Measurement]{}
	s := NewSensor("front", dev, fake.NewEdge(), nil, WithBackoff(fast))
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1, nil)
	require.NoError(t, s.StartContinuous(ctx, pool, nil))

	cancel()
	done := make(chan error)
	go func() { done <- pool.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not stop")
	}
	assert.Equal(t, 1, dev.Count("stop"))
}
