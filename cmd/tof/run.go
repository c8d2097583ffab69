package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/config"
	"github.com/mklimuk/tof/continuous"
	"github.com/mklimuk/tof/fleet"
	"github.com/mklimuk/tof/imu"
	"github.com/mklimuk/tof/publish"
	"github.com/mklimuk/tof/ranging"
	"github.com/mklimuk/tof/snsctx"
)

var runCmd = cli.Command{
	Name:  "run",
	Usage: "start the fleet and stream readings until interrupted",
	Flags: []cli.Flag{
		configFlag,
		&cli.DurationFlag{
			Name:  "stats",
			Usage: "interval between task statistics reports (0 disables)",
			Value: 30 * time.Second,
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = snsctx.SetVerbose(ctx, c.Bool("verbose"))
		logger := slog.Default()

		hw, err := openHardware(ctx, cfg, logger)
		if err != nil {
			return console.Exit(1, "could not open bus: %s", console.Red(err))
		}
		defer func() {
			if err := hw.Close(); err != nil {
				logger.Warn("could not close hardware", "error", err)
			}
		}()

		var pub *publish.Publisher
		if cfg.MQTT.Enabled() {
			pub, err = publish.Connect(ctx, publish.Config{
				Broker:   cfg.MQTT.Broker,
				ClientID: cfg.MQTT.ClientID,
				Username: cfg.MQTT.Username,
				Password: cfg.MQTT.Password,
				Topic:    cfg.MQTT.Topic,
				QoS:      cfg.MQTT.QoS,
				Retained: cfg.MQTT.Retained,
			}, logger)
			if err != nil {
				return console.Exit(1, "mqtt error: %s", console.Red(err))
			}
			defer pub.Close()
		}

		slots, err := buildSlots(hw, cfg, pub, logger)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		taskOpts := []continuous.Option{continuous.WithBackoff(cfg.Backoff)}
		f, err := fleet.Start(ctx, hw.arbiter, slots,
			fleet.WithPolicy(cfg.FleetPolicy()),
			fleet.WithLogger(logger),
			fleet.WithTaskOptions(taskOpts...),
		)
		if err != nil {
			return console.Exit(1, "could not start fleet: %s", console.Red(err))
		}
		for name, ferr := range f.Failed() {
			console.Warnf("sensor %s is down: %s", console.Bold(name), ferr)
		}
		console.PInfof(console.PictoRuler, "%s sensors running", console.Green(len(f.Sensors())))

		var motion *imu.Sensor
		var motionPool *continuous.Pool
		if cfg.IMU != nil {
			motionPool = continuous.NewPool(ctx, 1, logger)
			motion, err = startIMU(ctx, hw, cfg.IMU, motionPool, pub, logger, taskOpts)
			if err != nil {
				console.Errorf("imu not started: %s", err)
			} else {
				console.PInfof(console.PictoCompass, "imu %s running", console.Bold(cfg.IMU.Name))
			}
		}

		reportStats(ctx, c.Duration("stats"), f, motion)

		console.PInfof(console.PictoStop, "stopping")
		f.Stop()
		if err := f.Wait(); err != nil {
			logger.Warn("fleet stopped with error", "error", err)
		}
		if motionPool != nil {
			_ = motionPool.Wait()
		}
		return nil
	},
}

func buildSlots(hw *hardware, cfg *config.Config, pub *publish.Publisher, logger *slog.Logger) ([]fleet.Slot[tof.Measurement], error) {
	slots := make([]fleet.Slot[tof.Measurement], 0, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		sc := s.SensorConfig()
		var err error
		if sc.Reset, err = hw.output(s.Reset); err != nil {
			return nil, fmt.Errorf("sensor %s: %w", s.Name, err)
		}
		if sc.Ready, err = hw.input(s.Ready); err != nil {
			return nil, fmt.Errorf("sensor %s: %w", s.Name, err)
		}
		slots = append(slots, fleet.Slot[tof.Measurement]{
			Config:   sc,
			Init:     fleet.Init[tof.Measurement](ranging.Chips[strings.ToLower(s.Chip)]),
			Callback: forward[tof.Measurement](s.Name, pub, logger),
		})
	}
	return slots, nil
}

func startIMU(ctx context.Context, hw *hardware, c *config.IMU, sp tof.Spawner, pub *publish.Publisher, logger *slog.Logger, opts []continuous.Option) (*imu.Sensor, error) {
	conn, err := hw.imuConn(c)
	if err != nil {
		return nil, err
	}
	sc := tof.SensorConfig{Name: c.Name, InterMeasurementPeriod: c.SamplePeriod}
	if sc.Reset, err = hw.output(c.Reset); err != nil {
		return nil, err
	}
	if sc.Ready, err = hw.input(c.Ready); err != nil {
		return nil, err
	}
	opts = append([]continuous.Option{continuous.WithLogger(logger)}, opts...)
	s, err := imu.NewMPU9250(ctx, sc, conn, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.StartContinuous(ctx, sp, forward[imu.Motion](c.Name, pub, logger)); err != nil {
		return nil, err
	}
	return s, nil
}

// forward logs every reading at debug level and publishes it when a
// publisher is configured.
func forward[M fmt.Stringer](name string, pub *publish.Publisher, logger *slog.Logger) func(M) {
	var send func(M)
	if pub != nil {
		send = publish.Callback[M](pub, name)
	}
	return func(m M) {
		logger.Debug("reading", "sensor", name, "value", m.String())
		if send != nil {
			send(m)
		}
	}
}

func reportStats(ctx context.Context, every time.Duration, f *fleet.Fleet[tof.Measurement], motion *imu.Sensor) {
	if every <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range f.Sensors() {
				logStats(s.Name(), s.Stats(), s.LatestMeasurement().String())
			}
			if motion != nil {
				logStats(motion.Name(), motion.Stats(), motion.LatestMeasurement().String())
			}
		}
	}
}

func logStats(name string, st continuous.Stats, latest string) {
	slog.Info("sensor stats",
		"sensor", name,
		"state", st.State,
		"latest", latest,
		"delivered", st.Delivered,
		"invalid", st.Invalid,
		"read_errors", st.ReadErrors,
		"rearm_errors", st.RearmErrors,
		"restarts", st.Restarts,
		"restart_failures", st.RestartFailures,
	)
}
