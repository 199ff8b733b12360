package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/hadron/pkg/actuator"
	"github.com/gwillem/hadron/pkg/actuator/busservo"
	"github.com/gwillem/hadron/pkg/actuator/motorhat"
	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/camera"
	"github.com/gwillem/hadron/pkg/config"
	"github.com/gwillem/hadron/pkg/gamepad"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/observability"
	"github.com/gwillem/hadron/pkg/robot"
	"github.com/gwillem/hadron/pkg/server"
	"github.com/gwillem/hadron/pkg/session"
	"github.com/gwillem/hadron/pkg/telemetry"
	"github.com/gwillem/hadron/pkg/teleop"
	"github.com/gwillem/hadron/pkg/video"
)

type ServeCommand struct {
	Addr    string `long:"addr" description:"Listen address, overrides web.host and web.port"`
	DryRun  bool   `long:"dry-run" description:"Log actuator writes instead of driving hardware"`
	Pattern bool   `long:"pattern" description:"Stream a test pattern instead of the camera"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Pattern {
		cfg.Camera.Source = camera.SourcePattern
	}
	addr := cfg.Addr()
	if c.Addr != "" {
		addr = c.Addr
	}

	logger := observability.InitLogger("hadron", cfg.LogConfig())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arb, err := arbiter.New(cfg.ArbiterConfig(), nil, logger)
	if err != nil {
		return err
	}

	mixCfg := cfg.MixerConfig()
	if cfg.Hardware.ServoDriver == config.DriverNone {
		mixCfg.Servos = nil
	}
	mixer, err := robot.NewMixer(mixCfg)
	if err != nil {
		return err
	}

	driver, err := openDriver(ctx, cfg, c.DryRun, logger)
	if err != nil {
		return err
	}
	act := actuator.NewAdapter(driver, mixer.Motors(), mixer.Servos())
	defer act.Close()

	// srv is assigned before any goroutine that calls notify starts.
	var srv *server.Server
	notify := func() {
		if srv != nil {
			srv.Notify()
		}
	}

	var pub *video.Publisher
	if cfg.Camera.Source != camera.SourceNone && cfg.Camera.Source != "" {
		vcfg := cfg.VideoConfig()
		vcfg.OnDegraded = func(degraded bool, err error) { notify() }
		pub = video.NewPublisher(camera.NewOpener(cfg.Camera.Config, logger), vcfg, nil, logger)
	}

	adapters := []input.Adapter{
		input.NewWebAdapter(cfg.WebAdapterConfig()),
		input.NewKeyboardAdapter(cfg.Keyboard.Bindings),
		input.NewGamepadAdapter(cfg.GamepadAdapterConfig()),
	}
	var watcher session.Watcher
	if pub != nil {
		watcher = pub
	}
	sessions := session.NewManager(arb, adapters, watcher, session.Config{
		IdleTimeout: cfg.Web.SessionIdleTimeout,
	}, nil, logger)

	tcfg := cfg.TeleopConfig()
	tcfg.OnModeChange = func(teleop.Status) { notify() }
	ctrl := teleop.NewController(tcfg, arb, mixer, act, nil, logger)

	srv = server.New(server.Config{
		Addr:           addr,
		CORSOrigins:    cfg.Web.CORSOrigins,
		TrustedProxies: cfg.Web.TrustedProxies,
		StatusInterval: cfg.Web.StatusInterval,
	}, server.Deps{
		Sessions: sessions,
		Control:  ctrl,
		Sources:  arb,
		Video:    pub,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return srv.RunStatus(ctx) })
	g.Go(func() error {
		sessions.RunReaper(ctx, 0)
		return nil
	})
	if pub != nil {
		g.Go(func() error { return pub.Run(ctx) })
	}
	if cfg.Gamepad.Enabled {
		reader := gamepad.NewReader(gamepad.Config{
			Device:   cfg.Gamepad.Device,
			Repeat:   cfg.Gamepad.Repeat,
			Deadzone: cfg.Gamepad.Deadzone,
		}, gamepad.SessionSink(sessions), nil, logger)
		g.Go(func() error { return reader.Run(ctx) })
	}
	if cfg.MQTT.Broker != "" {
		mq := telemetry.New(telemetry.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Interval: cfg.MQTT.Interval,
		}, func() any { return srv.Snapshot() }, logger)
		if err := mq.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("mqtt unavailable, status publishing disabled")
		} else {
			defer mq.Close()
			g.Go(func() error { return mq.Run(ctx) })
		}
	}

	logger.Info().Str("addr", addr).Str("motors", cfg.Hardware.MotorDriver).Str("servos", cfg.Hardware.ServoDriver).
		Str("camera", cfg.Camera.Source).Interface("priority", cfg.Arbiter.Priority).Msg("hadron started")

	err = g.Wait()
	sessions.CloseAll()
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("hadron stopped")
		return nil
	}
	return err
}

// openDriver builds the motor and servo drivers named in the config.
// A missing motor HAT falls back to a dry run so the camera and web UI
// stay usable.
func openDriver(ctx context.Context, cfg *config.Config, dryRun bool, logger zerolog.Logger) (actuator.Driver, error) {
	mux := &actuator.Mux{}
	var dry *actuator.DryRun
	dryDriver := func() *actuator.DryRun {
		if dry == nil {
			dry = actuator.NewDryRun(logger)
		}
		return dry
	}

	if dryRun || cfg.Hardware.MotorDriver == config.DriverDryRun {
		mux.Motors = dryDriver()
	} else {
		hat, err := motorhat.Open(motorhat.Config{
			Bus:  cfg.Hardware.I2CBus,
			Addr: cfg.Hardware.I2CAddr,
			Freq: cfg.Hardware.PWMFreq,
		})
		if err != nil {
			logger.Error().Err(err).Msg("motor HAT not available, running motors in dry-run mode")
			mux.Motors = dryDriver()
		} else {
			mux.Motors = hat
		}
	}

	switch {
	case cfg.Hardware.ServoDriver == config.DriverNone:
	case dryRun || cfg.Hardware.ServoDriver == config.DriverDryRun:
		mux.Servos = dryDriver()
	case cfg.Hardware.ServoDriver == config.DriverFeetech:
		servos, err := busservo.Open(ctx, busservo.Config{
			Port:        cfg.Hardware.ServoPort,
			BaudRate:    cfg.Hardware.ServoBaud,
			Servos:      cfg.Servos,
			Calibration: cfg.Hardware.Calibration,
		})
		if err != nil {
			mux.Close()
			return nil, fmt.Errorf("open servos: %w", err)
		}
		mux.Servos = servos
	}
	return mux, nil
}
