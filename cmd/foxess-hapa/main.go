package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulannetts/foxess-hapa/pkg/common"
	"github.com/paulannetts/foxess-hapa/pkg/config"
	"github.com/paulannetts/foxess-hapa/pkg/log"
	"github.com/paulannetts/foxess-hapa/pkg/metrics"
	"github.com/paulannetts/foxess-hapa/pkg/mqttbridge"
	"github.com/paulannetts/foxess-hapa/pkg/poller"
	"github.com/paulannetts/foxess-hapa/pkg/server"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := lflag.String("config", "", "Path to the YAML config file (optional, env vars apply on top)")

	var cfg *config.Config
	lflag.Do(func() {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			panic(fmt.Sprintf("loading configuration: %v", err))
		}
	})

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	// the config file can move the level too; an explicit --log-level wins
	if level == slog.LevelInfo {
		switch cfg.Log.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	log.SetDefaultLogLevel(level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	device, err := cfg.NewDevice()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build device", slog.Any("error", err))
		os.Exit(1)
	}
	ctx = log.WithDevice(ctx, device.DeviceSN())

	log.Ctx(ctx).InfoContext(ctx, "starting foxess-hapa",
		slog.String("version", common.Version()),
		slog.String("protocol", device.Protocol().Name()),
		slog.Bool("simulate", cfg.Poll.Simulate),
		slog.Duration("pollInterval", cfg.Poll.Interval.Std()),
		slog.String("listenAddr", cfg.HTTP.ListenAddr),
		slog.Bool("mqtt", cfg.MQTT.Enabled),
	)

	p := poller.New(device, cfg.Poll.Interval.Std())

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(p, device.DeviceSN()))

	// the bridge subscribes to the poller, so build it before Run starts
	// polling
	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqttbridge.New(device, p, mqttbridge.Options{
			BrokerURL:       cfg.MQTT.BrokerURL,
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			QoS:             byte(cfg.MQTT.QoS),
		})
	}

	srv := server.New(p, registry, cfg.HTTP.ListenAddr)

	errs := make(chan error, 3)
	running := 0

	running++
	go func() { errs <- named("poller", p.Run(ctx)) }()
	if bridge != nil {
		running++
		go func() { errs <- named("mqtt bridge", bridge.Run(ctx)) }()
	}
	running++
	go func() { errs <- named("server", srv.Run(ctx)) }()

	// the first failure takes the rest of the daemon down
	var failure error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && failure == nil {
			failure = err
			cancel()
		}
	}
	if failure != nil {
		log.Ctx(ctx).ErrorContext(ctx, "daemon failed", slog.Any("error", failure))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "daemon exited cleanly")
}

// named wraps a component's exit error with its name; nil stays nil.
func named(component string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", component, err)
	}
	return nil
}
