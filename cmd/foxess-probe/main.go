package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/paulannetts/foxess-hapa/pkg/config"
	"github.com/paulannetts/foxess-hapa/pkg/log"

	"github.com/levenlabs/go-lflag"
)

// foxess-probe fetches one coordinated snapshot and prints it as JSON. It is
// the quickest way to check an API key and serial before running the daemon.
func main() {
	configPath := lflag.String("config", "", "Path to the YAML config file (optional, env vars apply on top)")
	timeout := lflag.Duration("timeout", 5*time.Minute, "Budget for the whole probe, covering rate-limit waits")

	var cfg *config.Config
	lflag.Do(func() {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			panic(fmt.Sprintf("loading configuration: %v", err))
		}
	})
	lflag.Configure()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	device, err := cfg.NewDevice()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build device", slog.Any("error", err))
		os.Exit(1)
	}
	ctx = log.WithDevice(ctx, device.DeviceSN())

	log.Ctx(ctx).InfoContext(ctx, "probing device", slog.String("protocol", device.Protocol().Name()))

	data, err := device.GetData(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "probe failed", slog.Any("error", err))
		os.Exit(1)
	}

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode snapshot", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Println(string(out))
}
