package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dotside-studios/tagbridge/buildinfo"
	"github.com/dotside-studios/tagbridge/clock"
	"github.com/dotside-studios/tagbridge/config"
)

// shutdownGrace bounds the farewell publish and teardown on exit.
const shutdownGrace = 5 * time.Second

func main() {
	var (
		configFlag  string
		deviceFlag  string
		backendFlag string
		versionFlag bool
	)
	flag.StringVar(&configFlag, "config", "", "Path to config file (optional, env-only without it)")
	flag.StringVar(&deviceFlag, "device", "", "Reader name override (optional)")
	flag.StringVar(&backendFlag, "backend", "", "Reader backend override: pcsc or libnfc (optional)")
	flag.BoolVar(&versionFlag, "version", false, "Print version and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if deviceFlag != "" {
		cfg.Reader.Device = deviceFlag
	}
	if backendFlag != "" {
		cfg.Reader.Backend = backendFlag
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Configuration error: %v", err)
		}
	}

	setupLogging(cfg.Logging)
	log.Infof("Starting %s", buildinfo.BuildInfo())

	agent, err := NewAgent(cfg, clock.NewRealClock())
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	if err := agent.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("Received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := agent.Stop(ctx); err != nil {
		log.Warnf("Shutdown incomplete: %v", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
		if buildinfo.IsDev() {
			level = log.DebugLevel
		}
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
