// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Command constellationd runs a standalone controller: it registers and
// connects the devices given on the command line, then serves until
// interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/constellation/controller"
)

type deviceFlags []string

func (d *deviceFlags) String() string { return strings.Join(*d, ",") }

func (d *deviceFlags) Set(v string) error {
	*d = append(*d, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		logLevel          string
		heartbeatInterval time.Duration
		heartbeatTimeout  time.Duration
		reconnectDelay    time.Duration
		devices           deviceFlags
	)
	flag.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", 0, "heartbeat ping interval")
	flag.DurationVar(&heartbeatTimeout, "heartbeat-timeout", 0, "silence threshold before a session is dropped")
	flag.DurationVar(&reconnectDelay, "reconnect-delay", 0, "pause between connection attempts")
	flag.Var(&devices, "device", "device to manage, as id=ws://host:port/session (repeatable)")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "constellationd",
		Level: hclog.LevelFromString(logLevel),
	})

	config := controller.DefaultConfig()
	config.Logger = logger
	if heartbeatInterval > 0 {
		config.HeartbeatInterval = heartbeatInterval
	}
	if heartbeatTimeout > 0 {
		config.HeartbeatTimeout = heartbeatTimeout
	}
	if reconnectDelay > 0 {
		config.ReconnectDelay = reconnectDelay
	}

	srv, err := controller.NewServer(config)
	if err != nil {
		logger.Error("starting controller", "error", err)
		return 1
	}

	for _, spec := range devices {
		id, url, ok := strings.Cut(spec, "=")
		if !ok || id == "" || url == "" {
			logger.Error("invalid -device value, want id=url", "value", spec)
			return 1
		}
		if _, err := srv.RegisterDevice(&controller.RegisterRequest{
			DeviceID:    id,
			ServerURL:   url,
			AutoConnect: true,
		}); err != nil {
			logger.Error("registering device", "device_id", id, "error", err)
			return 1
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintln(os.Stderr)
	logger.Info("shutting down", "signal", sig)

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown", "error", err)
		return 1
	}
	return 0
}
