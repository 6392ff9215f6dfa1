// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T so component
// logs interleave with test output.
package testlog

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogLevel returns the level to use for test loggers, overridable through
// the TEST_LOG_LEVEL environment variable.
func LogLevel() string {
	if level := os.Getenv("TEST_LOG_LEVEL"); level != "" {
		return level
	}
	return "warn"
}

// Logger is the subset of testing.TB needed by the test logger.
type Logger interface {
	Logf(format string, args ...interface{})
	Name() string
}

type writer struct {
	t Logger
}

func (w *writer) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// HCLogger returns an hclog.Logger that writes through t.Logf.
func HCLogger(t Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:            t.Name(),
		Level:           hclog.LevelFromString(LogLevel()),
		Output:          &writer{t},
		IncludeLocation: true,
	})
}
