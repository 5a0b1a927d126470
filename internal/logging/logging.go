// Package logging centralizes construction of the module's go-logging
// backend so every component obtains identically formatted loggers.
package logging

import (
	"fmt"
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:2006-01-02T15:04:05.000Z07:00} %{level:.4s} %{module}: %{message}"

// Config controls where log output goes and at what level.
type Config struct {
	Level string
	Out   io.Writer
}

// Backend wraps the go-logging backend and vends per-component loggers,
// matching the teacher's one-backend-many-loggers wiring.
type Backend struct {
	backend logging.LeveledBackend
}

// New constructs a Backend writing to cfg.Out (os.Stderr if nil) at cfg.Level
// ("DEBUG", "INFO", "WARNING", "ERROR"; defaults to "NOTICE").
func New(cfg Config) (*Backend, error) {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	level := cfg.Level
	if level == "" {
		level = "NOTICE"
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	fmtBackend := logging.NewLogBackend(out, "", 0)
	formatted := logging.NewBackendFormatter(fmtBackend, logging.MustStringFormatter(logFormat))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled}, nil
}

// GetLogger returns a logger scoped to the given module/component name.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}
