// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package logging provides the zerolog-based global logger for the proxy.
//
// The console writer and optional per-file writers are configured from the
// `logging` section of the config file:
//
//	logging:
//	  console: info
//	  lineDateFormat: "15:04:05"
//	  files:
//	    - file: /var/log/uia-proxy.log
//	      level: debug
//
// Always terminate log chains with .Msg() or .Send():
//
//	logging.Info().Str("endpoint", "login").Msg("session created")
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileConfig describes one log file sink.
type FileConfig struct {
	File  string `koanf:"file" json:"file"`
	Level string `koanf:"level" json:"level"`
}

// Config holds the logging configuration.
type Config struct {
	// Console is the minimum level for stderr output. Empty disables
	// console logging entirely.
	Console string `koanf:"console" json:"console"`

	// Files lists additional file sinks with their own levels.
	Files []FileConfig `koanf:"files" json:"files"`

	// LineDateFormat is the console timestamp format.
	// Default: time.RFC3339
	LineDateFormat string `koanf:"lineDateFormat" json:"lineDateFormat"`
}

var (
	log zerolog.Logger

	// mu protects reconfiguration of the global logger.
	mu sync.RWMutex
)

//nolint:gochecknoinits // logging must work before Init() runs
func init() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// Init configures the global logger. Called once from main after the
// configuration has been loaded; safe to call again (tests reconfigure it).
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	dateFormat := cfg.LineDateFormat
	if dateFormat == "" {
		dateFormat = time.RFC3339
	}

	var writers []io.Writer
	if cfg.Console != "" {
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: dateFormat}
		writers = append(writers, levelWriter{w: console, level: ParseLevel(cfg.Console)})
	}
	for _, fc := range cfg.Files {
		f, err := os.OpenFile(fc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, levelWriter{w: f, level: ParseLevel(fc.Level)})
	}
	if len(writers) == 0 {
		// No sinks configured; keep a disabled logger so call sites stay total.
		log = zerolog.Nop()
		return nil
	}

	log = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

// levelWriter filters events below its level. zerolog.MultiLevelWriter
// dispatches through WriteLevel, which lets each sink keep its own level.
type levelWriter struct {
	w     io.Writer
	level zerolog.Level
}

func (lw levelWriter) Write(p []byte) (int, error) {
	return lw.w.Write(p)
}

func (lw levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.level {
		return len(p), nil
	}
	return lw.w.Write(p)
}

// ParseLevel converts a config level string to a zerolog.Level.
// Unknown strings fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger instance.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetLogger replaces the global logger. Used by tests to capture output.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// With creates a child logger context with additional default fields.
//
//	ldapLog := logging.With().Str("component", "ldap").Logger()
func With() zerolog.Context {
	mu.RLock()
	defer mu.RUnlock()
	return log.With()
}

// Debug starts a new message with debug level.
func Debug() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Debug()
}

// Info starts a new message with info level.
func Info() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Info()
}

// Warn starts a new message with warning level.
func Warn() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Warn()
}

// Error starts a new message with error level.
func Error() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Error()
}

// Fatal starts a new message with fatal level. os.Exit(1) runs after the
// message is logged.
func Fatal() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Fatal()
}

// Err starts an error-level message with the error attached.
func Err(err error) *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Err(err)
}
