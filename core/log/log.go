// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the logging backend shared by the signer daemon
// and the client tooling, built on the go-logging package.
package log

import (
	"fmt"
	"io"
	goLog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }

// Backend is a log backend.  Loggers are handed out per module so that
// subsystems (relay pool, bunker, client) tag their own lines.
type Backend struct {
	logging.LeveledBackend
	sync.RWMutex

	inner logging.LeveledBackend
	w     io.WriteCloser

	file    string
	level   string
	disable bool
}

// Log implements the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.inner.Log(level, calldepth, record)
}

// GetLevel implements the logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.inner.GetLevel(module)
}

// SetLevel sets the logging level for the specified module.  The module
// corresponds to the string specified in GetLogger.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.inner.SetLevel(level, module)
}

// IsEnabledFor implements the logging.Leveled interface.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.inner.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetGoLogger returns a per-module Go runtime *log.Logger that writes
// to the backend.  Due to limitations of the Go runtime log package,
// only one level is supported per returned Logger.
func (b *Backend) GetGoLogger(module string, level string) *goLog.Logger {
	lvl, err := levelFromString(level)
	if err != nil {
		panic("log: GetGoLogger(): invalid level: " + err.Error())
	}

	w := new(logWriter)
	w.m = b.GetLogger(module)
	w.lvl = lvl
	return goLog.New(w, "", 0)
}

// Rotate reopens the log file for writing, for use from a HUP handler.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.initBackend()
}

func (b *Backend) initBackend() error {
	lvl, err := levelFromString(b.level)
	if err != nil {
		return err
	}

	switch {
	case b.disable:
		b.w = discardCloser{}
	case b.file == "":
		b.w = os.Stdout
	default:
		const fileMode = 0600
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(b.file, flags, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to open log file: %v", err)
		}
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.inner = logging.AddModuleLevel(formatted)
	b.inner.SetLevel(lvl, "")
	return nil
}

// New initializes a logging backend writing to f, or stdout when f is
// empty, or nowhere when disable is set.
func New(f string, level string, disable bool) (*Backend, error) {
	b := new(Backend)
	b.file = f
	b.level = level
	b.disable = disable
	if err := b.initBackend(); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidLevel reports whether level names a recognized severity.
func ValidLevel(level string) bool {
	_, err := levelFromString(level)
	return err == nil
}

func levelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

type logWriter struct {
	m   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	// The log package appends a newline to every line it emits.
	s := strings.TrimSpace(string(p))
	if len(s) == 0 {
		return len(p), nil
	}

	switch w.lvl {
	case logging.ERROR:
		w.m.Error(s)
	case logging.WARNING:
		w.m.Warning(s)
	case logging.NOTICE:
		w.m.Notice(s)
	case logging.INFO:
		w.m.Info(s)
	case logging.DEBUG:
		w.m.Debug(s)
	default:
		w.m.Critical(s)
	}

	return len(p), nil
}
