package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logBackend hands out per-subsystem loggers backed by a rotating log
// file plus stderr.
type logBackend struct {
	logRotator      *rotator.Rotator
	bknd            *slog.Backend
	defaultLogLevel slog.Level
	logLevels       map[string]slog.Level

	loggersMtx sync.Mutex
	loggers    map[string]slog.Logger
}

func newLogBackend(logFile, debugLevel string, maxLogFiles int) (*logBackend, error) {
	var logRotator *rotator.Rotator
	if logFile != "" {
		logDir, _ := filepath.Split(logFile)
		err := os.MkdirAll(logDir, 0700)
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logRotator, err = rotator.New(logFile, 1024, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
	}

	b := &logBackend{
		logRotator:      logRotator,
		defaultLogLevel: slog.LevelInfo,
		logLevels:       make(map[string]slog.Level),
		loggers:         make(map[string]slog.Logger),
	}
	b.bknd = slog.NewBackend(b)

	// debugLevel is either a single level or a list of
	// subsys=level pairs.
	for _, spec := range strings.Split(debugLevel, ",") {
		k, v, found := strings.Cut(spec, "=")
		if !found {
			level, ok := slog.LevelFromString(spec)
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", spec)
			}
			b.defaultLogLevel = level
			continue
		}
		level, ok := slog.LevelFromString(v)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for subsystem %s", v, k)
		}
		b.logLevels[k] = level
	}

	return b, nil
}

// Write implements the io.Writer the slog backend logs to.
func (b *logBackend) Write(p []byte) (int, error) {
	os.Stderr.Write(p)
	if b.logRotator != nil {
		b.logRotator.Write(p)
	}
	return len(p), nil
}

func (b *logBackend) logger(subsys string) slog.Logger {
	b.loggersMtx.Lock()
	defer b.loggersMtx.Unlock()
	if l, ok := b.loggers[subsys]; ok {
		return l
	}
	l := b.bknd.Logger(subsys)
	level, ok := b.logLevels[subsys]
	if !ok {
		level = b.defaultLogLevel
	}
	l.SetLevel(level)
	b.loggers[subsys] = l
	return l
}

func (b *logBackend) close() {
	if b.logRotator != nil {
		b.logRotator.Close()
	}
}
