// Package logging provides the engine's zap logger and rate-limited warning
// helpers. Producer-side paths (push before init, dropped values) warn at
// most once per interval per key so misconfigured workloads do not flood
// their own logs.
package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger = newLogger()

	limiters     sync.Map // warning key → *rate.Limiter
	limiterCount atomic.Int64
)

const (
	// warnInterval is the minimum gap between repeated warnings for one key.
	warnInterval = 30 * time.Second

	// maxWarnKeys caps the limiter map; callers with dynamic keys (one per
	// metric name) must not grow it without bound. Past the cap, new keys
	// share one overflow limiter.
	maxWarnKeys = 1024

	overflowKey = "warn-overflow"
)

func newLogger() *zap.Logger {
	cfg := zap.Config{
		Level:            level,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l.Named("rankfold")
}

// L returns the engine logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the engine logger. Tests and embedding applications use
// this to route engine output through their own cores.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// SetLevel adjusts the level of the default logger.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// WarnLimited logs a warning at most once per interval for the given key.
func WarnLimited(key, msg string, fields ...zap.Field) {
	lim, ok := limiters.Load(key)
	if !ok {
		if limiterCount.Load() >= maxWarnKeys {
			key = overflowKey
		}
		var loaded bool
		lim, loaded = limiters.LoadOrStore(key, rate.NewLimiter(rate.Every(warnInterval), 1))
		if !loaded {
			limiterCount.Add(1)
		}
	}
	if lim.(*rate.Limiter).Allow() {
		L().Warn(msg, fields...)
	}
}
