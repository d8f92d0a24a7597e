package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/mapcache/eviction"
	"github.com/IvanBrykalov/mapcache/policy"
	"github.com/IvanBrykalov/mapcache/policy/adaptive"
	"github.com/IvanBrykalov/mapcache/policy/fixed"
)

// Opts is the server configuration. Every flag can also come from the
// environment (or a .env file in the working directory).
type Opts struct {
	Addr string `long:"addr" env:"MAPCACHE_ADDR" default:":8080" description:"HTTP listen address"`

	Slots   int           `long:"slots" env:"MAPCACHE_SLOTS" default:"0" description:"store lock slots (0 = auto)"`
	Latency time.Duration `long:"store-latency" env:"MAPCACHE_STORE_LATENCY" default:"0s" description:"simulated store round trip"`

	BatchSize     int           `long:"batch" env:"MAPCACHE_BATCH" default:"100" description:"max entries removed per sweep"`
	MinInterval   time.Duration `long:"min-interval" env:"MAPCACHE_MIN_INTERVAL" default:"5s" description:"shortest sweep interval"`
	MaxInterval   time.Duration `long:"max-interval" env:"MAPCACHE_MAX_INTERVAL" default:"2h" description:"longest sweep interval"`
	FixedInterval time.Duration `long:"fixed-interval" env:"MAPCACHE_FIXED_INTERVAL" description:"sweep at a constant interval instead of adapting"`
	Jitter        float64       `long:"jitter" env:"MAPCACHE_JITTER" default:"0.1" description:"max fraction a wait is shortened by"`

	CleanupQueue int `long:"cleanup-queue" env:"MAPCACHE_CLEANUP_QUEUE" default:"1024" description:"pending lazy removals per map (<0 disables)"`

	LogLevel        string        `long:"log-level" env:"MAPCACHE_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"log level"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"MAPCACHE_SHUTDOWN_TIMEOUT" default:"10s" description:"graceful shutdown budget"`

	// The below are derived in Validate.

	Level slog.Level
}

func (o *Opts) Validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch must be positive, got %d", o.BatchSize)
	}
	if o.FixedInterval < 0 {
		return fmt.Errorf("fixed-interval must not be negative, got %v", o.FixedInterval)
	}
	if o.FixedInterval == 0 {
		if o.MinInterval <= 0 {
			return fmt.Errorf("min-interval must be positive, got %v", o.MinInterval)
		}
		if o.MaxInterval < o.MinInterval {
			return fmt.Errorf("max-interval %v is below min-interval %v", o.MaxInterval, o.MinInterval)
		}
	}
	if o.Jitter < 0 || o.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %v", o.Jitter)
	}
	if o.Slots < 0 {
		return fmt.Errorf("slots must not be negative, got %d", o.Slots)
	}
	if err := o.Level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	return nil
}

// Interval builds the sweep policy the options describe.
func (o *Opts) Interval() policy.Interval {
	if o.FixedInterval > 0 {
		return fixed.New(o.FixedInterval)
	}
	return adaptive.New(o.MinInterval, o.MaxInterval)
}

// Eviction translates the options into scheduler options.
func (o *Opts) Eviction(log *slog.Logger) eviction.Options {
	jitter := o.Jitter
	if jitter == 0 {
		jitter = -1 // explicit 0 disables; the scheduler treats 0 as "default"
	}
	return eviction.Options{
		Interval:  o.Interval(),
		BatchSize: o.BatchSize,
		Jitter:    jitter,
		Logger:    log,
	}
}
