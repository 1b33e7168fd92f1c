// Package backend defines the logging backend capability set and the
// engine's built-in sinks.
//
// A backend receives metrics three ways: LogBatch with locally or globally
// reduced values at flush, LogStream with single raw values on the streaming
// path, and LogSamples with structured table rows. LogStream must not block;
// backends needing I/O schedule their own background work. Backends
// self-guard: operations before a successful Init are silent no-ops, while
// I/O failures after init propagate to the caller untouched.
package backend

import (
	"context"
	"fmt"

	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/metrics"
)

// Role distinguishes the single global (controller-owned) instance of a
// backend from the per-process local ones.
type Role string

const (
	RoleLocal  Role = "local"
	RoleGlobal Role = "global"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleLocal || r == RoleGlobal }

// Metadata is opaque state a primary backend hands to secondary ranks, e.g. a
// shared run identifier.
type Metadata map[string]any

// Backend is the five-operation sink capability set plus the primary-side
// metadata export.
type Backend interface {
	// Init prepares the backend for the given role. primaryMetadata carries
	// state from the global/primary init for shared-run modes.
	Init(ctx context.Context, role Role, primaryMetadata Metadata, processName string) error

	// LogBatch logs reduced scalar metrics for one step.
	LogBatch(ctx context.Context, batch []metrics.Metric, step int) error

	// LogStream logs one raw metric immediately. Never blocks.
	LogStream(m metrics.Metric, step int)

	// LogSamples appends rows to the named sample tables.
	LogSamples(ctx context.Context, tables map[string][]metrics.Sample, step int) error

	// Finish finalizes the backend; the instance is unusable afterward.
	Finish(ctx context.Context) error

	// MetadataForSecondaryRanks returns sharable state after a primary init.
	// Only meaningful on the global role; nil otherwise.
	MetadataForSecondaryRanks() Metadata
}

// New builds the sink selected by the backend name. The set is closed:
// console, jsonl and dashboard, optionally suffixed ("jsonl.debug") to run
// several instances of one sink.
func New(name string, cfg config.Backend) (Backend, error) {
	switch config.SinkName(name) {
	case "console":
		return NewConsole(cfg), nil
	case "jsonl":
		return NewJSONL(cfg), nil
	case "dashboard":
		return NewDashboard(cfg), nil
	}
	return nil, fmt.Errorf("unknown logger backend %q", name)
}
