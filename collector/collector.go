// Package collector implements the per-process metric collector and the
// front-door recording functions.
//
// Each process owns one Collector, scoped to its rank identity. Application
// code records through [RecordMetric] and [RecordSample]; the external
// orchestrator drives [Collector.InitBackends], [Collector.Flush] and
// [Collector.Shutdown]. The collector is designed for a single cooperative
// execution context per process: push and flush never run concurrently with
// each other, so the snapshot-then-reset sequence inside Flush is atomic by
// construction rather than by locking.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rankfold/rankfold/backend"
	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/internal/logging"
	"github.com/rankfold/rankfold/internal/tracing"
	"github.com/rankfold/rankfold/metrics"
)

// shutdownGrace bounds how long Shutdown waits for outstanding streamed
// sample writes before finalizing backends.
const shutdownGrace = 5 * time.Second

// Collector accumulates metrics for one process rank and fans them out to
// its configured backends.
type Collector struct {
	rank int

	accumulators   map[string]metrics.Accumulator
	streamBackends []backend.Backend // per_rank_no_reduce: stream immediately
	flushBackends  []backend.Backend // per_rank_reduce: accumulate then flush

	globalStep  int
	initialized bool
	dirty       bool
	processName string

	tasks sync.WaitGroup // in-flight fire-and-forget sample streams
}

func newCollector(rank int) *Collector {
	return &Collector{
		rank:         rank,
		accumulators: make(map[string]metrics.Accumulator),
	}
}

// Rank returns the rank identity this collector is bound to.
func (c *Collector) Rank() int { return c.rank }

// Initialized reports whether backends have been set up.
func (c *Collector) Initialized() bool { return c.initialized }

// Step returns the step subsequent streamed metrics will be tagged with.
func (c *Collector) Step() int { return c.globalStep }

// InitBackends instantiates this process's share of the configured backends.
// Idempotent: repeat calls log and return.
//
// Backends in global_reduce mode are skipped here; their single instance is
// owned by the external aggregator. Per-rank backends are initialized with
// the local role plus any primary metadata supplied for shared-run modes
// (keyed by backend name), then bucketed by whether they stream immediately
// or receive reduced values at flush. globalStep seeds the step counter so
// runs restarted from a checkpoint keep their numbering.
func (c *Collector) InitBackends(ctx context.Context, primaryMetadata map[string]backend.Metadata, cfg *config.Config, globalStep int, processName string) error {
	if c.initialized {
		logging.L().Debug("collector already initialized", zap.Int("rank", c.rank))
		return nil
	}

	c.globalStep = globalStep
	c.processName = processName
	c.streamBackends = nil
	c.flushBackends = nil

	names := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bcfg := cfg.Backends[name]
		mode, err := config.ParseLoggingMode(string(bcfg.Mode))
		if err != nil {
			return fmt.Errorf("backend %q: %w", name, err)
		}
		if mode == config.ModeGlobalReduce {
			continue
		}

		b, err := backend.New(name, bcfg)
		if err != nil {
			return err
		}
		if err := b.Init(ctx, backend.RoleLocal, primaryMetadata[name], processName); err != nil {
			return fmt.Errorf("init backend %q: %w", name, err)
		}

		if mode == config.ModePerRankNoReduce {
			c.streamBackends = append(c.streamBackends, b)
		} else {
			c.flushBackends = append(c.flushBackends, b)
		}
	}

	c.initialized = true
	logging.L().Info("collector backends initialized",
		zap.Int("rank", c.rank),
		zap.String("process", processName),
		zap.Int("stream_backends", len(c.streamBackends)),
		zap.Int("flush_backends", len(c.flushBackends)),
		zap.Int("global_step", globalStep))
	return nil
}

// Push records one metric: streams it to every no-reduce backend and folds it
// into the key's accumulator.
//
// Calling Push before InitBackends is not an error: producer code must stay
// crash-proof under misconfiguration, so the metric is dropped with a
// rate-limited warning. A malformed metric, by contrast, is a programming
// bug and returns an error.
func (c *Collector) Push(m metrics.Metric) error {
	if !c.initialized {
		logging.WarnLimited("collector-uninitialized-push",
			"skipping metric collection: backends not initialized; call InitBackends first or set "+DisableEnv,
			zap.Int("rank", c.rank))
		return nil
	}

	if err := m.Validate(); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	for _, b := range c.streamBackends {
		if m.Reduction == metrics.ReduceSample {
			row, err := sampleRow(m.Value)
			if err != nil {
				return fmt.Errorf("push %q: %w", m.Key, err)
			}
			table := map[string][]metrics.Sample{m.Key: {row}}
			// Capture the step now: the background write must carry the step
			// current at push time, and must not touch collector state that a
			// later Flush mutates.
			step := c.globalStep
			b := b
			c.tasks.Add(1)
			go func() {
				defer c.tasks.Done()
				if err := b.LogSamples(context.Background(), table, step); err != nil {
					logging.WarnLimited("collector-stream-sample",
						"streamed sample write failed", zap.Int("rank", c.rank), zap.Error(err))
				}
			}()
		} else {
			b.LogStream(m, c.globalStep)
		}
	}

	acc, ok := c.accumulators[m.Key]
	if !ok {
		var err error
		acc, err = metrics.NewAccumulator(m.Reduction)
		if err != nil {
			return fmt.Errorf("push %q: %w", m.Key, err)
		}
		c.accumulators[m.Key] = acc
	}
	if err := acc.Append(m.Value); err != nil {
		return fmt.Errorf("push %q: %w", m.Key, err)
	}
	c.dirty = true
	return nil
}

// Flush snapshots and resets every accumulator, logs the locally reduced
// results to the accumulate-then-flush backends and advances the step
// counter to globalStep+1.
//
// When nothing was pushed since the last flush this is a true no-op: it
// returns an empty map and leaves the step counter unchanged. When
// returnState is set the raw pre-merge per-key states are returned so the
// external aggregator can merge states instead of already-reduced scalars.
func (c *Collector) Flush(ctx context.Context, globalStep int, returnState bool) (_ map[string]metrics.State, err error) {
	if !c.initialized {
		logging.WarnLimited("collector-uninitialized-flush",
			"cannot flush metrics: backends not initialized; call InitBackends first",
			zap.Int("rank", c.rank))
		return map[string]metrics.State{}, nil
	}

	if !c.dirty {
		logging.L().Debug("no metrics to flush",
			zap.Int("rank", c.rank), zap.Int("global_step", globalStep))
		return map[string]metrics.State{}, nil
	}

	ctx, span := tracing.Start(ctx, "collector.flush")
	defer func() {
		tracing.End(span, err, attribute.Int("rank", c.rank), attribute.Int("step", globalStep))
	}()

	// Snapshot and reset in one pass. No push can interleave here under the
	// single-execution-context model.
	states := make(map[string]metrics.State, len(c.accumulators))
	for key, acc := range c.accumulators {
		states[key] = acc.State()
		acc.Reset()
	}
	c.dirty = false

	if len(c.flushBackends) > 0 {
		reduced, err := metrics.ReduceStates([]map[string]metrics.State{states})
		if err != nil {
			return nil, fmt.Errorf("flush: %w", err)
		}

		var scalars []metrics.Metric
		tables := make(map[string][]metrics.Sample)
		for _, m := range reduced {
			if m.Reduction == metrics.ReduceSample {
				if rows, ok := m.Value.([]metrics.Sample); ok && len(rows) > 0 {
					tables[m.Key] = rows
				}
				continue
			}
			scalars = append(scalars, m)
		}

		for _, b := range c.flushBackends {
			if len(scalars) > 0 {
				if err := b.LogBatch(ctx, scalars, globalStep); err != nil {
					return nil, fmt.Errorf("flush: log batch: %w", err)
				}
			}
			if len(tables) > 0 {
				if err := b.LogSamples(ctx, tables, globalStep); err != nil {
					return nil, fmt.Errorf("flush: log samples: %w", err)
				}
			}
		}
	}

	// Subsequent streamed metrics belong to the next step.
	c.globalStep = globalStep + 1

	if returnState {
		return states, nil
	}
	return map[string]metrics.State{}, nil
}

// Shutdown drains outstanding streamed writes and finalizes every backend,
// flush backends first. The collector is unusable afterward: further pushes
// drop with a warning.
func (c *Collector) Shutdown(ctx context.Context) error {
	if !c.initialized {
		logging.L().Debug("collector not initialized, skipping shutdown", zap.Int("rank", c.rank))
		return nil
	}

	c.waitTasks(ctx)

	var errs []error
	for _, b := range c.flushBackends {
		if err := b.Finish(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range c.streamBackends {
		if err := b.Finish(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.initialized = false
	c.streamBackends = nil
	c.flushBackends = nil
	return errors.Join(errs...)
}

// waitTasks blocks until in-flight sample streams land, bounded by the
// context and the shutdown grace period.
func (c *Collector) waitTasks(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logging.L().Warn("shutdown: abandoning in-flight streamed samples", zap.Int("rank", c.rank))
	case <-time.After(shutdownGrace):
		logging.L().Warn("shutdown: abandoning in-flight streamed samples", zap.Int("rank", c.rank))
	}
}

func sampleRow(value any) (metrics.Sample, error) {
	switch v := value.(type) {
	case metrics.Sample:
		return v, nil
	case map[string]any:
		return metrics.Sample(v), nil
	}
	return nil, fmt.Errorf("sample metric expects a row, got %T", value)
}
