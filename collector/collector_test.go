package collector_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rankfold/rankfold/backend"
	"github.com/rankfold/rankfold/collector"
	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/metrics"
)

// memBackend records every call for assertions.
type memBackend struct {
	mu       sync.Mutex
	batches  []loggedBatch
	streams  []loggedStream
	samples  []loggedSamples
	finished bool
}

type loggedBatch struct {
	metrics []metrics.Metric
	step    int
}

type loggedStream struct {
	metric metrics.Metric
	step   int
}

type loggedSamples struct {
	tables map[string][]metrics.Sample
	step   int
}

func (b *memBackend) Init(context.Context, backend.Role, backend.Metadata, string) error {
	return nil
}

func (b *memBackend) LogBatch(_ context.Context, batch []metrics.Metric, step int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, loggedBatch{metrics: batch, step: step})
	return nil
}

func (b *memBackend) LogStream(m metrics.Metric, step int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, loggedStream{metric: m, step: step})
}

func (b *memBackend) LogSamples(_ context.Context, tables map[string][]metrics.Sample, step int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, loggedSamples{tables: tables, step: step})
	return nil
}

func (b *memBackend) Finish(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	return nil
}

func (b *memBackend) MetadataForSecondaryRanks() backend.Metadata { return nil }

func TestPushBeforeInitNeverRaises(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)

	if err := c.Push(metrics.New("loss", 1.0, metrics.ReduceMean)); err != nil {
		t.Fatalf("Push before init: %v", err)
	}
	if got := c.AccumulatorCount(); got != 0 {
		t.Errorf("accumulators after dropped push = %d, want 0", got)
	}
}

func TestFlushWithoutDataIsNoOp(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	c.SetBackendsForTesting(nil, []backend.Backend{&memBackend{}})

	states, err := c.Flush(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("states = %v, want empty", states)
	}
	if got := c.Step(); got != 0 {
		t.Errorf("step after empty flush = %d, want 0 (unchanged)", got)
	}
}

func TestFlushReducesLogsAndAdvancesStep(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	sink := &memBackend{}
	c.SetBackendsForTesting(nil, []backend.Backend{sink})

	for _, v := range []float64{1.0, 3.0} {
		if err := c.Push(metrics.New("loss", v, metrics.ReduceMean)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	states, err := c.Flush(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	state, ok := states["loss"]
	if !ok {
		t.Fatalf("states = %v, want loss entry", states)
	}
	if state["reduction_type"] != "mean" {
		t.Errorf("reduction_type = %v, want mean", state["reduction_type"])
	}
	if state["sum"].(float64) != 4.0 {
		t.Errorf("sum = %v, want 4.0", state["sum"])
	}
	if state["count"].(int64) != 2 {
		t.Errorf("count = %v, want 2", state["count"])
	}

	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(sink.batches))
	}
	batch := sink.batches[0]
	if batch.step != 10 {
		t.Errorf("batch step = %d, want 10", batch.step)
	}
	if len(batch.metrics) != 1 || batch.metrics[0].Value.(float64) != 2.0 {
		t.Errorf("batch = %+v, want one loss=2.0", batch.metrics)
	}

	if got := c.Step(); got != 11 {
		t.Errorf("step after flush = %d, want 11", got)
	}
}

func TestFlushReturnStateFalseWithholdsStates(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	c.SetBackendsForTesting(nil, []backend.Backend{&memBackend{}})

	if err := c.Push(metrics.New("loss", 1.0, metrics.ReduceMean)); err != nil {
		t.Fatal(err)
	}
	states, err := c.Flush(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("states = %v, want empty when returnState is false", states)
	}
}

func TestFlushResetsAccumulators(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	sink := &memBackend{}
	c.SetBackendsForTesting(nil, []backend.Backend{sink})

	if err := c.Push(metrics.New("loss", 2.0, metrics.ReduceSum)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Flush(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}

	// Nothing new pushed: second flush is a no-op even though the key's
	// accumulator object still exists.
	states, err := c.Flush(context.Background(), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 0 {
		t.Errorf("states after reset = %v, want empty", states)
	}
	if len(sink.batches) != 1 {
		t.Errorf("batches = %d, want 1 (no-op flush must not log)", len(sink.batches))
	}
}

func TestStreamScalarGoesThroughLogStream(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	sink := &memBackend{}
	c.SetBackendsForTesting([]backend.Backend{sink}, nil)

	if err := c.Push(metrics.New("tps", 5.0, metrics.ReduceMean)); err != nil {
		t.Fatal(err)
	}

	if len(sink.streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(sink.streams))
	}
	if sink.streams[0].metric.Key != "tps" || sink.streams[0].step != 0 {
		t.Errorf("stream = %+v, want tps at step 0", sink.streams[0])
	}
	// Streamed values still accumulate for later flush logic.
	if got := c.AccumulatorCount(); got != 1 {
		t.Errorf("accumulators = %d, want 1", got)
	}
}

func TestStreamSampleIsBackgroundAndDrainedOnShutdown(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	sink := &memBackend{}
	c.SetBackendsForTesting([]backend.Backend{sink}, nil)

	row := metrics.Sample{"episode_id": "e1", "reward": 0.5}
	if err := c.Push(metrics.New("rollout/sample", row, metrics.ReduceSample)); err != nil {
		t.Fatal(err)
	}

	// Shutdown waits for in-flight sample streams before finishing backends.
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.samples) != 1 {
		t.Fatalf("sample calls = %d, want 1", len(sink.samples))
	}
	rows := sink.samples[0].tables["rollout/sample"]
	if len(rows) != 1 || rows[0]["episode_id"] != "e1" {
		t.Errorf("sample table = %+v, want one e1 row", sink.samples[0].tables)
	}
	if !sink.finished {
		t.Error("backend not finished after shutdown")
	}
}

// gatedBackend blocks LogSamples until released, so a test can force the
// background sample write to run after a later Flush.
type gatedBackend struct {
	memBackend
	release chan struct{}
}

func (b *gatedBackend) LogSamples(ctx context.Context, tables map[string][]metrics.Sample, step int) error {
	<-b.release
	return b.memBackend.LogSamples(ctx, tables, step)
}

func TestStreamedSampleKeepsPushTimeStep(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	sink := &gatedBackend{release: make(chan struct{})}
	c.SetBackendsForTesting([]backend.Backend{sink}, nil)

	row := metrics.Sample{"episode_id": "e1", "reward": 0.5}
	if err := c.Push(metrics.New("rollout/sample", row, metrics.ReduceSample)); err != nil {
		t.Fatal(err)
	}

	// Advance the step while the sample write is still in flight.
	if _, err := c.Flush(context.Background(), 3, false); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := c.Step(); got != 4 {
		t.Fatalf("step after flush = %d, want 4", got)
	}

	close(sink.release)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.samples) != 1 {
		t.Fatalf("sample calls = %d, want 1", len(sink.samples))
	}
	if got := sink.samples[0].step; got != 0 {
		t.Errorf("sample step = %d, want 0 (step current at push time)", got)
	}
}

func TestStreamedSamplesRaceFreeAcrossFlushes(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	sink := &memBackend{}
	c.SetBackendsForTesting([]backend.Backend{sink}, nil)

	// Exercised under -race: background sample writes must not touch state
	// that Flush mutates.
	for step := 0; step < 20; step++ {
		row := metrics.Sample{"episode_id": "e", "reward": float64(step)}
		if err := c.Push(metrics.New("rollout/sample", row, metrics.ReduceSample)); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Flush(context.Background(), step, false); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPushInvalidMetricErrors(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	c.SetBackendsForTesting(nil, []backend.Backend{&memBackend{}})

	if err := c.Push(metrics.Metric{Value: 1.0, Reduction: metrics.ReduceMean}); err == nil {
		t.Error("expected error for empty key")
	}
	if err := c.Push(metrics.New("x", 1.0, metrics.Reduce("p99"))); err == nil {
		t.Error("expected error for unknown reduction kind")
	}
	if err := c.Push(metrics.New("y", "not a number", metrics.ReduceMean)); err == nil {
		t.Error("expected error for uncoercible value")
	}
}

func TestShutdownBeforeInitIsNoOp(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitBackendsIdempotentAndSkipsGlobalReduce(t *testing.T) {
	collector.ResetForTesting()
	c := collector.ForRank(0)

	cfg := &config.Config{Backends: map[string]config.Backend{
		"jsonl": {Mode: config.ModePerRankReduce, Path: filepath.Join(t.TempDir(), "out.jsonl")},
		// Owned by the external aggregator, never instantiated here.
		"dashboard": {Mode: config.ModeGlobalReduce, Project: "proj"},
	}}

	if err := c.InitBackends(context.Background(), nil, cfg, 7, "trainer"); err != nil {
		t.Fatalf("InitBackends: %v", err)
	}
	if !c.Initialized() {
		t.Fatal("collector not initialized")
	}
	if got := c.Step(); got != 7 {
		t.Errorf("step = %d, want 7 (checkpoint resume)", got)
	}

	// Repeat init is a logged no-op, keeping the original step.
	if err := c.InitBackends(context.Background(), nil, cfg, 99, "trainer"); err != nil {
		t.Fatalf("repeat InitBackends: %v", err)
	}
	if got := c.Step(); got != 7 {
		t.Errorf("step after repeat init = %d, want 7", got)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestBindRankRejectsSecondIdentity(t *testing.T) {
	collector.ResetForTesting()

	if err := collector.BindRank(3); err != nil {
		t.Fatalf("BindRank(3): %v", err)
	}
	if err := collector.BindRank(3); err != nil {
		t.Fatalf("BindRank(3) again: %v", err)
	}
	if err := collector.BindRank(4); err == nil {
		t.Fatal("expected error binding a second distinct rank")
	}
	if got := collector.Current().Rank(); got != 3 {
		t.Errorf("Current().Rank() = %d, want 3", got)
	}
}

func TestCurrentUsesRankEnv(t *testing.T) {
	collector.ResetForTesting()
	t.Setenv(collector.RankEnv, "5")

	if got := collector.Current().Rank(); got != 5 {
		t.Errorf("Current().Rank() = %d, want 5", got)
	}
}
