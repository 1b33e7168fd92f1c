package backend_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/rankfold/rankfold/backend"
	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/metrics"
)

func readJSONLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestJSONLWritesBatchAndSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	j := backend.NewJSONL(config.Backend{Path: path})
	if err := j.Init(context.Background(), backend.RoleLocal, nil, "trainer_0"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	batch := []metrics.Metric{metrics.New("loss", 2.0, metrics.ReduceMean)}
	if err := j.LogBatch(context.Background(), batch, 10); err != nil {
		t.Fatalf("LogBatch: %v", err)
	}

	tables := map[string][]metrics.Sample{
		"rollout/sample": {{"episode_id": "e1", "reward": 0.5}},
	}
	if err := j.LogSamples(context.Background(), tables, 10); err != nil {
		t.Fatalf("LogSamples: %v", err)
	}

	if err := j.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	lines := readJSONLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	m := lines[0]
	if m["type"] != "metric" || m["key"] != "loss" || m["value"].(float64) != 2.0 {
		t.Errorf("metric line = %v", m)
	}
	if m["process"] != "trainer_0" || m["step"].(float64) != 10 {
		t.Errorf("metric line metadata = %v", m)
	}
	if m["timestamp"].(float64) == 0 {
		t.Error("metric line missing timestamp")
	}

	s := lines[1]
	if s["type"] != "sample" || s["table"] != "rollout/sample" {
		t.Errorf("sample line = %v", s)
	}
	row := s["row"].(map[string]any)
	if row["episode_id"] != "e1" {
		t.Errorf("sample row = %v", row)
	}
}

func TestJSONLStreamLandsByFinish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	j := backend.NewJSONL(config.Backend{Path: path})
	if err := j.Init(context.Background(), backend.RoleLocal, nil, ""); err != nil {
		t.Fatal(err)
	}

	j.LogStream(metrics.New("tps", 42.0, metrics.ReduceMean), 3)

	// Streamed appends happen on the background writer; Finish drains it.
	if err := j.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	lines := readJSONLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["key"] != "tps" || lines[0]["step"].(float64) != 3 {
		t.Errorf("line = %v", lines[0])
	}
}

func TestJSONLStreamDoesNotBlockOnHeldLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contended.jsonl")
	j := backend.NewJSONL(config.Backend{Path: path})
	if err := j.Init(context.Background(), backend.RoleLocal, nil, "rank0"); err != nil {
		t.Fatal(err)
	}

	// Simulate another rank holding the shared append lock.
	held := flock.New(path + ".lock")
	if err := held.Lock(); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	returned := make(chan struct{})
	go func() {
		j.LogStream(metrics.New("tps", 1.0, metrics.ReduceMean), 0)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("LogStream blocked on the cross-process append lock")
	}

	if err := held.Unlock(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if err := j.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	lines := readJSONLines(t, path)
	if len(lines) != 1 || lines[0]["key"] != "tps" {
		t.Errorf("lines = %v, want the queued metric after the lock cleared", lines)
	}
}

func TestJSONLSelfGuardsBeforeInit(t *testing.T) {
	j := backend.NewJSONL(config.Backend{Path: filepath.Join(t.TempDir(), "x.jsonl")})

	// No run handle yet: calls are silent no-ops, never panics.
	j.LogStream(metrics.New("tps", 1.0, metrics.ReduceMean), 0)
	if err := j.LogBatch(context.Background(), []metrics.Metric{metrics.New("a", 1.0, metrics.ReduceMean)}, 0); err != nil {
		t.Fatalf("LogBatch before init: %v", err)
	}
	if err := j.Finish(context.Background()); err != nil {
		t.Fatalf("Finish before init: %v", err)
	}
}

func TestJSONLSharedPathAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.jsonl")

	a := backend.NewJSONL(config.Backend{Path: path})
	b := backend.NewJSONL(config.Backend{Path: path})
	if err := a.Init(context.Background(), backend.RoleLocal, nil, "rank0"); err != nil {
		t.Fatal(err)
	}
	if err := b.Init(context.Background(), backend.RoleLocal, nil, "rank1"); err != nil {
		t.Fatal(err)
	}

	if err := a.LogBatch(context.Background(), []metrics.Metric{metrics.New("loss", 1.0, metrics.ReduceMean)}, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.LogBatch(context.Background(), []metrics.Metric{metrics.New("loss", 2.0, metrics.ReduceMean)}, 0); err != nil {
		t.Fatal(err)
	}
	_ = a.Finish(context.Background())
	_ = b.Finish(context.Background())

	lines := readJSONLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	procs := map[any]bool{lines[0]["process"]: true, lines[1]["process"]: true}
	if !procs["rank0"] || !procs["rank1"] {
		t.Errorf("processes = %v, want rank0 and rank1", procs)
	}
}
