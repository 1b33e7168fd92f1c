package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/internal/logging"
	"github.com/rankfold/rankfold/metrics"
)

// streamQueueSize bounds the streamed-append queue; the recording path drops
// rather than blocks when the writer falls behind.
const streamQueueSize = 256

// JSONL appends one JSON object per metric or sample row to a file. Several
// ranks may point at the same path: a sidecar file lock serializes their
// appends so lines never interleave. Streamed metrics go through a buffered
// background writer, since the cross-process lock can stall on another
// rank's append and LogStream must not block.
type JSONL struct {
	path    string
	process string

	mu   sync.Mutex
	file *os.File
	lock *flock.Flock

	streamCh chan jsonlRecord
	drained  chan struct{}
}

type jsonlRecord struct {
	Type      string         `json:"type"` // "metric" or "sample"
	Process   string         `json:"process,omitempty"`
	Step      int            `json:"step"`
	Key       string         `json:"key,omitempty"`
	Value     any            `json:"value,omitempty"`
	Reduction string         `json:"reduction,omitempty"`
	Timestamp float64        `json:"timestamp,omitempty"`
	Table     string         `json:"table,omitempty"`
	Row       metrics.Sample `json:"row,omitempty"`
}

// NewJSONL builds a JSONL sink for the configured path.
func NewJSONL(cfg config.Backend) *JSONL {
	return &JSONL{path: cfg.Path}
}

func (j *JSONL) Init(_ context.Context, role Role, _ Metadata, processName string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q for jsonl backend", string(role))
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl backend: open %s: %w", j.path, err)
	}

	ch := make(chan jsonlRecord, streamQueueSize)
	j.mu.Lock()
	j.file = f
	j.lock = flock.New(j.path + ".lock")
	j.process = processName
	j.streamCh = ch
	j.drained = make(chan struct{})
	j.mu.Unlock()

	go j.pump(ch)
	return nil
}

// pump drains the stream queue one record at a time until Finish closes it.
func (j *JSONL) pump(ch chan jsonlRecord) {
	defer close(j.drained)
	for rec := range ch {
		if err := j.append([]jsonlRecord{rec}); err != nil {
			logging.WarnLimited("jsonl-stream/"+j.path,
				"jsonl backend: dropping streamed metric", zap.Error(err))
		}
	}
}

func (j *JSONL) LogBatch(_ context.Context, batch []metrics.Metric, step int) error {
	records := make([]jsonlRecord, 0, len(batch))
	for _, m := range batch {
		records = append(records, jsonlRecord{
			Type:      "metric",
			Process:   j.process,
			Step:      step,
			Key:       m.Key,
			Value:     m.Value,
			Reduction: string(m.Reduction),
			Timestamp: m.Timestamp,
		})
	}
	return j.append(records)
}

func (j *JSONL) LogStream(m metrics.Metric, step int) {
	j.mu.Lock()
	ch := j.streamCh
	process := j.process
	j.mu.Unlock()
	if ch == nil {
		// Not initialized (or already finished): self-guard, drop.
		return
	}

	rec := jsonlRecord{
		Type:      "metric",
		Process:   process,
		Step:      step,
		Key:       m.Key,
		Value:     m.Value,
		Reduction: string(m.Reduction),
		Timestamp: m.Timestamp,
	}
	select {
	case ch <- rec:
	default:
		logging.WarnLimited("jsonl-stream-drop/"+j.path,
			"jsonl backend: stream queue full, dropping metric", zap.String("key", m.Key))
	}
}

func (j *JSONL) LogSamples(_ context.Context, tables map[string][]metrics.Sample, step int) error {
	var records []jsonlRecord
	for table, rows := range tables {
		for _, row := range rows {
			records = append(records, jsonlRecord{
				Type:    "sample",
				Process: j.process,
				Step:    step,
				Table:   table,
				Row:     row,
			})
		}
	}
	return j.append(records)
}

func (j *JSONL) Finish(context.Context) error {
	j.mu.Lock()
	ch := j.streamCh
	j.streamCh = nil
	j.mu.Unlock()
	if ch != nil {
		close(ch)
		<-j.drained
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

func (j *JSONL) MetadataForSecondaryRanks() Metadata { return nil }

func (j *JSONL) append(records []jsonlRecord) error {
	if len(records) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		// Not initialized (or already finished): self-guard, drop.
		return nil
	}

	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("jsonl backend: lock %s: %w", j.lock.Path(), err)
	}
	defer j.lock.Unlock()

	enc := json.NewEncoder(j.file)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("jsonl backend: write %s: %w", j.path, err)
		}
	}
	return nil
}
