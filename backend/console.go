package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/metrics"
)

// Console is a plain text sink. Stateless apart from its writer; Finish is a
// no-op.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole builds a console sink writing to stdout.
func NewConsole(_ config.Backend) *Console {
	return &Console{w: os.Stdout}
}

// NewConsoleWriter builds a console sink writing to w. Tests and embedding
// applications use it to capture output.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Init(_ context.Context, role Role, _ Metadata, _ string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q for console backend", string(role))
	}
	return nil
}

func (c *Console) LogBatch(_ context.Context, batch []metrics.Metric, step int) error {
	sorted := make([]metrics.Metric, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.w, "=== metrics step %d ===\n", step)
	for _, m := range sorted {
		fmt.Fprintf(c.w, "  %s: %v\n", m.Key, m.Value)
	}
	fmt.Fprintln(c.w, "=======================")
	return nil
}

func (c *Console) LogStream(m metrics.Metric, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s: %v (step %d)\n", m.Key, m.Value, step)
}

func (c *Console) LogSamples(_ context.Context, tables map[string][]metrics.Sample, step int) error {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.w, "=== sample logs step %d ===\n", step)
	for _, name := range names {
		rows := tables[name]
		fmt.Fprintf(c.w, "[%s] (%d samples)\n", name, len(rows))
		pretty, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("console backend: encode samples for %q: %w", name, err)
		}
		fmt.Fprintf(c.w, "%s\n", pretty)
	}
	fmt.Fprintln(c.w, "===========================")
	return nil
}

func (c *Console) Finish(context.Context) error { return nil }

func (c *Console) MetadataForSecondaryRanks() Metadata { return nil }
