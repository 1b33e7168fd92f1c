package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/internal/dashboard"
	"github.com/rankfold/rankfold/internal/logging"
	"github.com/rankfold/rankfold/metrics"
)

// sharedRunIDKey is the metadata field carrying the shared run identifier
// from the primary init to secondary ranks.
const sharedRunIDKey = "shared_run_id"

// Dashboard logs to the hosted dashboard service.
//
// Run topology depends on (role, per_rank_share_run):
//
//   - global_reduce mode: a single run, initialized only on the global role.
//     Local inits are skipped with a warning.
//   - shared per-rank mode: the global/primary init creates one multi-writer
//     run and exports its id; every local init must receive that id or fail.
//   - solo per-rank mode: each process creates its own run.
//
// Sample tables are incremental: rows append and the table republishes on
// every call; Finish converts each table to an immutable one before closing
// the run.
type Dashboard struct {
	cfg    config.Backend
	client *dashboard.Client

	mu     sync.Mutex
	run    *dashboard.Run
	name   string
	tables map[string]*dashTable
}

type dashTable struct {
	columns []string
}

// NewDashboard builds a dashboard sink from its configuration.
func NewDashboard(cfg config.Backend) *Dashboard {
	return &Dashboard{
		cfg: cfg,
		client: dashboard.NewClient(dashboard.Options{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
		}),
		tables: make(map[string]*dashTable),
	}
}

func (d *Dashboard) Init(ctx context.Context, role Role, primaryMetadata Metadata, processName string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q for dashboard backend", string(role))
	}

	name := processName
	if name == "" {
		name = "controller"
	}

	params := dashboard.RunParams{
		Project: d.cfg.Project,
		Group:   d.cfg.Group,
		Name:    name,
	}

	switch {
	case d.cfg.Mode == config.ModeGlobalReduce:
		if role != RoleGlobal {
			logging.L().Warn("dashboard backend: skipping local init in global_reduce mode",
				zap.String("process", processName))
			return nil
		}

	case role == RoleGlobal && d.cfg.PerRankShareRun:
		params.Shared = true
		params.Primary = true

	case role == RoleLocal && d.cfg.PerRankShareRun:
		sharedID, _ := primaryMetadata[sharedRunIDKey].(string)
		if sharedID == "" {
			return fmt.Errorf("dashboard backend %q: shared run id required but not provided", name)
		}
		params.Shared = true
		params.RunID = sharedID

	default:
		// Solo per-rank run with a client-generated id, so restarted
		// processes produce distinct runs under the same name.
		params.RunID = ulid.Make().String()
	}

	run, err := d.client.CreateRun(ctx, params)
	if err != nil {
		return fmt.Errorf("dashboard backend %q: %w", name, err)
	}

	if d.cfg.Mode == config.ModePerRankNoReduce {
		if err := run.OpenStream(ctx); err != nil {
			return fmt.Errorf("dashboard backend %q: %w", name, err)
		}
	}

	d.mu.Lock()
	d.run = run
	d.name = name
	d.mu.Unlock()

	logging.L().Info("dashboard backend initialized",
		zap.String("process", name),
		zap.String("run_id", run.ID()),
		zap.String("mode", string(d.cfg.Mode)))
	return nil
}

func (d *Dashboard) LogBatch(ctx context.Context, batch []metrics.Metric, step int) error {
	run := d.currentRun()
	if run == nil {
		return nil
	}

	payload := map[string]any{"step": step}
	for _, m := range batch {
		payload[m.Key] = m.Value
	}
	return run.Log(ctx, payload)
}

func (d *Dashboard) LogStream(m metrics.Metric, step int) {
	run := d.currentRun()
	if run == nil {
		return
	}
	run.Stream(map[string]any{
		m.Key:         m.Value,
		"global_step": step,
		"_timestamp":  m.Timestamp,
	})
}

func (d *Dashboard) LogSamples(ctx context.Context, tables map[string][]metrics.Sample, step int) error {
	run := d.currentRun()
	if run == nil {
		return nil
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rows := tables[name]
		if len(rows) == 0 {
			continue
		}

		d.mu.Lock()
		table, ok := d.tables[name]
		if !ok {
			table = &dashTable{columns: columnsOf(rows[0])}
			d.tables[name] = table
		}
		columns := table.columns
		d.mu.Unlock()

		out := make([]map[string]any, len(rows))
		for i, row := range rows {
			rec := make(map[string]any, len(columns))
			for _, col := range columns {
				rec[col] = row[col] // missing columns stay nil
			}
			out[i] = rec
		}
		if err := run.AppendTable(ctx, name, columns, out); err != nil {
			return err
		}
	}
	return nil
}

// Finish finalizes every incremental table, drains outstanding stream
// writes and closes the run.
func (d *Dashboard) Finish(ctx context.Context) error {
	d.mu.Lock()
	run := d.run
	d.run = nil
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	d.mu.Unlock()

	if run == nil {
		return nil
	}
	sort.Strings(names)

	for _, name := range names {
		if err := run.FinalizeTable(ctx, name); err != nil {
			return err
		}
	}
	if err := run.CloseStream(); err != nil {
		logging.L().Warn("dashboard backend: stream close failed",
			zap.String("process", d.name), zap.Error(err))
	}
	if err := run.Finish(ctx); err != nil {
		return err
	}

	logging.L().Info("dashboard backend finished", zap.String("process", d.name))
	return nil
}

func (d *Dashboard) MetadataForSecondaryRanks() Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run != nil && d.cfg.PerRankShareRun {
		return Metadata{sharedRunIDKey: d.run.ID()}
	}
	return nil
}

func (d *Dashboard) currentRun() *dashboard.Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run
}

func columnsOf(row metrics.Sample) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
