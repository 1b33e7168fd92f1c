// Command rankfold replays a JSONL metrics capture through the aggregation
// engine: records are pushed into the local collector and re-logged through
// whatever backends the config names. Flushes happen at the step boundaries
// recorded in the capture, so a per_rank_no_reduce capture can be re-reduced
// into per-step values for the console or the dashboard.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/rankfold/rankfold/collector"
	"github.com/rankfold/rankfold/config"
	"github.com/rankfold/rankfold/internal/logging"
	"github.com/rankfold/rankfold/internal/tracing"
	"github.com/rankfold/rankfold/metrics"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// record mirrors the jsonl backend's line format.
type record struct {
	Type      string         `json:"type"`
	Step      int            `json:"step"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Reduction string         `json:"reduction"`
	Table     string         `json:"table"`
	Row       metrics.Sample `json:"row"`
}

func run(args []string) error {
	flags := pflag.NewFlagSet("rankfold", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to YAML config file")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	input := flags.String("input", "-", "JSONL capture to replay, - for stdin")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return config.ErrHelpRequested
		}
		return err
	}
	if *configFile == "" {
		return errors.New("--config is required")
	}

	raw, err := os.ReadFile(*configFile)
	if err != nil {
		return err
	}
	cfg, err := config.LoadBytes(raw)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		logging.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled() {
		provider, err := tracing.Init(ctx, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer provider.Shutdown(context.Background())
	}

	in := os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	return replay(ctx, cfg, in)
}

// replay pushes every capture record into the collector, flushing whenever
// the capture's step advances.
func replay(ctx context.Context, cfg *config.Config, in io.Reader) error {
	c := collector.Current()
	process := fmt.Sprintf("replay_%d", c.Rank())
	if err := c.InitBackends(ctx, nil, cfg, 0, process); err != nil {
		return err
	}

	step := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("replay: bad record: %w", err)
		}
		if rec.Step > step {
			if _, err := c.Flush(ctx, step, false); err != nil {
				return err
			}
			step = rec.Step
		}

		m, err := toMetric(rec)
		if err != nil {
			return err
		}
		if err := c.Push(m); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if _, err := c.Flush(ctx, step, false); err != nil {
		return err
	}
	return c.Shutdown(ctx)
}

func toMetric(rec record) (metrics.Metric, error) {
	switch rec.Type {
	case "metric":
		reduction := metrics.ReduceMean
		if rec.Reduction != "" {
			var err error
			reduction, err = metrics.ParseReduce(rec.Reduction)
			if err != nil {
				return metrics.Metric{}, fmt.Errorf("replay %q: %w", rec.Key, err)
			}
		}
		return metrics.New(rec.Key, rec.Value, reduction), nil
	case "sample":
		return metrics.New(rec.Table, rec.Row, metrics.ReduceSample), nil
	}
	return metrics.Metric{}, fmt.Errorf("replay: unknown record type %q", rec.Type)
}
