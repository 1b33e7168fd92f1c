package collector

import (
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/rankfold/rankfold/internal/logging"
	"github.com/rankfold/rankfold/metrics"
)

// DisableEnv disables all metric recording for the process when set to a
// truthy value. Checked before any collector state is touched.
const DisableEnv = "RANKFOLD_DISABLE_METRICS"

// Disabled reports whether the process-wide disable switch is active.
func Disabled() bool {
	switch strings.ToLower(os.Getenv(DisableEnv)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// RecordMetric records a scalar under the given key on this process's
// collector. The reduction defaults to mean; pass one explicitly to override:
//
//	collector.RecordMetric("loss", 0.31)
//	collector.RecordMetric("tokens_processed", n, metrics.ReduceSum)
//
// Safe to call anywhere, any time: before initialization values drop with a
// rate-limited warning, and caller errors (non-scalar values, empty keys)
// are logged rather than raised so producer code never crashes over
// instrumentation.
func RecordMetric(key string, value any, reduction ...metrics.Reduce) {
	if Disabled() {
		return
	}

	r := metrics.ReduceMean
	if len(reduction) > 0 {
		r = reduction[0]
	}

	if err := Current().Push(metrics.New(key, value, r)); err != nil {
		logging.WarnLimited("record-metric/"+key,
			"record_metric dropped", zap.String("key", key), zap.Error(err))
	}
}

// SampleRecord is one structured sample-level log entry: a full episode with
// its prompt, response and reward breakdown.
type SampleRecord struct {
	EpisodeID     string
	PolicyVersion int
	Prompt        string
	Response      string
	Target        string
	// RewardBreakdown holds the per-function rewards, including the
	// averaged total under "reward".
	RewardBreakdown map[string]float64
	Advantage       float64
	RequestLen      int
	ResponseLen     int
	PadID           int
}

// Row flattens the record into a sample row, with the reward breakdown
// spread into top-level fields.
func (r SampleRecord) Row() metrics.Sample {
	row := metrics.Sample{
		"episode_id":     r.EpisodeID,
		"policy_version": r.PolicyVersion,
		"prompt":         r.Prompt,
		"response":       r.Response,
		"target":         r.Target,
		"advantage":      r.Advantage,
		"request_len":    r.RequestLen,
		"response_len":   r.ResponseLen,
		"pad_id":         r.PadID,
	}
	for fn, reward := range r.RewardBreakdown {
		row[fn] = reward
	}
	return row
}

// RecordSample logs one sample record under the given table name via the
// SAMPLE reduction path. Same crash-proof contract as RecordMetric.
func RecordSample(tableName string, rec SampleRecord) {
	if Disabled() {
		return
	}

	if err := Current().Push(metrics.New(tableName, rec.Row(), metrics.ReduceSample)); err != nil {
		logging.WarnLimited("record-sample/"+tableName,
			"record_sample dropped", zap.String("table", tableName), zap.Error(err))
	}
}
