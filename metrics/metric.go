package metrics

import (
	"errors"
	"fmt"
	"time"
)

// Reduce is the declared aggregation policy for a metric key.
type Reduce string

const (
	ReduceMean   Reduce = "mean"
	ReduceSum    Reduce = "sum"
	ReduceMax    Reduce = "max"
	ReduceMin    Reduce = "min"
	ReduceStd    Reduce = "std"
	ReduceSample Reduce = "sample"
)

// ParseReduce converts a config string into a Reduce kind.
func ParseReduce(s string) (Reduce, error) {
	r := Reduce(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown reduction kind %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the six supported kinds.
func (r Reduce) Valid() bool {
	switch r {
	case ReduceMean, ReduceSum, ReduceMax, ReduceMin, ReduceStd, ReduceSample:
		return true
	}
	return false
}

func (r Reduce) String() string { return string(r) }

// Metric is an immutable observation: key, value, reduction policy and a UTC
// timestamp in epoch seconds. The timestamp is always set: construction fills
// it in when the caller does not supply one.
type Metric struct {
	Key       string  `json:"key"`
	Value     any     `json:"value"`
	Reduction Reduce  `json:"reduction"`
	Timestamp float64 `json:"timestamp"`
}

// New builds a Metric stamped with the current UTC time.
func New(key string, value any, reduction Reduce) Metric {
	return NewAt(key, value, reduction, epochNow())
}

// NewAt builds a Metric with a caller-supplied timestamp. A zero timestamp is
// replaced with the current UTC time.
func NewAt(key string, value any, reduction Reduce, timestamp float64) Metric {
	if timestamp == 0 {
		timestamp = epochNow()
	}
	return Metric{Key: key, Value: value, Reduction: reduction, Timestamp: timestamp}
}

// Validate reports whether the metric is well formed. A malformed metric is a
// programming bug at the call site, not a runtime condition.
func (m Metric) Validate() error {
	if m.Key == "" {
		return errors.New("metric key is empty")
	}
	if !m.Reduction.Valid() {
		return fmt.Errorf("metric %q: unknown reduction kind %q", m.Key, string(m.Reduction))
	}
	if m.Value == nil {
		return fmt.Errorf("metric %q: nil value", m.Key)
	}
	return nil
}

func epochNow() float64 {
	return float64(time.Now().UTC().UnixNano()) / float64(time.Second)
}

// Scalarer is the explicit coercion boundary for non-numeric values: anything
// carrying a canonical scalar (a 0-dim tensor wrapper, an averaged meter)
// exposes it through Scalar.
type Scalarer interface {
	Scalar() float64
}

// ErrNotScalar is returned when a value is neither a plain number nor a
// Scalarer.
var ErrNotScalar = errors.New("value is not a scalar")

// AsFloat coerces v into a float64 under the boundary contract: plain Go
// numerics and Scalarer implementations are accepted, everything else is a
// caller error.
func AsFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case Scalarer:
		return n.Scalar(), nil
	}
	return 0, fmt.Errorf("%w: %T", ErrNotScalar, v)
}
