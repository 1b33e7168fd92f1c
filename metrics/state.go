package metrics

import (
	"encoding/json"
	"fmt"
)

// State is a serializable accumulator snapshot. It always carries a
// "reduction_type" field plus the kind-specific fields needed to merge with
// states from other processes.
type State map[string]any

const reductionTypeField = "reduction_type"

// Reduction extracts the reduction kind declared by the state.
func (s State) Reduction() (Reduce, error) {
	raw, ok := s[reductionTypeField]
	if !ok {
		return "", fmt.Errorf("state missing %q field", reductionTypeField)
	}
	str, ok := raw.(string)
	if !ok {
		str = fmt.Sprint(raw)
	}
	return ParseReduce(str)
}

// float reads a numeric state field. States that traveled through JSON carry
// float64 everywhere; freshly built states may hold ints.
func (s State) float(key string) (float64, error) {
	raw, ok := s[key]
	if !ok {
		return 0, fmt.Errorf("state missing %q field", key)
	}
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("state field %q is %T, want number", key, raw)
}

// Samples reads the sample rows of a SAMPLE state, tolerating the []any
// shape produced by JSON decoding.
func (s State) Samples() []Sample {
	raw, ok := s["samples"]
	if !ok {
		return nil
	}
	switch rows := raw.(type) {
	case []Sample:
		return rows
	case []map[string]any:
		out := make([]Sample, len(rows))
		for i, r := range rows {
			out[i] = Sample(r)
		}
		return out
	case []any:
		out := make([]Sample, 0, len(rows))
		for _, r := range rows {
			switch m := r.(type) {
			case Sample:
				out = append(out, m)
			case map[string]any:
				out = append(out, Sample(m))
			}
		}
		return out
	}
	return nil
}
