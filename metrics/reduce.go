package metrics

import (
	"fmt"
	"math"
	"sort"
)

// MismatchError reports two states for the same key declaring different
// reduction types. It signals cross-process semantic drift (a configuration
// or versioning bug) and is never resolved silently.
type MismatchError struct {
	Key  string
	Want Reduce
	Got  Reduce
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("mismatched reduction types for key %q: %s vs %s", e.Key, e.Want, e.Got)
}

// ReduceStates merges per-process state maps into final Metrics, one per
// distinct key observed in any input. Keys absent from some maps contribute
// nothing. This is the pure cross-process merge: feeding it raw states is
// more precise than averaging locally reduced values.
func ReduceStates(states []map[string]State) ([]Metric, error) {
	if len(states) == 0 {
		return nil, nil
	}

	keys := make([]string, 0)
	seen := make(map[string]struct{})
	for _, m := range states {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	reduced := make([]Metric, 0, len(keys))
	for _, key := range keys {
		perKey := make([]State, 0, len(states))
		for _, m := range states {
			if s, ok := m[key]; ok {
				perKey = append(perKey, s)
			}
		}
		if len(perKey) == 0 {
			continue
		}

		kind, err := perKey[0].Reduction()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		for _, s := range perKey[1:] {
			got, err := s.Reduction()
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			if got != kind {
				return nil, &MismatchError{Key: key, Want: kind, Got: got}
			}
		}

		value, err := MergeStates(kind, perKey)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		reduced = append(reduced, New(key, value, kind))
	}
	return reduced, nil
}

// MergeStates combines same-kind state snapshots into one final value using
// the kind's static merge formula.
func MergeStates(kind Reduce, states []State) (any, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("no states to merge for kind %q", string(kind))
	}

	switch kind {
	case ReduceMean:
		var sum, count float64
		for _, s := range states {
			v, err := s.float("sum")
			if err != nil {
				return nil, err
			}
			c, err := s.float("count")
			if err != nil {
				return nil, err
			}
			sum += v
			count += c
		}
		if count == 0 {
			return 0.0, nil
		}
		return sum / count, nil

	case ReduceSum:
		var total float64
		for _, s := range states {
			v, err := s.float("total")
			if err != nil {
				return nil, err
			}
			total += v
		}
		return total, nil

	case ReduceMax:
		out := math.Inf(-1)
		for _, s := range states {
			v, err := s.float("max")
			if err != nil {
				return nil, err
			}
			out = math.Max(out, v)
		}
		return out, nil

	case ReduceMin:
		out := math.Inf(1)
		for _, s := range states {
			v, err := s.float("min")
			if err != nil {
				return nil, err
			}
			out = math.Min(out, v)
		}
		return out, nil

	case ReduceStd:
		var sum, sumSq, count float64
		for _, s := range states {
			v, err := s.float("sum")
			if err != nil {
				return nil, err
			}
			sq, err := s.float("sum_sq")
			if err != nil {
				return nil, err
			}
			c, err := s.float("count")
			if err != nil {
				return nil, err
			}
			sum += v
			sumSq += sq
			count += c
		}
		return populationStd(sum, sumSq, count), nil

	case ReduceSample:
		// Concatenation only: per-process top/bottom-k bounds are not
		// re-applied across the merge.
		merged := make([]Sample, 0)
		for _, s := range states {
			merged = append(merged, s.Samples()...)
		}
		return merged, nil
	}

	return nil, fmt.Errorf("no merge for reduction kind %q", string(kind))
}
