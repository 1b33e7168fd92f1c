// Package metrics defines the value model and reduction machinery of the
// aggregation engine.
//
// A [Metric] is an immutable record of one observation: a key, a value, a
// declared [Reduce] policy and a UTC timestamp. Values recorded under the same
// key accumulate locally in an [Accumulator] matching the key's reduction
// kind:
//
//	acc, _ := metrics.NewAccumulator(metrics.ReduceMean)
//	acc.Append(1.0)
//	acc.Append(3.0)
//	acc.Value() // 2.0
//
// # States and cross-process merging
//
// Every accumulator exports a serializable [State] snapshot that is
// sufficient to merge with snapshots produced by other processes:
//
//	states := []map[string]metrics.State{rank0States, rank1States}
//	merged, err := metrics.ReduceStates(states)
//
// Merging raw states is more precise than merging locally reduced values
// (STD in particular cannot be recovered from per-process std values).
// All states merged under one key must declare the same reduction type;
// a mismatch returns a [MismatchError] because it signals semantic drift
// between processes, never something to resolve silently.
//
// # Sample selection
//
// SAMPLE-reduced keys collect structured rows instead of scalars. The
// [TopBottomK] filter bounds what each process retains between flushes,
// keeping only the highest- and lowest-valued rows seen. Merged sample
// states concatenate; the bound is per process, not global.
package metrics
