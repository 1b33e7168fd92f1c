package metrics

import (
	"fmt"
	"math"
)

// Accumulator is the local running aggregate behind one metric key.
//
// Append folds a new value in, Value returns the locally reduced result,
// State exports a mergeable snapshot and Reset clears for the next
// accumulation cycle. Merging across processes goes through [MergeStates].
type Accumulator interface {
	Append(value any) error
	Value() any
	State() State
	Reset()
	Reduction() Reduce
}

// accumulatorTable is the closed kind→constructor table. Reduction kinds map
// 1:1 onto accumulator implementations; there is no open registration.
var accumulatorTable = map[Reduce]func() Accumulator{
	ReduceMean:   func() Accumulator { return &meanAccumulator{} },
	ReduceSum:    func() Accumulator { return &sumAccumulator{} },
	ReduceMax:    func() Accumulator { return newMaxAccumulator() },
	ReduceMin:    func() Accumulator { return newMinAccumulator() },
	ReduceStd:    func() Accumulator { return &stdAccumulator{} },
	ReduceSample: func() Accumulator { return newSampleAccumulator() },
}

// NewAccumulator builds the accumulator bound to the given reduction kind.
func NewAccumulator(r Reduce) (Accumulator, error) {
	ctor, ok := accumulatorTable[r]
	if !ok {
		return nil, fmt.Errorf("no accumulator for reduction kind %q", string(r))
	}
	return ctor(), nil
}

type meanAccumulator struct {
	sum   float64
	count int64
}

func (a *meanAccumulator) Append(value any) error {
	v, err := AsFloat(value)
	if err != nil {
		return err
	}
	a.sum += v
	a.count++
	return nil
}

func (a *meanAccumulator) Value() any {
	if a.count == 0 {
		return 0.0
	}
	return a.sum / float64(a.count)
}

func (a *meanAccumulator) State() State {
	return State{
		reductionTypeField: string(ReduceMean),
		"sum":              a.sum,
		"count":            a.count,
	}
}

func (a *meanAccumulator) Reset() {
	a.sum = 0
	a.count = 0
}

func (a *meanAccumulator) Reduction() Reduce { return ReduceMean }

type sumAccumulator struct {
	total float64
}

func (a *sumAccumulator) Append(value any) error {
	v, err := AsFloat(value)
	if err != nil {
		return err
	}
	a.total += v
	return nil
}

func (a *sumAccumulator) Value() any { return a.total }

func (a *sumAccumulator) State() State {
	return State{
		reductionTypeField: string(ReduceSum),
		"total":            a.total,
	}
}

func (a *sumAccumulator) Reset() { a.total = 0 }

func (a *sumAccumulator) Reduction() Reduce { return ReduceSum }

type maxAccumulator struct {
	max float64
}

func newMaxAccumulator() *maxAccumulator {
	return &maxAccumulator{max: math.Inf(-1)}
}

func (a *maxAccumulator) Append(value any) error {
	v, err := AsFloat(value)
	if err != nil {
		return err
	}
	a.max = math.Max(a.max, v)
	return nil
}

func (a *maxAccumulator) Value() any { return a.max }

func (a *maxAccumulator) State() State {
	return State{
		reductionTypeField: string(ReduceMax),
		"max":              a.max,
	}
}

func (a *maxAccumulator) Reset() { a.max = math.Inf(-1) }

func (a *maxAccumulator) Reduction() Reduce { return ReduceMax }

type minAccumulator struct {
	min float64
}

func newMinAccumulator() *minAccumulator {
	return &minAccumulator{min: math.Inf(1)}
}

func (a *minAccumulator) Append(value any) error {
	v, err := AsFloat(value)
	if err != nil {
		return err
	}
	a.min = math.Min(a.min, v)
	return nil
}

func (a *minAccumulator) Value() any { return a.min }

func (a *minAccumulator) State() State {
	return State{
		reductionTypeField: string(ReduceMin),
		"min":              a.min,
	}
}

func (a *minAccumulator) Reset() { a.min = math.Inf(1) }

func (a *minAccumulator) Reduction() Reduce { return ReduceMin }

type stdAccumulator struct {
	sum   float64
	sumSq float64
	count int64
}

func (a *stdAccumulator) Append(value any) error {
	v, err := AsFloat(value)
	if err != nil {
		return err
	}
	a.sum += v
	a.sumSq += v * v
	a.count++
	return nil
}

func (a *stdAccumulator) Value() any {
	return populationStd(a.sum, a.sumSq, float64(a.count))
}

func (a *stdAccumulator) State() State {
	return State{
		reductionTypeField: string(ReduceStd),
		"sum":              a.sum,
		"sum_sq":           a.sumSq,
		"count":            a.count,
	}
}

func (a *stdAccumulator) Reset() {
	a.sum = 0
	a.sumSq = 0
	a.count = 0
}

func (a *stdAccumulator) Reduction() Reduce { return ReduceStd }

// populationStd computes √max(0, E[x²]−E[x]²). Count of 0 or 1 yields 0.
func populationStd(sum, sumSq, count float64) float64 {
	if count <= 1 {
		return 0.0
	}
	mean := sum / count
	variance := sumSq/count - mean*mean
	return math.Sqrt(math.Max(0, variance))
}

// Sample is one structured row logged under a SAMPLE-reduced key.
type Sample map[string]any

type sampleAccumulator struct {
	filter *TopBottomK
}

func newSampleAccumulator() *sampleAccumulator {
	return &sampleAccumulator{filter: NewTopBottomK(DefaultTopK, DefaultBottomK, DefaultSampleKey)}
}

func (a *sampleAccumulator) Append(value any) error {
	var row Sample
	switch v := value.(type) {
	case Sample:
		row = v
	case map[string]any:
		row = Sample(v)
	default:
		return fmt.Errorf("sample accumulator expects a row, got %T", value)
	}
	a.filter.Append(row)
	return nil
}

func (a *sampleAccumulator) Value() any { return a.filter.Flush() }

func (a *sampleAccumulator) State() State {
	return State{
		reductionTypeField: string(ReduceSample),
		"samples":          a.filter.Flush(),
	}
}

func (a *sampleAccumulator) Reset() { a.filter.Reset() }

func (a *sampleAccumulator) Reduction() Reduce { return ReduceSample }
