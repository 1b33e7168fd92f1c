package collector

import "github.com/rankfold/rankfold/backend"

// ResetForTesting clears the rank registry and the bound rank identity.
func ResetForTesting() { resetRegistry() }

// SetBackendsForTesting wires pre-built backends directly, bypassing the
// config-driven factory path.
func (c *Collector) SetBackendsForTesting(stream, flush []backend.Backend) {
	c.streamBackends = stream
	c.flushBackends = flush
	c.initialized = true
}

// AccumulatorCount exposes how many keys hold accumulators.
func (c *Collector) AccumulatorCount() int { return len(c.accumulators) }
