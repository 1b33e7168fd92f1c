package collector

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// The process-local registry of collectors, keyed by rank identity. A given
// process owns exactly one rank for its lifetime, which is what makes this
// the only shared mutable structure the engine needs a lock for.
var (
	registryMu sync.Mutex
	registry   = make(map[int]*Collector)
	boundRank  *int
)

// RankEnv is consulted when no rank has been bound explicitly.
const RankEnv = "RANK"

// BindRank fixes the process's rank identity. The runtime that assigns rank
// identities calls this once at startup; observing a second distinct rank in
// one process is a configuration error.
func BindRank(rank int) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if boundRank != nil && *boundRank != rank {
		return fmt.Errorf("process already bound to rank %d, cannot rebind to rank %d", *boundRank, rank)
	}
	boundRank = &rank
	return nil
}

// ForRank returns the collector for the given rank, creating it lazily.
func ForRank(rank int) *Collector {
	registryMu.Lock()
	defer registryMu.Unlock()
	return forRankLocked(rank)
}

func forRankLocked(rank int) *Collector {
	c, ok := registry[rank]
	if !ok {
		c = newCollector(rank)
		registry[rank] = c
	}
	return c
}

// Current returns this process's collector: the bound rank if any, else the
// RANK environment variable, else rank 0.
func Current() *Collector {
	registryMu.Lock()
	defer registryMu.Unlock()

	if boundRank != nil {
		return forRankLocked(*boundRank)
	}
	if raw := os.Getenv(RankEnv); raw != "" {
		if rank, err := strconv.Atoi(raw); err == nil {
			return forRankLocked(rank)
		}
	}
	return forRankLocked(0)
}

func resetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[int]*Collector)
	boundRank = nil
}
