package syncer

import "sync/atomic"

type counters struct {
	flushes  atomic.Uint64
	failures atomic.Uint64
	retries  atomic.Uint64
	records  atomic.Uint64
	missing  atomic.Uint64
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Flushes  uint64 // successful flushes
	Failures uint64 // flushes that gave up after all retries
	Retries  uint64
	Records  uint64 // records written by flushes, after merging
	Missing  uint64 // update-only keys not found on disk
}

func (m *Manager) Stats() Stats {
	return Stats{
		Flushes:  m.stats.flushes.Load(),
		Failures: m.stats.failures.Load(),
		Retries:  m.stats.retries.Load(),
		Records:  m.stats.records.Load(),
		Missing:  m.stats.missing.Load(),
	}
}
