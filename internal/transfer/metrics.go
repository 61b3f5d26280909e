package transfer

import "time"

// Metrics receives counters about finished imports and reverts.
type Metrics interface {
	ImportFinished(status string, elapsed time.Duration)
	EntitiesImported(kind Kind, stats KindStats)
	FilesMaterialized(count int, bytes int64)
	RevertFinished(stats RevertStats, warnings int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ImportFinished(string, time.Duration) {}
func (NopMetrics) EntitiesImported(Kind, KindStats)     {}
func (NopMetrics) FilesMaterialized(int, int64)         {}
func (NopMetrics) RevertFinished(RevertStats, int)      {}
