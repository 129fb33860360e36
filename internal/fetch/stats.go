package fetch

import "sync/atomic"

// Stats is the client's counter set. All fields are updated atomically and
// safe to read while the client is live.
type Stats struct {
	Total          atomic.Int64
	Successful     atomic.Int64
	Failed         atomic.Int64
	MemoryHits     atomic.Int64
	PersistentHits atomic.Int64
	Deduplicated   atomic.Int64
	Retried        atomic.Int64
}

// StatsSnapshot is the JSON-friendly view handed to the ops API.
type StatsSnapshot struct {
	Total          int64   `json:"total"`
	Successful     int64   `json:"successful"`
	Failed         int64   `json:"failed"`
	MemoryHits     int64   `json:"memoryHits"`
	PersistentHits int64   `json:"persistentHits"`
	Deduplicated   int64   `json:"deduplicated"`
	Retried        int64   `json:"retried"`
	HitRate        float64 `json:"hitRate"`
}

// Snapshot copies the live counters and derives the aggregate hit rate.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Total:          s.Total.Load(),
		Successful:     s.Successful.Load(),
		Failed:         s.Failed.Load(),
		MemoryHits:     s.MemoryHits.Load(),
		PersistentHits: s.PersistentHits.Load(),
		Deduplicated:   s.Deduplicated.Load(),
		Retried:        s.Retried.Load(),
	}
	if snap.Total > 0 {
		snap.HitRate = float64(snap.MemoryHits+snap.PersistentHits) / float64(snap.Total)
	}
	return snap
}
