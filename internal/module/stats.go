package module

import "sync/atomic"

// Stats are the module's steady-state counters, readable while running.
type Stats struct {
	processed    atomic.Uint64
	published    atomic.Uint64
	publishDrops atomic.Uint64
	syncMisses   atomic.Uint64
	decodeDrops  atomic.Uint64
	commands     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy for introspection.
type StatsSnapshot struct {
	Processed    uint64 `json:"processed"`
	Published    uint64 `json:"published"`
	PublishDrops uint64 `json:"publish_drops"`
	SyncMisses   uint64 `json:"sync_misses"`
	DecodeDrops  uint64 `json:"decode_drops"`
	Commands     uint64 `json:"commands"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Processed:    s.processed.Load(),
		Published:    s.published.Load(),
		PublishDrops: s.publishDrops.Load(),
		SyncMisses:   s.syncMisses.Load(),
		DecodeDrops:  s.decodeDrops.Load(),
		Commands:     s.commands.Load(),
	}
}
