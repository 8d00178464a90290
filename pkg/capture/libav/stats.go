package libav

import "sync/atomic"

// SessionStats are the ambient, always-on per-session counters this
// module keeps regardless of whether a host wires them into a metrics
// exporter.
type SessionStats struct {
	FramesEncoded atomic.Uint64
	BytesEmitted  atomic.Uint64
}

type SessionStatsSnapshot struct {
	FramesEncoded uint64
	BytesEmitted  uint64
}

func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	return SessionStatsSnapshot{
		FramesEncoded: s.FramesEncoded.Load(),
		BytesEmitted:  s.BytesEmitted.Load(),
	}
}

// PipelineStats tracks the async producer's own counters: frames
// captured, reinitialization attempts, and snapshot timeouts. Frames
// dropped on a full subscription queue are logged, not counted.
type PipelineStats struct {
	FramesCaptured atomic.Uint64
	Reinits        atomic.Uint64
	Timeouts       atomic.Uint64
}
