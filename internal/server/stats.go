package server

import (
	"time"

	"github.com/coopsync/coopsync/pkg/core"
)

// Sample implements monitor.Source.
func (s *Server) Sample() core.PerformanceSample {
	counts := s.registry.Counts()
	return core.PerformanceSample{
		Time:         s.deps.Now(),
		Clients:      s.ClientCount(),
		Peds:         counts.Peds,
		Vehicles:     counts.Vehicles,
		Props:        counts.Props,
		Downloads:    s.downloads.Len(),
		TickDuration: time.Duration(s.lastTick.Load()),
	}
}

// Snapshot implements monitor.Source. Every record is copied out of the
// registry under its lock.
func (s *Server) Snapshot() []core.EntitySnapshot {
	now := s.deps.Now()
	var out []core.EntitySnapshot
	for _, kind := range []core.EntityKind{core.KindPed, core.KindVehicle, core.KindProp} {
		for _, e := range s.registry.Snapshot(kind) {
			out = append(out, core.SnapshotOf(e, now))
		}
	}
	return out
}

// Uptime is zero before Run.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return s.deps.Now().Sub(s.startedAt)
}

// SessionCount is the number of clients accepted since start.
func (s *Server) SessionCount() int {
	return int(s.sessions.Load())
}
