// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"database/sql"
	"encoding/json"

	"github.com/coopsync/coopsync/internal/model"
	"github.com/coopsync/coopsync/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

// vectorToPoint converts a core.Vector3 to a 3D geom.Point. Non-finite
// components are rejected by geom.
func vectorToPoint(v core.Vector3) (geom.Point, error) {
	coords := geom.Coordinates{
		XY:   geom.XY{X: float64(v.X), Y: float64(v.Y)},
		Z:    float64(v.Z),
		Type: geom.DimXYZ,
	}
	return geom.NewPoint(coords)
}

// toJSON marshals v for a JSON column, falling back to def on error or nil.
func toJSON(v any, def string) datatypes.JSON {
	if v == nil {
		return datatypes.JSON(def)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON(def)
	}
	return datatypes.JSON(data)
}

// CoreToSession converts a core.Session to a GORM model.ConnectionSession.
func CoreToSession(s core.Session) model.ConnectionSession {
	var disconnected sql.NullTime
	if !s.DisconnectedAt.IsZero() {
		disconnected = sql.NullTime{Time: s.DisconnectedAt, Valid: true}
	}
	return model.ConnectionSession{
		ID:             s.ID,
		ConnID:         string(s.ConnID),
		Username:       s.Username,
		RemoteAddr:     s.RemoteAddr,
		ConnectedAt:    s.ConnectedAt,
		DisconnectedAt: disconnected,
		Reason:         s.Reason,
	}
}

// CoreToFileDelivery converts a core.FileDelivery to a GORM model.FileDelivery.
// SessionID is stamped by the writer.
func CoreToFileDelivery(d core.FileDelivery) model.FileDelivery {
	return model.FileDelivery{
		Time:       d.Time,
		ConnID:     string(d.ConnID),
		Files:      uint16(d.Files),
		Bytes:      d.Bytes,
		DurationMs: float32(d.Duration.Microseconds()) / 1000,
		Retries:    uint16(d.Retries),
		Stalled:    d.Stalled,
	}
}

// CoreToSnapshot converts a core.EntitySnapshot to a GORM model.EntitySnapshot.
func CoreToSnapshot(s core.EntitySnapshot) model.EntitySnapshot {
	var passengers any
	if len(s.Passengers) > 0 {
		passengers = s.Passengers
	}
	var damage any
	if s.Damage != nil {
		damage = s.Damage
	}
	pos, err := vectorToPoint(s.Position)
	if err != nil {
		pos = geom.NewEmptyPoint(geom.DimXYZ)
	}
	return model.EntitySnapshot{
		Time:       s.Time,
		Kind:       s.Kind.String(),
		EntityID:   s.ID,
		Owner:      string(s.Owner),
		Position:   pos,
		Rotation:   toJSON(s.Rotation, "{}"),
		Health:     s.Health,
		Model:      s.Model,
		Passengers: toJSON(passengers, "{}"),
		Damage:     toJSON(damage, "null"),
	}
}

// CoreToPerformance converts a core.PerformanceSample to a GORM model.ServerPerformance.
func CoreToPerformance(p core.PerformanceSample) model.ServerPerformance {
	return model.ServerPerformance{
		Time:           p.Time,
		Clients:        uint16(p.Clients),
		Peds:           uint32(p.Peds),
		Vehicles:       uint32(p.Vehicles),
		Props:          uint32(p.Props),
		Downloads:      uint16(p.Downloads),
		TickDurationMs: float32(p.TickDuration.Microseconds()) / 1000,
		Goroutines:     uint32(p.Goroutines),
		HeapAllocMB:    float32(p.HeapAlloc) / (1 << 20),
	}
}
