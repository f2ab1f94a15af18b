package convert

import (
	"encoding/json"
	"time"

	"github.com/coopsync/coopsync/internal/model"
	"github.com/coopsync/coopsync/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// pointToVector converts a geom.Point to a core.Vector3
func pointToVector(p geom.Point) core.Vector3 {
	coord, ok := p.Coordinates()
	if !ok {
		return core.Vector3{}
	}
	return core.Vector3{X: float32(coord.XY.X), Y: float32(coord.XY.Y), Z: float32(coord.Z)}
}

func parseKind(s string) core.EntityKind {
	for _, k := range []core.EntityKind{core.KindPed, core.KindVehicle, core.KindProp} {
		if k.String() == s {
			return k
		}
	}
	return core.KindPed
}

// SessionToCore converts a GORM ConnectionSession to a core.Session.
func SessionToCore(s model.ConnectionSession) core.Session {
	var disconnected time.Time
	if s.DisconnectedAt.Valid {
		disconnected = s.DisconnectedAt.Time
	}
	return core.Session{
		ID:             s.ID,
		ConnID:         core.ConnID(s.ConnID),
		Username:       s.Username,
		RemoteAddr:     s.RemoteAddr,
		ConnectedAt:    s.ConnectedAt,
		DisconnectedAt: disconnected,
		Reason:         s.Reason,
	}
}

// SnapshotToCore converts a GORM EntitySnapshot to a core.EntitySnapshot.
func SnapshotToCore(s model.EntitySnapshot) core.EntitySnapshot {
	out := core.EntitySnapshot{
		Time:     s.Time,
		Kind:     parseKind(s.Kind),
		ID:       s.EntityID,
		Owner:    core.ConnID(s.Owner),
		Position: pointToVector(s.Position),
		Health:   s.Health,
		Model:    s.Model,
	}
	if len(s.Rotation) > 0 {
		_ = json.Unmarshal(s.Rotation, &out.Rotation)
	}
	if len(s.Passengers) > 0 {
		var passengers map[int32]uint32
		if err := json.Unmarshal(s.Passengers, &passengers); err == nil && len(passengers) > 0 {
			out.Passengers = passengers
		}
	}
	if len(s.Damage) > 0 && string(s.Damage) != "null" {
		var dm core.DamageModel
		if err := json.Unmarshal(s.Damage, &dm); err == nil {
			out.Damage = &dm
		}
	}
	return out
}
