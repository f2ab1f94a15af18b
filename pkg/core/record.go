// pkg/core/record.go
package core

import "time"

// Session is a client connection as seen by the recording backends.
// ID is assigned by the backend on StartSession.
type Session struct {
	ID             uint      `json:"id"`
	ConnID         ConnID    `json:"connId"`
	Username       string    `json:"username"`
	RemoteAddr     string    `json:"remoteAddr"`
	ConnectedAt    time.Time `json:"connectedAt"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// FileDelivery is the outcome of one client's catalog download.
type FileDelivery struct {
	ConnID   ConnID        `json:"connId"`
	Time     time.Time     `json:"time"`
	Files    int           `json:"files"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries"`
	Stalled  bool          `json:"stalled"`
}

// EntitySnapshot is a registry record captured at Time.
type EntitySnapshot struct {
	Time       time.Time        `json:"time"`
	Kind       EntityKind       `json:"kind"`
	ID         uint32           `json:"id"`
	Owner      ConnID           `json:"owner,omitempty"`
	Position   Vector3          `json:"position"`
	Rotation   Vector3          `json:"rotation"`
	Health     int32            `json:"health,omitempty"`
	Model      int32            `json:"model,omitempty"`
	Passengers map[int32]uint32 `json:"passengers,omitempty"`
	Damage     *DamageModel     `json:"damage,omitempty"`
}

// PerformanceSample is a periodic measurement of server load.
type PerformanceSample struct {
	Time         time.Time     `json:"time"`
	Clients      int           `json:"clients"`
	Peds         int           `json:"peds"`
	Vehicles     int           `json:"vehicles"`
	Props        int           `json:"props"`
	Downloads    int           `json:"downloads"`
	TickDuration time.Duration `json:"tickDuration"`
	Goroutines   int           `json:"goroutines"`
	HeapAlloc    uint64        `json:"heapAlloc"`
}

// SnapshotOf captures e at t.
func SnapshotOf(e Entity, t time.Time) EntitySnapshot {
	s := EntitySnapshot{Time: t, Kind: e.Kind(), ID: e.NetID()}
	switch v := e.(type) {
	case Ped:
		s.Owner = v.Owner
		s.Position = v.Position
		s.Rotation = v.Rotation
		s.Health = v.Health
	case Vehicle:
		s.Owner = v.Owner
		s.Position = v.Position
		dm := v.Damage
		s.Damage = &dm
		if len(v.Passengers) > 0 {
			s.Passengers = make(map[int32]uint32, len(v.Passengers))
			for seat, ped := range v.Passengers {
				s.Passengers[seat] = ped
			}
		}
	case Prop:
		s.Position = v.Position
		s.Rotation = v.Rotation
		s.Model = v.Model
	}
	return s
}
