// pkg/core/entity.go
package core

// Entity is implemented by every record the registry hands out.
type Entity interface {
	NetID() uint32
	Kind() EntityKind
	Handle() Handle
}

// Ped is a character reported by a client.
// Owner is the connection currently authoritative for its updates.
type Ped struct {
	ID          uint32
	Owner       ConnID
	Position    Vector3
	Rotation    Vector3
	Health      int32
	LastVehicle uint32 // network ID of the last occupied vehicle, 0 if none
}

func (p Ped) NetID() uint32    { return p.ID }
func (p Ped) Kind() EntityKind { return KindPed }
func (p Ped) Handle() Handle   { return Handle{Kind: HandlePed, ID: p.ID} }

// Vehicle is a vehicle reported by a client.
type Vehicle struct {
	ID         uint32
	Owner      ConnID
	Position   Vector3
	Quaternion Quaternion
	Damage     DamageModel
	Passengers map[int32]uint32 // seat index (-1 = driver) -> ped network ID
}

func (v Vehicle) NetID() uint32    { return v.ID }
func (v Vehicle) Kind() EntityKind { return KindVehicle }
func (v Vehicle) Handle() Handle   { return Handle{Kind: HandleVehicle, ID: v.ID} }

// Prop is a static object owned by the server.
type Prop struct {
	ID       uint32
	Model    int32
	Position Vector3
	Rotation Vector3
}

func (p Prop) NetID() uint32    { return p.ID }
func (p Prop) Kind() EntityKind { return KindProp }
func (p Prop) Handle() Handle   { return Handle{Kind: HandleProp, ID: p.ID} }
