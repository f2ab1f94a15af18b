// pkg/core/types.go
package core

// Vector3 is a position or Euler rotation in engine units.
type Vector3 struct {
	X float32
	Y float32
	Z float32
}

// Quaternion is a vehicle orientation.
type Quaternion struct {
	X float32
	Y float32
	Z float32
	W float32
}

// ConnID identifies a client connection. The zero value means "no owner".
type ConnID string

// EntityKind discriminates the entity variants tracked by the registry.
type EntityKind uint8

const (
	KindPed EntityKind = iota
	KindVehicle
	KindProp
)

func (k EntityKind) String() string {
	switch k {
	case KindPed:
		return "ped"
	case KindVehicle:
		return "vehicle"
	case KindProp:
		return "prop"
	default:
		return "unknown"
	}
}
