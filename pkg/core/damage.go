// pkg/core/damage.go
package core

import (
	"encoding/binary"
	"fmt"
)

const (
	// DoorCount and WindowCount are the indices covered by the 8-bit masks.
	DoorCount   = 8
	WindowCount = 8
	// TireBits is the number of wheel bone ids the tire mask can address.
	TireBits = 16

	// DamageModelSize is the encoded length of a DamageModel.
	DamageModelSize = 7
)

// DoorMask has bit i set for door index i.
type DoorMask uint8

// Has reports whether door i is set. Out of range indices are never set.
func (m DoorMask) Has(i int) bool {
	if i < 0 || i >= DoorCount {
		return false
	}
	return m&(1<<uint(i)) != 0
}

// With returns a copy of m with door i set or cleared.
func (m DoorMask) With(i int, set bool) DoorMask {
	if i < 0 || i >= DoorCount {
		return m
	}
	if set {
		return m | 1<<uint(i)
	}
	return m &^ (1 << uint(i))
}

// WindowMask has bit i set for window index i.
type WindowMask uint8

func (m WindowMask) Has(i int) bool {
	if i < 0 || i >= WindowCount {
		return false
	}
	return m&(1<<uint(i)) != 0
}

func (m WindowMask) With(i int, set bool) WindowMask {
	if i < 0 || i >= WindowCount {
		return m
	}
	if set {
		return m | 1<<uint(i)
	}
	return m &^ (1 << uint(i))
}

// TireMask has bit b set when the wheel with bone id b is bursted.
type TireMask uint16

func (m TireMask) Has(bone int) bool {
	if bone < 0 || bone >= TireBits {
		return false
	}
	return m&(1<<uint(bone)) != 0
}

func (m TireMask) With(bone int, set bool) TireMask {
	if bone < 0 || bone >= TireBits {
		return m
	}
	if set {
		return m | 1<<uint(bone)
	}
	return m &^ (1 << uint(bone))
}

// DamageModel is a snapshot of a vehicle's visible damage. Every field is a
// full snapshot, so applying it must both set and clear.
type DamageModel struct {
	BrokenDoors          DoorMask
	OpenedDoors          DoorMask
	BrokenWindows        WindowMask
	BurstedTires         TireMask
	LeftHeadLightBroken  bool
	RightHeadLightBroken bool
}

// MarshalBinary writes the 7-byte wire form.
func (m DamageModel) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, DamageModelSize))
}

// AppendBinary appends the wire form to buf.
func (m DamageModel) AppendBinary(buf []byte) ([]byte, error) {
	buf = append(buf, byte(m.BrokenDoors), byte(m.OpenedDoors), byte(m.BrokenWindows))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(m.BurstedTires))
	buf = append(buf, boolByte(m.LeftHeadLightBroken), boolByte(m.RightHeadLightBroken))
	return buf, nil
}

// UnmarshalBinary reads the 7-byte wire form. Any nonzero headlight byte
// counts as broken.
func (m *DamageModel) UnmarshalBinary(data []byte) error {
	if len(data) != DamageModelSize {
		return fmt.Errorf("damage model must be %d bytes, got %d", DamageModelSize, len(data))
	}
	*m = DamageModel{
		BrokenDoors:          DoorMask(data[0]),
		OpenedDoors:          DoorMask(data[1]),
		BrokenWindows:        WindowMask(data[2]),
		BurstedTires:         TireMask(binary.LittleEndian.Uint16(data[3:5])),
		LeftHeadLightBroken:  data[5] > 0,
		RightHeadLightBroken: data[6] > 0,
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
