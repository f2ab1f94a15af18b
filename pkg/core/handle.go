// pkg/core/handle.go
package core

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HandleKind is the discriminator byte of an opaque entity handle.
type HandleKind byte

const (
	HandleProp    HandleKind = 50
	HandlePed     HandleKind = 51
	HandleVehicle HandleKind = 52
)

// HandleSize is the encoded length of a Handle.
const HandleSize = 5

var (
	ErrHandleLength = errors.New("handle must be 5 bytes")
	ErrHandleKind   = errors.New("unknown handle kind")
)

// Handle lets the scripting layer on a client resolve an entity by network ID.
// The encoded form is the kind byte followed by the little-endian ID.
type Handle struct {
	Kind HandleKind
	ID   uint32
}

// HandleFor returns the handle of any registry entity.
func HandleFor(e Entity) Handle {
	return e.Handle()
}

// EntityKind maps the handle discriminator back to the registry kind.
func (h Handle) EntityKind() (EntityKind, error) {
	switch h.Kind {
	case HandleProp:
		return KindProp, nil
	case HandlePed:
		return KindPed, nil
	case HandleVehicle:
		return KindVehicle, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrHandleKind, h.Kind)
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Handle) MarshalBinary() ([]byte, error) {
	if _, err := h.EntityKind(); err != nil {
		return nil, err
	}
	buf := make([]byte, HandleSize)
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint32(buf[1:], h.ID)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Handle) UnmarshalBinary(data []byte) error {
	if len(data) != HandleSize {
		return fmt.Errorf("%w: got %d", ErrHandleLength, len(data))
	}
	decoded := Handle{
		Kind: HandleKind(data[0]),
		ID:   binary.LittleEndian.Uint32(data[1:]),
	}
	if _, err := decoded.EntityKind(); err != nil {
		return err
	}
	*h = decoded
	return nil
}

func (h Handle) String() string {
	kind, err := h.EntityKind()
	if err != nil {
		return fmt.Sprintf("handle(%d:%d)", h.Kind, h.ID)
	}
	return fmt.Sprintf("%s(%d)", kind, h.ID)
}
