// Package protocol defines the packets exchanged with clients and their
// little-endian binary encoding. Every message is one PacketType byte
// followed by the packet body.
package protocol

import (
	"errors"
	"fmt"

	"github.com/coopsync/coopsync/internal/catalog"
	"github.com/coopsync/coopsync/pkg/core"
)

var (
	ErrTruncated     = errors.New("packet truncated")
	ErrUnknownPacket = errors.New("unknown packet type")
	ErrTooLarge      = errors.New("field too large")
)

// Channel is a logical, independently ordered stream on a connection.
type Channel byte

const (
	ChannelDefault     Channel = 0
	ChannelPedSync     Channel = 1
	ChannelVehicleSync Channel = 2
	ChannelFile        Channel = 3
	ChannelProps       Channel = 4

	// ChannelCount bounds the channel ids a transport accepts.
	ChannelCount = 5
)

func (c Channel) String() string {
	switch c {
	case ChannelDefault:
		return "default"
	case ChannelPedSync:
		return "ped"
	case ChannelVehicleSync:
		return "vehicle"
	case ChannelFile:
		return "file"
	case ChannelProps:
		return "props"
	default:
		return fmt.Sprintf("channel(%d)", byte(c))
	}
}

type PacketType byte

const (
	TypeHandshake PacketType = iota + 1
	TypePedSync
	TypeVehicleSync
	TypeVehicleStateSync
	TypeFileHeader
	TypeFileChunk
	TypeFileAck
	TypeAllFilesSent
	TypeServerProp
	TypeDeleteEntity
)

var typeNames = map[PacketType]string{
	TypeHandshake:        "Handshake",
	TypePedSync:          "PedSync",
	TypeVehicleSync:      "VehicleSync",
	TypeVehicleStateSync: "VehicleStateSync",
	TypeFileHeader:       "FileHeader",
	TypeFileChunk:        "FileChunk",
	TypeFileAck:          "FileAck",
	TypeAllFilesSent:     "AllFilesSent",
	TypeServerProp:       "ServerProp",
	TypeDeleteEntity:     "DeleteEntity",
}

func (t PacketType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("PacketType(%d)", byte(t))
}

// Packet is implemented by every message type.
type Packet interface {
	Type() PacketType
	encode(w *writer) error
}

type decodable interface {
	Packet
	decode(r *reader) error
}

type Handshake struct {
	Username string
}

type PedSync struct {
	ID       uint32
	Position core.Vector3
	Rotation core.Vector3
	Health   int32
}

type VehicleSync struct {
	ID         uint32
	Position   core.Vector3
	Quaternion core.Quaternion
}

// VehicleStateSync carries occupancy (seat -1 is the driver) and damage.
type VehicleStateSync struct {
	ID         uint32
	Passengers map[int32]uint32
	Damage     core.DamageModel
}

// FileHeader announces one catalog file before any of its chunks.
type FileHeader struct {
	ID       byte
	FileType catalog.FileType
	Name     string
	Length   int64
}

type FileChunk struct {
	ID   byte
	Data []byte
}

// FileAck confirms the client stored file ID.
type FileAck struct {
	ID byte
}

// AllFilesSent tells the client the download phase is over.
type AllFilesSent struct{}

type ServerProp struct {
	ID       uint32
	Model    int32
	Position core.Vector3
	Rotation core.Vector3
}

type DeleteEntity struct {
	Handle core.Handle
}

func (Handshake) Type() PacketType        { return TypeHandshake }
func (PedSync) Type() PacketType          { return TypePedSync }
func (VehicleSync) Type() PacketType      { return TypeVehicleSync }
func (VehicleStateSync) Type() PacketType { return TypeVehicleStateSync }
func (FileHeader) Type() PacketType       { return TypeFileHeader }
func (FileChunk) Type() PacketType        { return TypeFileChunk }
func (FileAck) Type() PacketType          { return TypeFileAck }
func (AllFilesSent) Type() PacketType     { return TypeAllFilesSent }
func (ServerProp) Type() PacketType       { return TypeServerProp }
func (DeleteEntity) Type() PacketType     { return TypeDeleteEntity }

// HeaderFor builds the header announcing f. The type tag is FileTypeScript
// for every file whatever its extension; clients tell files apart by name.
func HeaderFor(f *catalog.File) FileHeader {
	return FileHeader{ID: f.ID, FileType: catalog.FileTypeScript, Name: f.Name, Length: f.Length}
}

// PropFor builds the broadcast form of a prop.
func PropFor(p core.Prop) ServerProp {
	return ServerProp{ID: p.ID, Model: p.Model, Position: p.Position, Rotation: p.Rotation}
}

func newPacket(t PacketType) (decodable, error) {
	switch t {
	case TypeHandshake:
		return &Handshake{}, nil
	case TypePedSync:
		return &PedSync{}, nil
	case TypeVehicleSync:
		return &VehicleSync{}, nil
	case TypeVehicleStateSync:
		return &VehicleStateSync{}, nil
	case TypeFileHeader:
		return &FileHeader{}, nil
	case TypeFileChunk:
		return &FileChunk{}, nil
	case TypeFileAck:
		return &FileAck{}, nil
	case TypeAllFilesSent:
		return &AllFilesSent{}, nil
	case TypeServerProp:
		return &ServerProp{}, nil
	case TypeDeleteEntity:
		return &DeleteEntity{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, byte(t))
	}
}

// Encode serializes p with its type prefix.
func Encode(p Packet) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(byte(p.Type()))
	if err := p.encode(w); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", p.Type(), err)
	}
	return w.buf, nil
}

// Decode parses one message. The returned packet is a value type, for
// example PedSync rather than *PedSync. Trailing bytes are rejected.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrTruncated
	}
	p, err := newPacket(PacketType(data[0]))
	if err != nil {
		return nil, err
	}
	r := &reader{buf: data[1:]}
	if err := p.decode(r); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p.Type(), err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("decoding %s: %d trailing bytes", p.Type(), len(r.buf))
	}
	return deref(p), nil
}

func deref(p decodable) Packet {
	switch v := p.(type) {
	case *Handshake:
		return *v
	case *PedSync:
		return *v
	case *VehicleSync:
		return *v
	case *VehicleStateSync:
		return *v
	case *FileHeader:
		return *v
	case *FileChunk:
		return *v
	case *FileAck:
		return *v
	case *AllFilesSent:
		return *v
	case *ServerProp:
		return *v
	case *DeleteEntity:
		return *v
	}
	return p
}
