package protocol

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/coopsync/coopsync/internal/catalog"
	"github.com/coopsync/coopsync/pkg/core"
)

type writer struct {
	buf []byte
}

func (w *writer) u8(v byte)     { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)  { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) i32(v int32)   { w.u32(uint32(v)) }
func (w *writer) i64(v int64)   { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }
func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) vec3(v core.Vector3) {
	w.f32(v.X)
	w.f32(v.Y)
	w.f32(v.Z)
}

func (w *writer) quat(q core.Quaternion) {
	w.f32(q.X)
	w.f32(q.Y)
	w.f32(q.Z)
	w.f32(q.W)
}

func (w *writer) bytes16(b []byte) error {
	if len(b) > math.MaxUint16 {
		return ErrTooLarge
	}
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

func (w *writer) str(s string) error {
	return w.bytes16([]byte(s))
}

type reader struct {
	buf []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, ErrTruncated
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *reader) i64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *reader) f32() (float32, error) {
	v, err := r.u32()
	return math.Float32frombits(v), err
}

func (r *reader) vec3() (v core.Vector3, err error) {
	if v.X, err = r.f32(); err != nil {
		return
	}
	if v.Y, err = r.f32(); err != nil {
		return
	}
	v.Z, err = r.f32()
	return
}

func (r *reader) quat() (q core.Quaternion, err error) {
	if q.X, err = r.f32(); err != nil {
		return
	}
	if q.Y, err = r.f32(); err != nil {
		return
	}
	if q.Z, err = r.f32(); err != nil {
		return
	}
	q.W, err = r.f32()
	return
}

func (r *reader) bytes16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return slices.Clone(b), nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytes16()
	return string(b), err
}

func (p Handshake) encode(w *writer) error { return w.str(p.Username) }

func (p *Handshake) decode(r *reader) (err error) {
	p.Username, err = r.str()
	return
}

func (p PedSync) encode(w *writer) error {
	w.u32(p.ID)
	w.vec3(p.Position)
	w.vec3(p.Rotation)
	w.i32(p.Health)
	return nil
}

func (p *PedSync) decode(r *reader) (err error) {
	if p.ID, err = r.u32(); err != nil {
		return
	}
	if p.Position, err = r.vec3(); err != nil {
		return
	}
	if p.Rotation, err = r.vec3(); err != nil {
		return
	}
	p.Health, err = r.i32()
	return
}

func (p VehicleSync) encode(w *writer) error {
	w.u32(p.ID)
	w.vec3(p.Position)
	w.quat(p.Quaternion)
	return nil
}

func (p *VehicleSync) decode(r *reader) (err error) {
	if p.ID, err = r.u32(); err != nil {
		return
	}
	if p.Position, err = r.vec3(); err != nil {
		return
	}
	p.Quaternion, err = r.quat()
	return
}

// Passengers are written in seat order so equal packets encode equally.
func (p VehicleStateSync) encode(w *writer) error {
	if len(p.Passengers) > math.MaxUint16 {
		return ErrTooLarge
	}
	w.u32(p.ID)
	w.u16(uint16(len(p.Passengers)))
	seats := make([]int32, 0, len(p.Passengers))
	for seat := range p.Passengers {
		seats = append(seats, seat)
	}
	slices.Sort(seats)
	for _, seat := range seats {
		w.i32(seat)
		w.u32(p.Passengers[seat])
	}
	var err error
	w.buf, err = p.Damage.AppendBinary(w.buf)
	return err
}

func (p *VehicleStateSync) decode(r *reader) error {
	var err error
	if p.ID, err = r.u32(); err != nil {
		return err
	}
	n, err := r.u16()
	if err != nil {
		return err
	}
	p.Passengers = make(map[int32]uint32, n)
	for i := 0; i < int(n); i++ {
		seat, err := r.i32()
		if err != nil {
			return err
		}
		ped, err := r.u32()
		if err != nil {
			return err
		}
		p.Passengers[seat] = ped
	}
	b, err := r.take(core.DamageModelSize)
	if err != nil {
		return err
	}
	return p.Damage.UnmarshalBinary(b)
}

func (p FileHeader) encode(w *writer) error {
	w.u8(p.ID)
	w.u8(byte(p.FileType))
	if err := w.str(p.Name); err != nil {
		return err
	}
	w.i64(p.Length)
	return nil
}

func (p *FileHeader) decode(r *reader) error {
	var err error
	if p.ID, err = r.u8(); err != nil {
		return err
	}
	t, err := r.u8()
	if err != nil {
		return err
	}
	p.FileType = catalog.FileType(t)
	if p.Name, err = r.str(); err != nil {
		return err
	}
	p.Length, err = r.i64()
	return err
}

func (p FileChunk) encode(w *writer) error {
	if len(p.Data) > catalog.ChunkSize {
		return ErrTooLarge
	}
	w.u8(p.ID)
	return w.bytes16(p.Data)
}

func (p *FileChunk) decode(r *reader) (err error) {
	if p.ID, err = r.u8(); err != nil {
		return
	}
	p.Data, err = r.bytes16()
	return
}

func (p FileAck) encode(w *writer) error {
	w.u8(p.ID)
	return nil
}

func (p *FileAck) decode(r *reader) (err error) {
	p.ID, err = r.u8()
	return
}

func (AllFilesSent) encode(*writer) error  { return nil }
func (*AllFilesSent) decode(*reader) error { return nil }

func (p ServerProp) encode(w *writer) error {
	w.u32(p.ID)
	w.i32(p.Model)
	w.vec3(p.Position)
	w.vec3(p.Rotation)
	return nil
}

func (p *ServerProp) decode(r *reader) (err error) {
	if p.ID, err = r.u32(); err != nil {
		return
	}
	if p.Model, err = r.i32(); err != nil {
		return
	}
	if p.Position, err = r.vec3(); err != nil {
		return
	}
	p.Rotation, err = r.vec3()
	return
}

func (p DeleteEntity) encode(w *writer) error {
	b, err := p.Handle.MarshalBinary()
	if err != nil {
		return err
	}
	w.buf = append(w.buf, b...)
	return nil
}

func (p *DeleteEntity) decode(r *reader) error {
	b, err := r.take(core.HandleSize)
	if err != nil {
		return err
	}
	return p.Handle.UnmarshalBinary(b)
}
