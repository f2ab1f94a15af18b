package registry

import (
	"fmt"
	"maps"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/coopsync/coopsync/internal/idalloc"
	"github.com/coopsync/coopsync/pkg/core"
)

// PropPublisher pushes server-owned prop changes to clients.
type PropPublisher interface {
	PublishProp(p core.Prop)
	PublishDelete(h core.Handle)
}

// Options configures a Registry.
type Options struct {
	// OwnershipGrace ignores upserts from a non-owner while the current owner
	// has reported within this window. Zero means last writer wins.
	OwnershipGrace time.Duration
	Publisher      PropPublisher
	Allocator      *idalloc.Allocator
	Now            func() time.Time
}

type pedEntry struct {
	ped  core.Ped
	seen time.Time
}

type vehicleEntry struct {
	vehicle core.Vehicle
	seen    time.Time
}

// Counts is the number of tracked records per kind.
type Counts struct {
	Peds     int
	Vehicles int
	Props    int
}

// Registry is the authoritative directory of peds, vehicles and props.
// Every operation holds the lock for its whole duration; records handed out
// are copies.
type Registry struct {
	mu       deadlock.RWMutex
	peds     map[uint32]*pedEntry
	vehicles map[uint32]*vehicleEntry
	props    map[uint32]core.Prop

	grace     time.Duration
	publisher PropPublisher
	ids       *idalloc.Allocator
	now       func() time.Time
}

func New(opts Options) *Registry {
	r := &Registry{
		peds:      make(map[uint32]*pedEntry),
		vehicles:  make(map[uint32]*vehicleEntry),
		props:     make(map[uint32]core.Prop),
		grace:     opts.OwnershipGrace,
		publisher: opts.Publisher,
		ids:       opts.Allocator,
		now:       opts.Now,
	}
	if r.ids == nil {
		r.ids = idalloc.New()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// SetPublisher replaces the prop publisher. Used when the transport is
// created after the registry.
func (r *Registry) SetPublisher(p PropPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// Reset drops every record.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peds = make(map[uint32]*pedEntry)
	r.vehicles = make(map[uint32]*vehicleEntry)
	r.props = make(map[uint32]core.Prop)
}

// yields reports whether an update from conn must be ignored because another
// owner reported recently.
func (r *Registry) yields(owner, conn core.ConnID, seen, now time.Time) bool {
	if r.grace <= 0 || owner == conn || owner == "" {
		return false
	}
	return now.Sub(seen) < r.grace
}

// UpsertPed creates or updates a ped and makes conn its owner. It returns
// false when the update was ignored by the ownership grace window.
func (r *Registry) UpsertPed(id uint32, pos, rot core.Vector3, health int32, conn core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.peds[id]
	if !ok {
		e = &pedEntry{ped: core.Ped{ID: id}}
		r.peds[id] = e
	} else if r.yields(e.ped.Owner, conn, e.seen, now) {
		return false
	}
	e.ped.Owner = conn
	e.ped.Position = pos
	e.ped.Rotation = rot
	e.ped.Health = health
	e.seen = now
	return true
}

// UpsertVehicle creates or updates a vehicle transform and makes conn its owner.
func (r *Registry) UpsertVehicle(id uint32, pos core.Vector3, quat core.Quaternion, conn core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.vehicles[id]
	if !ok {
		e = &vehicleEntry{vehicle: core.Vehicle{ID: id}}
		r.vehicles[id] = e
	} else if r.yields(e.vehicle.Owner, conn, e.seen, now) {
		return false
	}
	e.vehicle.Owner = conn
	e.vehicle.Position = pos
	e.vehicle.Quaternion = quat
	e.seen = now
	return true
}

// UpsertVehicleState links every known passenger to vehicle id. When the
// vehicle is tracked its passenger map and damage model are replaced. No
// record is ever created here.
func (r *Registry) UpsertVehicleState(id uint32, passengers map[int32]uint32, damage core.DamageModel, conn core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.vehicles[id]; ok {
		if r.yields(e.vehicle.Owner, conn, e.seen, r.now()) {
			return false
		}
		e.vehicle.Passengers = maps.Clone(passengers)
		e.vehicle.Damage = damage
	}
	for _, pedID := range passengers {
		if p, ok := r.peds[pedID]; ok {
			p.ped.LastVehicle = id
		}
	}
	return true
}

// Lookup returns a copy of the record of the given kind, or false.
func (r *Registry) Lookup(kind core.EntityKind, id uint32) (core.Entity, bool) {
	switch kind {
	case core.KindPed:
		if p, ok := r.Ped(id); ok {
			return p, true
		}
	case core.KindVehicle:
		if v, ok := r.Vehicle(id); ok {
			return v, true
		}
	case core.KindProp:
		if p, ok := r.Prop(id); ok {
			return p, true
		}
	}
	return nil, false
}

// Resolve looks up the entity a handle refers to.
func (r *Registry) Resolve(h core.Handle) (core.Entity, bool) {
	kind, err := h.EntityKind()
	if err != nil {
		return nil, false
	}
	return r.Lookup(kind, h.ID)
}

func (r *Registry) Ped(id uint32) (core.Ped, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peds[id]; ok {
		return e.ped, true
	}
	return core.Ped{}, false
}

func (r *Registry) Vehicle(id uint32) (core.Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.vehicles[id]; ok {
		return copyVehicle(e.vehicle), true
	}
	return core.Vehicle{}, false
}

func (r *Registry) Prop(id uint32) (core.Prop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.props[id]
	return p, ok
}

func copyVehicle(v core.Vehicle) core.Vehicle {
	v.Passengers = maps.Clone(v.Passengers)
	return v
}

// Peds returns a point-in-time copy of every ped.
func (r *Registry) Peds() []core.Ped {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Ped, 0, len(r.peds))
	for _, e := range r.peds {
		out = append(out, e.ped)
	}
	return out
}

// Vehicles returns a point-in-time copy of every vehicle.
func (r *Registry) Vehicles() []core.Vehicle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Vehicle, 0, len(r.vehicles))
	for _, e := range r.vehicles {
		out = append(out, copyVehicle(e.vehicle))
	}
	return out
}

// Props returns a point-in-time copy of every prop.
func (r *Registry) Props() []core.Prop {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Prop, 0, len(r.props))
	for _, p := range r.props {
		out = append(out, p)
	}
	return out
}

// Snapshot returns a copy of every record of kind.
func (r *Registry) Snapshot(kind core.EntityKind) []core.Entity {
	var out []core.Entity
	switch kind {
	case core.KindPed:
		for _, p := range r.Peds() {
			out = append(out, p)
		}
	case core.KindVehicle:
		for _, v := range r.Vehicles() {
			out = append(out, v)
		}
	case core.KindProp:
		for _, p := range r.Props() {
			out = append(out, p)
		}
	}
	return out
}

// RemoveOwnedBy deletes every ped and vehicle owned by conn and returns
// their handles. Matches are collected during the scan and deleted after it.
func (r *Registry) RemoveOwnedBy(conn core.ConnID) []core.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pedIDs, vehicleIDs []uint32
	for id, e := range r.peds {
		if e.ped.Owner == conn {
			pedIDs = append(pedIDs, id)
		}
	}
	for id, e := range r.vehicles {
		if e.vehicle.Owner == conn {
			vehicleIDs = append(vehicleIDs, id)
		}
	}

	removed := make([]core.Handle, 0, len(pedIDs)+len(vehicleIDs))
	for _, id := range pedIDs {
		delete(r.peds, id)
		removed = append(removed, core.Handle{Kind: core.HandlePed, ID: id})
	}
	for _, id := range vehicleIDs {
		delete(r.vehicles, id)
		removed = append(removed, core.Handle{Kind: core.HandleVehicle, ID: id})
	}
	return removed
}

// RemovePed is a no-op when id is unknown.
func (r *Registry) RemovePed(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peds[id]
	delete(r.peds, id)
	return ok
}

// RemoveVehicle is a no-op when id is unknown.
func (r *Registry) RemoveVehicle(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.vehicles[id]
	delete(r.vehicles, id)
	return ok
}

// RemoveOwned deletes the ped or vehicle behind h only if conn owns it.
func (r *Registry) RemoveOwned(h core.Handle, conn core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch h.Kind {
	case core.HandlePed:
		if e, ok := r.peds[h.ID]; ok && e.ped.Owner == conn {
			delete(r.peds, h.ID)
			return true
		}
	case core.HandleVehicle:
		if e, ok := r.vehicles[h.ID]; ok && e.vehicle.Owner == conn {
			delete(r.vehicles, h.ID)
			return true
		}
	}
	return false
}

// Counts returns the number of records per kind.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Counts{Peds: len(r.peds), Vehicles: len(r.vehicles), Props: len(r.props)}
}

// taken must be called with r.mu held.
func (r *Registry) taken(id uint32) bool {
	if _, ok := r.peds[id]; ok {
		return true
	}
	if _, ok := r.vehicles[id]; ok {
		return true
	}
	_, ok := r.props[id]
	return ok
}

// AllocateID reserves nothing; it returns an ID free in all three maps at
// the time of the call.
func (r *Registry) AllocateID() (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids.Allocate(r.taken)
}

// CreateProp inserts a server-owned prop under a fresh ID and publishes it.
func (r *Registry) CreateProp(model int32, pos, rot core.Vector3) (*PropHandle, error) {
	r.mu.Lock()
	id, err := r.ids.Allocate(r.taken)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("allocating prop id: %w", err)
	}
	p := core.Prop{ID: id, Model: model, Position: pos, Rotation: rot}
	r.props[id] = p
	pub := r.publisher
	r.mu.Unlock()

	if pub != nil {
		pub.PublishProp(p)
	}
	return &PropHandle{r: r, id: id}, nil
}

// RemoveProp deletes a prop and publishes the deletion when it existed.
func (r *Registry) RemoveProp(id uint32) bool {
	r.mu.Lock()
	_, ok := r.props[id]
	delete(r.props, id)
	pub := r.publisher
	r.mu.Unlock()

	if ok && pub != nil {
		pub.PublishDelete(core.Handle{Kind: core.HandleProp, ID: id})
	}
	return ok
}

func (r *Registry) updateProp(id uint32, fn func(*core.Prop)) bool {
	r.mu.Lock()
	p, ok := r.props[id]
	if ok {
		fn(&p)
		r.props[id] = p
	}
	pub := r.publisher
	r.mu.Unlock()

	if ok && pub != nil {
		pub.PublishProp(p)
	}
	return ok
}
