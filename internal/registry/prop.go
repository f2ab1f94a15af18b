package registry

import "github.com/coopsync/coopsync/pkg/core"

// PropHandle is the server-side scripting handle of a prop. Setting a field
// writes it into the registry and re-broadcasts the prop.
type PropHandle struct {
	r  *Registry
	id uint32
}

func (h *PropHandle) ID() uint32 { return h.id }

func (h *PropHandle) Handle() core.Handle {
	return core.Handle{Kind: core.HandleProp, ID: h.id}
}

// Prop returns the current record, or false once deleted.
func (h *PropHandle) Prop() (core.Prop, bool) {
	return h.r.Prop(h.id)
}

func (h *PropHandle) SetPosition(pos core.Vector3) bool {
	return h.r.updateProp(h.id, func(p *core.Prop) { p.Position = pos })
}

func (h *PropHandle) SetRotation(rot core.Vector3) bool {
	return h.r.updateProp(h.id, func(p *core.Prop) { p.Rotation = rot })
}

func (h *PropHandle) Delete() bool {
	return h.r.RemoveProp(h.id)
}
