// Package damage converts between a live vehicle and its DamageModel snapshot.
//
// The live vehicle is reached only through the interfaces below, so the
// codec never depends on an engine.
package damage

import "github.com/coopsync/coopsync/pkg/core"

type Door interface {
	IsBroken() bool
	IsOpen() bool
	Break(leaveAttached bool)
	Open()
	Close()
}

type Window interface {
	IsIntact() bool
	Smash()
	Repair()
}

type Wheel interface {
	BoneID() int
	IsBursted() bool
	Puncture()
	Burst()
	Fix()
}

// Vehicle is the live object damage is read from and applied to. A single
// door cannot be repaired, only the whole vehicle.
type Vehicle interface {
	Door(i int) Door
	Window(i int) Window
	Wheels() []Wheel
	Repair()
	LeftHeadLightBroken() bool
	RightHeadLightBroken() bool
	SetLeftHeadLightBroken(broken bool)
	SetRightHeadLightBroken(broken bool)
}

// Result tells which path Apply took.
type Result int

const (
	// Applied means the model was reconciled in full.
	Applied Result = iota
	// Repaired means a door had to be un-broken, so the vehicle was fully
	// repaired and the rest of the pass skipped.
	Repaired
)

func (r Result) String() string {
	if r == Repaired {
		return "repaired"
	}
	return "applied"
}

// Encode reads the observable damage of v.
func Encode(v Vehicle) core.DamageModel {
	var m core.DamageModel
	for i := 0; i < core.DoorCount; i++ {
		if d := v.Door(i); d != nil {
			m.BrokenDoors = m.BrokenDoors.With(i, d.IsBroken())
			m.OpenedDoors = m.OpenedDoors.With(i, d.IsOpen())
		}
		if w := v.Window(i); w != nil {
			m.BrokenWindows = m.BrokenWindows.With(i, !w.IsIntact())
		}
	}
	for _, w := range v.Wheels() {
		if w.IsBursted() {
			m.BurstedTires = m.BurstedTires.With(w.BoneID(), true)
		}
	}
	m.LeftHeadLightBroken = v.LeftHeadLightBroken()
	m.RightHeadLightBroken = v.RightHeadLightBroken()
	return m
}

// Apply reconciles v with m in both directions. If a door is broken on v
// but intact in m, v is fully repaired and Apply returns Repaired without
// touching anything else.
func Apply(m core.DamageModel, v Vehicle, leaveDoorsAttached bool) Result {
	for i := 0; i < core.DoorCount; i++ {
		if d := v.Door(i); d != nil {
			switch {
			case m.BrokenDoors.Has(i) && !d.IsBroken():
				// the open state is frozen at break time
				reconcileOpen(d, m.OpenedDoors.Has(i))
				d.Break(leaveDoorsAttached)
			case !m.BrokenDoors.Has(i) && d.IsBroken():
				v.Repair()
				return Repaired
			}
			reconcileOpen(d, m.OpenedDoors.Has(i))
		}

		if w := v.Window(i); w != nil {
			broken := m.BrokenWindows.Has(i)
			if broken && w.IsIntact() {
				w.Smash()
			} else if !broken && !w.IsIntact() {
				w.Repair()
			}
		}
	}

	for _, w := range v.Wheels() {
		bone := w.BoneID()
		if bone < 0 || bone >= core.TireBits {
			continue
		}
		bursted := m.BurstedTires.Has(bone)
		if bursted && !w.IsBursted() {
			w.Puncture()
			w.Burst()
		} else if !bursted && w.IsBursted() {
			w.Fix()
		}
	}

	v.SetLeftHeadLightBroken(m.LeftHeadLightBroken)
	v.SetRightHeadLightBroken(m.RightHeadLightBroken)
	return Applied
}

func reconcileOpen(d Door, open bool) {
	if d.IsBroken() {
		return
	}
	if open && !d.IsOpen() {
		d.Open()
	} else if !open && d.IsOpen() {
		d.Close()
	}
}
