package damage

import "github.com/coopsync/coopsync/pkg/core"

// DefaultWheelBones are the bone ids of a four-wheeled car.
var DefaultWheelBones = []int{0, 1, 4, 5}

type SimDoor struct {
	Broken   bool
	Opened   bool
	Attached bool
}

func (d *SimDoor) IsBroken() bool { return d.Broken }
func (d *SimDoor) IsOpen() bool   { return d.Opened }

func (d *SimDoor) Break(leaveAttached bool) {
	d.Broken = true
	d.Attached = leaveAttached
}

func (d *SimDoor) Open() {
	if !d.Broken {
		d.Opened = true
	}
}

func (d *SimDoor) Close() {
	if !d.Broken {
		d.Opened = false
	}
}

type SimWindow struct {
	Smashed bool
}

func (w *SimWindow) IsIntact() bool { return !w.Smashed }
func (w *SimWindow) Smash()         { w.Smashed = true }
func (w *SimWindow) Repair()        { w.Smashed = false }

type SimWheel struct {
	Bone      int
	Punctured bool
	Bursted   bool
}

func (w *SimWheel) BoneID() int     { return w.Bone }
func (w *SimWheel) IsBursted() bool { return w.Bursted }
func (w *SimWheel) Puncture()       { w.Punctured = true }
func (w *SimWheel) Burst()          { w.Bursted = true }

func (w *SimWheel) Fix() {
	w.Punctured = false
	w.Bursted = false
}

// SimVehicle is an in-memory Vehicle. It is used to validate incoming
// damage models and in tests.
type SimVehicle struct {
	Doors      [core.DoorCount]SimDoor
	Windows    [core.WindowCount]SimWindow
	Tires      []SimWheel
	LeftLight  bool
	RightLight bool
	Repairs    int
}

// NewSimVehicle builds an undamaged vehicle with one wheel per bone id, or
// DefaultWheelBones when none are given.
func NewSimVehicle(wheelBones ...int) *SimVehicle {
	if len(wheelBones) == 0 {
		wheelBones = DefaultWheelBones
	}
	v := &SimVehicle{Tires: make([]SimWheel, len(wheelBones))}
	for i, b := range wheelBones {
		v.Tires[i].Bone = b
	}
	return v
}

func (v *SimVehicle) Door(i int) Door {
	if i < 0 || i >= len(v.Doors) {
		return nil
	}
	return &v.Doors[i]
}

func (v *SimVehicle) Window(i int) Window {
	if i < 0 || i >= len(v.Windows) {
		return nil
	}
	return &v.Windows[i]
}

func (v *SimVehicle) Wheels() []Wheel {
	out := make([]Wheel, len(v.Tires))
	for i := range v.Tires {
		out[i] = &v.Tires[i]
	}
	return out
}

// Repair restores every door, window, wheel and headlight.
func (v *SimVehicle) Repair() {
	v.Doors = [core.DoorCount]SimDoor{}
	v.Windows = [core.WindowCount]SimWindow{}
	for i := range v.Tires {
		v.Tires[i].Fix()
	}
	v.LeftLight = false
	v.RightLight = false
	v.Repairs++
}

func (v *SimVehicle) LeftHeadLightBroken() bool           { return v.LeftLight }
func (v *SimVehicle) RightHeadLightBroken() bool          { return v.RightLight }
func (v *SimVehicle) SetLeftHeadLightBroken(broken bool)  { v.LeftLight = broken }
func (v *SimVehicle) SetRightHeadLightBroken(broken bool) { v.RightLight = broken }
