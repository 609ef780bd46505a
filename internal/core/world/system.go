package world

import (
	"github.com/zeusync/worldsync/internal/core/scene"
)

// System is a piece of simulation logic run on every tick. Update is called
// with the world lock held and must not call back into the World.
type System interface {
	Name() string
	Update(deltaTime float64, tick *Tick) error
}

// Tick is what a System sees of the world during one update.
type Tick struct {
	Frame    uint64
	Entities []*Entity
	Gravity  scene.Vector3
	Terrain  *scene.Terrain
}

// Motion integrates velocities: position, rotation and velocity (under
// gravity) advance by deltaTime.
type Motion struct{}

func (Motion) Name() string { return "motion" }

func (Motion) Update(deltaTime float64, tick *Tick) error {
	dt := float32(deltaTime)
	for _, e := range tick.Entities {
		s := &e.State
		s.Rotation = s.Rotation.Add(s.AngularVelocity.Scale(dt))
		s.Position = s.Position.Add(s.Velocity.Scale(dt))
		s.Velocity = s.Velocity.Add(tick.Gravity.Scale(dt))
	}
	return nil
}
