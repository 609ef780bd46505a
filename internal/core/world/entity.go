package world

import (
	"github.com/google/uuid"

	"github.com/zeusync/worldsync/internal/core/scene"
)

// EntityIDSize is the length of an EntityID on the wire.
const EntityIDSize = 16

// EntityID identifies one dynamic object for its whole life. It is random and
// unrelated to the content hash of the entity's model.
type EntityID [EntityIDSize]byte

func NewEntityID() EntityID {
	return EntityID(uuid.New())
}

func (id EntityID) String() string {
	return uuid.UUID(id).String()
}

func ParseEntityID(s string) (EntityID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EntityID{}, err
	}
	return EntityID(u), nil
}

// State is the mutable kinematic state of an entity.
type State struct {
	Position        scene.Vector3
	Velocity        scene.Vector3
	Rotation        scene.Quaternion
	AngularVelocity scene.Quaternion
}

// Entity is a dynamic object in a world. Fields are guarded by the world
// lock; outside a System, change them through World.Update.
type Entity struct {
	ID    EntityID
	State State

	model        any
	modelVersion uint64
}

func (e *Entity) Model() any {
	return e.model
}

// SetModel replaces the model. Viewers see the entity re-announced with the
// new model's hash.
func (e *Entity) SetModel(model any) {
	e.model = model
	e.modelVersion++
}

// EntitySnapshot is a copy of an entity taken under the world lock.
type EntitySnapshot struct {
	ID           EntityID
	Model        any
	ModelVersion uint64
	State        State
}
