package world

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/scene"
)

var ErrEntityNotFound = errors.New("entity not found")

// World owns a set of entities and advances them on every tick. A single
// lock guards all entity state; Snapshot holds it only for the copy.
type World struct {
	name    string
	logger  log.Log
	systems []System

	mu        sync.Mutex
	entities  map[EntityID]*Entity
	order     []EntityID
	gravity   scene.Vector3
	terrain   *scene.Terrain
	paused    bool
	frame     uint64
	totalTime time.Duration
}

type Option func(*World)

func WithGravity(g scene.Vector3) Option {
	return func(w *World) { w.gravity = g }
}

func WithTerrain(t *scene.Terrain) Option {
	return func(w *World) { w.terrain = t }
}

func WithLogger(l log.Log) Option {
	return func(w *World) { w.logger = l }
}

// WithSystems replaces the default systems (Motion).
func WithSystems(systems ...System) Option {
	return func(w *World) { w.systems = systems }
}

func New(name string, opts ...Option) *World {
	w := &World{
		name:     name,
		systems:  []System{Motion{}},
		entities: make(map[EntityID]*Entity),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.Nop()
	}
	w.logger = w.logger.With(log.String("component", "world"), log.String("world", name))
	return w
}

func (w *World) Name() string {
	return w.name
}

func (w *World) Terrain() *scene.Terrain {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terrain
}

func (w *World) SetTerrain(t *scene.Terrain) {
	w.mu.Lock()
	w.terrain = t
	w.mu.Unlock()
}

func (w *World) Gravity() scene.Vector3 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gravity
}

func (w *World) SetGravity(g scene.Vector3) {
	w.mu.Lock()
	w.gravity = g
	w.mu.Unlock()
}

func (w *World) IsPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *World) SetPaused(paused bool) {
	w.mu.Lock()
	w.paused = paused
	w.mu.Unlock()
}

// FrameCount is the number of ticks applied so far.
func (w *World) FrameCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frame
}

func (w *World) TotalTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalTime
}

// Spawn adds an entity showing model with the given initial state.
func (w *World) Spawn(model any, state State) EntityID {
	if state.Rotation == (scene.Quaternion{}) {
		state.Rotation = scene.IdentityQuaternion
	}
	e := &Entity{ID: NewEntityID(), State: state, model: model}

	w.mu.Lock()
	w.entities[e.ID] = e
	w.order = append(w.order, e.ID)
	count := len(w.order)
	w.mu.Unlock()

	w.logger.Debug("Entity spawned", log.Stringer("entity_id", e.ID), log.Int("entities", count))
	return e.ID
}

func (w *World) Remove(id EntityID) bool {
	w.mu.Lock()
	_, ok := w.entities[id]
	if ok {
		delete(w.entities, id)
		w.order = slices.DeleteFunc(w.order, func(x EntityID) bool { return x == id })
	}
	w.mu.Unlock()

	if ok {
		w.logger.Debug("Entity removed", log.Stringer("entity_id", id))
	}
	return ok
}

// Update runs fn on the entity with the world lock held.
func (w *World) Update(id EntityID, fn func(*Entity)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	fn(e)
	return nil
}

// Get returns a copy of one entity.
func (w *World) Get(id EntityID) (EntitySnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return EntitySnapshot{}, false
	}
	return snapshotOf(e), true
}

func (w *World) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Snapshot copies every live entity in spawn order.
func (w *World) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		Frame:    w.frame,
		Time:     time.Now(),
		Entities: make([]EntitySnapshot, 0, len(w.order)),
	}
	for _, id := range w.order {
		s.Entities = append(s.Entities, snapshotOf(w.entities[id]))
	}
	return s
}

func snapshotOf(e *Entity) EntitySnapshot {
	return EntitySnapshot{
		ID:           e.ID,
		Model:        e.model,
		ModelVersion: e.modelVersion,
		State:        e.State,
	}
}

// Step advances the world by dt. System errors are logged and do not stop
// the remaining systems.
func (w *World) Step(dt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused {
		return
	}

	tick := &Tick{
		Frame:    w.frame,
		Entities: make([]*Entity, 0, len(w.order)),
		Gravity:  w.gravity,
		Terrain:  w.terrain,
	}
	for _, id := range w.order {
		tick.Entities = append(tick.Entities, w.entities[id])
	}

	for _, system := range w.systems {
		if err := system.Update(dt.Seconds(), tick); err != nil {
			w.logger.Error("System update failed", log.String("system", system.Name()), log.Error(err))
		}
	}

	w.frame++
	w.totalTime += dt
}

// Run steps the world every interval until ctx is done.
func (w *World) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("World loop started", log.Duration("interval", interval))
	defer w.logger.Info("World loop stopped")

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			w.Step(now.Sub(last))
			last = now
		}
	}
}

// Snapshot is the live entity set at one point in time.
type Snapshot struct {
	Frame    uint64
	Time     time.Time
	Entities []EntitySnapshot
}

// IDs returns the snapshot's entity ids as a set.
func (s Snapshot) IDs() map[EntityID]struct{} {
	ids := make(map[EntityID]struct{}, len(s.Entities))
	for _, e := range s.Entities {
		ids[e.ID] = struct{}{}
	}
	return ids
}
