package replication

import (
	"slices"
	"sync"

	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
)

// MirrorEntity is the viewer's copy of one entity. Model is nil until the
// blob for ModelHash has been fetched and decoded.
type MirrorEntity struct {
	ID        world.EntityID
	ModelHash serial.Hash
	Model     any
	Resolved  bool
	State     world.State
}

// Mirror is the viewer-side replica of a world, built from frames. It is
// safe for concurrent use: the subscriber writes while a renderer reads.
type Mirror struct {
	mu        sync.RWMutex
	entities  map[world.EntityID]*MirrorEntity
	order     []world.EntityID
	timestamp float64
	frames    uint64
}

func NewMirror() *Mirror {
	return &Mirror{entities: make(map[world.EntityID]*MirrorEntity)}
}

// Apply adds announced entities, removes deleted ones and copies states.
// A re-announced entity keeps its state but loses its model until the new
// hash is resolved. Updates for unknown entities are ignored.
func (m *Mirror) Apply(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range f.New {
		e, ok := m.entities[n.ID]
		if !ok {
			m.entities[n.ID] = &MirrorEntity{ID: n.ID, ModelHash: n.Model}
			m.order = append(m.order, n.ID)
			continue
		}
		if e.ModelHash != n.Model {
			e.ModelHash = n.Model
			e.Model = nil
			e.Resolved = false
		}
	}

	if len(f.Deleted) > 0 {
		for _, id := range f.Deleted {
			delete(m.entities, id)
		}
		m.order = slices.DeleteFunc(m.order, func(id world.EntityID) bool {
			_, ok := m.entities[id]
			return !ok
		})
	}

	for _, u := range f.Updates {
		if e, ok := m.entities[u.ID]; ok {
			e.State = u.State
		}
	}

	m.timestamp = f.Timestamp
	m.frames++
}

// Resolve attaches a decoded model to the entity if it still shows h.
func (m *Mirror) Resolve(id world.EntityID, h serial.Hash, model any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok || e.ModelHash != h {
		return false
	}
	e.Model = model
	e.Resolved = true
	return true
}

// Unresolved maps every entity still waiting for its model to the model hash.
func (m *Mirror) Unresolved() map[world.EntityID]serial.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[world.EntityID]serial.Hash)
	for id, e := range m.entities {
		if !e.Resolved {
			out[id] = e.ModelHash
		}
	}
	return out
}

func (m *Mirror) Get(id world.EntityID) (MirrorEntity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return MirrorEntity{}, false
	}
	return *e, true
}

// Entities copies every entity in announcement order.
func (m *Mirror) Entities() []MirrorEntity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MirrorEntity, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entities[id])
	}
	return out
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Timestamp is the time of the last applied frame.
func (m *Mirror) Timestamp() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timestamp
}

// Frames counts applied frames.
func (m *Mirror) Frames() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames
}

// Reset empties the mirror before a resync.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entities)
	m.order = nil
	m.timestamp = 0
}
