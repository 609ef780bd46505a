package replication

import (
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
)

// Differ computes frames for one viewer against the entity set that viewer
// last received. It is not safe for concurrent use.
type Differ struct {
	last  map[world.EntityID]serial.Hash
	order []world.EntityID
}

func NewDiffer() *Differ {
	return &Differ{last: make(map[world.EntityID]serial.Hash)}
}

// Diff builds the frame that takes a viewer from the last committed set to
// s. Entities absent from the last set, or whose model hash changed, are
// new; entities missing from s are deleted; every entity of s is updated.
// Diff does not change the baseline; call Commit once the frame is sent.
func (d *Differ) Diff(s Snapshot) Frame {
	f := Frame{Timestamp: timestamp(s.Time)}

	current := make(map[world.EntityID]struct{}, len(s.Entries))
	for _, e := range s.Entries {
		current[e.ID] = struct{}{}
		if h, ok := d.last[e.ID]; !ok || h != e.Model {
			f.New = append(f.New, NewEntity{ID: e.ID, Model: e.Model})
		}
		f.Updates = append(f.Updates, EntityState{ID: e.ID, State: e.State})
	}
	for _, id := range d.order {
		if _, ok := current[id]; !ok {
			f.Deleted = append(f.Deleted, id)
		}
	}
	return f
}

// Commit makes s the baseline for the next Diff.
func (d *Differ) Commit(s Snapshot) {
	clear(d.last)
	d.order = d.order[:0]
	for _, e := range s.Entries {
		d.last[e.ID] = e.Model
		d.order = append(d.order, e.ID)
	}
}

// Reset forgets the baseline so the next frame announces every entity.
func (d *Differ) Reset() {
	clear(d.last)
	d.order = d.order[:0]
}

// Len is the size of the baseline.
func (d *Differ) Len() int {
	return len(d.order)
}
