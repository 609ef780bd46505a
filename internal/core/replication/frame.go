// Package replication streams world state to viewers. A Publisher snapshots a
// world and stores entity models as blobs; every Subscription diffs
// snapshots against what its viewer last received and sends one Frame per
// tick. On the viewer a Subscriber fetches the blobs a frame needs, applies
// the frame to a Mirror and hands it to a bounded ready queue.
package replication

import (
	"math"
	"time"

	"github.com/zeusync/worldsync/internal/core/scene"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
)

var (
	TagFrame       = serial.Tag{Namespace: serial.NamespaceSync, ID: 1}
	TagEntityState = serial.Tag{Namespace: serial.NamespaceSync, ID: 2}
	TagNewEntity   = serial.Tag{Namespace: serial.NamespaceSync, ID: 3}
	TagEntityID    = serial.Tag{Namespace: serial.NamespaceSync, ID: 4}
)

// NewEntity announces an entity and the hash of its model. An entity whose
// model changed is announced again with the new hash.
type NewEntity struct {
	ID    world.EntityID
	Model serial.Hash
}

// EntityState is the kinematic state of one entity at the frame's time.
type EntityState struct {
	ID    world.EntityID
	State world.State
}

// Frame is one update sent to a viewer. Deleted ids are removed before
// updates are applied; every live entity appears in Updates.
type Frame struct {
	Timestamp float64
	New       []NewEntity
	Deleted   []world.EntityID
	Updates   []EntityState
}

// Time converts the frame timestamp (seconds since the Unix epoch).
func (f Frame) Time() time.Time {
	sec, frac := math.Modf(f.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Empty reports whether the frame carries no entity data at all.
func (f Frame) Empty() bool {
	return len(f.New) == 0 && len(f.Deleted) == 0 && len(f.Updates) == 0
}

// ModelHashes lists the distinct model hashes announced by the frame.
func (f Frame) ModelHashes() []serial.Hash {
	seen := make(map[serial.Hash]struct{}, len(f.New))
	out := make([]serial.Hash, 0, len(f.New))
	for _, n := range f.New {
		if _, ok := seen[n.Model]; ok {
			continue
		}
		seen[n.Model] = struct{}{}
		out = append(out, n.Model)
	}
	return out
}

func timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Register adds the replication codecs to reg. The math codecs used by
// EntityState are registered by scene.Register; both are needed to decode a
// frame's models.
func Register(reg *serial.Registry) error {
	codecs := []*serial.Codec{
		serial.Recursive(TagFrame, splitFrame, joinFrame),
		serial.Fixed(TagEntityState, same[EntityState], unchanged[EntityState]),
		serial.Fixed(TagNewEntity, same[NewEntity], unchanged[NewEntity]),
		serial.Fixed(TagEntityID, same[world.EntityID], unchanged[world.EntityID]),
	}
	for _, c := range codecs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func same[T any](v T) T { return v }

func unchanged[T any](v T) (T, error) { return v, nil }

func splitFrame(f Frame) ([]any, error) {
	return []any{f.Timestamp, asList(f.New), asList(f.Deleted), asList(f.Updates)}, nil
}

func joinFrame(items []any) (Frame, error) {
	var (
		f   Frame
		err error
	)
	if err = serial.Arity(items, 4, "frame"); err != nil {
		return f, err
	}
	if f.Timestamp, err = serial.Item[float64](items, 0, "frame"); err != nil {
		return f, err
	}
	if f.New, err = fromList[NewEntity](items, 1); err != nil {
		return f, err
	}
	if f.Deleted, err = fromList[world.EntityID](items, 2); err != nil {
		return f, err
	}
	if f.Updates, err = fromList[EntityState](items, 3); err != nil {
		return f, err
	}
	return f, nil
}

func asList[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func fromList[T any](items []any, i int) ([]T, error) {
	list, err := serial.Item[[]any](items, i, "frame")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]T, len(list))
	for j := range list {
		if out[j], err = serial.Item[T](list, j, "frame"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// NewRegistry returns a frozen registry with every codec a server and its
// viewers exchange: builtins, math, scene, terrain and replication.
func NewRegistry() (*serial.Registry, error) {
	reg := serial.NewRegistry()
	if err := scene.Register(reg); err != nil {
		return nil, err
	}
	if err := Register(reg); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}
