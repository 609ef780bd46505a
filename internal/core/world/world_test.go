package world

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/scene"
)

func TestEntityID(t *testing.T) {
	a, b := NewEntityID(), NewEntityID()
	assert.NotEqual(t, a, b)

	parsed, err := ParseEntityID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseEntityID("nope")
	assert.Error(t, err)
}

func TestSpawnRemoveSnapshot(t *testing.T) {
	w := New("test")
	model := scene.NewContainer()

	a := w.Spawn(model, State{Position: scene.Vector3{X: 1}})
	b := w.Spawn(model, State{})
	c := w.Spawn(model, State{})
	assert.Equal(t, 3, w.Len())

	snap := w.Snapshot()
	require.Len(t, snap.Entities, 3)
	assert.Equal(t, []EntityID{a, b, c}, []EntityID{snap.Entities[0].ID, snap.Entities[1].ID, snap.Entities[2].ID})
	assert.Equal(t, scene.IdentityQuaternion, snap.Entities[0].State.Rotation)
	assert.Same(t, model, snap.Entities[0].Model)

	assert.True(t, w.Remove(b))
	assert.False(t, w.Remove(b))
	snap = w.Snapshot()
	assert.Len(t, snap.Entities, 2)
	assert.NotContains(t, snap.IDs(), b)

	err := w.Update(b, func(*Entity) {})
	assert.True(t, errors.Is(err, ErrEntityNotFound))
}

func TestSnapshotIsACopy(t *testing.T) {
	w := New("test")
	id := w.Spawn(nil, State{})
	snap := w.Snapshot()

	require.NoError(t, w.Update(id, func(e *Entity) {
		e.State.Position = scene.Vector3{X: 9}
	}))
	assert.Equal(t, scene.Vector3{}, snap.Entities[0].State.Position)

	got, ok := w.Get(id)
	require.True(t, ok)
	assert.Equal(t, scene.Vector3{X: 9}, got.State.Position)
}

func TestMotionIntegration(t *testing.T) {
	w := New("test", WithGravity(scene.Vector3{Z: -10}))
	id := w.Spawn(nil, State{
		Velocity:        scene.Vector3{X: 2},
		AngularVelocity: scene.Quaternion{Z: 1},
	})

	w.Step(500 * time.Millisecond)

	got, _ := w.Get(id)
	assert.Equal(t, scene.Vector3{X: 1}, got.State.Position)
	assert.Equal(t, scene.Vector3{X: 2, Z: -5}, got.State.Velocity)
	assert.Equal(t, scene.Quaternion{W: 1, Z: 0.5}, got.State.Rotation)
	assert.Equal(t, uint64(1), w.FrameCount())
	assert.Equal(t, 500*time.Millisecond, w.TotalTime())

	w.SetPaused(true)
	w.Step(time.Second)
	assert.Equal(t, uint64(1), w.FrameCount())
}

type failingSystem struct{ calls int }

func (s *failingSystem) Name() string { return "failing" }

func (s *failingSystem) Update(float64, *Tick) error {
	s.calls++
	return errors.New("boom")
}

func TestSystemErrorsDoNotStopTick(t *testing.T) {
	failing := &failingSystem{}
	w := New("test", WithSystems(failing, Motion{}))
	id := w.Spawn(nil, State{Velocity: scene.Vector3{Y: 1}})

	w.Step(time.Second)
	assert.Equal(t, 1, failing.calls)
	got, _ := w.Get(id)
	assert.Equal(t, scene.Vector3{Y: 1}, got.State.Position)
}

func TestModelChangeBumpsVersion(t *testing.T) {
	w := New("test")
	id := w.Spawn(scene.NewContainer(), State{})
	before, _ := w.Get(id)

	next := scene.NewContainer()
	require.NoError(t, w.Update(id, func(e *Entity) { e.SetModel(next) }))
	after, _ := w.Get(id)

	assert.Greater(t, after.ModelVersion, before.ModelVersion)
	assert.Same(t, next, after.Model)
}

func TestRunStopsOnCancel(t *testing.T) {
	w := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool { return w.FrameCount() > 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("world loop did not stop")
	}
}
