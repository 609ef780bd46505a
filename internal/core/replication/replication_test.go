package replication

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/blobstore"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/scene"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/pkg/sequence"
)

func newRegistry(t *testing.T) *serial.Registry {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	return reg
}

func texture(t *testing.T, fill byte) *scene.Texture {
	t.Helper()
	data := make([]byte, 2*2*4)
	for i := range data {
		data[i] = fill
	}
	tex, err := scene.NewTexture(2, 2, data)
	require.NoError(t, err)
	return tex
}

func model(t *testing.T, z float32, fill byte) *scene.Container {
	t.Helper()
	mesh := scene.NewMesh([]scene.Triangle{{
		A:       scene.Vector3{Z: z},
		B:       scene.Vector3{X: 1, Z: z},
		C:       scene.Vector3{Y: 1, Z: z},
		Texture: texture(t, fill),
	}})
	return scene.Wrap(mesh)
}

// countingPinner records pin reference counts.
type countingPinner struct {
	mu   sync.Mutex
	refs map[serial.Hash]int
}

func newCountingPinner() *countingPinner {
	return &countingPinner{refs: make(map[serial.Hash]int)}
}

func (p *countingPinner) Pin(hashes ...serial.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.refs[h]++
	}
}

func (p *countingPinner) Unpin(hashes ...serial.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.refs[h]--
		if p.refs[h] == 0 {
			delete(p.refs, h)
		}
	}
}

func (p *countingPinner) count(h serial.Hash) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[h]
}

// recordingFetcher wraps a Fetcher and counts requested blobs. With
// hideDependencies set it answers every Dependencies call with nothing.
type recordingFetcher struct {
	inner            Fetcher
	hideDependencies bool

	mu        sync.Mutex
	requested []serial.Hash
}

func (f *recordingFetcher) Dependencies(ctx context.Context, hashes []serial.Hash) ([]serial.Hash, error) {
	if f.hideDependencies {
		return nil, nil
	}
	return f.inner.Dependencies(ctx, hashes)
}

func (f *recordingFetcher) Resources(ctx context.Context, hashes []serial.Hash) (map[serial.Hash][]byte, error) {
	f.mu.Lock()
	f.requested = append(f.requested, hashes...)
	f.mu.Unlock()
	return f.inner.Resources(ctx, hashes)
}

func (f *recordingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requested)
}

func TestFrameRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	a, b := world.NewEntityID(), world.NewEntityID()
	frame := Frame{
		Timestamp: 1700000000.25,
		New:       []NewEntity{{ID: a, Model: serial.SHA1([]byte("model"))}},
		Deleted:   []world.EntityID{b},
		Updates: []EntityState{{ID: a, State: world.State{
			Position:        scene.Vector3{X: 1, Y: 2, Z: 3},
			Velocity:        scene.Vector3{Z: -1},
			Rotation:        scene.IdentityQuaternion,
			AngularVelocity: scene.Quaternion{Z: 0.5},
		}}},
	}

	data, err := serial.NewEncoder(reg).Encode(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 4, 0, 1, 0, 0, 0, 4}, data[:8], "frame tag then four items")

	got, err := serial.NewDecoder(reg, nil).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	empty, err := serial.NewEncoder(reg).Encode(Frame{Timestamp: 1})
	require.NoError(t, err)
	got, err = serial.NewDecoder(reg, nil).Decode(empty)
	require.NoError(t, err)
	assert.True(t, got.(Frame).Empty())
	assert.Equal(t, time.Unix(1, 0), got.(Frame).Time())
}

func TestFrameRejectsWrongItems(t *testing.T) {
	reg := newRegistry(t)
	data, err := serial.NewEncoder(reg).Encode(serial.Tuple{1.0, []any{}, []any{}})
	require.NoError(t, err)
	// Retag the tuple as a frame.
	data[0], data[1], data[2], data[3] = 0, 4, 0, 1

	_, err = serial.NewDecoder(reg, nil).Decode(data)
	assert.ErrorIs(t, err, serial.ErrMalformedStream)
}

func snapshotOf(entries ...Entry) Snapshot {
	return Snapshot{Time: time.Unix(100, 0), Entries: entries}
}

func TestDifferComputesNewDeletedAndUpdates(t *testing.T) {
	h1, h2 := serial.SHA1([]byte("one")), serial.SHA1([]byte("two"))
	a, b, c := world.NewEntityID(), world.NewEntityID(), world.NewEntityID()
	d := NewDiffer()

	s0 := snapshotOf(Entry{ID: a, Model: h1}, Entry{ID: b, Model: h2})
	f := d.Diff(s0)
	assert.Equal(t, []NewEntity{{a, h1}, {b, h2}}, f.New)
	assert.Empty(t, f.Deleted)
	assert.Len(t, f.Updates, 2)
	d.Commit(s0)

	s1 := snapshotOf(Entry{ID: b, Model: h2}, Entry{ID: c, Model: h1})
	f = d.Diff(s1)
	assert.Equal(t, []NewEntity{{c, h1}}, f.New)
	assert.Equal(t, []world.EntityID{a}, f.Deleted)
	require.Len(t, f.Updates, 2)
	assert.Equal(t, b, f.Updates[0].ID)
	assert.Equal(t, c, f.Updates[1].ID)
	assert.Equal(t, float64(100), f.Timestamp)
}

func TestDifferBaselineAdvancesOnlyOnCommit(t *testing.T) {
	h := serial.SHA1([]byte("m"))
	a := world.NewEntityID()
	d := NewDiffer()

	s := snapshotOf(Entry{ID: a, Model: h})
	require.Len(t, d.Diff(s).New, 1)
	// Not committed: the viewer never got the first frame.
	require.Len(t, d.Diff(s).New, 1)

	d.Commit(s)
	assert.Empty(t, d.Diff(s).New)
	assert.Equal(t, 1, d.Len())

	d.Reset()
	assert.Len(t, d.Diff(s).New, 1)
}

func TestDifferReannouncesChangedModel(t *testing.T) {
	h1, h2 := serial.SHA1([]byte("old")), serial.SHA1([]byte("new"))
	a := world.NewEntityID()
	d := NewDiffer()

	d.Commit(snapshotOf(Entry{ID: a, Model: h1}))
	f := d.Diff(snapshotOf(Entry{ID: a, Model: h2}))
	assert.Equal(t, []NewEntity{{a, h2}}, f.New)
	assert.Empty(t, f.Deleted)
}

func TestPublisherStoresModelsOnceAndPins(t *testing.T) {
	reg := newRegistry(t)
	enc := serial.NewEncoder(reg)
	pinner := newCountingPinner()
	w := world.New("test")
	pub := NewPublisher(w, enc, WithPinner(pinner))

	first := model(t, 1, 0xaa)
	id := w.Spawn(first, world.State{})

	s1, err := pub.Snapshot()
	require.NoError(t, err)
	require.Len(t, s1.Entries, 1)
	h1 := s1.Entries[0].Model
	deps, ok := enc.DependenciesOf(h1)
	require.True(t, ok)
	require.Len(t, deps, 2, "mesh and texture")
	assert.Equal(t, 1, pinner.count(h1))
	for _, dep := range deps {
		assert.Equal(t, 1, pinner.count(dep))
	}

	s2, err := pub.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, h1, s2.Entries[0].Model)
	assert.Equal(t, 1, pinner.count(h1), "unchanged model is not pinned twice")

	require.NoError(t, w.Update(id, func(e *world.Entity) { e.SetModel(model(t, 2, 0xbb)) }))
	s3, err := pub.Snapshot()
	require.NoError(t, err)
	h3 := s3.Entries[0].Model
	assert.NotEqual(t, h1, h3)
	assert.Zero(t, pinner.count(h1))
	assert.Equal(t, 1, pinner.count(h3))

	terrainHash, err := pub.Keep(model(t, 9, 0x01))
	require.NoError(t, err)
	assert.Equal(t, 1, pinner.count(terrainHash))

	require.True(t, w.Remove(id))
	_, err = pub.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, pinner.count(h3))

	pub.Close()
	assert.Zero(t, pinner.count(terrainHash))
}

func TestPublisherKeepsModelsWholeUnderTightBudget(t *testing.T) {
	blobs := blobstore.NewMemory(blobstore.MemoryConfig{Shards: 1, MaxBytes: 1}, nil)
	enc := serial.NewEncoder(newRegistry(t), serial.WithBlobStore(blobs))
	w := world.New("tight")
	pub := NewPublisher(w, enc, WithPinner(blobs))
	w.Spawn(model(t, 1, 0x42), world.State{})

	snap, err := pub.Snapshot()
	require.NoError(t, err)
	h := snap.Entries[0].Model
	deps, ok := enc.DependenciesOf(h)
	require.True(t, ok)
	for _, blob := range append(deps, h) {
		assert.True(t, blobs.Has(blob), "blob %s was evicted while storing", blob)
	}
	assert.Zero(t, blobs.Stats().Evictions)

	viewer := serial.NewDecoder(newRegistry(t), nil)
	blobMap, err := EncoderFetcher{Encoder: enc}.Resources(context.Background(), append(deps, h))
	require.NoError(t, err)
	for blob, data := range blobMap {
		require.NoError(t, viewer.Add(blob, data))
	}
	_, err = viewer.Load(h)
	require.NoError(t, err)

	pub.Close()
	assert.Zero(t, blobs.Stats().Pinned)
}

type pair struct {
	server protocol.Channel
	client protocol.Channel
}

func openPair(t *testing.T) pair {
	t.Helper()
	ctx := context.Background()
	a, b := protocol.Pipe(protocol.DefaultOptions(), log.Nop())
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	id := protocol.NewChannelID()
	server, err := a.OpenChannel(ctx, id)
	require.NoError(t, err)
	client, err := b.AcceptChannel(ctx, id)
	require.NoError(t, err)
	return pair{server: server, client: client}
}

func TestSubscriptionStreamsToSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverReg, clientReg := newRegistry(t), newRegistry(t)
	enc := serial.NewEncoder(serverReg)
	w := world.New("stream")
	pub := NewPublisher(w, enc)

	shared := model(t, 1, 0x42)
	a := w.Spawn(shared, world.State{Position: scene.Vector3{X: 1}})
	b := w.Spawn(shared, world.State{Position: scene.Vector3{X: 2}})

	p := openPair(t)
	sub := pub.Subscribe(p.server, time.Hour)
	fetcher := &recordingFetcher{inner: EncoderFetcher{Encoder: enc}}
	viewer, err := NewSubscriber(p.client, SubscriberConfig{
		Decoder: serial.NewDecoder(clientReg, nil),
		Fetcher: fetcher,
	})
	require.NoError(t, err)

	require.NoError(t, sub.Tick(ctx))
	assert.Equal(t, StateIdle, sub.State())
	require.NoError(t, viewer.Next(ctx))

	mirror := viewer.Mirror()
	require.Equal(t, 2, mirror.Len())
	ea, ok := mirror.Get(a)
	require.True(t, ok)
	assert.True(t, ea.Resolved)
	assert.Equal(t, scene.Vector3{X: 1}, ea.State.Position)
	container, ok := ea.Model.(*scene.Container)
	require.True(t, ok)
	require.Len(t, container.Meshes(), 1)
	assert.Equal(t, 3, fetcher.count(), "container, mesh and texture fetched once")
	assert.Empty(t, mirror.Unresolved())

	require.NoError(t, w.Update(b, func(e *world.Entity) { e.State.Position = scene.Vector3{X: 7} }))
	require.True(t, w.Remove(a))
	require.NoError(t, sub.Tick(ctx))
	require.NoError(t, viewer.Next(ctx))

	assert.Equal(t, 1, mirror.Len())
	_, ok = mirror.Get(a)
	assert.False(t, ok)
	eb, _ := mirror.Get(b)
	assert.Equal(t, scene.Vector3{X: 7}, eb.State.Position)
	assert.Equal(t, 3, fetcher.count(), "no refetch for known models")
	assert.Equal(t, uint64(2), sub.FramesSent())
	assert.Equal(t, 2, viewer.Queue().Len())
}

func TestSubscriberFetchesUnlistedDependencies(t *testing.T) {
	ctx := context.Background()
	serverReg, clientReg := newRegistry(t), newRegistry(t)
	enc := serial.NewEncoder(serverReg)

	m := model(t, 3, 0x10)
	h, err := enc.Store(m)
	require.NoError(t, err)

	p := openPair(t)
	fetcher := &recordingFetcher{inner: EncoderFetcher{Encoder: enc}, hideDependencies: true}
	viewer, err := NewSubscriber(p.client, SubscriberConfig{
		Decoder: serial.NewDecoder(clientReg, nil),
		Fetcher: fetcher,
	})
	require.NoError(t, err)

	id := world.NewEntityID()
	require.NoError(t, viewer.Apply(ctx, Frame{New: []NewEntity{{ID: id, Model: h}}}))

	e, ok := viewer.Mirror().Get(id)
	require.True(t, ok)
	assert.True(t, e.Resolved)
	assert.IsType(t, &scene.Container{}, e.Model)
	assert.Equal(t, 3, fetcher.count())
}

func TestSubscriberDecodesOnceAllBlobsArriveInAnyOrder(t *testing.T) {
	ctx := context.Background()
	serverReg, clientReg := newRegistry(t), newRegistry(t)
	enc := serial.NewEncoder(serverReg)

	m := model(t, 4, 0x20)
	h, err := enc.Store(m)
	require.NoError(t, err)
	deps, ok := enc.DependenciesOf(h)
	require.True(t, ok)

	// The peer only serves what has been "uploaded" so far.
	partial := serial.NewMapStore()
	serve := func(hash serial.Hash) {
		data, ok := enc.Blob(hash)
		require.True(t, ok)
		require.NoError(t, partial.Put(hash, data))
	}
	peer := &storeFetcher{store: partial, deps: EncoderFetcher{Encoder: enc}}

	p := openPair(t)
	viewer, err := NewSubscriber(p.client, SubscriberConfig{
		Decoder: serial.NewDecoder(clientReg, nil),
		Fetcher: peer,
	})
	require.NoError(t, err)
	id := world.NewEntityID()

	order := append([]serial.Hash{deps[1], h}, deps[0])
	for i, hash := range order {
		serve(hash)
		require.NoError(t, viewer.Apply(ctx, Frame{Timestamp: float64(i), New: []NewEntity{{ID: id, Model: h}}}))
		e, _ := viewer.Mirror().Get(id)
		assert.Equal(t, i == len(order)-1, e.Resolved, "after %d of %d blobs", i+1, len(order))
	}
}

type storeFetcher struct {
	store serial.BlobStore
	deps  Fetcher
}

func (f *storeFetcher) Dependencies(ctx context.Context, hashes []serial.Hash) ([]serial.Hash, error) {
	return f.deps.Dependencies(ctx, hashes)
}

func (f *storeFetcher) Resources(_ context.Context, hashes []serial.Hash) (map[serial.Hash][]byte, error) {
	out := make(map[serial.Hash][]byte)
	for _, h := range hashes {
		if data, ok := f.store.Get(h); ok {
			out[h] = data
		}
	}
	return out, nil
}

// failingFetcher answers every call with err once blobs are requested.
type failingFetcher struct {
	deps Fetcher
	err  error
}

func (f failingFetcher) Dependencies(ctx context.Context, hashes []serial.Hash) ([]serial.Hash, error) {
	if f.deps == nil {
		return nil, f.err
	}
	return f.deps.Dependencies(ctx, hashes)
}

func (f failingFetcher) Resources(context.Context, []serial.Hash) (map[serial.Hash][]byte, error) {
	return nil, f.err
}

var errTampered = errors.New("blob digest does not match")

func TestSubscriberReturnsFetchFailures(t *testing.T) {
	enc := serial.NewEncoder(newRegistry(t))
	h, err := enc.Store(model(t, 5, 0x30))
	require.NoError(t, err)

	tests := []struct {
		name    string
		fetcher Fetcher
		wantErr error
	}{
		{
			name:    "connection reset",
			fetcher: failingFetcher{err: syscall.ECONNRESET},
			wantErr: syscall.ECONNRESET,
		},
		{
			name:    "digest mismatch",
			fetcher: failingFetcher{deps: EncoderFetcher{Encoder: enc}, err: errTampered},
			wantErr: errTampered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := openPair(t)
			viewer, err := NewSubscriber(p.client, SubscriberConfig{
				Decoder: serial.NewDecoder(newRegistry(t), nil),
				Fetcher: tt.fetcher,
			})
			require.NoError(t, err)

			id := world.NewEntityID()
			err = viewer.Apply(context.Background(), Frame{New: []NewEntity{{ID: id, Model: h}}})
			require.ErrorIs(t, err, ErrFetchFailed)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, viewer.Queue().Len(), "nothing is queued for a failed frame")

			e, ok := viewer.Mirror().Get(id)
			require.True(t, ok)
			assert.False(t, e.Resolved)
			assert.Equal(t, map[world.EntityID]serial.Hash{id: h}, viewer.Mirror().Unresolved())
		})
	}
}

func TestSubscriberRunEndsOnFetchFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := newRegistry(t)
	p := openPair(t)
	viewer, err := NewSubscriber(p.client, SubscriberConfig{
		Decoder: serial.NewDecoder(reg, nil),
		Fetcher: failingFetcher{err: syscall.ECONNRESET},
	})
	require.NoError(t, err)

	data, err := serial.NewEncoder(reg).Encode(Frame{New: []NewEntity{{ID: world.NewEntityID(), Model: serial.SHA1([]byte("m"))}}})
	require.NoError(t, err)
	require.NoError(t, p.server.Send(ctx, data))

	err = viewer.Run(ctx)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestSubscriberQueueDropsNewestWhenFull(t *testing.T) {
	ctx := context.Background()
	p := openPair(t)
	queue := sequence.NewBounded[Frame](2)
	viewer, err := NewSubscriber(p.client, SubscriberConfig{
		Decoder: serial.NewDecoder(newRegistry(t), nil),
		Fetcher: EncoderFetcher{Encoder: serial.NewEncoder(newRegistry(t))},
		Queue:   queue,
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, viewer.Apply(ctx, Frame{Timestamp: float64(i)}))
		assert.LessOrEqual(t, queue.Len(), 2)
	}
	assert.Equal(t, uint64(3), queue.Dropped())
	assert.Equal(t, float64(5), viewer.Mirror().Timestamp(), "mirror always holds the latest frame")

	first, ok := queue.TryPop()
	require.True(t, ok)
	assert.Equal(t, float64(1), first.Timestamp)
}

func TestSubscriberRequestsResync(t *testing.T) {
	ctx := context.Background()
	p := openPair(t)
	viewer, err := NewSubscriber(p.client, SubscriberConfig{
		Decoder:                serial.NewDecoder(newRegistry(t), nil),
		Fetcher:                EncoderFetcher{Encoder: serial.NewEncoder(newRegistry(t))},
		MaxMissingDependencies: 1,
	})
	require.NoError(t, err)

	a, b := world.NewEntityID(), world.NewEntityID()
	unknown1, unknown2 := serial.SHA1([]byte("x")), serial.SHA1([]byte("y"))

	require.NoError(t, viewer.Apply(ctx, Frame{New: []NewEntity{{ID: a, Model: unknown1}}}))
	assert.Len(t, viewer.Mirror().Unresolved(), 1)

	err = viewer.Apply(ctx, Frame{New: []NewEntity{{ID: b, Model: unknown2}}})
	assert.ErrorIs(t, err, ErrResyncRequired)
}

func TestSubscriberRejectsNonFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := newRegistry(t)
	p := openPair(t)
	viewer, err := NewSubscriber(p.client, SubscriberConfig{
		Decoder: serial.NewDecoder(reg, nil),
		Fetcher: EncoderFetcher{Encoder: serial.NewEncoder(reg)},
	})
	require.NoError(t, err)

	data, err := serial.NewEncoder(reg).Encode("hello")
	require.NoError(t, err)
	require.NoError(t, p.server.Send(ctx, data))
	assert.ErrorIs(t, viewer.Next(ctx), ErrUnexpectedMessage)

	require.NoError(t, p.server.Send(ctx, []byte{0xff, 0xff}))
	assert.ErrorIs(t, viewer.Next(ctx), serial.ErrMalformedStream)
}

func TestSubscriptionRunEndsWhenViewerCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := world.New("run")
	w.Spawn(nil, world.State{})
	pub := NewPublisher(w, serial.NewEncoder(newRegistry(t)))
	p := openPair(t)
	sub := pub.Subscribe(p.server, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	_, err := p.client.Receive(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pub.Subscriptions() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.client.Close())

	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("subscription did not stop")
	}
	assert.Equal(t, StateClosed, sub.State())
	assert.Zero(t, pub.Subscriptions())
}

// flakyChannel fails sends with the queued errors before passing them on.
type flakyChannel struct {
	protocol.Channel

	mu   sync.Mutex
	errs []error
}

func (c *flakyChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *flakyChannel) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.Channel.Send(ctx, msg)
}

func TestSubscriptionRunSkipsTemporarySendFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := newRegistry(t)
	w := world.New("flaky")
	id := w.Spawn(nil, world.State{})
	pub := NewPublisher(w, serial.NewEncoder(reg))
	p := openPair(t)
	ch := &flakyChannel{Channel: p.server}
	ch.fail(protocol.WrapError(protocol.ErrTooManyPendingChans, "send frame"))
	sub := pub.Subscribe(ch, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	data, err := p.client.Receive(ctx)
	require.NoError(t, err)
	v, err := serial.NewDecoder(reg, nil).Decode(data)
	require.NoError(t, err)
	frame := v.(Frame)
	require.Len(t, frame.New, 1, "the failed frame's changes are resent")
	assert.Equal(t, id, frame.New[0].ID)
	assert.Positive(t, sub.TicksSkipped())

	ch.fail(protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "frame too large", protocol.ErrMessageTooLarge))
	select {
	case err = <-done:
		assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
		assert.True(t, protocol.IsFatal(err))
	case <-ctx.Done():
		t.Fatal("subscription kept running after a fatal send error")
	}
	assert.Equal(t, StateClosed, sub.State())
}

func TestMirrorReannounceDropsModel(t *testing.T) {
	m := NewMirror()
	id := world.NewEntityID()
	h1, h2 := serial.SHA1([]byte("1")), serial.SHA1([]byte("2"))

	m.Apply(Frame{New: []NewEntity{{id, h1}}, Updates: []EntityState{{ID: id, State: world.State{Position: scene.Vector3{X: 1}}}}})
	require.True(t, m.Resolve(id, h1, "model-1"))
	assert.False(t, m.Resolve(id, h2, "stale"))

	m.Apply(Frame{New: []NewEntity{{id, h2}}})
	e, ok := m.Get(id)
	require.True(t, ok)
	assert.False(t, e.Resolved)
	assert.Nil(t, e.Model)
	assert.Equal(t, scene.Vector3{X: 1}, e.State.Position)
	assert.Equal(t, map[world.EntityID]serial.Hash{id: h2}, m.Unresolved())

	m.Apply(Frame{Deleted: []world.EntityID{id}})
	assert.Zero(t, m.Len())
	assert.Equal(t, uint64(3), m.Frames())
}
