package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/api"
	"github.com/zeusync/worldsync/internal/config"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/replication"
	"github.com/zeusync/worldsync/internal/core/rpc"
	"github.com/zeusync/worldsync/internal/core/scene"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/internal/server"
)

var errStop = errors.New("stop watching")

func testConfig() Config {
	cfg := DefaultClientConfig()
	cfg.CachePath = ""
	return cfg
}

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default().Server
	cfg.AdminAddress = ""
	cfg.TickInterval = 5 * time.Millisecond
	cfg.UpdateInterval = 10 * time.Millisecond

	srv, err := server.NewServer(cfg, log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// attach connects a new client to srv over an in-process pipe.
func attach(t *testing.T, srv *server.Server, cfg Config) *Client {
	t.Helper()

	c, err := NewClient(cfg, log.Nop())
	require.NoError(t, err)

	clientSession, serverSession := protocol.Pipe(protocol.DefaultOptions(), log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, serverSession) }()

	require.NoError(t, c.Attach(ctx, clientSession))
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("session was not released")
		}
	})
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_GamesAndObjects(t *testing.T) {
	srv := newTestServer(t)
	c := attach(t, srv, testConfig())
	ctx := testCtx(t)

	info, err := c.CreateGame(ctx, "arena")
	require.NoError(t, err)
	assert.Equal(t, "arena", info.Name)

	_, err = c.CreateGame(ctx, "arena")
	assert.True(t, rpc.IsCode(err, rpc.CodeConflict), "got %v", err)
	require.NoError(t, c.EnsureGame(ctx, "arena"))
	require.NoError(t, c.EnsureGame(ctx, "sandbox"))

	games, err := c.ListGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "arena", games[0].Name)

	models, err := c.ListModels(ctx)
	require.NoError(t, err)
	assert.Contains(t, models, "cube")

	id, err := c.CreateStaticObject(ctx, "arena", "cube", scene.Vector3{X: 4}, scene.Vector3{})
	require.NoError(t, err)
	game, err := srv.Games().Get("arena")
	require.NoError(t, err)
	entity, ok := game.World.Get(id)
	require.True(t, ok)
	assert.Equal(t, float32(4), entity.State.Position.X)

	_, err = c.CreateStaticObject(ctx, "arena", "teapot", scene.Vector3{}, scene.Vector3{})
	assert.True(t, rpc.IsCode(err, rpc.CodeNotFound), "got %v", err)
}

func TestClient_Terrain(t *testing.T) {
	srv := newTestServer(t)
	c := attach(t, srv, testConfig())
	ctx := testCtx(t)

	game, err := srv.Games().Create("arena")
	require.NoError(t, err)

	terrain, err := c.Terrain(ctx, "arena")
	require.NoError(t, err)
	want := game.World.Terrain()
	require.NotNil(t, want)
	assert.Equal(t, want.Columns(), terrain.Columns())
	assert.Equal(t, want.Rows(), terrain.Rows())
	assert.True(t, c.Cache().Has(game.Terrain), "the terrain blob is cached")

	// Loading again is served from the cache.
	v, err := c.Load(ctx, game.Terrain)
	require.NoError(t, err)
	assert.IsType(t, &scene.Terrain{}, v)
}

func TestClient_Watch(t *testing.T) {
	srv := newTestServer(t)
	c := attach(t, srv, testConfig())
	ctx := testCtx(t)

	game, err := srv.Games().Create("arena")
	require.NoError(t, err)
	moving := game.World.Spawn(mustModel(t, srv, "transporter"), world.State{
		Rotation: scene.IdentityQuaternion,
		Velocity: scene.Vector3{X: 1},
	})

	frames := 0
	err = c.Watch(ctx, "arena", func(frame replication.Frame, mirror *replication.Mirror) error {
		frames++
		entity, ok := mirror.Get(moving)
		if !ok || !entity.Resolved {
			return nil
		}
		if _, isContainer := entity.Model.(*scene.Container); !isContainer {
			return nil
		}
		if entity.State.Position.X <= 0 {
			return nil
		}
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	assert.Positive(t, frames)
	assert.Zero(t, c.Resyncs())

	assert.Eventually(t, func() bool { return game.Publisher.Subscriptions() == 0 }, 2*time.Second, 5*time.Millisecond,
		"the update channel is closed when the watch ends")
}

func TestClient_WatchUnknownGame(t *testing.T) {
	srv := newTestServer(t)
	c := attach(t, srv, testConfig())

	err := c.Watch(testCtx(t), "nowhere", func(replication.Frame, *replication.Mirror) error { return nil })
	assert.True(t, rpc.IsCode(err, rpc.CodeNotFound), "got %v", err)
}

func TestClient_DiskCache(t *testing.T) {
	srv := newTestServer(t)
	cfg := testConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "blobs.db")
	c := attach(t, srv, cfg)
	ctx := testCtx(t)

	game, err := srv.Games().Create("arena")
	require.NoError(t, err)
	_, err = c.Terrain(ctx, "arena")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// A fresh client over the same file finds the terrain without a server.
	reopened, err := NewClient(cfg, log.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Cache().Has(game.Terrain))
	v, err := reopened.Load(ctx, game.Terrain)
	require.NoError(t, err)
	assert.IsType(t, &scene.Terrain{}, v)
}

func TestClient_Lifecycle(t *testing.T) {
	c, err := NewClient(testConfig(), log.Nop())
	require.NoError(t, err)

	_, err = c.ListGames(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)

	connected := make(chan Event, 1)
	c.OnEvent(EventTypeConnected, func(e Event) error {
		connected <- e
		return nil
	})

	srv := newTestServer(t)
	clientSession, serverSession := protocol.Pipe(protocol.DefaultOptions(), log.Nop())
	go func() { _ = srv.Serve(context.Background(), serverSession) }()

	require.NoError(t, c.Attach(context.Background(), clientSession))
	assert.ErrorIs(t, c.Attach(context.Background(), clientSession), ErrAlreadyConnected)
	assert.True(t, c.IsConnected())

	select {
	case e := <-connected:
		assert.Equal(t, clientSession.ID(), e.Data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}

	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:2718/ws", WebSocketURL("127.0.0.1:2718", ""))
	assert.Equal(t, "ws://host:80/updates", WebSocketURL("host:80", "/updates"))
	assert.Equal(t, "wss://example.com/ws", WebSocketURL("wss://example.com/ws", "/other"))
}

func TestRemoteFetcher_Verifies(t *testing.T) {
	good := []byte("good blob")
	goodHash := serial.SHA1(good)
	otherHash := serial.SHA1([]byte("other"))

	tests := []struct {
		name    string
		request []serial.Hash
		reply   func(h serial.Hash) []byte
		wantErr error
	}{
		{
			name:    "matching blob",
			request: []serial.Hash{goodHash},
			reply:   func(h serial.Hash) []byte { return api.AppendResource(nil, h, good) },
		},
		{
			name:    "tampered blob",
			request: []serial.Hash{goodHash},
			reply:   func(h serial.Hash) []byte { return api.AppendResource(nil, h, []byte("evil")) },
			wantErr: ErrDigestMismatch,
		},
		{
			name:    "wrong order",
			request: []serial.Hash{goodHash},
			reply:   func(serial.Hash) []byte { return api.AppendResource(nil, otherHash, good) },
			wantErr: ErrResourceOutOfOrder,
		},
		{
			name:    "missing blob",
			request: []serial.Hash{otherHash},
			reply:   func(h serial.Hash) []byte { return api.AppendResource(nil, h, nil) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := startFakeServer(t, tt.reply)
			blobs, err := fetcher.Resources(testCtx(t), tt.request)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.request[0] == goodHash {
				assert.Equal(t, good, blobs[goodHash])
			} else {
				assert.Empty(t, blobs)
			}
		})
	}
}

// noDependencies lists no dependencies, so only get_resources is asked.
type noDependencies struct {
	*RemoteFetcher
}

func (noDependencies) Dependencies(context.Context, []serial.Hash) ([]serial.Hash, error) {
	return nil, nil
}

func TestSubscriber_TamperedBlobEndsStream(t *testing.T) {
	ctx := testCtx(t)
	reg, err := replication.NewRegistry()
	require.NoError(t, err)
	model := serial.SHA1([]byte("model blob"))

	fetcher := startFakeServer(t, func(h serial.Hash) []byte { return api.AppendResource(nil, h, []byte("evil")) })
	a, b := protocol.Pipe(protocol.DefaultOptions(), log.Nop())
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	ch, err := a.OpenChannel(ctx, protocol.NewChannelID())
	require.NoError(t, err)

	sub, err := replication.NewSubscriber(ch, replication.SubscriberConfig{
		Decoder: serial.NewDecoder(reg, nil),
		Fetcher: noDependencies{fetcher},
	})
	require.NoError(t, err)

	id := world.NewEntityID()
	err = sub.Apply(ctx, replication.Frame{New: []replication.NewEntity{{ID: id, Model: model}}})
	assert.ErrorIs(t, err, replication.ErrFetchFailed)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.Zero(t, sub.Queue().Len())
	assert.Len(t, sub.Mirror().Unresolved(), 1)
}

// startFakeServer answers get_resources with reply(h) for every hash asked.
func startFakeServer(t *testing.T, reply func(serial.Hash) []byte) *RemoteFetcher {
	t.Helper()

	srv := rpc.NewServer(log.Nop())
	srv.Handle(api.MethodGetResources, rpc.Typed(func(ctx context.Context, p api.HashesParams) (api.ChannelResult, error) {
		session, _ := rpc.SessionFromContext(ctx)
		ch, err := session.OpenChannel(ctx, protocol.NewChannelID())
		if err != nil {
			return api.ChannelResult{}, err
		}
		go func() {
			defer ch.Close()
			for _, h := range p.Hashes {
				if err := ch.Send(ctx, reply(h)); err != nil {
					return
				}
			}
		}()
		return api.ChannelResult{Channel: ch.ID().String()}, nil
	}))

	clientSession, serverSession := protocol.Pipe(protocol.DefaultOptions(), log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.ServeSession(ctx, serverSession) }()

	rpcClient, err := rpc.Dial(ctx, clientSession, log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rpcClient.Close()
		_ = clientSession.Close()
		cancel()
	})
	return NewRemoteFetcher(rpcClient, clientSession, serial.SHA1, 2, log.Nop())
}

func TestChunk(t *testing.T) {
	hashes := make([]serial.Hash, 5)
	for i := range hashes {
		hashes[i] = serial.SHA1([]byte{byte(i)})
	}
	batches := chunk(hashes, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)
	assert.Empty(t, chunk(nil, 2))
}

func mustModel(t *testing.T, srv *server.Server, name string) any {
	t.Helper()
	m, ok := srv.Models().Get(name)
	require.True(t, ok)
	return m
}
