// Package client is the Go SDK for worldsync viewers. A Client connects to a
// server, calls its control methods and watches games: frames are received
// on an update channel, the models they reference are fetched into a local
// blob cache, and a Mirror of the world is kept for the caller to render.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/worldsync/internal/api"
	"github.com/zeusync/worldsync/internal/config"
	"github.com/zeusync/worldsync/internal/core/blobstore"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/protocol/quic"
	"github.com/zeusync/worldsync/internal/core/protocol/websocket"
	"github.com/zeusync/worldsync/internal/core/replication"
	"github.com/zeusync/worldsync/internal/core/rpc"
	"github.com/zeusync/worldsync/internal/core/scene"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/pkg/concurrent"
	"github.com/zeusync/worldsync/pkg/sequence"
)

// Client represents a worldsync viewer connection
type Client struct {
	// Connection management
	session protocol.Session
	rpc     *rpc.Client
	fetcher *RemoteFetcher

	// Local state
	registry *serial.Registry
	cache    blobstore.Store
	disk     *blobstore.Disk
	decoder  *serial.Decoder
	digest   serial.Digest

	// Event handlers
	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	connected int32 // atomic bool
	closed    int32 // atomic bool
	resyncs   uint64

	config Config
	logger log.Log
}

// Config holds configuration for the client
type Config struct {
	// Connection settings
	Transport      protocol.Transport
	ServerAddr     string
	WebSocketPath  string
	Options        protocol.Options
	ConnectTimeout time.Duration

	// Digest must match the server's.
	Digest string

	// Blob cache. An empty CachePath keeps blobs in memory only.
	CachePath   string
	CacheBudget int64
	DiskBudget  int64

	// Replication
	QueueCapacity          int
	MaxMissingDependencies int
	FetchConcurrency       int
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return ConfigFromViewer(config.Default().Viewer)
}

// ConfigFromViewer converts the viewer section of the configuration file.
func ConfigFromViewer(v config.ViewerConfig) Config {
	return Config{
		Transport:              v.Transport.Transport(),
		ServerAddr:             v.Transport.Address,
		WebSocketPath:          v.Transport.WebSocketPath,
		Options:                v.Transport.Options(),
		ConnectTimeout:         10 * time.Second,
		Digest:                 v.Digest,
		CachePath:              v.CachePath,
		CacheBudget:            v.CacheBudget,
		DiskBudget:             v.DiskBudget,
		QueueCapacity:          v.QueueCapacity,
		MaxMissingDependencies: v.MaxMissingDependencies,
		FetchConcurrency:       v.FetchConcurrency,
	}
}

// EventHandler defines a function type for handling client events
type EventHandler func(event Event) error

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeResync       EventType = "resync"
	EventTypeError        EventType = "error"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
	Error     error
}

// NewClient creates a client and opens its blob cache.
func NewClient(cfg Config, logger log.Log) (*Client, error) {
	if logger == nil {
		logger = log.Provide()
	}
	logger = logger.With(log.String("component", "client"))

	registry, err := replication.NewRegistry()
	if err != nil {
		return nil, err
	}
	digest, err := serial.DigestByName(cfg.Digest)
	if err != nil {
		return nil, err
	}

	c := &Client{
		registry:      registry,
		digest:        digest,
		eventHandlers: make(map[EventType][]EventHandler),
		config:        cfg,
		logger:        logger,
	}

	memory := blobstore.NewMemory(blobstore.MemoryConfig{MaxBytes: cfg.CacheBudget}, logger)
	c.cache = memory
	if cfg.CachePath != "" {
		c.disk, err = blobstore.OpenDisk(blobstore.DiskConfig{Path: cfg.CachePath}, logger)
		if err != nil {
			return nil, fmt.Errorf("open blob cache: %w", err)
		}
		if cfg.DiskBudget > 0 {
			if n, err := c.disk.Prune(context.Background(), cfg.DiskBudget); err != nil {
				c.logger.Warn("Failed to prune blob cache", log.Error(err))
			} else if n > 0 {
				c.logger.Info("Blob cache pruned", log.Int("removed", n))
			}
		}
		c.cache = blobstore.NewTiered(memory, c.disk, logger)
	}
	c.decoder = serial.NewDecoder(registry, c.cache)

	c.logger.Info("Client created", log.String("cache", cfg.CachePath), log.String("digest", cfg.Digest))
	return c, nil
}

// Connect dials the configured server.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if atomic.LoadInt32(&c.connected) == 1 {
		return ErrAlreadyConnected
	}

	c.logger.Info("Connecting to server", log.String("addr", c.config.ServerAddr), log.String("transport", string(c.config.Transport)))

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	session, err := c.dial(connectCtx)
	if err != nil {
		c.logger.Error("Failed to connect to server", log.String("addr", c.config.ServerAddr), log.Error(err))
		return err
	}
	if err = c.Attach(connectCtx, session); err != nil {
		_ = session.Close()
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (protocol.Session, error) {
	switch c.config.Transport {
	case protocol.TransportQUIC, "":
		cfg := quic.DefaultConfig()
		cfg.Options = c.config.Options
		return quic.Dial(ctx, c.config.ServerAddr, cfg, c.logger)
	case protocol.TransportWebSocket:
		cfg := websocket.DefaultConfig()
		cfg.Options = c.config.Options
		return websocket.Dial(ctx, WebSocketURL(c.config.ServerAddr, c.config.WebSocketPath), cfg, c.logger)
	default:
		return nil, protocol.WrapError(protocol.ErrTransportNotSupported, string(c.config.Transport))
	}
}

// WebSocketURL turns a host:port into a ws:// URL on path. Addresses that
// already carry a scheme are returned unchanged.
func WebSocketURL(addr, path string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	if path == "" {
		path = "/ws"
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	return u.String()
}

// Attach uses an already established session, opening its control channel.
func (c *Client) Attach(ctx context.Context, session protocol.Session) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	rpcClient, err := rpc.Dial(ctx, session, c.logger)
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return err
	}
	c.session = session
	c.rpc = rpcClient
	c.fetcher = NewRemoteFetcher(rpcClient, session, c.digest, c.config.FetchConcurrency, c.logger)

	c.logger.Info("Connected to server", log.String("session_id", session.ID()), log.String("remote_addr", session.RemoteAddr()))
	c.emitEvent(Event{
		Type:      EventTypeConnected,
		Timestamp: time.Now(),
		Data: map[string]any{
			"session_id":  session.ID(),
			"remote_addr": session.RemoteAddr(),
		},
	})
	return nil
}

// Disconnect closes the connection to the server
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from server")

	if c.rpc != nil {
		_ = c.rpc.Close()
	}
	if c.session != nil {
		_ = c.session.Close()
	}

	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now()})
	c.logger.Info("Disconnected from server")
	return nil
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil // Already closed
	}

	c.logger.Info("Closing client")

	if atomic.LoadInt32(&c.connected) == 1 {
		_ = c.Disconnect()
	}
	if c.disk != nil {
		if err := c.disk.Close(); err != nil {
			c.logger.Warn("Failed to close blob cache", log.Error(err))
		}
	}

	c.logger.Info("Client closed")
	return nil
}

func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

func (c *Client) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Cache is the local blob cache models are decoded from.
func (c *Client) Cache() blobstore.Store {
	return c.cache
}

// Resyncs counts how often a watch had to start over.
func (c *Client) Resyncs() uint64 {
	return atomic.LoadUint64(&c.resyncs)
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}
	return c.rpc.Call(ctx, method, params, result)
}

func (c *Client) ListGames(ctx context.Context) ([]api.GameInfo, error) {
	var result api.GamesResult
	if err := c.call(ctx, api.MethodListGames, nil, &result); err != nil {
		return nil, err
	}
	return result.Games, nil
}

func (c *Client) CreateGame(ctx context.Context, name string) (api.GameInfo, error) {
	var info api.GameInfo
	err := c.call(ctx, api.MethodCreateGame, api.GameParams{Game: name}, &info)
	return info, err
}

// EnsureGame creates name unless it already exists.
func (c *Client) EnsureGame(ctx context.Context, name string) error {
	_, err := c.CreateGame(ctx, name)
	if rpc.IsCode(err, rpc.CodeConflict) {
		return nil
	}
	return err
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var result api.ModelsResult
	if err := c.call(ctx, api.MethodListModels, nil, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// CreateStaticObject spawns an entity showing the named library model.
func (c *Client) CreateStaticObject(ctx context.Context, game, model string, position, velocity scene.Vector3) (world.EntityID, error) {
	var result api.CreateStaticObjectResult
	params := api.CreateStaticObjectParams{Game: game, Model: model, Position: position, Velocity: velocity}
	if err := c.call(ctx, api.MethodCreateStaticObject, params, &result); err != nil {
		return world.EntityID{}, err
	}
	return world.ParseEntityID(result.EntityID)
}

// Terrain fetches and decodes the terrain of game.
func (c *Client) Terrain(ctx context.Context, game string) (*scene.Terrain, error) {
	var result api.TerrainResult
	if err := c.call(ctx, api.MethodGetTerrain, api.GameParams{Game: game}, &result); err != nil {
		return nil, err
	}
	v, err := c.Load(ctx, result.Hash)
	if err != nil {
		return nil, err
	}
	terrain, ok := v.(*scene.Terrain)
	if !ok {
		return nil, fmt.Errorf("%w: terrain is %T", ErrUnexpectedModel, v)
	}
	return terrain, nil
}

// Load decodes the value stored under h, fetching it and its dependencies
// when the cache does not have them. Fully cached values load offline.
func (c *Client) Load(ctx context.Context, h serial.Hash) (any, error) {
	if missing := c.decoder.Missing([]serial.Hash{h}); len(missing) > 0 {
		if atomic.LoadInt32(&c.connected) == 0 {
			return nil, ErrNotConnected
		}
		deps, err := c.fetcher.Dependencies(ctx, missing)
		if err != nil {
			return nil, err
		}
		if err = c.fetchInto(ctx, c.decoder.Missing(append(missing, deps...))); err != nil {
			return nil, err
		}
	}
	return c.decoder.Load(h)
}

func (c *Client) fetchInto(ctx context.Context, hashes []serial.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	blobs, err := c.fetcher.Resources(ctx, hashes)
	if err != nil {
		return err
	}
	for h, data := range blobs {
		if err = c.decoder.Add(h, data); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe opens an update channel for game. Frames are applied to mirror
// and pushed to queue; either may be nil to use fresh ones.
func (c *Client) Subscribe(ctx context.Context, game string, mirror *replication.Mirror, queue *sequence.Bounded[replication.Frame]) (*replication.Subscriber, error) {
	var result api.ChannelResult
	if err := c.call(ctx, api.MethodOpenUpdateChannel, api.GameParams{Game: game}, &result); err != nil {
		return nil, err
	}
	id, err := protocol.ParseChannelID(result.Channel)
	if err != nil {
		return nil, err
	}
	ch, err := c.session.AcceptChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		queue = sequence.NewBounded[replication.Frame](c.config.QueueCapacity)
	}

	sub, err := replication.NewSubscriber(ch, replication.SubscriberConfig{
		Decoder:                c.decoder,
		Fetcher:                c.fetcher,
		Mirror:                 mirror,
		Queue:                  queue,
		MaxMissingDependencies: c.config.MaxMissingDependencies,
		Logger:                 c.logger,
	})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return sub, nil
}

// FrameHandler is called for every frame admitted to the ready queue, with
// the mirror the frame was applied to.
type FrameHandler func(frame replication.Frame, mirror *replication.Mirror) error

// Watch streams game until ctx ends or the server closes the update channel.
// When the viewer falls too far behind, the mirror is reset and a fresh
// update channel is opened. A handler error stops the watch.
func (c *Client) Watch(ctx context.Context, game string, handle FrameHandler) error {
	mirror := replication.NewMirror()
	queue := sequence.NewBounded[replication.Frame](c.config.QueueCapacity)

	return concurrent.Go(ctx,
		func(ctx context.Context) error {
			defer queue.Close()
			return c.receive(ctx, game, mirror, queue)
		},
		func(ctx context.Context) error {
			for {
				frame, ok := queue.Pop(ctx)
				if !ok {
					return nil
				}
				if err := handle(frame, mirror); err != nil {
					return err
				}
			}
		},
	)
}

func (c *Client) receive(ctx context.Context, game string, mirror *replication.Mirror, queue *sequence.Bounded[replication.Frame]) error {
	for {
		sub, err := c.Subscribe(ctx, game, mirror, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = sub.Run(ctx)
		_ = sub.Close()
		if err == nil {
			return nil
		}
		if !errors.Is(err, replication.ErrResyncRequired) {
			c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Data: map[string]any{"game": game}, Error: err})
			return err
		}

		n := atomic.AddUint64(&c.resyncs, 1)
		c.logger.Warn("Resyncing", log.String("game", game), log.Uint64("resyncs", n))
		c.emitEvent(Event{
			Type:      EventTypeResync,
			Timestamp: time.Now(),
			Data:      map[string]any{"game": game},
			Error:     err,
		})
		mirror.Reset()
	}
}

// OnEvent registers a handler for eventType.
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// emitEvent emits an event to registered handlers
func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler) {
			if err := h(event); err != nil {
				c.logger.Error("Event handler error", log.Error(err))
			}
		}(handler)
	}
}
