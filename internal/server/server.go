// Package server hosts worldsync games. It accepts viewer sessions over QUIC
// or WebSocket, serves the control methods on each session's control channel
// and streams world updates on the channels those methods open.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

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
)

// Server represents a worldsync game server
type Server struct {
	// Core components
	registry *serial.Registry
	blobs    *blobstore.Memory
	encoder  *serial.Encoder
	games    *Games
	models   *ModelLibrary
	service  *Service
	rpc      *rpc.Server

	listener protocol.Listener
	admin    *http.Server

	// Session management
	sessions     sync.Map // map[string]protocol.Session
	sessionCount int64    // atomic
	rejected     uint64   // atomic

	// Server state
	running int32 // atomic bool
	closed  int32 // atomic bool
	started time.Time

	config config.ServerConfig
	logger log.Log

	// Background workers
	workerGroup sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewServer builds a server and its game registry. Nothing listens until
// Start.
func NewServer(cfg config.ServerConfig, logger log.Log) (*Server, error) {
	if logger == nil {
		logger = log.Provide()
	}
	logger = logger.With(log.String("component", "server"))

	registry, err := replication.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	digest, err := serial.DigestByName(cfg.Digest)
	if err != nil {
		return nil, err
	}

	blobs := blobstore.NewMemory(blobstore.MemoryConfig{MaxBytes: cfg.BlobBudget}, logger)
	encoder := serial.NewEncoder(registry, serial.WithBlobStore(blobs), serial.WithDigest(digest))

	baseSize := scene.DefaultBaseSize * cfg.TerrainSize
	terrain := RollingTerrain(defaultTerrainCells, baseSize, cfg.TerrainHeight)
	if cfg.TerrainRelief != "" {
		terrain = ReliefTerrain(cfg.TerrainRelief, baseSize, cfg.TerrainHeight)
	}

	s := &Server{
		registry: registry,
		blobs:    blobs,
		encoder:  encoder,
		games:    NewGames(encoder, blobs, terrain, cfg.TickInterval, logger),
		models:   DefaultModelLibrary(),
		rpc:      rpc.NewServer(logger),
		config:   cfg,
		logger:   logger,
	}
	s.service = NewService(s.games, s.models, encoder, cfg.UpdateInterval, logger)
	s.service.Register(s.rpc)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.logger.Info("Server created",
		log.String("transport", cfg.Transport.Kind),
		log.String("listen_addr", cfg.Transport.Address),
		log.String("digest", cfg.Digest),
		log.Int("max_sessions", cfg.MaxSessions))

	return s, nil
}

func (s *Server) Games() *Games            { return s.games }
func (s *Server) Models() *ModelLibrary    { return s.models }
func (s *Server) Encoder() *serial.Encoder { return s.encoder }
func (s *Server) Blobs() *blobstore.Memory { return s.blobs }
func (s *Server) Running() bool            { return atomic.LoadInt32(&s.running) == 1 }

// Addr is the address the session listener is bound to, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// Start creates the configured games, binds the session listener and the
// admin API, and starts accepting sessions.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	for _, name := range s.config.Games {
		if _, err := s.games.Create(name); err != nil && !errors.Is(err, ErrGameExists) {
			atomic.StoreInt32(&s.running, 0)
			return err
		}
	}

	listener, err := s.listen()
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %w", ErrListenerFailed, err)
	}
	s.listener = listener

	if s.config.AdminAddress != "" {
		if err = s.startAdmin(); err != nil {
			_ = listener.Close()
			atomic.StoreInt32(&s.running, 0)
			return err
		}
	}

	s.started = time.Now()
	s.workerGroup.Add(1)
	go func() {
		defer s.workerGroup.Done()
		s.acceptSessions()
	}()

	s.logger.Info("Server listening", log.String("addr", listener.Addr()))
	return nil
}

func (s *Server) listen() (protocol.Listener, error) {
	t := s.config.Transport
	switch t.Transport() {
	case protocol.TransportQUIC:
		cfg := quic.DefaultConfig()
		cfg.Options = t.Options()
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			return nil, err
		}
		cfg.TLSConfig = tlsConfig
		return quic.Listen(t.Address, cfg, s.logger)
	case protocol.TransportWebSocket:
		cfg := websocket.DefaultConfig()
		cfg.Options = t.Options()
		cfg.Path = t.WebSocketPath
		return websocket.Listen(t.Address, cfg, s.logger)
	default:
		return nil, protocol.WrapError(protocol.ErrTransportNotSupported, t.Kind)
	}
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	t := s.config.Transport
	if t.CertFile != "" {
		return quic.LoadTLS(t.CertFile, t.KeyFile)
	}
	s.logger.Warn("No certificate configured, using a self-signed one")
	return quic.GenerateSelfSignedTLS()
}

func (s *Server) startAdmin() error {
	ln, err := net.Listen("tcp", s.config.AdminAddress)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	s.admin = &http.Server{
		Handler:           NewAdminHandler(s).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server stopped", log.Error(err))
		}
	}()
	s.logger.Info("Admin API listening", log.String("addr", ln.Addr().String()))
	return nil
}

// Stop stops accepting sessions, closes the open ones and waits for their
// streams to end. Games keep running until Close.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			s.logger.Warn("Admin shutdown incomplete", log.Error(err))
		}
	}

	s.sessions.Range(func(_, value any) bool {
		_ = value.(protocol.Session).Close()
		return true
	})

	s.workerGroup.Wait()
	s.service.Wait()

	s.logger.Info("Server stopped")
	return nil
}

// Close stops the server if it is running and shuts every game down.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}

	s.logger.Info("Closing server")

	if atomic.LoadInt32(&s.running) == 1 {
		_ = s.Stop(context.Background())
	}
	s.cancel()
	s.games.Close()

	s.logger.Info("Server closed")
	return nil
}

// acceptSessions accepts viewer sessions until the listener closes
func (s *Server) acceptSessions() {
	s.logger.Debug("Session acceptor started")
	defer s.logger.Debug("Session acceptor stopped")

	for atomic.LoadInt32(&s.running) == 1 {
		session, err := s.listener.Accept(s.ctx)
		if err != nil {
			if atomic.LoadInt32(&s.running) == 0 || s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, protocol.ErrListenerClosed) || protocol.IsFatal(err) {
				s.logger.Error("Session acceptor failed", log.Error(err))
				return
			}
			s.logger.Warn("Failed to accept session", log.Error(err), log.Bool("temporary", protocol.IsTemporary(err)))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if int(atomic.LoadInt64(&s.sessionCount)) >= s.config.MaxSessions {
			atomic.AddUint64(&s.rejected, 1)
			s.logger.Warn("Maximum sessions reached, rejecting session",
				log.String("remote_addr", session.RemoteAddr()))
			_ = session.Close()
			continue
		}

		s.workerGroup.Add(1)
		go func() {
			defer s.workerGroup.Done()
			_ = s.Serve(s.ctx, session)
		}()
	}
}

// Serve runs the control methods for one session until the viewer closes its
// control channel, the session drops or ctx ends. Every stream the session
// opened ends with it. The session is closed on return.
func (s *Server) Serve(ctx context.Context, session protocol.Session) error {
	s.sessions.Store(session.ID(), session)
	atomic.AddInt64(&s.sessionCount, 1)

	logger := s.logger.With(log.String("session_id", session.ID()))
	logger.Info("Session connected",
		log.String("remote_addr", session.RemoteAddr()),
		log.Int64("total_sessions", atomic.LoadInt64(&s.sessionCount)))

	defer func() {
		s.sessions.Delete(session.ID())
		atomic.AddInt64(&s.sessionCount, -1)
		_ = session.Close()
		logger.Info("Session disconnected", log.Int64("total_sessions", atomic.LoadInt64(&s.sessionCount)))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.rpc.ServeSession(ctx, session)
	if err != nil && ctx.Err() == nil && !errors.Is(err, protocol.ErrSessionClosed) {
		logger.Error("Session torn down", log.Error(err))
		return err
	}
	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	stats := Stats{
		Sessions:         atomic.LoadInt64(&s.sessionCount),
		RejectedSessions: atomic.LoadUint64(&s.rejected),
		Games:            s.games.Len(),
		Blobs:            s.blobs.Stats(),
		Running:          s.Running(),
	}
	if stats.Running {
		stats.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	for _, g := range s.games.List() {
		stats.Entities += g.World.Len()
		stats.Subscriptions += g.Publisher.Subscriptions()
	}
	return stats
}

// Stats contains server statistics
type Stats struct {
	Sessions         int64           `json:"sessions"`
	RejectedSessions uint64          `json:"rejected_sessions"`
	Games            int             `json:"games"`
	Entities         int             `json:"entities"`
	Subscriptions    int             `json:"subscriptions"`
	Blobs            blobstore.Stats `json:"blobs"`
	Running          bool            `json:"running"`
	Uptime           string          `json:"uptime,omitempty"`
}
