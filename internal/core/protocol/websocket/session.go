// Package websocket multiplexes protocol channels over a single WebSocket
// connection. Every binary WebSocket message carries the 16-byte channel id,
// one op byte, and for data messages a frame body.
package websocket

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

const (
	opOpen  byte = 1
	opData  byte = 2
	opClose byte = 3

	headerSize  = 17
	inboxBuffer = 64
)

// Config holds WebSocket-specific configuration
type Config struct {
	protocol.Options

	Path         string
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	BufferSize   int
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		Options:      protocol.DefaultOptions(),
		Path:         "/ws",
		WriteTimeout: 10 * time.Second,
		PingPeriod:   30 * time.Second,
		BufferSize:   32 * 1024,
	}
}

var _ protocol.Session = (*Session)(nil)

// Session wraps one WebSocket connection.
type Session struct {
	id       string
	conn     *websocket.Conn
	config   Config
	router   *protocol.Router
	mu       sync.Mutex
	channels map[protocol.ChannelID]*Channel
	writeMu  sync.Mutex
	closed   int32 // atomic bool
	done     chan struct{}
	logger   log.Log
}

func newSession(conn *websocket.Conn, config Config, logger log.Log) *Session {
	if logger == nil {
		logger = log.Provide()
	}
	id := uuid.NewString()
	logger = logger.With(
		log.String("session_id", id),
		log.String("transport", string(protocol.TransportWebSocket)),
		log.String("remote_addr", conn.RemoteAddr().String()))

	s := &Session{
		id:       id,
		conn:     conn,
		config:   config,
		router:   protocol.NewRouter(config.MaxPendingChannels, logger),
		channels: make(map[protocol.ChannelID]*Channel),
		done:     make(chan struct{}),
		logger:   logger,
	}

	conn.SetReadLimit(int64(config.MaxMessageSize) + headerSize + 5)
	s.logger.Info("WebSocket session established")

	go s.readLoop()
	if config.PingPeriod > 0 {
		go s.pingLoop()
	}
	return s
}

func (s *Session) ID() string            { return s.id }
func (s *Session) RemoteAddr() string    { return s.conn.RemoteAddr().String() }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) OpenChannel(ctx context.Context, id protocol.ChannelID) (protocol.Channel, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, protocol.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := newChannel(id, s)
	s.mu.Lock()
	if _, exists := s.channels[id]; exists {
		s.mu.Unlock()
		return nil, protocol.NewProtocolError(protocol.ErrorCodeChannelExists, id.String(), protocol.ErrChannelExists)
	}
	s.channels[id] = ch
	s.mu.Unlock()

	if err := s.write(ctx, id, opOpen, nil); err != nil {
		s.forget(id)
		return nil, err
	}

	s.logger.Debug("Channel opened", log.Stringer("channel_id", id))
	return ch, nil
}

func (s *Session) AcceptChannel(ctx context.Context, id protocol.ChannelID) (protocol.Channel, error) {
	return s.router.Accept(ctx, id)
}

// Close sends a close frame and tears down every channel.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.logger.Info("Closing WebSocket session")
	close(s.done)
	s.router.Close()

	s.writeMu.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	_ = s.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.conn.Close()
}

func (s *Session) write(ctx context.Context, id protocol.ChannelID, op byte, body []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return protocol.ErrSessionClosed
	}

	msg := make([]byte, 0, headerSize+len(body))
	msg = append(msg, id[:]...)
	msg = append(msg, op)
	msg = append(msg, body...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Time{}
	if s.config.WriteTimeout > 0 {
		deadline = time.Now().Add(s.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (s *Session) readLoop() {
	defer func() { _ = s.Close() }()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				atomic.LoadInt32(&s.closed) == 0 {
				s.logger.Error("WebSocket read failed", log.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(data) < headerSize {
			s.logger.Error("Malformed WebSocket message", log.Int("size", len(data)))
			return
		}

		var id protocol.ChannelID
		copy(id[:], data)
		op, body := data[16], data[headerSize:]

		switch op {
		case opOpen:
			s.admit(id)
		case opData:
			s.mu.Lock()
			ch := s.channels[id]
			s.mu.Unlock()
			if ch != nil {
				ch.push(body)
			}
		case opClose:
			s.mu.Lock()
			ch := s.channels[id]
			s.mu.Unlock()
			if ch != nil {
				ch.remoteClose()
			}
		default:
			s.logger.Error("Unknown WebSocket op", log.Int("op", int(op)))
			return
		}
	}
}

func (s *Session) admit(id protocol.ChannelID) {
	ch := newChannel(id, s)
	s.mu.Lock()
	if _, exists := s.channels[id]; exists {
		s.mu.Unlock()
		s.logger.Warn("Peer reopened an existing channel", log.Stringer("channel_id", id))
		return
	}
	s.channels[id] = ch
	s.mu.Unlock()

	if err := s.router.Deliver(ch); err != nil {
		s.logger.Debug("Channel rejected", log.Stringer("channel_id", id), log.Error(err))
		return
	}
	s.logger.Debug("Channel accepted", log.Stringer("channel_id", id))
}

func (s *Session) forget(id protocol.ChannelID) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Error("Failed to send ping", log.Error(err))
				_ = s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

var _ protocol.Channel = (*Channel)(nil)

// Channel is one logical stream inside a WebSocket session.
type Channel struct {
	id         protocol.ChannelID
	session    *Session
	inbox      chan []byte
	localDone  chan struct{}
	remoteDone chan struct{}
	localOnce  sync.Once
	remoteOnce sync.Once
}

func newChannel(id protocol.ChannelID, session *Session) *Channel {
	return &Channel{
		id:         id,
		session:    session,
		inbox:      make(chan []byte, inboxBuffer),
		localDone:  make(chan struct{}),
		remoteDone: make(chan struct{}),
	}
}

func (c *Channel) ID() protocol.ChannelID { return c.id }

func (c *Channel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.localDone:
		return protocol.ErrChannelClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := protocol.EncodeBody(msg, c.session.config.Compression, c.session.config.MaxMessageSize)
	if err != nil {
		return err
	}
	return c.session.write(ctx, c.id, opData, body)
}

func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case body := <-c.inbox:
		return protocol.DecodeBody(body, c.session.config.MaxMessageSize)
	case <-c.localDone:
		return nil, protocol.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.remoteDone:
		return c.drain(io.EOF)
	case <-c.session.done:
		return c.drain(protocol.ErrSessionClosed)
	}
}

func (c *Channel) drain(final error) ([]byte, error) {
	select {
	case body := <-c.inbox:
		return protocol.DecodeBody(body, c.session.config.MaxMessageSize)
	default:
		return nil, final
	}
}

// push blocks the session reader while the inbox is full.
func (c *Channel) push(body []byte) {
	select {
	case c.inbox <- body:
	case <-c.localDone:
	case <-c.session.done:
	}
}

func (c *Channel) remoteClose() {
	c.remoteOnce.Do(func() { close(c.remoteDone) })
}

func (c *Channel) Close() error {
	first := false
	c.localOnce.Do(func() {
		first = true
		close(c.localDone)
	})
	if !first {
		return nil
	}
	c.session.forget(c.id)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.session.write(ctx, c.id, opClose, nil); err != nil && !errors.Is(err, protocol.ErrSessionClosed) {
		return err
	}
	return nil
}
