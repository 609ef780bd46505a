package quic

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

const prefaceTimeout = 10 * time.Second

var _ protocol.Session = (*Session)(nil)

// Session wraps one QUIC connection.
type Session struct {
	id       string
	conn     *quic.Conn
	config   Config
	router   *protocol.Router
	channels sync.Map // map[*Channel]struct{}
	closed   int32    // atomic bool
	done     chan struct{}
	logger   log.Log
}

func newSession(conn *quic.Conn, config Config, logger log.Log) *Session {
	if logger == nil {
		logger = log.Provide()
	}
	id := uuid.NewString()
	logger = logger.With(
		log.String("session_id", id),
		log.String("transport", string(protocol.TransportQUIC)),
		log.String("remote_addr", conn.RemoteAddr().String()))

	s := &Session{
		id:     id,
		conn:   conn,
		config: config,
		router: protocol.NewRouter(config.MaxPendingChannels, logger),
		done:   make(chan struct{}),
		logger: logger,
	}

	s.logger.Info("QUIC session established", log.String("local_addr", conn.LocalAddr().String()))

	go s.acceptStreams()
	go func() {
		<-conn.Context().Done()
		_ = s.Close()
	}()

	return s
}

func (s *Session) ID() string            { return s.id }
func (s *Session) RemoteAddr() string    { return s.conn.RemoteAddr().String() }
func (s *Session) Done() <-chan struct{} { return s.done }

// OpenChannel opens a stream and writes the channel id preface.
func (s *Session) OpenChannel(ctx context.Context, id protocol.ChannelID) (protocol.Channel, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, protocol.ErrSessionClosed
	}

	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		s.logger.Error("Failed to open QUIC stream", log.Error(err))
		return nil, protocol.WrapError(err, "failed to open QUIC stream")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err = stream.Write(id[:]); err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, protocol.WrapError(err, "failed to write channel preface")
	}
	_ = stream.SetWriteDeadline(time.Time{})

	ch := newChannel(id, stream, s)
	s.channels.Store(ch, struct{}{})

	s.logger.Debug("Channel opened", log.Stringer("channel_id", id))
	return ch, nil
}

func (s *Session) AcceptChannel(ctx context.Context, id protocol.ChannelID) (protocol.Channel, error) {
	return s.router.Accept(ctx, id)
}

// Close closes every channel and the QUIC connection.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.logger.Info("Closing QUIC session")
	close(s.done)
	s.router.Close()

	s.channels.Range(func(key, _ any) bool {
		_ = key.(*Channel).Close()
		return true
	})

	return s.conn.CloseWithError(0, "session closed")
}

func (s *Session) acceptStreams() {
	ctx := s.conn.Context()
	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.logger.Debug("Stream accept loop stopping", log.Error(err))
			}
			_ = s.Close()
			return
		}
		go s.admit(stream)
	}
}

// admit reads the channel id preface and hands the stream to the router.
func (s *Session) admit(stream *quic.Stream) {
	var id protocol.ChannelID
	_ = stream.SetReadDeadline(time.Now().Add(prefaceTimeout))
	if _, err := io.ReadFull(stream, id[:]); err != nil {
		s.logger.Warn("Dropping stream without channel preface", log.Error(err))
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	ch := newChannel(id, stream, s)
	s.channels.Store(ch, struct{}{})
	if err := s.router.Deliver(ch); err != nil {
		s.logger.Debug("Channel rejected", log.Stringer("channel_id", id), log.Error(err))
		return
	}
	s.logger.Debug("Channel accepted", log.Stringer("channel_id", id))
}

var _ protocol.Channel = (*Channel)(nil)

// Channel is one QUIC stream carrying framed messages.
type Channel struct {
	id      protocol.ChannelID
	stream  *quic.Stream
	session *Session
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  int32 // atomic bool
}

func newChannel(id protocol.ChannelID, stream *quic.Stream, session *Session) *Channel {
	return &Channel{id: id, stream: stream, session: session}
}

func (c *Channel) ID() protocol.ChannelID { return c.id }

func (c *Channel) Send(ctx context.Context, msg []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return protocol.ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = c.stream.SetWriteDeadline(time.Now()) })
	defer stop()

	err := protocol.WriteFrame(c.stream, msg, c.session.config.Compression, c.session.config.MaxMessageSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Receive reads the next message. A canceled context leaves the channel
// mid-frame, so callers close it afterwards.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, protocol.ErrChannelClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = c.stream.SetReadDeadline(time.Now()) })
	defer stop()

	msg, err := protocol.ReadFrame(c.stream, c.session.config.MaxMessageSize)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) {
			return nil, protocol.NewProtocolError(protocol.ErrorCodeSessionLost, "session closed by peer", protocol.ErrSessionLost)
		}
		return nil, err
	}
	return msg, nil
}

// Close finishes the write side and abandons unread input.
func (c *Channel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.session.channels.Delete(c)
	c.stream.CancelRead(0)
	return c.stream.Close()
}
