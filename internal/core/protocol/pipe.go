package protocol

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/worldsync/internal/core/observability/log"
)

const pipeBuffer = 64

// Pipe returns two connected in-process sessions. Messages are framed and
// compressed exactly as on a network transport.
func Pipe(opts Options, logger log.Log) (Session, Session) {
	if logger == nil {
		logger = log.Provide()
	}
	opts = opts.Normalize()
	a := newPipeSession(opts, logger, "pipe-a")
	b := newPipeSession(opts, logger, "pipe-b")
	a.peer, b.peer = b, a
	return a, b
}

type pipeSession struct {
	id        string
	addr      string
	opts      Options
	router    *Router
	peer      *pipeSession
	mu        sync.Mutex
	channels  map[*pipeChannel]struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    log.Log
}

func newPipeSession(opts Options, logger log.Log, addr string) *pipeSession {
	id := uuid.NewString()
	logger = logger.With(log.String("session_id", id), log.String("transport", string(TransportPipe)))
	return &pipeSession{
		id:       id,
		addr:     addr,
		opts:     opts,
		router:   NewRouter(opts.MaxPendingChannels, logger),
		channels: make(map[*pipeChannel]struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (s *pipeSession) ID() string            { return s.id }
func (s *pipeSession) RemoteAddr() string    { return s.peer.addr }
func (s *pipeSession) Done() <-chan struct{} { return s.done }

func (s *pipeSession) OpenChannel(ctx context.Context, id ChannelID) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return nil, ErrSessionClosed
	default:
	}

	forward, backward := newPipeDir(), newPipeDir()
	local := &pipeChannel{id: id, send: forward, recv: backward, opts: s.opts, owner: s}
	remote := &pipeChannel{id: id, send: backward, recv: forward, opts: s.opts, owner: s.peer}

	s.track(local)
	s.peer.track(remote)
	if err := s.peer.router.Deliver(remote); err != nil {
		_ = local.Close()
		return nil, err
	}

	s.logger.Debug("Channel opened", log.Stringer("channel_id", id))
	return local, nil
}

func (s *pipeSession) AcceptChannel(ctx context.Context, id ChannelID) (Channel, error) {
	return s.router.Accept(ctx, id)
}

// Close tears down both ends, as a dropped connection would.
func (s *pipeSession) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.logger.Debug("Closing pipe session")
		close(s.done)
		s.router.Close()

		s.mu.Lock()
		channels := s.channels
		s.channels = nil
		s.mu.Unlock()
		for ch := range channels {
			_ = ch.Close()
		}
	})
	if first && s.peer != nil {
		_ = s.peer.Close()
	}
	return nil
}

func (s *pipeSession) track(ch *pipeChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels != nil {
		s.channels[ch] = struct{}{}
	}
}

func (s *pipeSession) untrack(ch *pipeChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels != nil {
		delete(s.channels, ch)
	}
}

// pipeDir is one direction of a pipe channel.
type pipeDir struct {
	msgs       chan []byte
	writerDone chan struct{}
	readerDone chan struct{}
	writerOnce sync.Once
	readerOnce sync.Once
}

func newPipeDir() *pipeDir {
	return &pipeDir{
		msgs:       make(chan []byte, pipeBuffer),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

type pipeChannel struct {
	id    ChannelID
	send  *pipeDir
	recv  *pipeDir
	opts  Options
	owner *pipeSession
}

func (c *pipeChannel) ID() ChannelID { return c.id }

func (c *pipeChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.send.writerDone:
		return ErrChannelClosed
	case <-c.send.readerDone:
		return ErrChannelClosed
	default:
	}

	body, err := EncodeBody(msg, c.opts.Compression, c.opts.MaxMessageSize)
	if err != nil {
		return err
	}

	select {
	case c.send.msgs <- body:
		return nil
	case <-c.send.writerDone:
		return ErrChannelClosed
	case <-c.send.readerDone:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.recv.readerDone:
		return nil, ErrChannelClosed
	default:
	}

	select {
	case body := <-c.recv.msgs:
		return DecodeBody(body, c.opts.MaxMessageSize)
	case <-c.recv.readerDone:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.recv.writerDone:
		select {
		case body := <-c.recv.msgs:
			return DecodeBody(body, c.opts.MaxMessageSize)
		default:
			return nil, io.EOF
		}
	}
}

func (c *pipeChannel) Close() error {
	c.send.writerOnce.Do(func() { close(c.send.writerDone) })
	c.recv.readerOnce.Do(func() { close(c.recv.readerDone) })
	if c.owner != nil {
		c.owner.untrack(c)
	}
	return nil
}
