package protocol

import (
	"context"
	"sync"

	"github.com/zeusync/worldsync/internal/core/observability/log"
)

// Router matches channels opened by the peer with local AcceptChannel calls.
// Transports feed it from their accept loop.
type Router struct {
	mu         sync.Mutex
	pending    map[ChannelID]Channel
	waiting    map[ChannelID]chan Channel
	maxPending int
	closed     bool
	done       chan struct{}
	logger     log.Log
}

func NewRouter(maxPending int, logger log.Log) *Router {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingChannels
	}
	if logger == nil {
		logger = log.Provide()
	}
	return &Router{
		pending:    make(map[ChannelID]Channel),
		waiting:    make(map[ChannelID]chan Channel),
		maxPending: maxPending,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Deliver hands a peer-opened channel to its waiter, or parks it until one
// arrives. The channel is closed when it cannot be parked.
func (r *Router) Deliver(ch Channel) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Close()
		return ErrSessionClosed
	}

	id := ch.ID()
	if waiter, ok := r.waiting[id]; ok {
		delete(r.waiting, id)
		r.mu.Unlock()
		waiter <- ch
		return nil
	}

	if _, dup := r.pending[id]; dup {
		r.mu.Unlock()
		_ = ch.Close()
		return NewProtocolError(ErrorCodeChannelExists, id.String(), ErrChannelExists)
	}
	if len(r.pending) >= r.maxPending {
		r.mu.Unlock()
		_ = ch.Close()
		r.logger.Warn("Dropping unclaimed channel", log.Stringer("channel_id", id), log.Int("pending", r.maxPending))
		return NewProtocolError(ErrorCodeTooManyPending, id.String(), ErrTooManyPendingChans)
	}
	r.pending[id] = ch
	r.mu.Unlock()
	return nil
}

// Accept returns the channel with the given id once the peer opens it.
func (r *Router) Accept(ctx context.Context, id ChannelID) (Channel, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if ch, ok := r.pending[id]; ok {
		delete(r.pending, id)
		r.mu.Unlock()
		return ch, nil
	}
	if _, dup := r.waiting[id]; dup {
		r.mu.Unlock()
		return nil, NewProtocolError(ErrorCodeChannelExists, id.String(), ErrChannelExists)
	}
	waiter := make(chan Channel, 1)
	r.waiting[id] = waiter
	r.mu.Unlock()

	select {
	case ch := <-waiter:
		return ch, nil
	case <-ctx.Done():
		r.mu.Lock()
		if r.waiting[id] == waiter {
			delete(r.waiting, id)
		}
		r.mu.Unlock()
		// Deliver may have raced with cancellation.
		select {
		case ch := <-waiter:
			_ = ch.Close()
		default:
		}
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrSessionClosed
	}
}

// Close rejects further channels and closes parked ones.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.pending
	r.pending = nil
	r.waiting = nil
	close(r.done)
	r.mu.Unlock()

	for _, ch := range pending {
		_ = ch.Close()
	}
}
