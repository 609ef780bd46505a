package replication

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

// DefaultUpdateInterval is how often a subscription sends a frame.
const DefaultUpdateInterval = 50 * time.Millisecond

// SubscriptionState is the phase of a subscription's send loop.
type SubscriptionState int32

const (
	StateIdle SubscriptionState = iota
	StateDiffing
	StateEmitting
	StateClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiffing:
		return "diffing"
	case StateEmitting:
		return "emitting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Subscription pushes frames of one world to one viewer channel. Ticks that
// fire while a send is blocked are skipped; the next frame is diffed against
// what the viewer actually received, so nothing is lost.
type Subscription struct {
	publisher *Publisher
	channel   protocol.Channel
	differ    *Differ
	interval  time.Duration
	logger    log.Log

	state   atomic.Int32
	sent    atomic.Uint64
	skipped atomic.Uint64
	bytes   atomic.Uint64
}

// Subscribe creates a subscription sending on ch every interval. A
// non-positive interval uses DefaultUpdateInterval.
func (p *Publisher) Subscribe(ch protocol.Channel, interval time.Duration) *Subscription {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Subscription{
		publisher: p,
		channel:   ch,
		differ:    NewDiffer(),
		interval:  interval,
		logger:    p.logger.With(log.Stringer("channel_id", ch.ID())),
	}
}

func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

func (s *Subscription) FramesSent() uint64 {
	return s.sent.Load()
}

func (s *Subscription) BytesSent() uint64 {
	return s.bytes.Load()
}

// TicksSkipped counts ticks that fired while a previous frame was still
// being sent, plus ticks whose send failed temporarily.
func (s *Subscription) TicksSkipped() uint64 {
	return s.skipped.Load()
}

// Tick diffs the world against the viewer's baseline, then encodes and sends
// one frame. The baseline only advances after a successful send.
func (s *Subscription) Tick(ctx context.Context) error {
	s.state.Store(int32(StateDiffing))
	defer s.state.CompareAndSwap(int32(StateEmitting), int32(StateIdle))
	defer s.state.CompareAndSwap(int32(StateDiffing), int32(StateIdle))

	snap, err := s.publisher.Snapshot()
	if err != nil {
		return err
	}
	frame := s.differ.Diff(snap)
	data, err := s.publisher.encoder.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.state.Store(int32(StateEmitting))
	if err = s.channel.Send(ctx, data); err != nil {
		return err
	}
	s.differ.Commit(snap)
	s.sent.Add(1)
	s.bytes.Add(uint64(len(data)))

	s.logger.Debug("Frame sent",
		log.Int("new", len(frame.New)),
		log.Int("deleted", len(frame.Deleted)),
		log.Int("updates", len(frame.Updates)),
		log.Int("bytes", len(data)),
	)
	return nil
}

// Run sends a frame every interval until ctx is done or the channel fails.
// The channel is closed on return. A viewer closing its end is not an error;
// a temporary send failure skips the tick.
func (s *Subscription) Run(ctx context.Context) error {
	s.publisher.track(s)
	defer s.publisher.untrack(s)
	defer func() {
		s.state.Store(int32(StateClosed))
		_ = s.channel.Close()
	}()

	s.logger.Info("Subscription started", log.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case endedByPeer(err):
				s.logger.Info("Subscription ended by viewer", log.Uint64("frames", s.sent.Load()))
				return nil
			case protocol.IsTemporary(err):
				// The baseline did not advance, so the next tick resends the changes.
				s.skipped.Add(1)
				s.logger.Warn("Frame not sent", log.Error(err))
			default:
				s.logger.Error("Subscription failed", log.Error(err),
					log.Uint64("frames", s.sent.Load()),
					log.Bool("fatal", protocol.IsFatal(err)))
				return err
			}
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Subscription stopped", log.Uint64("frames", s.sent.Load()))
			return nil
		case <-ticker.C:
		}
		// Drain ticks that piled up behind a slow send.
		for drained := false; !drained; {
			select {
			case <-ticker.C:
				s.skipped.Add(1)
			default:
				drained = true
			}
		}
	}
}

func endedByPeer(err error) bool {
	switch protocol.GetErrorCode(err) {
	case protocol.ErrorCodeChannelClosed, protocol.ErrorCodeSessionClosed, protocol.ErrorCodeSessionLost:
		return true
	default:
		return false
	}
}
