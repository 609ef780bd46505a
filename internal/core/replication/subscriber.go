package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/pkg/sequence"
)

const (
	// DefaultQueueCapacity is the number of decoded frames a viewer buffers
	// before it starts dropping new ones.
	DefaultQueueCapacity = 3

	// DefaultMaxMissingDependencies bounds how many model blobs may stay
	// unresolved before the viewer asks for a resync.
	DefaultMaxMissingDependencies = 512

	// maxLoadRetries bounds fetch-and-retry rounds for one model.
	maxLoadRetries = 8
)

var (
	// ErrResyncRequired is returned when too many models stay unresolved. The
	// viewer should reset its mirror and reopen the update channel.
	ErrResyncRequired = errors.New("replication: resync required")

	// ErrUnexpectedMessage is returned when the update channel carries
	// something other than a frame.
	ErrUnexpectedMessage = errors.New("replication: unexpected message on update channel")

	// ErrFetchFailed wraps an error from the Fetcher. Blobs the peer does not
	// hold are not a failure; a broken connection or a corrupt blob is.
	ErrFetchFailed = errors.New("replication: fetching blobs failed")
)

// SubscriberConfig wires a Subscriber. Decoder and Fetcher are required; the
// rest default.
type SubscriberConfig struct {
	Decoder                *serial.Decoder
	Fetcher                Fetcher
	Mirror                 *Mirror
	Queue                  *sequence.Bounded[Frame]
	MaxMissingDependencies int
	Logger                 log.Log
}

// Subscriber reads frames from an update channel, resolves the models they
// announce, applies them to a Mirror and offers them to a bounded queue.
type Subscriber struct {
	channel    protocol.Channel
	decoder    *serial.Decoder
	fetcher    Fetcher
	mirror     *Mirror
	queue      *sequence.Bounded[Frame]
	maxMissing int
	logger     log.Log

	received uint64
	dropped  uint64
}

func NewSubscriber(ch protocol.Channel, config SubscriberConfig) (*Subscriber, error) {
	if config.Decoder == nil || config.Fetcher == nil {
		return nil, errors.New("replication: subscriber needs a decoder and a fetcher")
	}
	s := &Subscriber{
		channel:    ch,
		decoder:    config.Decoder,
		fetcher:    config.Fetcher,
		mirror:     config.Mirror,
		queue:      config.Queue,
		maxMissing: config.MaxMissingDependencies,
		logger:     config.Logger,
	}
	if s.mirror == nil {
		s.mirror = NewMirror()
	}
	if s.queue == nil {
		s.queue = sequence.NewBounded[Frame](DefaultQueueCapacity)
	}
	if s.maxMissing <= 0 {
		s.maxMissing = DefaultMaxMissingDependencies
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	s.logger = s.logger.With(log.String("component", "subscriber"), log.Stringer("channel_id", ch.ID()))
	return s, nil
}

func (s *Subscriber) Mirror() *Mirror {
	return s.mirror
}

// Queue holds applied frames for the consumer. Frames arriving while it is
// full are dropped.
func (s *Subscriber) Queue() *sequence.Bounded[Frame] {
	return s.queue
}

// Close closes the update channel, ending the server's subscription.
func (s *Subscriber) Close() error {
	return s.channel.Close()
}

// Run processes frames until the channel ends or an error occurs. A closed
// channel or cancelled ctx returns nil.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("Subscriber started")
	for {
		err := s.Next(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrFetchFailed):
			s.logger.Error("Subscriber stopped", log.Error(err))
			return err
		case ctx.Err() != nil, errors.Is(err, io.EOF), errors.Is(err, protocol.ErrChannelClosed):
			s.logger.Info("Subscriber stopped", log.Uint64("frames", s.received), log.Uint64("dropped", s.dropped))
			return nil
		default:
			return err
		}
	}
}

// Next receives and processes one frame.
func (s *Subscriber) Next(ctx context.Context) error {
	data, err := s.channel.Receive(ctx)
	if err != nil {
		return err
	}
	v, err := s.decoder.Decode(data)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	frame, ok := v.(Frame)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, v)
	}
	return s.Apply(ctx, frame)
}

// Apply applies a decoded frame: the mirror is updated, models of announced
// entities are fetched and resolved, and the frame is offered to the queue.
func (s *Subscriber) Apply(ctx context.Context, frame Frame) error {
	s.received++
	s.mirror.Apply(frame)

	if err := s.resolve(ctx); err != nil {
		return err
	}

	unresolved := distinct(s.mirror.Unresolved())
	if len(unresolved) > s.maxMissing {
		s.logger.Warn("Too many unresolved models",
			log.Int("unresolved", len(unresolved)),
			log.Int("limit", s.maxMissing),
		)
		return fmt.Errorf("%w: %d unresolved models", ErrResyncRequired, len(unresolved))
	}

	if !s.queue.TryPush(frame) {
		s.dropped++
		s.logger.Warn("Frame dropped, ready queue full", log.Uint64("dropped", s.dropped))
	}
	return nil
}

// resolve tries to load the model of every unresolved entity, fetching the
// blobs and dependencies the decoder does not have yet. Models whose blobs the
// peer does not hold stay unresolved; a failing fetch is returned.
func (s *Subscriber) resolve(ctx context.Context) error {
	pending := s.mirror.Unresolved()
	if len(pending) == 0 {
		return nil
	}

	if err := s.fetch(ctx, distinct(pending), true); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	for id, h := range pending {
		model, err := s.load(ctx, h)
		if err != nil {
			if _, missing := serial.MissingHash(err); missing {
				s.logger.Debug("Model still unresolved", log.Stringer("entity_id", id), log.Stringer("hash", h))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("load model %s: %w", h, err)
		}
		s.mirror.Resolve(id, h, model)
	}
	return nil
}

// load decodes h, fetching any blob the decoder reports missing and
// retrying. Dependencies are normally fetched up front; this covers blobs
// the peer did not list.
func (s *Subscriber) load(ctx context.Context, h serial.Hash) (any, error) {
	for attempt := 0; ; attempt++ {
		model, err := s.decoder.Load(h)
		missing, ok := serial.MissingHash(err)
		if !ok || attempt == maxLoadRetries {
			return model, err
		}
		if ferr := s.fetch(ctx, []serial.Hash{missing}, false); ferr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ferr
		}
		if !s.decoder.Has(missing) {
			return nil, err
		}
	}
}

func (s *Subscriber) fetch(ctx context.Context, hashes []serial.Hash, withDependencies bool) error {
	missing := s.decoder.Missing(hashes)
	if len(missing) == 0 {
		return nil
	}
	if withDependencies {
		deps, err := s.fetcher.Dependencies(ctx, missing)
		if err != nil {
			return fmt.Errorf("%w: get dependencies: %w", ErrFetchFailed, err)
		}
		missing = s.decoder.Missing(append(missing, deps...))
	}
	if len(missing) == 0 {
		return nil
	}

	blobs, err := s.fetcher.Resources(ctx, missing)
	if err != nil {
		return fmt.Errorf("%w: get resources: %w", ErrFetchFailed, err)
	}
	for h, data := range blobs {
		if err = s.decoder.Add(h, data); err != nil {
			return fmt.Errorf("%w: add blob %s: %w", ErrFetchFailed, h, err)
		}
	}
	s.logger.Debug("Blobs fetched", log.Int("requested", len(missing)), log.Int("received", len(blobs)))
	return nil
}

func distinct(pending map[world.EntityID]serial.Hash) []serial.Hash {
	seen := make(map[serial.Hash]struct{}, len(pending))
	out := make([]serial.Hash, 0, len(pending))
	for _, h := range pending {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b serial.Hash) int { return bytes.Compare(a[:], b[:]) })
	return out
}
