// Package protocol defines the session and channel abstractions the sync core
// runs on, the shared message framing, and the compression codecs. Concrete
// transports live in the quic and websocket subpackages; Pipe provides an
// in-process pair.
package protocol

import (
	"context"

	"github.com/google/uuid"
)

// ChannelID identifies a channel within a session. It is opaque to the sync
// core and travels in RPC replies as its string form.
type ChannelID [16]byte

// ControlChannel is the channel the dialing side opens first for RPC.
var ControlChannel ChannelID

// NewChannelID returns a random channel id.
func NewChannelID() ChannelID {
	return ChannelID(uuid.New())
}

// ParseChannelID parses the string form produced by ChannelID.String.
func ParseChannelID(s string) (ChannelID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ChannelID{}, WrapError(ErrInvalidChannelID, s)
	}
	return ChannelID(u), nil
}

func (id ChannelID) String() string {
	return uuid.UUID(id).String()
}

func (id ChannelID) IsControl() bool {
	return id == ControlChannel
}

// Channel is a bidirectional, ordered stream of discrete messages.
type Channel interface {
	ID() ChannelID
	// Send transmits one message. Messages larger than the configured
	// maximum fail with ErrMessageTooLarge.
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next message. It returns io.EOF once the peer
	// has closed its side and all buffered messages were consumed.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Session is one connection between two peers carrying many channels.
type Session interface {
	ID() string
	RemoteAddr() string
	// OpenChannel opens a channel the peer can claim with AcceptChannel(id).
	OpenChannel(ctx context.Context, id ChannelID) (Channel, error)
	// AcceptChannel waits for the peer to open the channel with the given id.
	// Channels opened before anyone waits for them are held until claimed.
	AcceptChannel(ctx context.Context, id ChannelID) (Channel, error)
	Close() error
	Done() <-chan struct{}
}

// Listener yields sessions dialed by remote peers.
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Addr() string
	Close() error
}

// Transport names a concrete session implementation.
type Transport string

const (
	TransportQUIC      Transport = "quic"
	TransportWebSocket Transport = "websocket"
	TransportPipe      Transport = "pipe"
)

// ParseTransport validates a transport name from configuration.
func ParseTransport(name string) (Transport, error) {
	switch Transport(name) {
	case TransportQUIC, TransportWebSocket, TransportPipe:
		return Transport(name), nil
	case "":
		return TransportQUIC, nil
	default:
		return "", WrapError(ErrTransportNotSupported, name)
	}
}

const (
	// DefaultMaxMessageSize bounds a single message after decompression.
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultMaxPendingChannels bounds channels opened by the peer but not yet
	// claimed locally.
	DefaultMaxPendingChannels = 64
)

// Options are shared by every transport.
type Options struct {
	Compression        Compression
	MaxMessageSize     int
	MaxPendingChannels int
}

// DefaultOptions returns uncompressed framing with the default limits.
func DefaultOptions() Options {
	return Options{
		Compression:        CompressionNone,
		MaxMessageSize:     DefaultMaxMessageSize,
		MaxPendingChannels: DefaultMaxPendingChannels,
	}
}

// Normalize fills zero fields with defaults.
func (o Options) Normalize() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.MaxPendingChannels <= 0 {
		o.MaxPendingChannels = DefaultMaxPendingChannels
	}
	return o
}
