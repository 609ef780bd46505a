package quic

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

var _ protocol.Listener = (*Listener)(nil)

// Listener accepts QUIC sessions.
type Listener struct {
	listener *quic.Listener
	config   Config
	closed   int32 // atomic bool
	logger   log.Log
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, config Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}
	if config.TLSConfig == nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "QUIC listener requires a TLS config", protocol.ErrListenFailed)
	}
	config.Options = config.Options.Normalize()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		logger.Error("Failed to resolve UDP address", log.String("addr", addr), log.Error(err))
		return nil, protocol.WrapError(err, "failed to resolve UDP address")
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("Failed to listen on UDP", log.String("addr", addr), log.Error(err))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to listen on UDP", err)
	}

	listener, err := quic.Listen(udpConn, config.TLSConfig, config.quicConfig())
	if err != nil {
		_ = udpConn.Close()
		logger.Error("Failed to create QUIC listener", log.Error(err))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to create QUIC listener", err)
	}

	l := &Listener{
		listener: listener,
		config:   config,
		logger:   logger.With(log.String("listener_addr", listener.Addr().String())),
	}
	l.logger.Info("QUIC listener created")
	return l, nil
}

// Accept accepts a new session
func (l *Listener) Accept(ctx context.Context) (protocol.Session, error) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, protocol.ErrListenerClosed
	}

	conn, err := l.listener.Accept(ctx)
	if err != nil {
		if atomic.LoadInt32(&l.closed) == 1 {
			return nil, protocol.ErrListenerClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Error("Failed to accept QUIC connection", log.Error(err))
		return nil, protocol.WrapError(err, "failed to accept QUIC connection")
	}

	return newSession(conn, l.config, l.logger), nil
}

func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.logger.Info("Closing QUIC listener")
	return l.listener.Close()
}

// Dial opens a QUIC session to addr.
func Dial(ctx context.Context, addr string, config Config, logger log.Log) (*Session, error) {
	if logger == nil {
		logger = log.Provide()
	}
	config.Options = config.Options.Normalize()

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = InsecureClientTLS()
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			tlsConfig.ServerName = addr
		} else {
			tlsConfig.ServerName = host
		}
	}

	logger.Debug("Dialing QUIC connection", log.String("addr", addr))
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
	if err != nil {
		logger.Error("Failed to dial QUIC connection", log.String("addr", addr), log.Error(err))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to dial QUIC connection", err)
	}

	return newSession(conn, config, logger), nil
}
