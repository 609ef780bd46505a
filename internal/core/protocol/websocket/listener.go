package websocket

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

var _ protocol.Listener = (*Listener)(nil)

// Listener upgrades HTTP requests to sessions. It can be mounted on an
// existing router with Handler or run standalone through Listen.
type Listener struct {
	config   Config
	upgrader websocket.Upgrader
	sessions chan *Session
	server   *http.Server
	addr     string
	closed   int32 // atomic bool
	done     chan struct{}
	logger   log.Log
}

// NewListener builds a listener without binding a socket.
func NewListener(config Config, logger log.Log) *Listener {
	if logger == nil {
		logger = log.Provide()
	}
	config.Options = config.Options.Normalize()
	if config.Path == "" {
		config.Path = "/ws"
	}

	return &Listener{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.BufferSize,
			WriteBufferSize: config.BufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(chan *Session),
		done:     make(chan struct{}),
		logger:   logger.With(log.String("transport", string(protocol.TransportWebSocket))),
	}
}

// Listen binds addr and serves upgrades on config.Path.
func Listen(addr string, config Config, logger log.Log) (*Listener, error) {
	l := NewListener(config, logger)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeListenFailed, "failed to listen on TCP", err)
	}
	l.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle(l.config.Path, l)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("WebSocket server stopped", log.Error(err))
		}
	}()

	l.logger.Info("WebSocket listener created", log.String("addr", l.addr), log.String("path", l.config.Path))
	return l, nil
}

// ServeHTTP upgrades the request and hands the session to Accept. The
// request blocks until the session is accepted or the listener closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&l.closed) == 1 {
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("WebSocket upgrade failed", log.Error(err))
		return
	}

	session := newSession(conn, l.config, l.logger)
	select {
	case l.sessions <- session:
	case <-l.done:
		_ = session.Close()
	case <-r.Context().Done():
		_ = session.Close()
	}
}

func (l *Listener) Accept(ctx context.Context) (protocol.Session, error) {
	select {
	case s := <-l.sessions:
		return s, nil
	case <-l.done:
		return nil, protocol.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound address, or the mount path for handler-only use.
func (l *Listener) Addr() string {
	if l.addr != "" {
		return l.addr
	}
	return l.config.Path
}

func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.done)
	l.logger.Info("Closing WebSocket listener")
	if l.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(ctx)
	}
	return nil
}

var dialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

// Dial opens a session to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, config Config, logger log.Log) (*Session, error) {
	if logger == nil {
		logger = log.Provide()
	}
	config.Options = config.Options.Normalize()

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		logger.Error("Failed to dial WebSocket", log.String("url", url), log.Error(err))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to dial WebSocket", errors.Wrap(err, url))
	}
	return newSession(conn, config, logger), nil
}
