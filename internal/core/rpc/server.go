// Package rpc implements the control request/response protocol spoken on a
// session's control channel. Messages are deterministic CBOR; calls are
// correlated by request id so several may be in flight at once.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

// HandlerFunc serves one method. The returned value is CBOR-encoded into the
// response.
type HandlerFunc func(ctx context.Context, params RawMessage) (any, error)

// Typed adapts a handler with concrete parameter and result types.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) HandlerFunc {
	return func(ctx context.Context, raw RawMessage) (any, error) {
		var params P
		if len(raw) > 0 {
			if err := Unmarshal(raw, &params); err != nil {
				return nil, Errorf(CodeInvalidParams, "%v", err)
			}
		}
		return fn(ctx, params)
	}
}

// Server dispatches requests to registered handlers.
type Server struct {
	handlers map[string]HandlerFunc
	logger   log.Log
}

func NewServer(logger log.Log) *Server {
	if logger == nil {
		logger = log.Provide()
	}
	return &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With(log.String("component", "rpc")),
	}
}

// Handle registers fn for method. Registering a method twice panics.
func (s *Server) Handle(method string, fn HandlerFunc) {
	if _, exists := s.handlers[method]; exists {
		panic(fmt.Sprintf("rpc.Server: duplicate handler for method %q", method))
	}
	s.handlers[method] = fn
}

// Methods lists registered method names in order.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// ServeSession accepts the control channel of session and serves it. The
// session is reachable from handlers through SessionFromContext.
func (s *Server) ServeSession(ctx context.Context, session protocol.Session) error {
	ch, err := session.AcceptChannel(ctx, protocol.ControlChannel)
	if err != nil {
		return err
	}
	defer ch.Close()
	return s.Serve(ContextWithSession(ctx, session), ch)
}

// Serve handles requests from ch until the peer closes it or ctx ends.
// Requests run concurrently; Serve waits for in-flight handlers on return.
func (s *Server) Serve(ctx context.Context, ch protocol.Channel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		var req request
		if err = Unmarshal(msg, &req); err != nil {
			s.logger.Error("Malformed rpc request", log.Error(err))
			return protocol.NewProtocolError(protocol.ErrorCodeProtocolViolation, "malformed rpc request", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.dispatch(ctx, &req)
			data, err := Marshal(resp)
			if err != nil {
				s.logger.Error("Failed to encode rpc response", log.String("method", req.Method), log.Error(err))
				data, _ = Marshal(&response{ID: req.ID, Code: CodeInternal, Error: "response encoding failed"})
			}
			if err = ch.Send(ctx, data); err != nil && ctx.Err() == nil {
				s.logger.Warn("Failed to send rpc response", log.String("method", req.Method), log.Error(err))
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req *request) *response {
	handler, exists := s.handlers[req.Method]
	if !exists {
		return &response{ID: req.ID, Code: CodeUnknownMethod, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		code := CodeInternal
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			code = rpcErr.Code
		}
		s.logger.Debug("Method failed", log.String("method", req.Method), log.String("code", code), log.Error(err))
		return &response{ID: req.ID, Code: code, Error: err.Error()}
	}

	data, err := Marshal(result)
	if err != nil {
		return &response{ID: req.ID, Code: CodeInternal, Error: err.Error()}
	}
	return &response{ID: req.ID, OK: true, Data: data}
}

type sessionKey struct{}

// ContextWithSession stores the session a request arrived on.
func ContextWithSession(ctx context.Context, session protocol.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext returns the session stored by ContextWithSession.
func SessionFromContext(ctx context.Context) (protocol.Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(protocol.Session)
	return session, ok
}
