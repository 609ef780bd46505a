package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/serial"
)

type echoParams struct {
	Text  string      `cbor:"text"`
	Delay int         `cbor:"delay_ms"`
	Hash  serial.Hash `cbor:"hash"`
}

type echoResult struct {
	Text string      `cbor:"text"`
	Hash serial.Hash `cbor:"hash"`
}

func start(t *testing.T, server *Server) (*Client, protocol.Session) {
	t.Helper()

	clientSession, serverSession := protocol.Pipe(protocol.DefaultOptions(), log.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() { served <- server.ServeSession(ctx, serverSession) }()

	client, err := Dial(ctx, clientSession, log.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		_ = clientSession.Close()
	})
	return client, serverSession
}

func newEchoServer() *Server {
	server := NewServer(log.Nop())
	server.Handle("echo", Typed(func(ctx context.Context, p echoParams) (echoResult, error) {
		if p.Delay > 0 {
			time.Sleep(time.Duration(p.Delay) * time.Millisecond)
		}
		return echoResult{Text: p.Text, Hash: p.Hash}, nil
	}))
	server.Handle("missing", Typed(func(ctx context.Context, p echoParams) (any, error) {
		return nil, Errorf(CodeNotFound, "no game %q", p.Text)
	}))
	server.Handle("broken", func(ctx context.Context, params RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	return server
}

func TestRPC_Call(t *testing.T) {
	client, _ := start(t, newEchoServer())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := serial.SHA1([]byte("terrain"))
	var result echoResult
	require.NoError(t, client.Call(ctx, "echo", echoParams{Text: "hi", Hash: h}, &result))
	assert.Equal(t, "hi", result.Text)
	assert.Equal(t, h, result.Hash)

	require.NoError(t, client.Call(ctx, "echo", nil, nil))
}

func TestRPC_Errors(t *testing.T) {
	client, _ := start(t, newEchoServer())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "nope", nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeUnknownMethod, remote.Code)
	assert.Equal(t, "nope", remote.Method)

	err = client.Call(ctx, "missing", echoParams{Text: "arena"}, nil)
	assert.True(t, IsCode(err, CodeNotFound))
	assert.Contains(t, err.Error(), "arena")

	err = client.Call(ctx, "broken", nil, nil)
	assert.True(t, IsCode(err, CodeInternal))

	err = client.Call(ctx, "echo", "not a struct", nil)
	assert.True(t, IsCode(err, CodeInvalidParams))
}

func TestRPC_ConcurrentCallsAreCorrelated(t *testing.T) {
	client, _ := start(t, newEchoServer())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := fmt.Sprintf("call-%d", i)
			var result echoResult
			// Earlier calls sleep longer so responses come back out of order.
			err := client.Call(ctx, "echo", echoParams{Text: text, Delay: 40 - 2*i}, &result)
			assert.NoError(t, err)
			assert.Equal(t, text, result.Text)
		}()
	}
	wg.Wait()
}

func TestRPC_SessionFromContext(t *testing.T) {
	server := NewServer(log.Nop())
	server.Handle("whoami", func(ctx context.Context, _ RawMessage) (any, error) {
		session, ok := SessionFromContext(ctx)
		if !ok {
			return nil, errors.New("no session")
		}
		return session.ID(), nil
	})

	client, serverSession := start(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var id string
	require.NoError(t, client.Call(ctx, "whoami", nil, &id))
	assert.Equal(t, serverSession.ID(), id)
}

func TestRPC_ClosedClient(t *testing.T) {
	client, _ := start(t, newEchoServer())
	require.NoError(t, client.Close())

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after Close")
	}

	err := client.Call(context.Background(), "echo", nil, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestServer_DuplicateHandlerPanics(t *testing.T) {
	server := NewServer(log.Nop())
	server.Handle("a", nil)
	assert.Panics(t, func() { server.Handle("a", nil) })
	server.Handle("b", nil)
	assert.Equal(t, []string{"a", "b"}, server.Methods())
}
