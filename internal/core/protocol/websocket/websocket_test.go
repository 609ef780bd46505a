package websocket

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

func newPair(t *testing.T, config Config) (client, server protocol.Session) {
	t.Helper()

	listener := NewListener(config, log.Nop())
	srv := httptest.NewServer(listener)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = listener.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan protocol.Session, 1)
	go func() {
		s, err := listener.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(ctx, url, config, log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	select {
	case s := <-accepted:
		t.Cleanup(func() { _ = s.Close() })
		return c, s
	case <-ctx.Done():
		t.Fatal("server never accepted the session")
		return nil, nil
	}
}

func TestWebSocket_Multiplexing(t *testing.T) {
	config := DefaultConfig()
	config.Compression = protocol.CompressionZstd
	client, server := newPair(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	control, err := client.OpenChannel(ctx, protocol.ControlChannel)
	require.NoError(t, err)
	resources := protocol.NewChannelID()
	other, err := server.OpenChannel(ctx, resources)
	require.NoError(t, err)

	serverControl, err := server.AcceptChannel(ctx, protocol.ControlChannel)
	require.NoError(t, err)
	clientResources, err := client.AcceptChannel(ctx, resources)
	require.NoError(t, err)

	big := bytes.Repeat([]byte("mesh"), 10000)
	require.NoError(t, control.Send(ctx, []byte("list_games")))
	require.NoError(t, other.Send(ctx, big))

	got, err := serverControl.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("list_games"), got)

	got, err = clientResources.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	require.NoError(t, other.Close())
	_, err = clientResources.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, serverControl.Send(ctx, []byte("ok")))
	got, err = control.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

func TestWebSocket_SessionClose(t *testing.T) {
	client, server := newPair(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := client.OpenChannel(ctx, protocol.ControlChannel)
	require.NoError(t, err)
	_, err = server.AcceptChannel(ctx, protocol.ControlChannel)
	require.NoError(t, err)

	require.NoError(t, server.Close())

	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatal("client did not observe the session closing")
	}

	_, err = ch.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrSessionClosed)
}

func TestWebSocket_ListenerClosed(t *testing.T) {
	listener := NewListener(DefaultConfig(), log.Nop())
	require.NoError(t, listener.Close())

	_, err := listener.Accept(context.Background())
	assert.ErrorIs(t, err, protocol.ErrListenerClosed)
	assert.Equal(t, "/ws", listener.Addr())
}
