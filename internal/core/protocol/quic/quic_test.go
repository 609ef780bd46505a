package quic

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

func TestQUIC_Loopback(t *testing.T) {
	tlsConfig, err := GenerateSelfSignedTLS()
	require.NoError(t, err)

	config := DefaultConfig()
	config.TLSConfig = tlsConfig
	config.Compression = protocol.CompressionLZ4

	listener, err := Listen("127.0.0.1:0", config, log.Nop())
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan protocol.Session, 1)
	go func() {
		s, err := listener.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	clientConfig := DefaultConfig()
	client, err := Dial(ctx, listener.Addr(), clientConfig, log.Nop())
	require.NoError(t, err)
	defer client.Close()

	control, err := client.OpenChannel(ctx, protocol.ControlChannel)
	require.NoError(t, err)
	require.NoError(t, control.Send(ctx, []byte("hello")))

	var server protocol.Session
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no session accepted")
	}
	defer server.Close()

	serverControl, err := server.AcceptChannel(ctx, protocol.ControlChannel)
	require.NoError(t, err)

	got, err := serverControl.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	id := protocol.NewChannelID()
	push, err := server.OpenChannel(ctx, id)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 50000)
	require.NoError(t, push.Send(ctx, payload))
	require.NoError(t, push.Close())

	pulled, err := client.AcceptChannel(ctx, id)
	require.NoError(t, err)
	got, err = pulled.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = pulled.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestQUIC_ListenRequiresTLS(t *testing.T) {
	_, err := Listen("127.0.0.1:0", DefaultConfig(), log.Nop())
	assert.ErrorIs(t, err, protocol.ErrListenFailed)
}

func TestQUIC_ReceiveHonorsContext(t *testing.T) {
	tlsConfig, err := GenerateSelfSignedTLS()
	require.NoError(t, err)

	config := DefaultConfig()
	config.TLSConfig = tlsConfig
	listener, err := Listen("127.0.0.1:0", config, log.Nop())
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		s, err := listener.Accept(ctx)
		if err == nil {
			<-ctx.Done()
			_ = s.Close()
		}
	}()

	client, err := Dial(ctx, listener.Addr(), DefaultConfig(), log.Nop())
	require.NoError(t, err)
	defer client.Close()

	ch, err := client.OpenChannel(ctx, protocol.ControlChannel)
	require.NoError(t, err)

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	_, err = ch.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
