package client

import (
	"context"
	"fmt"
	"maps"

	"golang.org/x/sync/singleflight"

	"github.com/zeusync/worldsync/internal/api"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/replication"
	"github.com/zeusync/worldsync/internal/core/rpc"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/pkg/concurrent"
)

// DefaultFetchBatch is the number of hashes asked for in one get_resources
// call.
const DefaultFetchBatch = 64

var _ replication.Fetcher = (*RemoteFetcher)(nil)

// RemoteFetcher fetches blobs from a server over the control methods.
// Batches run concurrently up to a limit, identical batches requested at the
// same time share one call, and every blob is checked against its hash.
type RemoteFetcher struct {
	rpc         *rpc.Client
	session     protocol.Session
	digest      serial.Digest
	concurrency int
	batch       int
	group       singleflight.Group
	logger      log.Log
}

func NewRemoteFetcher(rpcClient *rpc.Client, session protocol.Session, digest serial.Digest, concurrency int, logger log.Log) *RemoteFetcher {
	if digest == nil {
		digest = serial.SHA1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &RemoteFetcher{
		rpc:         rpcClient,
		session:     session,
		digest:      digest,
		concurrency: concurrency,
		batch:       DefaultFetchBatch,
		logger:      logger.With(log.String("component", "fetcher")),
	}
}

func (f *RemoteFetcher) Dependencies(ctx context.Context, hashes []serial.Hash) ([]serial.Hash, error) {
	var result api.HashesResult
	if err := f.rpc.Call(ctx, api.MethodGetDependencies, api.HashesParams{Hashes: hashes}, &result); err != nil {
		return nil, err
	}
	return result.Hashes, nil
}

func (f *RemoteFetcher) Resources(ctx context.Context, hashes []serial.Hash) (map[serial.Hash][]byte, error) {
	batches := chunk(hashes, f.batch)
	results, err := concurrent.Map(ctx, batches, f.concurrency, f.fetchShared)
	if err != nil {
		return nil, err
	}

	out := make(map[serial.Hash][]byte, len(hashes))
	for _, r := range results {
		maps.Copy(out, r)
	}
	return out, nil
}

func (f *RemoteFetcher) fetchShared(ctx context.Context, batch []serial.Hash) (map[serial.Hash][]byte, error) {
	key := make([]byte, 0, len(batch)*serial.HashSize)
	for _, h := range batch {
		key = append(key, h[:]...)
	}
	v, err, shared := f.group.Do(string(key), func() (any, error) {
		return f.fetchBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		f.logger.Debug("Resource fetch shared", log.Int("hashes", len(batch)))
	}
	return v.(map[serial.Hash][]byte), nil
}

// fetchBatch asks for batch and reads one message per hash from the channel
// the server opens for the answer.
func (f *RemoteFetcher) fetchBatch(ctx context.Context, batch []serial.Hash) (map[serial.Hash][]byte, error) {
	var result api.ChannelResult
	if err := f.rpc.Call(ctx, api.MethodGetResources, api.HashesParams{Hashes: batch}, &result); err != nil {
		return nil, err
	}
	id, err := protocol.ParseChannelID(result.Channel)
	if err != nil {
		return nil, err
	}
	ch, err := f.session.AcceptChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	out := make(map[serial.Hash][]byte, len(batch))
	for _, want := range batch {
		msg, err := ch.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", want, err)
		}
		h, data, found, err := api.ParseResource(msg)
		if err != nil {
			return nil, err
		}
		if h != want {
			return nil, fmt.Errorf("%w: got %s, want %s", ErrResourceOutOfOrder, h, want)
		}
		if !found {
			continue
		}
		if got := f.digest(data); got != h {
			return nil, fmt.Errorf("%w: blob %s hashes to %s", ErrDigestMismatch, h, got)
		}
		out[h] = data
	}

	f.logger.Debug("Resources fetched", log.Int("requested", len(batch)), log.Int("received", len(out)))
	return out, nil
}

func chunk(hashes []serial.Hash, size int) [][]serial.Hash {
	if size <= 0 {
		size = DefaultFetchBatch
	}
	out := make([][]serial.Hash, 0, (len(hashes)+size-1)/size)
	for len(hashes) > size {
		out = append(out, hashes[:size:size])
		hashes = hashes[size:]
	}
	if len(hashes) > 0 {
		out = append(out, hashes)
	}
	return out
}
