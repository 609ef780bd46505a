package replication

import (
	"context"

	"github.com/zeusync/worldsync/internal/core/serial"
)

// Fetcher retrieves blobs a viewer is missing from the peer that stored them.
type Fetcher interface {
	// Dependencies returns the union of the recorded dependencies of hashes,
	// without duplicates. Unknown hashes contribute nothing.
	Dependencies(ctx context.Context, hashes []serial.Hash) ([]serial.Hash, error)

	// Resources returns the bytes of every requested blob the peer holds.
	// Hashes the peer does not hold are absent from the result.
	Resources(ctx context.Context, hashes []serial.Hash) (map[serial.Hash][]byte, error)
}

// EncoderFetcher answers fetches from an encoder's dependency index and blob
// store. The server uses it behind its RPC methods; in-process viewers use it
// directly.
type EncoderFetcher struct {
	Encoder *serial.Encoder
}

var _ Fetcher = EncoderFetcher{}

func (f EncoderFetcher) Dependencies(ctx context.Context, hashes []serial.Hash) ([]serial.Hash, error) {
	seen := make(map[serial.Hash]struct{})
	var out []serial.Hash
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deps, _ := f.Encoder.DependenciesOf(h)
		for _, d := range deps {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out, nil
}

func (f EncoderFetcher) Resources(ctx context.Context, hashes []serial.Hash) (map[serial.Hash][]byte, error) {
	out := make(map[serial.Hash][]byte, len(hashes))
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if data, ok := f.Encoder.Blob(h); ok {
			out[h] = data
		}
	}
	return out, nil
}
