package protocol

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame payload is compressed. The values are
// written on the wire as one byte.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, WrapError(ErrUnknownCompression, name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	// DecodeAll output is capped at the destination capacity, which
	// decompress sets to the size declared in the frame.
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(DefaultMaxMessageSize),
		zstd.WithDecodeAllCapLimit(true),
	)
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = fmt.Errorf("data is incompressible")

// compress returns the compressed payload, or errIncompressible when the
// result would not be smaller than the input.
func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, WrapError(ErrUnknownCompression, c.String())
	}
}

func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, NewProtocolError(ErrorCodeDecompressionFailed, "lz4", err)
		}
		if n != size {
			return nil, NewProtocolError(ErrorCodeDecompressionFailed,
				fmt.Sprintf("lz4: got %d bytes, expected %d", n, size), ErrDecompressionFailed)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, NewProtocolError(ErrorCodeDecompressionFailed, "zstd", err)
		}
		if len(out) != size {
			return nil, NewProtocolError(ErrorCodeDecompressionFailed,
				fmt.Sprintf("zstd: got %d bytes, expected %d", len(out), size), ErrDecompressionFailed)
		}
		return out, nil
	default:
		return nil, WrapError(ErrUnknownCompression, c.String())
	}
}
