package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeusync/worldsync/pkg/generic"
)

// Stream framing: uint64 big-endian body length, then the body.
// Body: one compression byte, a uint32 uncompressed size when the payload is
// compressed, then the payload.
const (
	frameHeaderSize = 8
	rawSizeLen      = 4
)

var frameBuffers = generic.NewBufferPool(4096, 1<<20)

// EncodeBody builds a frame body for payload. When c does not shrink the
// payload the body is written uncompressed.
func EncodeBody(payload []byte, c Compression, maxSize int) ([]byte, error) {
	if maxSize > 0 && len(payload) > maxSize {
		return nil, NewProtocolError(ErrorCodeMessageTooLarge,
			fmt.Sprintf("message of %d bytes exceeds limit %d", len(payload), maxSize), ErrMessageTooLarge)
	}

	if c != CompressionNone && len(payload) > 0 {
		packed, err := compress(payload, c)
		switch {
		case err == nil:
			body := make([]byte, 0, 1+rawSizeLen+len(packed))
			body = append(body, byte(c))
			body = binary.BigEndian.AppendUint32(body, uint32(len(payload)))
			return append(body, packed...), nil
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}

	body := make([]byte, 0, 1+len(payload))
	body = append(body, byte(CompressionNone))
	return append(body, payload...), nil
}

// DecodeBody reverses EncodeBody.
func DecodeBody(body []byte, maxSize int) ([]byte, error) {
	if len(body) < 1 {
		return nil, NewProtocolError(ErrorCodeInvalidFrame, "empty frame body", ErrInvalidFrame)
	}
	c := Compression(body[0])
	if c == CompressionNone {
		return body[1:], nil
	}
	if len(body) < 1+rawSizeLen {
		return nil, NewProtocolError(ErrorCodeInvalidFrame, "truncated frame body", ErrInvalidFrame)
	}
	size := binary.BigEndian.Uint32(body[1:])
	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return nil, NewProtocolError(ErrorCodeMessageTooLarge,
			fmt.Sprintf("message of %d bytes exceeds limit %d", size, maxSize), ErrMessageTooLarge)
	}
	return decompress(body[1+rawSizeLen:], c, int(size))
}

// WriteFrame writes one framed message to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte, c Compression, maxSize int) error {
	body, err := EncodeBody(payload, c, maxSize)
	if err != nil {
		return err
	}
	buf := frameBuffers.Get()
	defer frameBuffers.Put(buf)

	frame := binary.BigEndian.AppendUint64(*buf, uint64(len(body)))
	frame = append(frame, body...)
	*buf = frame
	if _, err = w.Write(frame); err != nil {
		return WrapError(err, "failed to write frame")
	}
	return nil
}

// ReadFrame reads one framed message from r. A clean end of stream before the
// header returns io.EOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, NewProtocolError(ErrorCodeInvalidFrame, "truncated frame header", ErrInvalidFrame)
		}
		return nil, WrapError(err, "failed to read frame header")
	}

	length := binary.BigEndian.Uint64(header[:])
	if maxSize > 0 && length > uint64(maxSize)+1+rawSizeLen {
		return nil, NewProtocolError(ErrorCodeMessageTooLarge,
			fmt.Sprintf("frame of %d bytes exceeds limit %d", length, maxSize), ErrMessageTooLarge)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, NewProtocolError(ErrorCodeInvalidFrame, "truncated frame body", ErrInvalidFrame)
		}
		return nil, WrapError(err, "failed to read frame body")
	}
	return DecodeBody(body, maxSize)
}
