package serial

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrMalformedStream reports an unknown tag, truncated input, trailing
	// bytes in a blob or a layout mismatch. The stream cannot be trusted
	// after it.
	ErrMalformedStream = errors.New("serial: malformed stream")

	// ErrIDCollision reports a second codec for an already registered tag or type.
	ErrIDCollision = errors.New("serial: id collision")

	ErrRegistryFrozen = errors.New("serial: registry is frozen")
	ErrInvalidCodec   = errors.New("serial: invalid codec")
)

// ObjectNotAddedError is returned when decoding reaches a reference to a blob
// that is not in the local store. Add the blob and retry.
type ObjectNotAddedError struct {
	Hash Hash
}

func (e *ObjectNotAddedError) Error() string {
	return fmt.Sprintf("serial: object %s not added", e.Hash)
}

// TypeNotRegisteredError is returned when the encoder meets a Go type that
// has no codec.
type TypeNotRegisteredError struct {
	Type reflect.Type
}

func (e *TypeNotRegisteredError) Error() string {
	if e.Type == nil {
		return "serial: type <nil> not registered"
	}
	return fmt.Sprintf("serial: type %s not registered", e.Type)
}

// MissingHash returns the hash carried by an ObjectNotAddedError anywhere in
// err's chain.
func MissingHash(err error) (Hash, bool) {
	var notAdded *ObjectNotAddedError
	if errors.As(err, &notAdded) {
		return notAdded.Hash, true
	}
	return Hash{}, false
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedStream, fmt.Sprintf(format, args...))
}
