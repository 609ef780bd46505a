package serial

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// Shape selects how a codec lays out a value's content after its tag.
type Shape uint8

const (
	// ShapeFixed packs the value with a static big-endian layout.
	ShapeFixed Shape = iota + 1
	// ShapeRaw writes a uint32 length followed by that many bytes.
	ShapeRaw
	// ShapeRecursive writes a uint32 count followed by that many encoded values.
	ShapeRecursive
)

func (s Shape) String() string {
	switch s {
	case ShapeFixed:
		return "fixed"
	case ShapeRaw:
		return "raw"
	case ShapeRecursive:
		return "recursive"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

// Codec converts values of one Go type to and from their content encoding.
// Build codecs with Fixed, Raw or Recursive.
type Codec struct {
	Tag       Tag
	Type      reflect.Type
	Shape     Shape
	Separable bool

	size        int
	appendFixed func(dst []byte, v any) ([]byte, error)
	readFixed   func(src []byte) (any, error)
	marshal     func(v any) ([]byte, error)
	unmarshal   func(b []byte) (any, error)
	split       func(v any) ([]any, error)
	join        func(items []any) (any, error)
}

// Separate marks the codec's values as separable: outside of a Store they are
// always written as a hash reference.
func (c *Codec) Separate() *Codec {
	c.Separable = true
	return c
}

// Name is the Go type the codec serializes.
func (c *Codec) Name() string {
	if c.Type == nil {
		return "nil"
	}
	return c.Type.String()
}

// Size is the content length of a fixed codec, or -1 for the other shapes.
func (c *Codec) Size() int {
	if c.Shape != ShapeFixed {
		return -1
	}
	return c.size
}

func (c *Codec) String() string {
	return fmt.Sprintf("%s %s %s", c.Tag, c.Shape, c.Name())
}

func (c *Codec) validate() error {
	if c.Tag == RefTag {
		return fmt.Errorf("%w: tag %s is reserved", ErrIDCollision, c.Tag)
	}
	switch c.Shape {
	case ShapeFixed:
		if c.size < 0 || c.appendFixed == nil || c.readFixed == nil {
			return fmt.Errorf("%w: %s has no fixed layout", ErrInvalidCodec, c.Name())
		}
	case ShapeRaw:
		if c.marshal == nil || c.unmarshal == nil {
			return fmt.Errorf("%w: %s has no raw marshaller", ErrInvalidCodec, c.Name())
		}
	case ShapeRecursive:
		if c.split == nil || c.join == nil {
			return fmt.Errorf("%w: %s has no split/join", ErrInvalidCodec, c.Name())
		}
	default:
		return fmt.Errorf("%w: %s has %s", ErrInvalidCodec, c.Name(), c.Shape)
	}
	return nil
}

// Fixed builds a codec for T whose content is the big-endian encoding of the
// layout L. L must have a fixed size in the sense of encoding/binary.
func Fixed[T, L any](tag Tag, pack func(T) L, unpack func(L) (T, error)) *Codec {
	return CheckedFixed(tag, func(v T) (L, error) { return pack(v), nil }, unpack)
}

// CheckedFixed is Fixed with a pack that may reject values the layout cannot
// hold.
func CheckedFixed[T, L any](tag Tag, pack func(T) (L, error), unpack func(L) (T, error)) *Codec {
	var zero L
	typ := reflect.TypeFor[T]()
	return &Codec{
		Tag:   tag,
		Type:  typ,
		Shape: ShapeFixed,
		size:  binary.Size(zero),
		appendFixed: func(dst []byte, v any) ([]byte, error) {
			t, ok := v.(T)
			if !ok {
				return dst, fmt.Errorf("%w: %T is not %s", ErrInvalidCodec, v, typ)
			}
			layout, err := pack(t)
			if err != nil {
				return dst, err
			}
			return binary.Append(dst, binary.BigEndian, layout)
		},
		readFixed: func(src []byte) (any, error) {
			var layout L
			if _, err := binary.Decode(src, binary.BigEndian, &layout); err != nil {
				return nil, malformed("%s layout: %v", typ, err)
			}
			return unpack(layout)
		},
	}
}

// Raw builds a length-prefixed codec for T.
func Raw[T any](tag Tag, marshal func(T) ([]byte, error), unmarshal func([]byte) (T, error)) *Codec {
	typ := reflect.TypeFor[T]()
	return &Codec{
		Tag:   tag,
		Type:  typ,
		Shape: ShapeRaw,
		marshal: func(v any) ([]byte, error) {
			t, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("%w: %T is not %s", ErrInvalidCodec, v, typ)
			}
			return marshal(t)
		},
		unmarshal: func(b []byte) (any, error) {
			return unmarshal(b)
		},
	}
}

// Recursive builds a codec for T whose content is a counted sequence of
// encoded sub-values. split must return the same items for equal values.
func Recursive[T any](tag Tag, split func(T) ([]any, error), join func([]any) (T, error)) *Codec {
	typ := reflect.TypeFor[T]()
	return &Codec{
		Tag:   tag,
		Type:  typ,
		Shape: ShapeRecursive,
		split: func(v any) ([]any, error) {
			t, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("%w: %T is not %s", ErrInvalidCodec, v, typ)
			}
			return split(t)
		},
		join: func(items []any) (any, error) {
			return join(items)
		},
	}
}

// Arity checks that a recursive codec received exactly n sub-values.
func Arity(items []any, n int, name string) error {
	if len(items) != n {
		return malformed("%s: expected %d items, got %d", name, n, len(items))
	}
	return nil
}

// Item returns items[i] as T or a malformed stream error.
func Item[T any](items []any, i int, name string) (T, error) {
	var zero T
	if i >= len(items) {
		return zero, malformed("%s: missing item %d", name, i)
	}
	v, ok := items[i].(T)
	if !ok {
		return zero, malformed("%s: item %d is %T, want %s", name, i, items[i], reflect.TypeFor[T]())
	}
	return v, nil
}
