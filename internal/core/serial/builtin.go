package serial

import (
	"cmp"
	"fmt"
	"maps"
	"math"
	"slices"
)

// Builtin tags. (0,1) is RefTag.
var (
	TagList  = Tag{NamespaceBuiltin, 2}
	TagTuple = Tag{NamespaceBuiltin, 3}
	TagInt   = Tag{NamespaceBuiltin, 4}
	TagStr   = Tag{NamespaceBuiltin, 5}
	TagFloat = Tag{NamespaceBuiltin, 6}
	TagNone  = Tag{NamespaceBuiltin, 7}
	TagDict  = Tag{NamespaceBuiltin, 8}
	TagBytes = Tag{NamespaceBuiltin, 9}
	TagHash  = Tag{NamespaceBuiltin, 10}
)

func builtinCodecs() []*Codec {
	return []*Codec{
		Recursive(TagList,
			func(l []any) ([]any, error) { return l, nil },
			func(items []any) ([]any, error) { return items, nil },
		),
		Recursive(TagTuple,
			func(t Tuple) ([]any, error) { return t, nil },
			func(items []any) (Tuple, error) { return Tuple(items), nil },
		),
		CheckedFixed(TagInt, packInt,
			func(v int32) (int, error) { return int(v), nil },
		),
		Raw(TagStr,
			func(s string) ([]byte, error) { return []byte(s), nil },
			func(b []byte) (string, error) { return string(b), nil },
		),
		Fixed(TagFloat,
			func(v float64) float64 { return v },
			func(v float64) (float64, error) { return v, nil },
		),
		noneCodec(),
		Recursive(TagDict, splitDict, joinDict),
		Raw(TagBytes,
			func(b []byte) ([]byte, error) { return b, nil },
			func(b []byte) ([]byte, error) { return slices.Clone(b), nil },
		),
		Fixed(TagHash,
			func(h Hash) Hash { return h },
			func(h Hash) (Hash, error) { return h, nil },
		),
	}
}

// Integers are written as 32-bit signed.
func packInt(v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: int %d does not fit in 32 bits", ErrInvalidCodec, v)
	}
	return int32(v), nil
}

func noneCodec() *Codec {
	return &Codec{
		Tag:   TagNone,
		Shape: ShapeFixed,
		appendFixed: func(dst []byte, v any) ([]byte, error) {
			if v != nil {
				return dst, fmt.Errorf("%w: %T is not nil", ErrInvalidCodec, v)
			}
			return dst, nil
		},
		readFixed: func([]byte) (any, error) { return nil, nil },
	}
}

// Mappings are written as key/value tuples in ascending key order.
func splitDict(m map[string]any) ([]any, error) {
	keys := slices.SortedFunc(maps.Keys(m), cmp.Compare[string])
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = Tuple{k, m[k]}
	}
	return items, nil
}

func joinDict(items []any) (map[string]any, error) {
	m := make(map[string]any, len(items))
	for i, item := range items {
		pair, ok := item.(Tuple)
		if !ok || len(pair) != 2 {
			return nil, malformed("dict entry %d is %T", i, item)
		}
		key, ok := pair[0].(string)
		if !ok {
			return nil, malformed("dict key %d is %T", i, pair[0])
		}
		m[key] = pair[1]
	}
	return m, nil
}
