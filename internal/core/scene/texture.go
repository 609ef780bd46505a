package scene

import (
	"bytes"
	"cmp"
	"fmt"

	"github.com/zeusync/worldsync/internal/core/serial"
)

// Texture is an RGBX image, four bytes per pixel, rows top to bottom.
type Texture struct {
	serial.Identity

	Width  int
	Height int
	Data   []byte
}

func NewTexture(width, height int, data []byte) (*Texture, error) {
	if width < 0 || height < 0 || width*height*4 != len(data) {
		return nil, fmt.Errorf("invalid texture size %dx%d for %d bytes", width, height, len(data))
	}
	return &Texture{Width: width, Height: height, Data: data}, nil
}

// Pixel returns the RGBX bytes at (x, y).
func (t *Texture) Pixel(x, y int) []byte {
	i := (y*t.Width + x) * 4
	return t.Data[i : i+4]
}

// compareTextures orders textures by content: width, height, then pixel bytes.
// nil sorts first.
func compareTextures(a, b *Texture) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c := cmp.Compare(a.Width, b.Width); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Height, b.Height); c != 0 {
		return c
	}
	return bytes.Compare(a.Data, b.Data)
}

func textureCodec() *serial.Codec {
	return serial.Recursive(TagTexture,
		func(t *Texture) ([]any, error) {
			return []any{t.Width, t.Height, t.Data}, nil
		},
		func(items []any) (*Texture, error) {
			if err := serial.Arity(items, 3, "texture"); err != nil {
				return nil, err
			}
			w, err := serial.Item[int](items, 0, "texture")
			if err != nil {
				return nil, err
			}
			h, err := serial.Item[int](items, 1, "texture")
			if err != nil {
				return nil, err
			}
			data, err := serial.Item[[]byte](items, 2, "texture")
			if err != nil {
				return nil, err
			}
			return NewTexture(w, h, data)
		},
	).Separate()
}
