package scene

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"github.com/zeusync/worldsync/internal/core/serial"
)

const (
	DefaultBaseSize     = 30
	DefaultReliefHeight = 1200
)

// Terrain is a heightmap grid. Heights[y][x] is the elevation of the grid
// point (x, y); points are BaseSize apart and the grid is centered on the
// origin.
type Terrain struct {
	serial.Identity

	BaseSize float64
	Heights  [][]float64
}

func NewTerrain(baseSize float64, heights [][]float64) (*Terrain, error) {
	if baseSize <= 0 {
		return nil, fmt.Errorf("invalid terrain base size %v", baseSize)
	}
	for y := 1; y < len(heights); y++ {
		if len(heights[y]) != len(heights[0]) {
			return nil, fmt.Errorf("terrain row %d has %d columns, want %d", y, len(heights[y]), len(heights[0]))
		}
	}
	return &Terrain{BaseSize: baseSize, Heights: heights}, nil
}

// FromRelief builds a terrain from a relief image: the red channel of each
// pixel, scaled so 256 maps to height.
func FromRelief(img image.Image, baseSize, height float64) (*Terrain, error) {
	bounds := img.Bounds()
	heights := make([][]float64, bounds.Dy())
	for y := range heights {
		row := make([]float64, bounds.Dx())
		for x := range row {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			row[x] = float64(r>>8) * height / 256
		}
		heights[y] = row
	}
	return NewTerrain(baseSize, heights)
}

// FromReliefTexture is FromRelief for an RGBX texture.
func FromReliefTexture(tex *Texture, baseSize, height float64) (*Terrain, error) {
	heights := make([][]float64, tex.Height)
	for y := range heights {
		row := make([]float64, tex.Width)
		for x := range row {
			row[x] = float64(tex.Pixel(x, y)[0]) * height / 256
		}
		heights[y] = row
	}
	return NewTerrain(baseSize, heights)
}

func (t *Terrain) Columns() int {
	if len(t.Heights) == 0 {
		return 0
	}
	return len(t.Heights[0])
}

func (t *Terrain) Rows() int {
	return len(t.Heights)
}

// Center is the offset from grid coordinates to world coordinates.
func (t *Terrain) Center() Vector2 {
	return Vector2{
		X: float32(float64(t.Columns()) / 2 * t.BaseSize),
		Y: float32(float64(t.Rows()) / 2 * t.BaseSize),
	}
}

func (t *Terrain) point(x, y int) (Vector3, bool) {
	if y < 0 || y >= len(t.Heights) || x < 0 || x >= len(t.Heights[y]) {
		return Vector3{}, false
	}
	return Vector3{
		X: float32(float64(x) * t.BaseSize),
		Y: float32(float64(y) * t.BaseSize),
		Z: float32(t.Heights[y][x]),
	}, true
}

// HeightAt returns the surface elevation under the world position pos, or 0
// outside the grid.
func (t *Terrain) HeightAt(pos Vector2) float64 {
	p := pos.Add(t.Center())
	nx := int(math.Floor(float64(p.X) / t.BaseSize))
	ny := int(math.Floor(float64(p.Y) / t.BaseSize))

	a, okA := t.point(nx, ny)
	b, okB := t.point(nx+1, ny)
	c, okC := t.point(nx, ny+1)
	d, okD := t.point(nx+1, ny+1)
	if !okA || !okB || !okC || !okD {
		return 0
	}

	rx, ry := float64(p.X-a.X), float64(p.Y-a.Y)
	if rx+ry < t.BaseSize {
		return intersectPlane(a, b, c, p)
	}
	return intersectPlane(c, d, b, p)
}

// intersectPlane returns z of the plane through p1, p2, p3 at (at.X, at.Y).
func intersectPlane(p1, p2, p3 Vector3, at Vector2) float64 {
	n := p2.Sub(p1).Cross(p3.Sub(p1))
	A, B, C := float64(n.X), float64(n.Y), float64(n.Z)
	D := -(A*float64(p1.X) + B*float64(p1.Y) + C*float64(p1.Z))
	if C == 0 {
		return float64(p1.Z)
	}
	return (-D - A*float64(at.X) - B*float64(at.Y)) / C
}

// Mesh triangulates the surface, two triangles per grid cell, positioned
// so the grid is centered on the origin.
func (t *Terrain) Mesh() *Mesh {
	var triangles []Triangle
	for y := 0; y+1 < t.Rows(); y++ {
		for x := 0; x+1 < len(t.Heights[y]); x++ {
			a, _ := t.point(x, y)
			b, _ := t.point(x+1, y)
			c, _ := t.point(x, y+1)
			d, _ := t.point(x+1, y+1)
			// Winding order keeps normals pointing up.
			triangles = append(triangles, flatTriangle(c, b, a), flatTriangle(c, d, b))
		}
	}
	m := NewMesh(triangles)
	center := t.Center()
	m.Position = Vector3{X: -center.X, Y: -center.Y}
	return m
}

func flatTriangle(a, b, c Vector3) Triangle {
	normal := a.Sub(b).Cross(c.Sub(a)).Normalized()
	return Triangle{A: a, B: b, C: c, NA: normal, NB: normal, NC: normal}
}

func terrainCodec() *serial.Codec {
	return serial.Recursive(TagTerrain,
		func(t *Terrain) ([]any, error) {
			cols := t.Columns()
			packed := make([]byte, 0, t.Rows()*cols*4)
			for _, row := range t.Heights {
				for _, h := range row {
					packed = binary.BigEndian.AppendUint32(packed, math.Float32bits(float32(h)))
				}
			}
			return []any{t.BaseSize, cols, t.Rows(), packed}, nil
		},
		func(items []any) (*Terrain, error) {
			if err := serial.Arity(items, 4, "terrain"); err != nil {
				return nil, err
			}
			base, err := serial.Item[float64](items, 0, "terrain")
			if err != nil {
				return nil, err
			}
			cols, err := serial.Item[int](items, 1, "terrain")
			if err != nil {
				return nil, err
			}
			rows, err := serial.Item[int](items, 2, "terrain")
			if err != nil {
				return nil, err
			}
			packed, err := serial.Item[[]byte](items, 3, "terrain")
			if err != nil {
				return nil, err
			}
			if cols < 0 || rows < 0 || cols*rows*4 != len(packed) {
				return nil, fmt.Errorf("terrain %dx%d does not match %d bytes", cols, rows, len(packed))
			}
			heights := make([][]float64, rows)
			for y := range heights {
				row := make([]float64, cols)
				for x := range row {
					off := (y*cols + x) * 4
					row[x] = float64(math.Float32frombits(binary.BigEndian.Uint32(packed[off:])))
				}
				heights[y] = row
			}
			return NewTerrain(base, heights)
		},
	).Separate()
}
