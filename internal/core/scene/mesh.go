package scene

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/zeusync/worldsync/internal/core/serial"
)

// Triangle is one textured face. Normals are per vertex.
type Triangle struct {
	A, B, C    Vector3
	NA, NB, NC Vector3
	AUV        Vector2
	BUV        Vector2
	CUV        Vector2
	Texture    *Texture
}

// triangleSize is 24 big-endian float32s: vertices, normals, then UVs.
const triangleSize = 24 * 4

func (t *Triangle) appendPacked(dst []byte) []byte {
	for _, f := range [...]float32{
		t.A.X, t.A.Y, t.A.Z, t.B.X, t.B.Y, t.B.Z, t.C.X, t.C.Y, t.C.Z,
		t.NA.X, t.NA.Y, t.NA.Z, t.NB.X, t.NB.Y, t.NB.Z, t.NC.X, t.NC.Y, t.NC.Z,
		t.AUV.X, t.AUV.Y, t.BUV.X, t.BUV.Y, t.CUV.X, t.CUV.Y,
	} {
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

func unpackTriangle(b []byte, tex *Texture) Triangle {
	var f [24]float32
	for i := range f {
		f[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return Triangle{
		A:       Vector3{f[0], f[1], f[2]},
		B:       Vector3{f[3], f[4], f[5]},
		C:       Vector3{f[6], f[7], f[8]},
		NA:      Vector3{f[9], f[10], f[11]},
		NB:      Vector3{f[12], f[13], f[14]},
		NC:      Vector3{f[15], f[16], f[17]},
		AUV:     Vector2{f[18], f[19]},
		BUV:     Vector2{f[20], f[21]},
		CUV:     Vector2{f[22], f[23]},
		Texture: tex,
	}
}

// Mesh is an immutable triangle model with its own transform. Meshes are
// separable: they travel as their own blob and are referenced by hash.
type Mesh struct {
	serial.Identity

	Position  Vector3
	Rotation  Quaternion
	Scale     float64
	Triangles []Triangle
}

func NewMesh(triangles []Triangle) *Mesh {
	return &Mesh{
		Rotation:  IdentityQuaternion,
		Scale:     1,
		Triangles: triangles,
	}
}

// Textures lists the distinct textures used by the mesh.
func (m *Mesh) Textures() []*Texture {
	var out []*Texture
	for i := range m.Triangles {
		if tex := m.Triangles[i].Texture; tex != nil && !slices.Contains(out, tex) {
			out = append(out, tex)
		}
	}
	return out
}

type triangleGroup struct {
	texture   *Texture
	triangles []*Triangle
}

// groups splits triangles by texture. Groups are ordered nil texture first,
// then by texture content; equal content keeps first-appearance order.
func (m *Mesh) groups() []triangleGroup {
	var groups []triangleGroup
	index := make(map[*Texture]int)
	for i := range m.Triangles {
		t := &m.Triangles[i]
		g, ok := index[t.Texture]
		if !ok {
			g = len(groups)
			index[t.Texture] = g
			groups = append(groups, triangleGroup{texture: t.Texture})
		}
		groups[g].triangles = append(groups[g].triangles, t)
	}
	slices.SortStableFunc(groups, func(a, b triangleGroup) int {
		return compareTextures(a.texture, b.texture)
	})
	return groups
}

func meshCodec() *serial.Codec {
	return serial.Recursive(TagMesh, splitMesh, joinMesh).Separate()
}

func splitMesh(m *Mesh) ([]any, error) {
	groups := m.groups()
	encoded := make([]any, len(groups))
	for i, g := range groups {
		packed := make([]byte, 0, len(g.triangles)*triangleSize)
		for _, t := range g.triangles {
			packed = t.appendPacked(packed)
		}
		var tex any
		if g.texture != nil {
			tex = g.texture
		}
		encoded[i] = serial.Tuple{tex, packed}
	}
	return []any{m.Position, m.Rotation, m.Scale, encoded}, nil
}

func joinMesh(items []any) (*Mesh, error) {
	if err := serial.Arity(items, 4, "mesh"); err != nil {
		return nil, err
	}
	pos, err := serial.Item[Vector3](items, 0, "mesh")
	if err != nil {
		return nil, err
	}
	rot, err := serial.Item[Quaternion](items, 1, "mesh")
	if err != nil {
		return nil, err
	}
	scale, err := serial.Item[float64](items, 2, "mesh")
	if err != nil {
		return nil, err
	}
	groups, err := serial.Item[[]any](items, 3, "mesh")
	if err != nil {
		return nil, err
	}

	m := &Mesh{Position: pos, Rotation: rot, Scale: scale}
	for i, g := range groups {
		pair, ok := g.(serial.Tuple)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("mesh group %d is %T", i, g)
		}
		var tex *Texture
		if pair[0] != nil {
			if tex, ok = pair[0].(*Texture); !ok {
				return nil, fmt.Errorf("mesh group %d texture is %T", i, pair[0])
			}
		}
		packed, ok := pair[1].([]byte)
		if !ok || len(packed)%triangleSize != 0 {
			return nil, fmt.Errorf("mesh group %d has invalid triangle data", i)
		}
		for off := 0; off < len(packed); off += triangleSize {
			m.Triangles = append(m.Triangles, unpackTriangle(packed[off:off+triangleSize], tex))
		}
	}
	return m, nil
}
