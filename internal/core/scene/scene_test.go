package scene

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/serial"
)

func newRegistry(t *testing.T) *serial.Registry {
	t.Helper()
	reg := serial.NewRegistry()
	require.NoError(t, Register(reg))
	reg.Freeze()
	return reg
}

func solidTexture(t *testing.T, w, h int, fill byte) *Texture {
	t.Helper()
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = fill
	}
	tex, err := NewTexture(w, h, data)
	require.NoError(t, err)
	return tex
}

func triangle(z float32, tex *Texture) Triangle {
	return Triangle{
		A:       Vector3{0, 0, z},
		B:       Vector3{1, 0, z},
		C:       Vector3{0, 1, z},
		NA:      Vector3{0, 0, 1},
		NB:      Vector3{0, 0, 1},
		NC:      Vector3{0, 0, 1},
		AUV:     Vector2{0, 0},
		BUV:     Vector2{1, 0},
		CUV:     Vector2{0, 1},
		Texture: tex,
	}
}

func TestVector2GoldenLayout(t *testing.T) {
	reg := newRegistry(t)
	data, err := serial.NewEncoder(reg).Encode(Vector2{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x01, 0x3f, 0x80, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00}, data)

	v, err := serial.NewDecoder(reg, nil).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Vector2{X: 1, Y: 2}, v)
}

func TestMathRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	enc := serial.NewEncoder(reg)
	dec := serial.NewDecoder(reg, nil)

	for _, v := range []any{
		Vector3{1.5, -2, 3},
		Quaternion{W: 1},
		RotateAxis(math.Pi/3, Vector3{Z: 1}),
		[]any{Vector2{}, Vector3{}, Quaternion{}},
	} {
		data, err := enc.Encode(v)
		require.NoError(t, err)
		got, err := dec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	data, err := enc.Encode(Quaternion{W: 1, X: 2, Y: 3, Z: 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0, 3, 0x3f, 0x80, 0, 0, 0x40, 0, 0, 0, 0x40, 0x40, 0, 0, 0x40, 0x80, 0, 0}, data)
}

func TestQuaternionRotate(t *testing.T) {
	q := RotateAxis(math.Pi/2, Vector3{Z: 1})
	v := q.Rotate(Vector3{X: 1})
	assert.InDelta(t, 0, v.X, 1e-6)
	assert.InDelta(t, 1, v.Y, 1e-6)
	assert.InDelta(t, 0, v.Z, 1e-6)

	back := q.Conjugated().Rotate(v)
	assert.InDelta(t, 1, back.X, 1e-6)

	angle, axis := q.AngleAxis()
	assert.InDelta(t, math.Pi/2, angle, 1e-5)
	assert.InDelta(t, 1, axis.Z, 1e-5)

	half := Slerp(IdentityQuaternion, q, 0.5)
	expected := RotateAxis(math.Pi/4, Vector3{Z: 1})
	assert.InDelta(t, expected.W, half.W, 1e-5)
	assert.InDelta(t, expected.Z, half.Z, 1e-5)

	assert.Equal(t, Vector3{0, 0, 1}, Vector3{X: 1}.Cross(Vector3{Y: 1}))
}

func TestMeshRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	enc := serial.NewEncoder(reg)

	red := solidTexture(t, 2, 2, 0xff)
	blue := solidTexture(t, 2, 2, 0x10)
	mesh := NewMesh([]Triangle{triangle(1, red), triangle(2, nil), triangle(3, blue), triangle(4, red)})
	mesh.Position = Vector3{X: 5}
	mesh.Scale = 2

	h, err := enc.Store(mesh)
	require.NoError(t, err)

	deps, err := enc.Dependencies(mesh)
	require.NoError(t, err)
	require.Len(t, deps, 2)

	dec := serial.NewDecoder(reg, nil)
	for _, dep := range append(deps, h) {
		blob, ok := enc.Blob(dep)
		require.True(t, ok)
		require.NoError(t, dec.Add(dep, blob))
	}

	v, err := dec.Load(h)
	require.NoError(t, err)
	got := v.(*Mesh)
	assert.Equal(t, mesh.Position, got.Position)
	assert.Equal(t, mesh.Rotation, got.Rotation)
	assert.Equal(t, 2.0, got.Scale)
	require.Len(t, got.Triangles, 4)

	// nil group first, then blue (0x10) before red (0xff).
	assert.Nil(t, got.Triangles[0].Texture)
	assert.Equal(t, float32(2), got.Triangles[0].A.Z)
	assert.Equal(t, blue.Data, got.Triangles[1].Texture.Data)
	assert.Equal(t, float32(3), got.Triangles[1].A.Z)
	assert.Equal(t, red.Data, got.Triangles[2].Texture.Data)
	assert.Equal(t, float32(1), got.Triangles[2].A.Z)
	assert.Equal(t, float32(4), got.Triangles[3].A.Z)
	assert.Same(t, got.Triangles[2].Texture, got.Triangles[3].Texture)
	assert.Equal(t, Vector2{1, 0}, got.Triangles[0].BUV)

	again, err := enc.EncodeTopLevel(got)
	require.NoError(t, err)
	blob, _ := enc.Blob(h)
	assert.Equal(t, blob, again, "decoded mesh re-encodes to the same bytes")
}

func TestMeshGroupOrderIsStable(t *testing.T) {
	reg := newRegistry(t)
	enc := serial.NewEncoder(reg)

	a := solidTexture(t, 1, 1, 1)
	b := solidTexture(t, 1, 1, 2)
	m1 := NewMesh([]Triangle{triangle(1, b), triangle(2, a)})
	m2 := NewMesh([]Triangle{triangle(2, a), triangle(1, b)})

	h1, err := enc.Store(m1)
	require.NoError(t, err)
	h2, err := enc.Store(m2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestContainerDependencies(t *testing.T) {
	reg := newRegistry(t)
	enc := serial.NewEncoder(reg)

	tex := solidTexture(t, 1, 1, 7)
	m1 := NewMesh([]Triangle{triangle(1, tex)})
	m2 := NewMesh([]Triangle{triangle(2, tex)})
	inner := Wrap(m2)
	root := NewContainer(m1, inner, m1)

	hTex, err := enc.Store(tex)
	require.NoError(t, err)
	h1, err := enc.Store(m1)
	require.NoError(t, err)
	h2, err := enc.Store(m2)
	require.NoError(t, err)

	deps, err := enc.Dependencies(root)
	require.NoError(t, err)
	assert.Equal(t, []serial.Hash{hTex, h1, h2}, deps)

	hRoot, err := enc.Store(root)
	require.NoError(t, err)

	dec := serial.NewDecoder(reg, nil)
	blob, _ := enc.Blob(hRoot)
	require.NoError(t, dec.Add(hRoot, blob))
	_, err = dec.Load(hRoot)
	missing, ok := serial.MissingHash(err)
	require.True(t, ok)
	assert.Equal(t, h1, missing)

	for _, dep := range deps {
		blob, _ := enc.Blob(dep)
		require.NoError(t, dec.Add(dep, blob))
	}
	v, err := dec.Load(hRoot)
	require.NoError(t, err)
	got := v.(*Container)
	require.Len(t, got.Objects, 3)
	assert.Same(t, got.Objects[0], got.Objects[2])
	assert.Len(t, got.Meshes(), 3)
}

func TestContainerAddRemove(t *testing.T) {
	m := NewMesh(nil)
	c := NewContainer()
	c.Add(m)
	assert.Len(t, c.Objects, 1)
	assert.True(t, c.Remove(m))
	assert.False(t, c.Remove(m))
	assert.Empty(t, c.Objects)
}

func TestTextureValidation(t *testing.T) {
	_, err := NewTexture(2, 2, make([]byte, 15))
	assert.Error(t, err)

	reg := newRegistry(t)
	enc := serial.NewEncoder(reg)
	tex := solidTexture(t, 1, 1, 0)
	data, err := enc.EncodeTopLevel(tex)
	require.NoError(t, err)

	// Claim a width of 2 while carrying one pixel.
	bad := append([]byte(nil), data...)
	bad[15] = 2
	_, err = serial.NewDecoder(reg, nil).Decode(bad)
	assert.ErrorIs(t, err, serial.ErrMalformedStream)
}

func slopeTerrain(t *testing.T) *Terrain {
	t.Helper()
	heights := [][]float64{
		{0, 10, 20},
		{0, 10, 20},
		{0, 10, 20},
	}
	terrain, err := NewTerrain(10, heights)
	require.NoError(t, err)
	return terrain
}

func TestTerrainHeightAt(t *testing.T) {
	terrain := slopeTerrain(t)
	assert.Equal(t, Vector2{15, 15}, terrain.Center())

	// World origin maps to grid (15, 15): halfway between columns 1 and 2.
	assert.InDelta(t, 15, terrain.HeightAt(Vector2{}), 1e-6)
	assert.InDelta(t, 5, terrain.HeightAt(Vector2{X: -10, Y: -12}), 1e-6)
	assert.InDelta(t, 12, terrain.HeightAt(Vector2{X: -3, Y: 1}), 1e-6)
	assert.Equal(t, 0.0, terrain.HeightAt(Vector2{X: 100}))
	assert.Equal(t, 0.0, terrain.HeightAt(Vector2{X: -100}))
}

func TestTerrainMesh(t *testing.T) {
	terrain := slopeTerrain(t)
	m := terrain.Mesh()
	assert.Len(t, m.Triangles, 8)
	assert.Equal(t, Vector3{X: -15, Y: -15}, m.Position)
	for _, tri := range m.Triangles {
		assert.Greater(t, tri.NA.Z, float32(0), "normals point up")
		assert.Nil(t, tri.Texture)
	}
}

func TestTerrainFromRelief(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 128, A: 255})
	img.Set(1, 0, color.RGBA{R: 64, A: 255})

	terrain, err := FromRelief(img, DefaultBaseSize, 256)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{128, 64}}, terrain.Heights)

	tex, err := NewTexture(2, 1, []byte{128, 0, 0, 0, 64, 0, 0, 0})
	require.NoError(t, err)
	fromTex, err := FromReliefTexture(tex, DefaultBaseSize, 256)
	require.NoError(t, err)
	assert.Equal(t, terrain.Heights, fromTex.Heights)
}

func TestTerrainRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	enc := serial.NewEncoder(reg)
	terrain := slopeTerrain(t)

	h, err := enc.Store(terrain)
	require.NoError(t, err)
	deps, err := enc.Dependencies(terrain)
	require.NoError(t, err)
	assert.Empty(t, deps)

	dec := serial.NewDecoder(reg, nil)
	blob, _ := enc.Blob(h)
	require.NoError(t, dec.Add(h, blob))
	v, err := dec.Load(h)
	require.NoError(t, err)
	got := v.(*Terrain)
	assert.Equal(t, terrain.BaseSize, got.BaseSize)
	assert.Equal(t, terrain.Heights, got.Heights)

	_, err = NewTerrain(10, [][]float64{{1, 2}, {3}})
	assert.Error(t, err)
}
