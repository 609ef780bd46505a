package server

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/zeusync/worldsync/internal/core/scene"
)

// ModelLibrary holds the named models create_static_object can spawn. Each
// name maps to one shared instance, so every entity showing it has the same
// hash and the model is stored once.
type ModelLibrary struct {
	mu     sync.RWMutex
	models map[string]any
}

func NewModelLibrary() *ModelLibrary {
	return &ModelLibrary{models: make(map[string]any)}
}

// DefaultModelLibrary returns a library with the built-in primitives.
func DefaultModelLibrary() *ModelLibrary {
	lib := NewModelLibrary()
	red := solid(0xd0, 0x30, 0x30)
	grey := solid(0x80, 0x80, 0x80)
	cube := Cube(1, red)
	pyramid := Pyramid(1, grey)

	transporter := scene.NewContainer(Cube(1, grey), scene.Wrap(pyramid))
	transporter.Objects[1].(*scene.Container).Position = scene.Vector3{Z: 1}

	_ = lib.Add("cube", scene.Wrap(cube))
	_ = lib.Add("pyramid", scene.Wrap(pyramid))
	_ = lib.Add("transporter", transporter)
	return lib
}

// Add registers model under name. Names are unique.
func (l *ModelLibrary) Add(name string, model any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.models[name]; exists {
		return fmt.Errorf("%w: %s", ErrModelExists, name)
	}
	l.models[name] = model
	return nil
}

func (l *ModelLibrary) Get(name string) (any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.models[name]
	return m, ok
}

func (l *ModelLibrary) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.models))
	for name := range l.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func solid(r, g, b byte) *scene.Texture {
	tex, _ := scene.NewTexture(1, 1, []byte{r, g, b, 0xff})
	return tex
}

// Cube returns an axis-aligned cube of the given edge centered on the origin.
func Cube(edge float32, tex *scene.Texture) *scene.Mesh {
	h := edge / 2
	corners := [8]scene.Vector3{
		{X: -h, Y: -h, Z: -h}, {X: h, Y: -h, Z: -h}, {X: h, Y: h, Z: -h}, {X: -h, Y: h, Z: -h},
		{X: -h, Y: -h, Z: h}, {X: h, Y: -h, Z: h}, {X: h, Y: h, Z: h}, {X: -h, Y: h, Z: h},
	}
	faces := [6][4]int{
		{0, 3, 2, 1}, // bottom
		{4, 5, 6, 7}, // top
		{0, 1, 5, 4},
		{1, 2, 6, 5},
		{2, 3, 7, 6},
		{3, 0, 4, 7},
	}

	triangles := make([]scene.Triangle, 0, 12)
	for _, f := range faces {
		a, b, c, d := corners[f[0]], corners[f[1]], corners[f[2]], corners[f[3]]
		triangles = append(triangles,
			flat(a, b, c, scene.Vector2{}, scene.Vector2{X: 1}, scene.Vector2{X: 1, Y: 1}, tex),
			flat(a, c, d, scene.Vector2{}, scene.Vector2{X: 1, Y: 1}, scene.Vector2{Y: 1}, tex),
		)
	}
	return scene.NewMesh(triangles)
}

// Pyramid returns a square pyramid with its base on z=0.
func Pyramid(edge float32, tex *scene.Texture) *scene.Mesh {
	h := edge / 2
	base := [4]scene.Vector3{{X: -h, Y: -h, Z: 0}, {X: h, Y: -h, Z: 0}, {X: h, Y: h, Z: 0}, {X: -h, Y: h, Z: 0}}
	apex := scene.Vector3{Z: edge}

	triangles := []scene.Triangle{
		flat(base[0], base[2], base[1], scene.Vector2{}, scene.Vector2{X: 1, Y: 1}, scene.Vector2{X: 1}, tex),
		flat(base[0], base[3], base[2], scene.Vector2{}, scene.Vector2{Y: 1}, scene.Vector2{X: 1, Y: 1}, tex),
	}
	for i := range base {
		next := base[(i+1)%len(base)]
		triangles = append(triangles,
			flat(base[i], next, apex, scene.Vector2{}, scene.Vector2{X: 1}, scene.Vector2{X: 0.5, Y: 1}, tex))
	}
	return scene.NewMesh(slices.Clip(triangles))
}

func flat(a, b, c scene.Vector3, auv, buv, cuv scene.Vector2, tex *scene.Texture) scene.Triangle {
	n := b.Sub(a).Cross(c.Sub(a)).Normalized()
	return scene.Triangle{
		A: a, B: b, C: c,
		NA: n, NB: n, NC: n,
		AUV: auv, BUV: buv, CUV: cuv,
		Texture: tex,
	}
}
