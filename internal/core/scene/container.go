package scene

import (
	"slices"

	"github.com/zeusync/worldsync/internal/core/serial"
)

// Container is a transform node grouping meshes and other containers.
// Objects holds *Mesh, *Container or any other registered value.
type Container struct {
	Position Vector3
	Rotation Quaternion
	Scale    float64
	Objects  []any
}

func NewContainer(objects ...any) *Container {
	return &Container{
		Rotation: IdentityQuaternion,
		Scale:    1,
		Objects:  objects,
	}
}

// Wrap puts obj in a fresh container so it can be moved without changing obj.
func Wrap(obj any) *Container {
	return NewContainer(obj)
}

func (c *Container) Add(obj any) {
	c.Objects = append(c.Objects, obj)
}

func (c *Container) Remove(obj any) bool {
	for i, o := range c.Objects {
		if o == obj {
			c.Objects = slices.Delete(c.Objects, i, i+1)
			return true
		}
	}
	return false
}

// Meshes walks the hierarchy and returns every mesh below c.
func (c *Container) Meshes() []*Mesh {
	var out []*Mesh
	for _, o := range c.Objects {
		switch v := o.(type) {
		case *Mesh:
			out = append(out, v)
		case *Container:
			out = append(out, v.Meshes()...)
		}
	}
	return out
}

func containerCodec() *serial.Codec {
	return serial.Recursive(TagContainer,
		func(c *Container) ([]any, error) {
			objects := c.Objects
			if objects == nil {
				objects = []any{}
			}
			return []any{c.Position, c.Rotation, c.Scale, objects}, nil
		},
		func(items []any) (*Container, error) {
			if err := serial.Arity(items, 4, "container"); err != nil {
				return nil, err
			}
			pos, err := serial.Item[Vector3](items, 0, "container")
			if err != nil {
				return nil, err
			}
			rot, err := serial.Item[Quaternion](items, 1, "container")
			if err != nil {
				return nil, err
			}
			scale, err := serial.Item[float64](items, 2, "container")
			if err != nil {
				return nil, err
			}
			objects, err := serial.Item[[]any](items, 3, "container")
			if err != nil {
				return nil, err
			}
			return &Container{Position: pos, Rotation: rot, Scale: scale, Objects: objects}, nil
		},
	)
}
