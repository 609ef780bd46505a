package scene

import (
	"github.com/zeusync/worldsync/internal/core/serial"
)

var (
	TagVector2    = serial.Tag{Namespace: serial.NamespaceMath, ID: 1}
	TagVector3    = serial.Tag{Namespace: serial.NamespaceMath, ID: 2}
	TagQuaternion = serial.Tag{Namespace: serial.NamespaceMath, ID: 3}

	TagMesh      = serial.Tag{Namespace: serial.NamespaceScene, ID: 1}
	TagContainer = serial.Tag{Namespace: serial.NamespaceScene, ID: 2}
	TagTexture   = serial.Tag{Namespace: serial.NamespaceScene, ID: 3}

	TagTerrain = serial.Tag{Namespace: serial.NamespaceTerrain, ID: 1}
)

// Register adds the math, scene and terrain codecs to reg.
func Register(reg *serial.Registry) error {
	codecs := []*serial.Codec{
		serial.Fixed(TagVector2, identity[Vector2], unchanged[Vector2]),
		serial.Fixed(TagVector3, identity[Vector3], unchanged[Vector3]),
		serial.Fixed(TagQuaternion, identity[Quaternion], unchanged[Quaternion]),
		meshCodec(),
		containerCodec(),
		textureCodec(),
		terrainCodec(),
	}
	for _, c := range codecs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func identity[T any](v T) T { return v }

func unchanged[T any](v T) (T, error) { return v, nil }
