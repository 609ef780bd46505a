package scene

import (
	"fmt"
	"math"
)

type Vector2 struct {
	X, Y float32
}

func (v Vector2) Add(o Vector2) Vector2 { return Vector2{v.X + o.X, v.Y + o.Y} }
func (v Vector2) Sub(o Vector2) Vector2 { return Vector2{v.X - o.X, v.Y - o.Y} }
func (v Vector2) Scale(s float32) Vector2 {
	return Vector2{v.X * s, v.Y * s}
}

func (v Vector2) Length() float32 {
	return float32(math.Hypot(float64(v.X), float64(v.Y)))
}

func (v Vector2) Normalized() Vector2 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}

func (v Vector2) String() string {
	return fmt.Sprintf("Vector2(%.2f, %.2f)", v.X, v.Y)
}

type Vector3 struct {
	X, Y, Z float32
}

func (v Vector3) Add(o Vector3) Vector3 { return Vector3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector3) Sub(o Vector3) Vector3 { return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vector3) Scale(s float32) Vector3 {
	return Vector3{v.X * s, v.Y * s, v.Z * s}
}

func (v Vector3) Dot(o Vector3) float32 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vector3) Cross(o Vector3) Vector3 {
	return Vector3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

func (v Vector3) Length() float32 {
	return float32(math.Sqrt(float64(v.Dot(v))))
}

func (v Vector3) Normalized() Vector3 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}

func (v Vector3) XY() Vector2 {
	return Vector2{v.X, v.Y}
}

func (v Vector3) String() string {
	return fmt.Sprintf("Vector3(%.2f, %.2f, %.2f)", v.X, v.Y, v.Z)
}

// Quaternion is a rotation, or when used as an angular velocity, a rate of
// change of one. The zero value is not a rotation; use IdentityQuaternion.
type Quaternion struct {
	W, X, Y, Z float32
}

var IdentityQuaternion = Quaternion{W: 1}

// RotateAxis returns the rotation by angle radians around axis.
func RotateAxis(angle float64, axis Vector3) Quaternion {
	axis = axis.Normalized()
	s := float32(math.Sin(angle / 2))
	return Quaternion{
		W: float32(math.Cos(angle / 2)),
		X: axis.X * s,
		Y: axis.Y * s,
		Z: axis.Z * s,
	}
}

func (q Quaternion) Add(o Quaternion) Quaternion {
	return Quaternion{q.W + o.W, q.X + o.X, q.Y + o.Y, q.Z + o.Z}
}

func (q Quaternion) Sub(o Quaternion) Quaternion {
	return Quaternion{q.W - o.W, q.X - o.X, q.Y - o.Y, q.Z - o.Z}
}

func (q Quaternion) Scale(s float32) Quaternion {
	return Quaternion{q.W * s, q.X * s, q.Y * s, q.Z * s}
}

// Mul is the Hamilton product q*o: rotate by o, then by q.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// Rotate applies q to v. q is expected to be a unit quaternion.
func (q Quaternion) Rotate(v Vector3) Vector3 {
	p := q.Mul(Quaternion{X: v.X, Y: v.Y, Z: v.Z}).Mul(q.Conjugated())
	return Vector3{p.X, p.Y, p.Z}
}

func (q Quaternion) Conjugated() Quaternion {
	return Quaternion{q.W, -q.X, -q.Y, -q.Z}
}

func (q Quaternion) Dot(o Quaternion) float32 {
	return q.W*o.W + q.X*o.X + q.Y*o.Y + q.Z*o.Z
}

func (q Quaternion) Length() float32 {
	return float32(math.Sqrt(float64(q.Dot(q))))
}

func (q Quaternion) Normalized() Quaternion {
	l := q.Length()
	if l == 0 {
		return IdentityQuaternion
	}
	return q.Scale(1 / l)
}

// AngleAxis decomposes a rotation. The returned axis has a non-negative Z.
func (q Quaternion) AngleAxis() (float64, Vector3) {
	q = q.Normalized()
	angle := 2 * math.Acos(math.Max(-1, math.Min(1, float64(q.W))))
	s := math.Sqrt(1 - float64(q.W)*float64(q.W))
	if s < 0.001 {
		return 0, Vector3{X: 1}
	}
	axis := Vector3{float32(float64(q.X) / s), float32(float64(q.Y) / s), float32(float64(q.Z) / s)}
	if axis.Z < 0 {
		axis = axis.Scale(-1)
		angle = math.Mod(-angle+2*math.Pi, 2*math.Pi)
	}
	return angle, axis
}

// Slerp interpolates between two rotations along the shorter arc.
func Slerp(a, b Quaternion, t float32) Quaternion {
	a, b = a.Normalized(), b.Normalized()
	dot := a.Dot(b)
	if dot < 0 {
		b = b.Scale(-1)
		dot = -dot
	}
	if dot > 0.9995 {
		return a.Add(b.Sub(a).Scale(t)).Normalized()
	}
	theta0 := math.Acos(float64(min(dot, 1)))
	theta := theta0 * float64(t)
	c := b.Sub(a.Scale(dot)).Normalized()
	return a.Scale(float32(math.Cos(theta))).Add(c.Scale(float32(math.Sin(theta))))
}

func (q Quaternion) String() string {
	return fmt.Sprintf("Quaternion(real=%.2f, imag=<%.2f, %.2f, %.2f>)", q.W, q.X, q.Y, q.Z)
}
