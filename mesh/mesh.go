// Package mesh holds triangle meshes produced by a generation pipeline and
// writes them to interchange formats.
package mesh

import (
	"errors"
	"fmt"
	"math"
)

type Vec3 [3]float64

func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Normalize() Vec3 {
	n := math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
	if n == 0 {
		return a
	}
	return Vec3{a[0] / n, a[1] / n, a[2] / n}
}

// Face indexes into Mesh.Vertices (zero based), counter-clockwise seen from outside.
type Face [3]int

type Mesh struct {
	Name     string
	Vertices []Vec3
	Faces    []Face
}

var ErrEmptyMesh = errors.New("mesh has no faces")

// Validate checks that every face references an existing vertex.
func (m *Mesh) Validate() error {
	if m == nil || len(m.Faces) == 0 {
		return ErrEmptyMesh
	}
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= len(m.Vertices) {
				return fmt.Errorf("face %d: vertex index %d out of range [0,%d)", i, idx, len(m.Vertices))
			}
		}
	}
	return nil
}

func (m *Mesh) FaceNormal(i int) Vec3 {
	f := m.Faces[i]
	v1, v2, v3 := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	return v2.Sub(v1).Cross(v3.Sub(v1)).Normalize()
}

// Bounds returns the axis aligned bounding box. Both corners are zero for an empty mesh.
func (m *Mesh) Bounds() (lo, hi Vec3) {
	if len(m.Vertices) == 0 {
		return
	}
	lo, hi = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], v[k])
			hi[k] = math.Max(hi[k], v[k])
		}
	}
	return
}
