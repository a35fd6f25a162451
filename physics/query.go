package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// RayHit is the nearest hit found by Raycast. Body is nil for static geoms.
type RayHit struct {
	Distance float64
	Point    mgl64.Vec3
	Body     *Body
}

// Raycast casts a ray of the given length from origin along dir against the
// static geometry and every enabled body not in masks.
func (w *World) Raycast(origin, dir mgl64.Vec3, length float64, masks ...*Body) (RayHit, bool) {
	if dir.LenSqr() == 0 || length <= 0 {
		return RayHit{}, false
	}
	dir = dir.Normalize()

	best := RayHit{Distance: math.Inf(1)}
	for _, s := range w.statics {
		if t, ok := s.raycast(origin, dir, length); ok && t < best.Distance {
			best = RayHit{Distance: t}
		}
	}
	for _, b := range w.bodies {
		if !b.enabled || masked(b, masks) {
			continue
		}
		if t, ok := raycastBody(b, origin, dir, length); ok && t < best.Distance {
			best = RayHit{Distance: t, Body: b}
		}
	}
	if math.IsInf(best.Distance, 1) {
		return RayHit{}, false
	}
	best.Point = origin.Add(dir.Mul(best.Distance))
	return best, true
}

// Overlaps reports whether a sphere at center touches static geometry or an
// enabled body not in masks.
func (w *World) Overlaps(center mgl64.Vec3, radius float64, masks ...*Body) bool {
	for _, s := range w.statics {
		if _, ok := sphereStatic(center, radius, s); ok {
			return true
		}
	}
	for _, b := range w.bodies {
		if !b.enabled || masked(b, masks) {
			continue
		}
		r, h := b.shape.extent()
		pa, pb := closestOnSegments(center, 0, b.position, h)
		if pa.Sub(pb).Len() < radius+r {
			return true
		}
	}
	return false
}

func masked(b *Body, masks []*Body) bool {
	for _, m := range masks {
		if m == b {
			return true
		}
	}
	return false
}

func raycastBody(b *Body, origin, dir mgl64.Vec3, length float64) (float64, bool) {
	radius, half := b.shape.extent()
	bottom, top := b.segment()

	best, hit := math.Inf(1), false
	for _, c := range []mgl64.Vec3{bottom, top} {
		if t, ok := raycastSphere(c, radius, origin, dir, length); ok && t < best {
			best, hit = t, true
		}
	}
	if half == 0 {
		return best, hit
	}

	// Side of the cylinder, solved in the XZ plane.
	ox, oz := origin[0]-b.position[0], origin[2]-b.position[2]
	a := dir[0]*dir[0] + dir[2]*dir[2]
	if a > 1e-12 {
		bq := ox*dir[0] + oz*dir[2]
		cq := ox*ox + oz*oz - radius*radius
		if disc := bq*bq - a*cq; disc >= 0 {
			t := (-bq - math.Sqrt(disc)) / a
			if t >= 0 && t <= length && t < best {
				y := origin[1] + dir[1]*t
				if y >= bottom[1] && y <= top[1] {
					best, hit = t, true
				}
			}
		}
	}
	return best, hit
}

func raycastSphere(center mgl64.Vec3, radius float64, origin, dir mgl64.Vec3, length float64) (float64, bool) {
	m := origin.Sub(center)
	b := m.Dot(dir)
	c := m.LenSqr() - radius*radius
	if c > 0 && b > 0 {
		return 0, false
	}
	disc := b*b - c
	if disc < 0 {
		return 0, false
	}
	t := math.Max(-b-math.Sqrt(disc), 0)
	if t > length {
		return 0, false
	}
	return t, true
}
