package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Static is immovable geometry.
type Static interface {
	// closest returns the point of the geom closest to p and the outward
	// normal at that point. inside is set when p lies within the geom.
	closest(p mgl64.Vec3) (point, normal mgl64.Vec3, inside bool)
	// raycast returns the distance along dir to the first hit.
	raycast(origin, dir mgl64.Vec3, length float64) (float64, bool)
}

// Plane is the half space of points p with p.Dot(Normal) <= Offset.
type Plane struct {
	Normal mgl64.Vec3
	Offset float64
}

func NewPlane(normal mgl64.Vec3, offset float64) *Plane {
	return &Plane{Normal: normal.Normalize(), Offset: offset}
}

func (p *Plane) closest(q mgl64.Vec3) (mgl64.Vec3, mgl64.Vec3, bool) {
	d := q.Dot(p.Normal) - p.Offset
	return q.Sub(p.Normal.Mul(d)), p.Normal, d < 0
}

func (p *Plane) raycast(origin, dir mgl64.Vec3, length float64) (float64, bool) {
	denom := dir.Dot(p.Normal)
	if denom >= 0 {
		return 0, false
	}
	t := (p.Offset - origin.Dot(p.Normal)) / denom
	if t < 0 || t > length {
		return 0, false
	}
	return t, true
}

// Box is an axis aligned box.
type Box struct {
	Min, Max mgl64.Vec3
}

// NewBox builds a box from its centre and full size.
func NewBox(center, size mgl64.Vec3) *Box {
	half := size.Mul(0.5)
	return &Box{Min: center.Sub(half), Max: center.Add(half)}
}

func (b *Box) closest(p mgl64.Vec3) (mgl64.Vec3, mgl64.Vec3, bool) {
	var q mgl64.Vec3
	inside := true
	for i := 0; i < 3; i++ {
		q[i] = mgl64.Clamp(p[i], b.Min[i], b.Max[i])
		if q[i] != p[i] {
			inside = false
		}
	}
	if !inside {
		return q, p.Sub(q).Normalize(), false
	}

	// Push out through the nearest face.
	best, axis, sign := math.Inf(1), 0, 1.0
	for i := 0; i < 3; i++ {
		if d := p[i] - b.Min[i]; d < best {
			best, axis, sign = d, i, -1
		}
		if d := b.Max[i] - p[i]; d < best {
			best, axis, sign = d, i, 1
		}
	}
	var n mgl64.Vec3
	n[axis] = sign
	q = p
	if sign > 0 {
		q[axis] = b.Max[axis]
	} else {
		q[axis] = b.Min[axis]
	}
	return q, n, true
}

func (b *Box) raycast(origin, dir mgl64.Vec3, length float64) (float64, bool) {
	tmin, tmax := 0.0, length
	for i := 0; i < 3; i++ {
		if math.Abs(dir[i]) < 1e-12 {
			if origin[i] < b.Min[i] || origin[i] > b.Max[i] {
				return 0, false
			}
			continue
		}
		t1 := (b.Min[i] - origin[i]) / dir[i]
		t2 := (b.Max[i] - origin[i]) / dir[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return 0, false
		}
	}
	return tmin, true
}

type contactPoint struct {
	point  mgl64.Vec3
	normal mgl64.Vec3
	depth  float64
}

// sphereStatic tests a sphere against static geometry.
func sphereStatic(center mgl64.Vec3, radius float64, s Static) (contactPoint, bool) {
	q, n, inside := s.closest(center)
	dist := center.Sub(q).Len()
	if inside {
		return contactPoint{point: q, normal: n, depth: radius + dist}, true
	}
	if dist >= radius {
		return contactPoint{}, false
	}
	if dist == 0 {
		return contactPoint{point: q, normal: n, depth: radius}, true
	}
	return contactPoint{point: q, normal: n, depth: radius - dist}, true
}

// collideStatic returns the contacts between a body and a static geom. A
// capsule resting on a surface can touch with both end caps.
func collideStatic(b *Body, s Static) []contactPoint {
	radius, half := b.shape.extent()
	if box, ok := s.(*Box); ok {
		// Closest point of the body's segment to the box.
		c := b.position
		c[1] = mgl64.Clamp(mgl64.Clamp(c[1], box.Min[1], box.Max[1]), c[1]-half, c[1]+half)
		if p, ok := sphereStatic(c, radius, s); ok {
			return []contactPoint{p}
		}
		return nil
	}

	bottom, top := b.segment()
	var points []contactPoint
	if p, ok := sphereStatic(bottom, radius, s); ok {
		points = append(points, p)
	}
	if half == 0 {
		return points
	}
	if p, ok := sphereStatic(top, radius, s); ok {
		points = append(points, p)
	}
	return points
}

// collideBodies tests two swept spheres. The normal points from b to a.
func collideBodies(a, b *Body) (contactPoint, bool) {
	ra, ha := a.shape.extent()
	rb, hb := b.shape.extent()
	pa, pb := closestOnSegments(a.position, ha, b.position, hb)

	d := pa.Sub(pb)
	dist := d.Len()
	if dist >= ra+rb {
		return contactPoint{}, false
	}
	n := mgl64.Vec3{0, 1, 0}
	if dist > 1e-9 {
		n = d.Mul(1 / dist)
	}
	return contactPoint{
		point:  pb.Add(n.Mul(rb - (ra+rb-dist)/2)),
		normal: n,
		depth:  ra + rb - dist,
	}, true
}

// closestOnSegments finds the closest points of two vertical segments
// centred on a and b with the given half heights.
func closestOnSegments(a mgl64.Vec3, ha float64, b mgl64.Vec3, hb float64) (mgl64.Vec3, mgl64.Vec3) {
	lo := math.Max(a[1]-ha, b[1]-hb)
	hi := math.Min(a[1]+ha, b[1]+hb)
	pa, pb := a, b
	if lo <= hi {
		pa[1], pb[1] = (lo+hi)/2, (lo+hi)/2
		return pa, pb
	}
	if a[1] > b[1] {
		pa[1], pb[1] = a[1]-ha, b[1]+hb
	} else {
		pa[1], pb[1] = a[1]+ha, b[1]-hb
	}
	return pa, pb
}
