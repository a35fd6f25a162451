package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// solverIterations is the number of sequential impulse passes per Step.
const solverIterations = 10

// Surface holds the contact parameters chosen for a colliding pair.
type Surface struct {
	// Mu is the Coulomb friction coefficient.
	Mu float64
	// Bounce is the restitution, applied only when the approach speed is
	// above BounceVel.
	Bounce    float64
	BounceVel float64
	// SoftCFM softens the contact, letting it give a little under load.
	SoftCFM float64
}

// Contact is a single touching point between a body and another body or a
// static geom. Normal points from B towards A.
type Contact struct {
	A, B   *Body
	Static Static
	Point  mgl64.Vec3
	Normal mgl64.Vec3
	Depth  float64

	Surface Surface

	normalMass  float64
	tangentMass [2]float64
	tangents    [2]mgl64.Vec3
	bias        float64
	impulse     float64
	friction    [2]float64
}

type World struct {
	Gravity mgl64.Vec3
	// ERP is the fraction of penetration corrected per step.
	ERP float64
	// CFM is the global constraint force mixing added to every contact.
	CFM float64

	bodies   []*Body
	statics  []Static
	contacts []Contact
}

func NewWorld(gravity mgl64.Vec3, erp, cfm float64) *World {
	return &World{
		Gravity: gravity,
		ERP:     erp,
		CFM:     cfm,
	}
}

// AddBody creates an enabled body at position.
func (w *World) AddBody(shape Shape, position mgl64.Vec3, mass float64) *Body {
	b := &Body{
		shape:    shape,
		position: position,
		rotation: mgl64.QuatIdent(),
		enabled:  true,
		world:    w,
	}
	b.SetMass(mass)
	w.bodies = append(w.bodies, b)
	return b
}

// RemoveBody destroys b. Contacts still referencing it are dropped.
func (w *World) RemoveBody(b *Body) {
	if b == nil || b.world != w {
		return
	}
	for i, other := range w.bodies {
		if other == b {
			w.bodies = append(w.bodies[:i], w.bodies[i+1:]...)
			break
		}
	}
	kept := w.contacts[:0]
	for _, c := range w.contacts {
		if c.A != b && c.B != b {
			kept = append(kept, c)
		}
	}
	w.contacts = kept
	b.world = nil
	b.enabled = false
}

func (w *World) AddStatic(s Static) {
	w.statics = append(w.statics, s)
}

func (w *World) ForEachBody(callback func(b *Body)) {
	for _, b := range w.bodies {
		callback(b)
	}
}

func (w *World) ForEachStatic(callback func(s Static)) {
	for _, s := range w.statics {
		callback(s)
	}
}

// Collide runs the near phase over every pair of enabled bodies and every
// enabled body against the static geometry. surface is asked for the contact
// parameters of each colliding pair, b is nil when a touches static geometry.
func (w *World) Collide(surface func(a, b *Body) Surface) {
	for i, a := range w.bodies {
		if !a.enabled {
			continue
		}
		for _, s := range w.statics {
			points := collideStatic(a, s)
			if len(points) == 0 {
				continue
			}
			surf := surface(a, nil)
			for _, p := range points {
				w.contacts = append(w.contacts, Contact{
					A: a, Static: s, Point: p.point, Normal: p.normal, Depth: p.depth, Surface: surf,
				})
			}
		}
		for _, b := range w.bodies[i+1:] {
			if !b.enabled {
				continue
			}
			p, ok := collideBodies(a, b)
			if !ok {
				continue
			}
			w.contacts = append(w.contacts, Contact{
				A: a, B: b, Point: p.point, Normal: p.normal, Depth: p.depth, Surface: surface(a, b),
			})
		}
	}
}

func (w *World) Contacts() []Contact {
	return w.contacts
}

// ClearContacts empties the contact group built by Collide.
func (w *World) ClearContacts() {
	w.contacts = w.contacts[:0]
}

// Step advances the world by dt seconds: forces and gravity are integrated
// into velocities, contacts are resolved, then positions are integrated.
func (w *World) Step(dt float64) {
	if dt <= 0 {
		return
	}
	for _, b := range w.bodies {
		if !b.enabled {
			b.force = mgl64.Vec3{}
			continue
		}
		accel := w.Gravity.Add(b.force.Mul(b.invMass))
		b.velocity = b.velocity.Add(accel.Mul(dt))
		b.force = mgl64.Vec3{}
	}

	for i := range w.contacts {
		w.prepare(&w.contacts[i], dt)
	}
	for iter := 0; iter < solverIterations; iter++ {
		for i := range w.contacts {
			solve(&w.contacts[i])
		}
	}

	for _, b := range w.bodies {
		if !b.enabled {
			continue
		}
		b.position = b.position.Add(b.velocity.Mul(dt))
		if b.rotationLocked || b.angularVelocity.LenSqr() == 0 {
			continue
		}
		spin := mgl64.Quat{V: b.angularVelocity}.Mul(b.rotation).Scale(0.5 * dt)
		b.rotation = b.rotation.Add(spin).Normalize()
	}
}

func (w *World) prepare(c *Contact, dt float64) {
	rA := c.Point.Sub(c.A.position)
	k := c.A.invMass + c.A.invInertia*rA.Cross(c.Normal).LenSqr()
	var rB mgl64.Vec3
	if c.B != nil {
		rB = c.Point.Sub(c.B.position)
		k += c.B.invMass + c.B.invInertia*rB.Cross(c.Normal).LenSqr()
	}
	c.normalMass = 1 / (k + c.Surface.SoftCFM + w.CFM)

	c.tangents[0], c.tangents[1] = tangentBasis(c.Normal)
	for i, t := range c.tangents {
		kt := c.A.invMass + c.A.invInertia*rA.Cross(t).LenSqr()
		if c.B != nil {
			kt += c.B.invMass + c.B.invInertia*rB.Cross(t).LenSqr()
		}
		c.tangentMass[i] = 1 / (kt + w.CFM)
	}

	c.bias = w.ERP * c.Depth / dt
	if vn := relativeVelocity(c).Dot(c.Normal); -vn > c.Surface.BounceVel {
		c.bias = math.Max(c.bias, -c.Surface.Bounce*vn)
	}
	c.impulse = 0
	c.friction = [2]float64{}
}

func solve(c *Contact) {
	vn := relativeVelocity(c).Dot(c.Normal)
	lambda := c.normalMass * (c.bias - vn)
	old := c.impulse
	c.impulse = math.Max(old+lambda, 0)
	applyImpulse(c, c.Normal.Mul(c.impulse-old))

	limit := c.Surface.Mu * c.impulse
	for i, t := range c.tangents {
		vt := relativeVelocity(c).Dot(t)
		lambda := -c.tangentMass[i] * vt
		old := c.friction[i]
		c.friction[i] = mgl64.Clamp(old+lambda, -limit, limit)
		applyImpulse(c, t.Mul(c.friction[i]-old))
	}
}

func relativeVelocity(c *Contact) mgl64.Vec3 {
	v := c.A.velocityAt(c.Point)
	if c.B != nil {
		v = v.Sub(c.B.velocityAt(c.Point))
	}
	return v
}

func applyImpulse(c *Contact, j mgl64.Vec3) {
	c.A.velocity = c.A.velocity.Add(j.Mul(c.A.invMass))
	c.A.angularVelocity = c.A.angularVelocity.Add(c.Point.Sub(c.A.position).Cross(j).Mul(c.A.invInertia))
	if c.B == nil {
		return
	}
	c.B.velocity = c.B.velocity.Sub(j.Mul(c.B.invMass))
	c.B.angularVelocity = c.B.angularVelocity.Sub(c.Point.Sub(c.B.position).Cross(j).Mul(c.B.invInertia))
}

// tangentBasis returns two unit vectors orthogonal to n and to each other.
func tangentBasis(n mgl64.Vec3) (mgl64.Vec3, mgl64.Vec3) {
	axis := mgl64.Vec3{1, 0, 0}
	if math.Abs(n[0]) > 0.57 {
		axis = mgl64.Vec3{0, 1, 0}
	}
	t1 := n.Cross(axis).Normalize()
	return t1, n.Cross(t1)
}
