// Package physics is a small fixed-step rigid-body engine. Dynamic bodies are
// spheres or upright capsules, static geometry is planes and axis aligned
// boxes. Contacts are generated by Collide, resolved by Step with sequential
// impulses, and thrown away by ClearContacts.
//
// Nothing in this package is safe for concurrent use; callers serialize
// access to a World and everything attached to it.
package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Shape is the collision shape of a dynamic body.
type Shape interface {
	// extent returns the radius of the swept sphere and half the length of
	// the vertical segment it is swept along.
	extent() (radius, halfHeight float64)
}

type Sphere struct {
	Radius float64
}

func (s Sphere) extent() (float64, float64) { return s.Radius, 0 }

// Capsule is a Y-aligned capsule. Height is the distance between the centres
// of its end caps.
type Capsule struct {
	Radius float64
	Height float64
}

func (c Capsule) extent() (float64, float64) { return c.Radius, c.Height / 2 }

type Body struct {
	shape           Shape
	position        mgl64.Vec3
	velocity        mgl64.Vec3
	rotation        mgl64.Quat
	angularVelocity mgl64.Vec3
	force           mgl64.Vec3
	mass            float64
	invMass         float64
	invInertia      float64
	enabled         bool
	rotationLocked  bool
	world           *World

	// Data is free for the owner of the body.
	Data interface{}
}

func (b *Body) Shape() Shape {
	return b.shape
}

func (b *Body) Position() mgl64.Vec3 {
	return b.position
}

func (b *Body) SetPosition(p mgl64.Vec3) {
	b.position = p
}

func (b *Body) Velocity() mgl64.Vec3 {
	return b.velocity
}

func (b *Body) SetVelocity(v mgl64.Vec3) {
	b.velocity = v
}

func (b *Body) Rotation() mgl64.Quat {
	return b.rotation
}

func (b *Body) SetRotation(q mgl64.Quat) {
	b.rotation = q.Normalize()
}

func (b *Body) AngularVelocity() mgl64.Vec3 {
	return b.angularVelocity
}

func (b *Body) SetAngularVelocity(w mgl64.Vec3) {
	if b.rotationLocked {
		return
	}
	b.angularVelocity = w
}

// AddForce accumulates a force that is applied during the next Step.
func (b *Body) AddForce(f mgl64.Vec3) {
	b.force = b.force.Add(f)
}

func (b *Body) Mass() float64 {
	return b.mass
}

// SetMass sets the mass, deriving the moment of inertia of a solid sphere
// with the shape's radius.
func (b *Body) SetMass(mass float64) {
	if mass <= 0 {
		mass = 1
	}
	b.mass = mass
	b.invMass = 1 / mass
	if b.rotationLocked {
		return
	}
	r, _ := b.shape.extent()
	b.invInertia = 1 / (0.4 * mass * r * r)
}

// LockRotation stops the body from ever rotating because of contacts.
// Rotation can still be set explicitly.
func (b *Body) LockRotation() {
	b.rotationLocked = true
	b.invInertia = 0
	b.angularVelocity = mgl64.Vec3{}
}

func (b *Body) Enable() {
	b.enabled = true
}

// Disable freezes the body. Disabled bodies are not integrated and do not
// collide.
func (b *Body) Disable() {
	b.enabled = false
}

func (b *Body) Enabled() bool {
	return b.enabled
}

// segment returns the bottom and top of the vertical segment the shape is
// swept along.
func (b *Body) segment() (mgl64.Vec3, mgl64.Vec3) {
	_, h := b.shape.extent()
	return b.position.Sub(mgl64.Vec3{0, h, 0}), b.position.Add(mgl64.Vec3{0, h, 0})
}

// velocityAt is the velocity of the material point of b at p.
func (b *Body) velocityAt(p mgl64.Vec3) mgl64.Vec3 {
	return b.velocity.Add(b.angularVelocity.Cross(p.Sub(b.position)))
}

// EulerAngles returns the body's rotation as roll, pitch and yaw in radians.
func (b *Body) EulerAngles() mgl64.Vec3 {
	return QuatToEuler(b.rotation)
}

// QuatToEuler converts q to (roll, pitch, yaw), the rotations about X, Y and
// Z applied in yaw-pitch-roll order.
func QuatToEuler(q mgl64.Quat) mgl64.Vec3 {
	x, y, z, w := q.V[0], q.V[1], q.V[2], q.W
	roll := math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	pitch := math.Asin(mgl64.Clamp(2*(w*y-z*x), -1, 1))
	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return mgl64.Vec3{roll, pitch, yaw}
}
