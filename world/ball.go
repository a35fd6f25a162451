package world

import (
	"math"

	"ballpit/physics"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl64"
)

var ballSpawn = mgl64.Vec3{3, 3, 3}

// dampingPeriod is the interval, in seconds, that BallConfig.Damping is
// expressed over.
const dampingPeriod = 0.01

// Ball is the shared, input-less sphere every player can push around.
type Ball struct {
	body     *physics.Body
	world    *physics.World
	radius   float64
	damping  float64
	grounded bool
}

func newBall(w *physics.World, cfg *utils.BallConfig) *Ball {
	b := &Ball{
		world:   w,
		radius:  cfg.Radius,
		damping: cfg.Damping,
	}
	b.body = w.AddBody(physics.Sphere{Radius: cfg.Radius}, ballSpawn, cfg.Mass)
	b.body.Data = b
	return b
}

// onGround casts a ray straight down, a little longer than the radius, that
// ignores the ball itself.
func (b *Ball) onGround() bool {
	_, hit := b.world.Raycast(b.body.Position(), up.Mul(-1), b.radius*1.05, b.body)
	return hit
}

// Update applies rolling resistance while the ball touches the ground. The
// decay is scaled by dt so that it does not depend on the tickrate.
func (b *Ball) Update(dt float64) {
	b.grounded = b.onGround()
	if !b.grounded {
		return
	}
	v := b.body.Velocity()
	factor := math.Pow(b.damping, dt/dampingPeriod)
	b.body.SetVelocity(mgl64.Vec3{v[0] * factor, v[1], v[2] * factor})
}

func (b *Ball) Grounded() bool {
	return b.grounded
}

func (b *Ball) Position() mgl64.Vec3 {
	return b.body.Position()
}

func (b *Ball) Velocity() mgl64.Vec3 {
	return b.body.Velocity()
}

// Rotation is the ball's orientation as roll, pitch and yaw.
func (b *Ball) Rotation() mgl64.Vec3 {
	return b.body.EulerAngles()
}

func (b *Ball) Body() *physics.Body {
	return b.body
}

func (b *Ball) SetPosition(p mgl64.Vec3) {
	b.body.SetPosition(p)
}

func (b *Ball) SetVelocity(v mgl64.Vec3) {
	b.body.SetVelocity(v)
}
