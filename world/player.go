package world

import (
	"sync"

	"ballpit/packet"
	"ballpit/physics"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	PlayerRadius     = 0.25
	PlayerHeight     = 0.5
	PlayerFootRadius = 0.26
	PlayerFootOffset = 0.25

	playerHealth = 100
)

var (
	up          = mgl64.Vec3{0, 1, 0}
	unitForward = mgl64.Vec3{0, 0, 1}
	unitLeft    = mgl64.Vec3{1, 0, 0}
)

// groundState tracks whether a player stands on something and whether a
// jump is currently allowed.
//
// Landing does not count as grounded until the player has been in contact
// for the bunny-hop forgiveness window. During that window no ground drag is
// applied, but a jump is already allowed, so a player who jumps again right
// away keeps their air speed.
type groundState struct {
	grounded bool
	canJump  bool
	lastJump bool
	counter  float64
}

// update feeds one tick of contact and jump input, reporting whether the
// player jumps this tick.
func (g *groundState) update(contact, jump bool, dt, forgiveness float64) bool {
	g.settle(contact, dt, forgiveness)

	jumped := jump && g.canJump && !g.lastJump
	if jumped {
		g.canJump = false
	}
	g.lastJump = jump
	return jumped
}

func (g *groundState) settle(contact bool, dt, forgiveness float64) {
	if !contact {
		g.counter = 0
	} else if !g.grounded {
		g.counter += dt
		if g.counter < forgiveness {
			g.canJump = true
			return
		}
	}
	g.grounded = contact
	g.canJump = g.grounded
}

type PlayerBody struct {
	ID uint32

	body   *physics.Body
	world  *physics.World
	params *utils.PhysicsConfig
	dt     float64

	// mu guards the input fields below. It is separate from the
	// simulation lock so network handlers can queue input mid-step.
	mu       sync.Mutex
	movement packet.Movement
	rotation mgl64.Vec3
	ground   groundState
	health   float64
}

func newPlayerBody(id uint32, w *physics.World, params *utils.PhysicsConfig, dt float64, spawn mgl64.Vec3) *PlayerBody {
	body := w.AddBody(physics.Capsule{Radius: PlayerRadius, Height: PlayerHeight}, spawn, params.Mass)
	body.LockRotation()
	p := &PlayerBody{
		ID:     id,
		body:   body,
		world:  w,
		params: params,
		dt:     dt,
		health: playerHealth,
	}
	body.Data = p
	return p
}

// UpdateInputs merges a received action into the pending input. Movement
// flags accumulate until ResetInputs, the look rotation is replaced.
func (p *PlayerBody) UpdateInputs(a packet.Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.movement = p.movement.Or(a.Movement)
	p.rotation = vec64(a.Rotation)
}

func (p *PlayerBody) ResetInputs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.movement = packet.Movement{}
}

func (p *PlayerBody) Movement() packet.Movement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.movement
}

// Rotation is the look rotation last sent by the client. Its Y component is
// the yaw about +Y in radians.
func (p *PlayerBody) Rotation() mgl64.Vec3 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotation
}

func (p *PlayerBody) Position() mgl64.Vec3 {
	return p.body.Position()
}

func (p *PlayerBody) Velocity() mgl64.Vec3 {
	return p.body.Velocity()
}

func (p *PlayerBody) SetPosition(pos mgl64.Vec3) {
	p.body.SetPosition(pos)
}

func (p *PlayerBody) SetVelocity(v mgl64.Vec3) {
	p.body.SetVelocity(v)
}

func (p *PlayerBody) Health() float64 {
	return p.health
}

func (p *PlayerBody) Grounded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ground.grounded
}

func (p *PlayerBody) Body() *physics.Body {
	return p.body
}

func (p *PlayerBody) Enable() {
	p.body.Enable()
}

func (p *PlayerBody) Disable() {
	p.body.Disable()
}

// Axes returns the unit forward and left movement axes for a yaw.
func Axes(yaw float64) (mgl64.Vec3, mgl64.Vec3) {
	q := mgl64.QuatRotate(yaw, up)
	return q.Rotate(unitForward), q.Rotate(unitLeft)
}

// onGround tests the foot sensor below the capsule against everything but
// the player's own body.
func (p *PlayerBody) onGround() bool {
	foot := p.body.Position().Sub(up.Mul(PlayerFootOffset))
	return p.world.Overlaps(foot, PlayerFootRadius, p.body)
}

// HandleInputs turns the pending input into velocity changes for this tick.
// The caller holds the simulation lock.
func (p *PlayerBody) HandleInputs() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.body.SetRotation(mgl64.QuatRotate(p.rotation[1], up))
	fwd, lft := Axes(p.rotation[1])
	m := p.movement
	xz := planar(p.body.Velocity())

	var direction, delta mgl64.Vec3
	if m.Forward == m.Backward {
		delta = delta.Sub(project(xz, fwd))
	} else if m.Forward {
		direction = direction.Add(fwd)
	} else {
		direction = direction.Sub(fwd)
	}
	if m.Left == m.Right {
		delta = delta.Sub(project(xz, lft))
	} else if m.Left {
		direction = direction.Add(lft)
	} else {
		direction = direction.Sub(lft)
	}
	if direction.LenSqr() > 0 {
		direction = direction.Normalize()
	}

	if p.ground.update(p.onGround(), m.Jump, p.dt, p.params.BunnyHopForgiveness) {
		p.body.AddForce(up.Mul(p.params.JumpForce))
	}

	if p.ground.grounded {
		xz = xz.Add(direction.Mul(p.params.GroundAcceleration * p.dt))
		xz = xz.Add(delta.Mul(p.params.GroundDrag))
		xz = clampLength(xz, p.params.MaxGroundVelocity)
	} else {
		proj := project(p.body.Velocity(), direction)
		away := direction.Dot(proj) <= 0
		switch {
		case away:
			xz = xz.Add(direction.Mul(p.params.AirStrafeAcceleration * p.dt))
		case proj.Len() < p.params.MaxAirVelocity:
			xz = xz.Add(direction.Mul(p.params.AirAcceleration * p.dt))
		}
		xz = xz.Add(delta.Mul(p.params.AirDrag))
	}
	xz = clampLength(xz, p.params.MaxAllVelocity)

	v := p.body.Velocity()
	p.body.SetVelocity(mgl64.Vec3{xz[0], v[1], xz[2]})
}

func (p *PlayerBody) destroy() {
	p.body.Disable()
	p.world.RemoveBody(p.body)
}

func planar(v mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{v[0], 0, v[2]}
}

// project returns the component of v along axis. A zero axis projects to
// zero.
func project(v, axis mgl64.Vec3) mgl64.Vec3 {
	l := axis.LenSqr()
	if l == 0 {
		return mgl64.Vec3{}
	}
	return axis.Mul(v.Dot(axis) / l)
}

func clampLength(v mgl64.Vec3, max float64) mgl64.Vec3 {
	if l := v.Len(); l > max && l > 0 {
		return v.Mul(max / l)
	}
	return v
}
