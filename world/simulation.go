package world

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"ballpit/packet"
	"ballpit/physics"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

var playerSpawn = mgl64.Vec3{0, 5, 0}

// Surface parameters for contacts that do not involve the ball.
const (
	groundBounce    = 0.01
	groundBounceVel = 0.1
	ballBounceVel   = 0.05
	contactSoftCFM  = 0.01
)

// Simulation owns the physics world and advances it at a fixed tickrate.
// Every exported method takes the simulation lock, so a snapshot taken with
// Update never observes a half finished step.
type Simulation struct {
	mu       sync.Mutex
	world    *physics.World
	players  map[uint32]*PlayerBody
	ball     *Ball
	tick     uint32
	params   utils.PhysicsConfig
	ballCfg  utils.BallConfig
	dt       float64
	tickrate uint32
	period   time.Duration

	quitMu sync.Mutex
	quit   bool
	done   chan struct{}

	// stepTimes holds recent step periods in seconds, including the sleep.
	statsMu   sync.Mutex
	stepTimes *utils.SmoothedBuffer

	logger *log.Logger
}

func NewSimulation(cfg *utils.Config, logger *log.Logger) (*Simulation, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dt := cfg.Server.TickDuration()
	s := &Simulation{
		players:   make(map[uint32]*PlayerBody),
		params:    cfg.Physics,
		ballCfg:   cfg.Ball,
		dt:        dt,
		tickrate:  cfg.Server.Tickrate,
		period:    time.Duration(dt * float64(time.Second)),
		done:      make(chan struct{}),
		stepTimes: utils.NewSmoothedBuffer(int(cfg.Server.Tickrate), dt),
		logger:    logger,
	}
	s.world = physics.NewWorld(mgl64.Vec3{0, cfg.Physics.Gravity, 0}, cfg.ErrorCorrection.ERP, cfg.ErrorCorrection.CFM)
	if err := buildLevel(s.world, &cfg.Map); err != nil {
		return nil, err
	}
	s.ball = newBall(s.world, &s.ballCfg)
	logger.Printf("simulation: tickrate %d, dt %.5f, gravity %v", cfg.Server.Tickrate, dt, cfg.Physics.Gravity)
	return s, nil
}

// CreatePlayer adds an enabled body for id. An id that already has a body
// keeps it.
func (s *Simulation) CreatePlayer(id uint32) *PlayerBody {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.players[id]; ok {
		return p
	}
	// Spread spawns out so players joining together do not overlap.
	spawn := playerSpawn.Add(mgl64.Vec3{float64(id%8) - 3.5, 0, 0})
	p := newPlayerBody(id, s.world, &s.params, s.dt, spawn)
	p.Enable()
	s.players[id] = p
	return p
}

// RemovePlayer destroys the body of id. Later snapshots no longer contain it.
func (s *Simulation) RemovePlayer(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return
	}
	p.destroy()
	delete(s.players, id)
}

func (s *Simulation) Player(id uint32) (*PlayerBody, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	return p, ok
}

func (s *Simulation) Ball() *Ball {
	return s.ball
}

func (s *Simulation) Tick() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

func (s *Simulation) Tickrate() uint32 {
	return s.tickrate
}

// DT is the fixed step length in seconds.
func (s *Simulation) DT() float64 {
	return s.dt
}

// surface picks contact parameters for a colliding pair. Pairs involving the
// ball are lively, everything else barely bounces.
func (s *Simulation) surface(a, b *physics.Body) physics.Surface {
	if a == s.ball.body || b == s.ball.body {
		return physics.Surface{
			Mu:        s.ballCfg.Friction,
			Bounce:    s.ballCfg.Bounce,
			BounceVel: ballBounceVel,
			SoftCFM:   contactSoftCFM,
		}
	}
	return physics.Surface{
		Mu:        s.params.GroundFriction,
		Bounce:    groundBounce,
		BounceVel: groundBounceVel,
		SoftCFM:   contactSoftCFM,
	}
}

// Step advances the world by one tick.
func (s *Simulation) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forEachPlayer(func(p *PlayerBody) {
		p.HandleInputs()
		p.ResetInputs()
	})
	s.ball.Update(s.dt)

	s.world.Collide(s.surface)
	s.world.Step(s.dt)
	s.world.ClearContacts()
	s.tick++
}

// forEachPlayer visits players in id order so steps are deterministic.
func (s *Simulation) forEachPlayer(callback func(p *PlayerBody)) {
	ids := make([]uint32, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		callback(s.players[id])
	}
}

// Update copies the current tick, ball and every player into out, reusing
// its player slice. It returns the tick copied.
func (s *Simulation) Update(out *packet.State) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out.Tick = s.tick
	out.Ball = packet.BallState{
		Position: vec32(s.ball.Position()),
		Velocity: vec32(s.ball.Velocity()),
		Rotation: vec32(s.ball.Rotation()),
	}
	out.Players = out.Players[:0]
	s.forEachPlayer(func(p *PlayerBody) {
		out.Players = append(out.Players, packet.PlayerState{
			ID:       p.ID,
			Position: vec32(p.Position()),
			Velocity: vec32(p.Velocity()),
			Rotation: vec32(p.Rotation()),
			Health:   float32(p.Health()),
		})
	})
	return s.tick
}

func (s *Simulation) SetBallPosition(p mgl64.Vec3) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ball.SetPosition(p)
}

func (s *Simulation) SetBallVelocity(v mgl64.Vec3) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ball.SetVelocity(v)
}

func (s *Simulation) shouldQuit() bool {
	s.quitMu.Lock()
	defer s.quitMu.Unlock()
	return s.quit
}

// Quit asks the tick loop to stop after its current iteration.
func (s *Simulation) Quit() {
	s.quitMu.Lock()
	defer s.quitMu.Unlock()
	s.quit = true
}

// Run steps the simulation every period until Quit is called or ctx is done.
// A step that overruns its period is not caught up.
func (s *Simulation) Run(ctx context.Context) {
	defer close(s.done)
	s.logger.Printf("simulation: running at %v per tick", s.period)
	for !s.shouldQuit() {
		start := time.Now()
		s.Step()

		sleep := s.period - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			s.Quit()
		case <-time.After(sleep):
		}
		s.statsMu.Lock()
		s.stepTimes.Update(time.Since(start).Seconds())
		s.statsMu.Unlock()
	}
	s.logger.Printf("simulation: stopped at tick %d", s.Tick())
}

// Launch runs the simulation on its own goroutine.
func (s *Simulation) Launch(ctx context.Context) {
	go s.Run(ctx)
}

// Join waits for a launched simulation to stop.
func (s *Simulation) Join() {
	<-s.done
}

// EffectiveTickrate is the measured number of steps per second.
func (s *Simulation) EffectiveTickrate() float64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	period := s.stepTimes.Get()
	if period <= 0 {
		return 0
	}
	return 1 / period
}

func vec32(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}

func vec64(v mgl32.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{float64(v[0]), float64(v[1]), float64(v[2])}
}
