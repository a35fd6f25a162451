package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"ballpit/packet"
	"ballpit/transport"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/segmentio/ksuid"
	"github.com/yohamta/donburi"
)

var (
	ErrConnectTimeout   = errors.New("timed out connecting to server")
	ErrHandshakeTimeout = errors.New("timed out waiting for handshake")
	ErrNotConnected     = errors.New("not connected")
)

const (
	serviceTimeout = 5 * time.Millisecond
	pingPeriod     = 1000.0
)

type Options struct {
	Logger *log.Logger
	// Host replaces the ENet client host, mostly for tests.
	Host transport.Host
}

// Client sends inputs to a server at a fixed rate and renders the world a
// little in the past, interpolating between received snapshots. All
// transport calls happen on the loop goroutine once Connect returns.
type Client struct {
	host    transport.Host
	peer    transport.Peer
	config  utils.ClientConfig
	logger  *log.Logger
	session ksuid.KSUID
	clock   *utils.Clock

	id       uint32
	tickrate uint32

	inputMu     sync.Mutex
	movement    packet.Movement
	rotation    mgl32.Vec3
	pingPending bool

	statsMu         sync.Mutex
	rtt             *utils.SmoothedBuffer
	sendInterval    *utils.SmoothedBuffer
	receiveInterval *utils.SmoothedBuffer
	lastSend        float64
	lastReceive     float64

	queue   *Queue
	proxies *Proxies

	// Owned by the goroutine calling Update.
	view  *packet.State
	local packet.PlayerState

	quitMu    sync.Mutex
	quit      bool
	connected bool
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the server in cfg and waits for its handshake. Each phase
// gets connect_attempts tries of connect_timeout_ms.
func Connect(ctx context.Context, cfg *utils.Config, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	host := opts.Host
	if host == nil {
		var err error
		host, err = transport.NewENetClient(cfg.Server.ChannelCount)
		if err != nil {
			return nil, err
		}
	}

	cc := cfg.Client
	c := &Client{
		host:    host,
		config:  cc,
		logger:  logger,
		session: ksuid.New(),
		clock:   utils.NewClock(),
		queue:   NewQueue(logger),
		proxies: NewProxies(cc.ProxyExpiryMs),
		done:    make(chan struct{}),
	}

	peer, err := host.Connect(cfg.Server.Host, cfg.Server.Port)
	if err != nil {
		host.Destroy()
		return nil, err
	}
	c.peer = peer

	timeout := time.Duration(cc.ConnectTimeoutMs) * time.Millisecond
	if err := c.await(ctx, timeout, func(ev transport.Event) bool {
		return ev.Type == transport.EventConnect
	}); err != nil {
		peer.DisconnectNow()
		host.Destroy()
		if errors.Is(err, ErrNotConnected) {
			err = ErrConnectTimeout
		}
		return nil, err
	}
	logger.Printf("client %s: connected to %s:%d", c.session, cfg.Server.Host, cfg.Server.Port)

	var handshake packet.Handshake
	if err := c.await(ctx, timeout, func(ev transport.Event) bool {
		if ev.Type != transport.EventReceive {
			return false
		}
		h, err := packet.DecodeHandshake(ev.Data)
		if err != nil {
			return false
		}
		handshake = h
		return true
	}); err != nil {
		peer.DisconnectNow()
		host.Destroy()
		if errors.Is(err, ErrNotConnected) {
			err = ErrHandshakeTimeout
		}
		return nil, err
	}

	c.id = handshake.ID
	c.tickrate = handshake.Tickrate
	c.clock.Set(handshake.ServerTime)
	c.rtt = utils.NewSmoothedBuffer(cc.PingSamples, cc.PingSeedMs)
	c.sendInterval = utils.NewSmoothedBuffer(cc.PingSamples, c.sendPeriod())
	c.receiveInterval = utils.NewSmoothedBuffer(cc.PingSamples, 1000/float64(c.tickrate))
	c.connected = true
	logger.Printf("client %s: player %d, server ticking at %d Hz", c.session, c.id, c.tickrate)

	go c.loop()
	return c, nil
}

// await services the host until match accepts an event, trying
// connect_attempts times. A disconnect aborts immediately.
func (c *Client) await(ctx context.Context, timeout time.Duration, match func(transport.Event) bool) error {
	for attempt := 0; attempt < c.config.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline := time.Now().Add(timeout)
		for {
			remaining := time.Until(deadline)
			if remaining < 0 {
				break
			}
			ev, err := c.host.Service(remaining)
			if err != nil {
				return err
			}
			if ev.Type == transport.EventDisconnect {
				return ErrNotConnected
			}
			if match(ev) {
				return nil
			}
			if ev.Type == transport.EventNone {
				break
			}
		}
		c.logger.Printf("client %s: attempt %d/%d timed out", c.session, attempt+1, c.config.ConnectAttempts)
	}
	return ErrNotConnected
}

// sendPeriod is the time between UserActions in milliseconds.
func (c *Client) sendPeriod() float64 {
	rate := c.config.SendRate
	if rate <= 0 {
		rate = float64(c.tickrate)
	}
	return 1000 / rate
}

func (c *Client) ID() uint32 {
	return c.id
}

func (c *Client) Tickrate() uint32 {
	return c.tickrate
}

func (c *Client) Session() ksuid.KSUID {
	return c.session
}

// Connected reports whether the server is still reachable.
func (c *Client) Connected() bool {
	c.quitMu.Lock()
	defer c.quitMu.Unlock()
	return c.connected
}

func (c *Client) shouldQuit() bool {
	c.quitMu.Lock()
	defer c.quitMu.Unlock()
	return c.quit || !c.connected
}

// PressInputs ORs m into the movement sent with the next UserAction.
func (c *Client) PressInputs(m packet.Movement) {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	c.movement = c.movement.Or(m)
}

// SetRotation sets the look direction sent with every UserAction.
func (c *Client) SetRotation(r mgl32.Vec3) {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	c.rotation = r
}

// Ping requests an immediate PING on the next loop iteration.
func (c *Client) Ping() {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	c.pingPending = true
}

// RTT is the smoothed round trip time in milliseconds.
func (c *Client) RTT() float64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.rtt.Get()
}

func (c *Client) SendInterval() float64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.sendInterval.Get()
}

func (c *Client) ReceiveInterval() float64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.receiveInterval.Get()
}

func (c *Client) loop() {
	defer close(c.done)

	period := c.sendPeriod()
	now := c.clock.Since()
	nextSend, nextPing := now, now
	for !c.shouldQuit() {
		now = c.clock.Since()
		if now >= nextSend {
			c.sendAction(now)
			nextSend += period
			if nextSend < now {
				nextSend = now + period
			}
		}

		c.inputMu.Lock()
		ping := c.pingPending
		c.pingPending = false
		c.inputMu.Unlock()
		if ping || now >= nextPing {
			c.send(packet.EncodePing(packet.Ping, c.clock.Millis()))
			nextPing = now + pingPeriod
		}

		wait := time.Duration((nextSend - c.clock.Since()) * float64(time.Millisecond))
		if wait > serviceTimeout {
			wait = serviceTimeout
		}
		if wait < 0 {
			wait = 0
		}
		ev, err := c.host.Service(wait)
		if err != nil {
			c.logger.Printf("client %s: service: %v", c.session, err)
			c.disconnected()
			return
		}
		c.handle(ev)
	}
}

func (c *Client) disconnected() {
	c.quitMu.Lock()
	defer c.quitMu.Unlock()
	c.connected = false
}

// sendAction sends the inputs accumulated since the last UserAction.
func (c *Client) sendAction(now float64) {
	c.inputMu.Lock()
	action := packet.Action{
		PingSend: c.clock.Millis(),
		Rotation: c.rotation,
		Movement: c.movement,
	}
	c.movement = packet.Movement{}
	c.inputMu.Unlock()

	c.send(packet.EncodeAction(action))

	c.statsMu.Lock()
	if c.lastSend > 0 {
		c.sendInterval.Update(now - c.lastSend)
	}
	c.lastSend = now
	c.statsMu.Unlock()
}

func (c *Client) send(b []byte) {
	if err := c.peer.Send(transport.UnreliableChannel, b, transport.Unsequenced); err != nil {
		c.logger.Printf("client %s: send: %v", c.session, err)
	}
}

func (c *Client) handle(ev transport.Event) {
	switch ev.Type {
	case transport.EventDisconnect:
		c.logger.Printf("client %s: server closed the connection", c.session)
		c.disconnected()
	case transport.EventReceive:
		c.onReceive(ev.Data)
	}
}

func (c *Client) onReceive(data []byte) {
	t, err := packet.PeekType(data)
	if err != nil {
		c.logger.Printf("client %s: dropping packet: %v", c.session, err)
		return
	}

	switch t {
	case packet.GameState:
		state, err := packet.DecodeState(data)
		if err != nil {
			c.logger.Printf("client %s: dropping packet: %v", c.session, err)
			return
		}
		now := c.clock.Since()
		c.statsMu.Lock()
		if state.PingReturn != 0 {
			c.rtt.Update(float64(c.clock.Millis() - state.PingReturn))
		}
		if c.lastReceive > 0 {
			c.receiveInterval.Update(now - c.lastReceive)
		}
		c.lastReceive = now
		c.statsMu.Unlock()
		c.queue.Push(state, now)

	case packet.PingResponse:
		_, ts, err := packet.DecodePing(data)
		if err != nil {
			c.logger.Printf("client %s: dropping packet: %v", c.session, err)
			return
		}
		c.statsMu.Lock()
		c.rtt.Update(float64(c.clock.Millis() - ts))
		c.statsMu.Unlock()

	case packet.ServerHandshake:
		// Duplicate handshakes are harmless.
	default:
		c.logger.Printf("client %s: unexpected %v", c.session, t)
	}
}

// Update interpolates the world interpolation_factor receive intervals in
// the past and refreshes the proxies. The local player comes from the newest
// snapshot instead. Call it once per frame.
func (c *Client) Update() bool {
	now := c.clock.Since()
	target := now - c.ReceiveInterval()*c.config.InterpolationFactor
	view, ok := c.queue.Interpolate(target)
	if !ok {
		return false
	}
	c.view = view
	if newest, ok := c.queue.Newest(); ok {
		if p, ok := newest.Player(c.id); ok {
			c.local = p
		}
	}
	c.proxies.Apply(view, c.id, now)
	return true
}

// LocalPlayer returns the local player as of the newest snapshot.
func (c *Client) LocalPlayer() packet.PlayerState {
	return c.local
}

// Ball returns the interpolated ball.
func (c *Client) Ball() packet.BallState {
	if c.view == nil {
		return packet.BallState{}
	}
	return c.view.Ball
}

// Proxies returns the remote players as of the last Update.
func (c *Client) Proxies() *Proxies {
	return c.proxies
}

// Entities is the ECS world holding one Networked entity per remote player.
func (c *Client) Entities() donburi.World {
	return c.proxies.World()
}

// Close stops the loop and disconnects gracefully, falling back to an
// immediate disconnect when the server does not acknowledge in time. Later
// calls return the first call's result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close()
	})
	return c.closeErr
}

func (c *Client) close() error {
	c.quitMu.Lock()
	c.quit = true
	c.quitMu.Unlock()
	<-c.done
	defer c.host.Destroy()

	if !c.Connected() {
		return ErrNotConnected
	}
	c.disconnected()
	c.peer.Disconnect()
	timeout := time.Duration(c.config.ConnectTimeoutMs) * time.Millisecond
	for attempt := 0; attempt < c.config.ConnectAttempts; attempt++ {
		ev, err := c.host.Service(timeout)
		if err != nil {
			return err
		}
		if ev.Type == transport.EventDisconnect {
			c.logger.Printf("client %s: disconnected", c.session)
			return nil
		}
	}
	c.logger.Printf("client %s: disconnect not acknowledged, dropping the connection", c.session)
	c.peer.DisconnectNow()
	return nil
}
