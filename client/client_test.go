package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"ballpit/packet"
	"ballpit/server"
	"ballpit/transport"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl32"
)

func snapshot(tick uint32, players ...packet.PlayerState) *packet.State {
	return &packet.State{
		Tick:    tick,
		Ball:    packet.BallState{Position: mgl32.Vec3{float32(tick), 0.5, 0}},
		Players: players,
	}
}

func player(id uint32, x float32) packet.PlayerState {
	return packet.PlayerState{
		ID:       id,
		Position: mgl32.Vec3{x, 0.5, -x},
		Velocity: mgl32.Vec3{x, 0, 0},
		Rotation: mgl32.Vec3{0, x, 0},
		Health:   100,
	}
}

func TestInterpolateBetweenSnapshots(t *testing.T) {
	q := NewQueue(nil)
	q.Push(snapshot(1, player(0, 0), player(1, 10)), 100)
	q.Push(snapshot(2, player(0, 4), player(1, 20), player(2, 7)), 200)
	q.Push(snapshot(3, player(0, 8), player(1, 30)), 300)

	got, ok := q.Interpolate(125)
	if !ok {
		t.Fatal("Interpolate failed")
	}
	if got.Tick != 2 {
		t.Fatalf("Tick = %d, want 2", got.Tick)
	}
	want := lerpVec(player(0, 0).Position, player(0, 4).Position, 0.25)
	if p, _ := got.Player(0); p.Position != want {
		t.Fatalf("player 0 at %v, want %v", p.Position, want)
	}
	if p, _ := got.Player(1); p.Velocity != player(1, 20).Velocity || p.Rotation != player(1, 20).Rotation {
		t.Fatalf("player 1 = %+v, want velocity and rotation of the later snapshot", p)
	}
	if p, ok := got.Player(2); !ok || p != player(2, 7) {
		t.Fatalf("new player = %+v, %v, want %+v", p, ok, player(2, 7))
	}
	if b := got.Ball.Position; b != (mgl32.Vec3{1.25, 0.5, 0}) {
		t.Fatalf("ball at %v, want {1.25 0.5 0}", b)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	got, _ = q.Interpolate(250)
	if q.Len() != 2 {
		t.Fatalf("Len = %d after passing a snapshot, want 2", q.Len())
	}
	if p, _ := got.Player(1); p.Position != lerpVec(player(1, 20).Position, player(1, 30).Position, 0.5) {
		t.Fatalf("player 1 at %v", p.Position)
	}
}

func TestInterpolateAtSnapshotTimes(t *testing.T) {
	for _, tt := range []struct {
		target float64
		want   packet.PlayerState
	}{
		{100, player(0, 0)},
		{200, player(0, 4)},
		{300, player(0, 8)},
	} {
		q := NewQueue(nil)
		q.Push(snapshot(1, player(0, 0)), 100)
		q.Push(snapshot(2, player(0, 4)), 200)
		q.Push(snapshot(3, player(0, 8)), 300)
		got, _ := q.Interpolate(tt.target)
		if p, _ := got.Player(0); p.Position != tt.want.Position {
			t.Fatalf("Interpolate(%v) at %v, want %v", tt.target, p.Position, tt.want.Position)
		}
	}
}

func TestInterpolateDegenerate(t *testing.T) {
	q := NewQueue(nil)
	if got, ok := q.Interpolate(10); ok || len(got.Players) != 0 {
		t.Fatalf("Interpolate on empty queue = %+v, %v", got, ok)
	}

	only := snapshot(4, player(3, 2))
	q.Push(only, 50)
	got, ok := q.Interpolate(1000)
	if !ok || got.Tick != 4 || got.Players[0] != only.Players[0] {
		t.Fatalf("single entry = %+v, %v, want it verbatim", got, ok)
	}
	got.Players[0].Health = 0
	if only.Players[0].Health != 100 {
		t.Fatal("Interpolate returned the queued state itself")
	}

	q.Push(snapshot(5, player(3, 6)), 60)
	q.Push(snapshot(6, player(3, 9)), 70)
	got, _ = q.Interpolate(80)
	if got.Tick != 6 || q.Len() != 1 {
		t.Fatalf("target past newest = tick %d, %d queued, want tick 6 alone", got.Tick, q.Len())
	}

	q.Push(snapshot(7, player(3, 1)), 200)
	got, _ = q.Interpolate(10)
	if got.Tick != 6 || q.Len() != 2 {
		t.Fatalf("target before oldest = tick %d, %d queued, want tick 6 and nothing dropped", got.Tick, q.Len())
	}
}

func TestPushDropsStaleTicks(t *testing.T) {
	q := NewQueue(nil)
	if !q.Push(snapshot(5), 10) {
		t.Fatal("first push dropped")
	}
	for _, tick := range []uint32{5, 4} {
		if q.Push(snapshot(tick), 20) {
			t.Fatalf("tick %d accepted after tick 5", tick)
		}
	}
	if !q.Push(snapshot(6), 30) || q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if newest, _ := q.Newest(); newest.Tick != 6 {
		t.Fatalf("Newest tick = %d, want 6", newest.Tick)
	}
}

func TestProxiesLifecycle(t *testing.T) {
	p := NewProxies(100)
	p.Apply(snapshot(1, player(0, 1), player(1, 2), player(2, 3)), 0, 0)
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2 without the local player", p.Len())
	}
	if _, ok := p.Get(0); ok {
		t.Fatal("local player has a proxy")
	}
	if got, _ := p.Get(2); !got.Active || got.Position != player(2, 3).Position {
		t.Fatalf("proxy 2 = %+v", got)
	}

	p.Apply(snapshot(2, player(1, 4)), 0, 50)
	if got, ok := p.Get(2); !ok || got.Active {
		t.Fatalf("absent proxy = %+v, %v, want inactive", got, ok)
	}
	if got, _ := p.Get(1); got.Position != player(1, 4).Position {
		t.Fatalf("proxy 1 at %v, want %v", got.Position, player(1, 4).Position)
	}

	p.Apply(snapshot(3, player(1, 5)), 0, 99)
	if _, ok := p.Get(2); !ok {
		t.Fatal("proxy removed before expiry")
	}
	p.Apply(snapshot(4, player(1, 6)), 0, 150)
	if _, ok := p.Get(2); ok {
		t.Fatal("proxy kept after expiry")
	}
	if p.World().Len() != 1 {
		t.Fatalf("world has %d entities, want 1", p.World().Len())
	}

	var ids []uint32
	p.Apply(snapshot(5, player(4, 0), player(1, 6)), 0, 160)
	p.ForEachProxy(func(d NetworkedData) { ids = append(ids, d.ID) })
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 4 {
		t.Fatalf("ForEachProxy ids = %v, want [1 4]", ids)
	}
}

func testConfig() *utils.Config {
	config := utils.DefaultConfig()
	config.Client.ConnectAttempts = 2
	config.Client.ConnectTimeoutMs = 50
	return config
}

func startServer(t *testing.T, config *utils.Config) (*server.Server, *transport.Loopback) {
	t.Helper()
	l := transport.NewLoopback()
	host, err := l.Listen(config.Server.Host, config.Server.Port, int(config.Server.PeerCount))
	if err != nil {
		t.Fatal(err)
	}
	s, err := server.New(config, server.Options{Host: host})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		s.Quit()
		s.Join()
	})
	return s, l
}

func connect(t *testing.T, l *transport.Loopback, config *utils.Config) *Client {
	t.Helper()
	c, err := Connect(context.Background(), config, Options{Host: l.Dial()})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// eventually polls cond every few milliseconds for up to two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientPlaysAgainstServer(t *testing.T) {
	config := testConfig()
	s, l := startServer(t, config)
	me := connect(t, l, config)
	defer me.Close()
	them := connect(t, l, config)
	defer them.Close()

	if me.ID() != 0 || them.ID() != 1 {
		t.Fatalf("ids = %d, %d, want 0, 1", me.ID(), them.ID())
	}
	if me.Tickrate() != config.Server.Tickrate {
		t.Fatalf("Tickrate = %d, want %d", me.Tickrate(), config.Server.Tickrate)
	}

	start := me.LocalPlayer().Position
	eventually(t, "the local player to move forward", func() bool {
		me.PressInputs(packet.Movement{Forward: true})
		me.Update()
		return me.LocalPlayer().ID == me.ID() && me.LocalPlayer().Position[2] > start[2]+0.5
	})
	eventually(t, "a proxy for the other player", func() bool {
		me.Update()
		p, ok := me.Proxies().Get(them.ID())
		return ok && p.Active
	})
	if _, ok := me.Proxies().Get(me.ID()); ok {
		t.Fatal("local player has a proxy")
	}

	me.Ping()
	eventually(t, "the round trip estimate to leave its seed", func() bool {
		return me.RTT() < config.Client.PingSeedMs/2
	})
	if got := s.Players(); got != 2 {
		t.Fatalf("server has %d players, want 2", got)
	}
}

// countingHost records how often it is destroyed.
type countingHost struct {
	transport.Host
	destroyed int
}

func (h *countingHost) Destroy() {
	h.destroyed++
	h.Host.Destroy()
}

func TestCloseDisconnects(t *testing.T) {
	config := testConfig()
	s, l := startServer(t, config)
	host := &countingHost{Host: l.Dial()}
	c, err := Connect(context.Background(), config, Options{Host: host})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "the player to join", func() bool { return s.Players() == 1 })

	if err := c.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	if c.Connected() {
		t.Fatal("still connected after Close")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close = %v, want the first result", err)
	}
	if host.destroyed != 1 {
		t.Fatalf("host destroyed %d times, want 1", host.destroyed)
	}
	eventually(t, "the player to leave", func() bool { return s.Players() == 0 })
}

func TestConnectTimeout(t *testing.T) {
	config := testConfig()
	l := transport.NewLoopback()
	_, err := Connect(context.Background(), config, Options{Host: l.Dial()})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect = %v, want ErrConnectTimeout", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	config := testConfig()
	l := transport.NewLoopback()
	if _, err := l.Listen(config.Server.Host, config.Server.Port, 1); err != nil {
		t.Fatal(err)
	}
	_, err := Connect(context.Background(), config, Options{Host: l.Dial()})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Connect = %v, want ErrHandshakeTimeout", err)
	}
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := transport.NewLoopback()
	_, err := Connect(ctx, testConfig(), Options{Host: l.Dial()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect = %v, want context.Canceled", err)
	}
}
