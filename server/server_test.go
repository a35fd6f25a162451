package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"ballpit/packet"
	"ballpit/transport"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl32"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"nhooyr.io/websocket"
)

func newTestServer(t *testing.T, config *utils.Config) (*Server, *transport.Loopback) {
	t.Helper()
	l := transport.NewLoopback()
	host, err := l.Listen(config.Server.Host, config.Server.Port, int(config.Server.PeerCount))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(config, Options{Host: host})
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

// dial connects a client host and waits for its handshake.
func dial(t *testing.T, l *transport.Loopback, config *utils.Config) (transport.Host, transport.Peer, packet.Handshake) {
	t.Helper()
	host := l.Dial()
	peer, err := host.Connect(config.Server.Host, config.Server.Port)
	if err != nil {
		t.Fatal(err)
	}
	h, err := packet.DecodeHandshake(receive(t, host, packet.ServerHandshake))
	if err != nil {
		t.Fatal(err)
	}
	return host, peer, h
}

// receive services host until a packet of type want arrives.
func receive(t *testing.T, host transport.Host, want packet.Type) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := host.Service(10 * time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Type != transport.EventReceive {
			continue
		}
		if got, err := packet.PeekType(ev.Data); err == nil && got == want {
			return ev.Data
		}
	}
	t.Fatalf("no %v received", want)
	return nil
}

func sendAction(t *testing.T, peer transport.Peer, a packet.Action) {
	t.Helper()
	if err := peer.Send(transport.UnreliableChannel, packet.EncodeAction(a), transport.Unsequenced); err != nil {
		t.Fatal(err)
	}
}

func TestHandshake(t *testing.T) {
	config := utils.DefaultConfig()
	_, l := newTestServer(t, config)

	_, _, first := dial(t, l, config)
	_, _, second := dial(t, l, config)
	if first.ID != 0 || second.ID != 1 {
		t.Fatalf("ids = %d, %d, want 0, 1", first.ID, second.ID)
	}
	if first.Tickrate != config.Server.Tickrate {
		t.Fatalf("tickrate = %d, want %d", first.Tickrate, config.Server.Tickrate)
	}
}

func TestReplyEchoesPing(t *testing.T) {
	config := utils.DefaultConfig()
	_, l := newTestServer(t, config)
	host, peer, h := dial(t, l, config)

	sendAction(t, peer, packet.Action{PingSend: 4242, Movement: packet.Movement{Forward: true}})
	state, err := packet.DecodeState(receive(t, host, packet.GameState))
	if err != nil {
		t.Fatal(err)
	}
	if state.PingReturn != 4242 {
		t.Fatalf("PingReturn = %d, want 4242", state.PingReturn)
	}
	if _, ok := state.Player(h.ID); !ok {
		t.Fatalf("snapshot %+v is missing player %d", state, h.ID)
	}

	if err := peer.Send(transport.UnreliableChannel, packet.EncodePing(packet.Ping, 77), transport.Unsequenced); err != nil {
		t.Fatal(err)
	}
	typ, ts, err := packet.DecodePing(receive(t, host, packet.PingResponse))
	if err != nil || typ != packet.PingResponse || ts != 77 {
		t.Fatalf("DecodePing = %v, %d, %v, want PING_RESPONSE 77", typ, ts, err)
	}
}

func TestOneReplyPerAction(t *testing.T) {
	config := utils.DefaultConfig()
	_, l := newTestServer(t, config)
	host, peer, _ := dial(t, l, config)

	const actions = 5
	for i := uint32(1); i <= actions; i++ {
		sendAction(t, peer, packet.Action{PingSend: i})
	}

	got := make(map[uint32]int)
	deadline := time.Now().Add(2 * time.Second)
	quiet := time.Time{}
	for time.Now().Before(deadline) {
		ev, err := host.Service(10 * time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Type == transport.EventNone {
			if len(got) == actions && quiet.IsZero() {
				quiet = time.Now()
			}
			if !quiet.IsZero() && time.Since(quiet) > 100*time.Millisecond {
				break
			}
			continue
		}
		if ev.Type != transport.EventReceive {
			continue
		}
		if typ, err := packet.PeekType(ev.Data); err != nil || typ != packet.GameState {
			continue
		}
		state, err := packet.DecodeState(ev.Data)
		if err != nil {
			t.Fatal(err)
		}
		got[state.PingReturn]++
	}

	if len(got) != actions {
		t.Fatalf("replies = %v, want one for each of pings 1..%d", got, actions)
	}
	for ping, n := range got {
		if ping < 1 || ping > actions || n != 1 {
			t.Fatalf("replies = %v, want exactly one for each of pings 1..%d", got, actions)
		}
	}
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	config := utils.DefaultConfig()
	_, l := newTestServer(t, config)
	host, peer, _ := dial(t, l, config)

	for _, b := range [][]byte{{1}, {99, 0, 0, 0}, packet.EncodeAction(packet.Action{})[:10]} {
		if err := peer.Send(transport.UnreliableChannel, b, 0); err != nil {
			t.Fatal(err)
		}
	}
	sendAction(t, peer, packet.Action{PingSend: 9})
	state, err := packet.DecodeState(receive(t, host, packet.GameState))
	if err != nil || state.PingReturn != 9 {
		t.Fatalf("state = %+v, %v, want a reply to ping 9", state, err)
	}
}

func TestDisconnectRemovesPlayer(t *testing.T) {
	config := utils.DefaultConfig()
	s, l := newTestServer(t, config)
	host, peer, me := dial(t, l, config)
	otherHost, other, them := dial(t, l, config)

	other.Disconnect()
	deadline := time.Now().Add(2 * time.Second)
	for s.Players() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("%d players after disconnect, want 1", s.Players())
		}
		otherHost.Service(10 * time.Millisecond)
	}

	sendAction(t, peer, packet.Action{PingSend: 1})
	state, err := packet.DecodeState(receive(t, host, packet.GameState))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := state.Player(them.ID); ok {
		t.Fatalf("disconnected player %d still in %+v", them.ID, state.Players)
	}
	if _, ok := state.Player(me.ID); !ok {
		t.Fatalf("player %d missing from %+v", me.ID, state.Players)
	}
}

func TestHeartbeat(t *testing.T) {
	config := utils.DefaultConfig()
	config.Server.HeartbeatHz = 20
	_, l := newTestServer(t, config)
	host, _, _ := dial(t, l, config)

	state, err := packet.DecodeState(receive(t, host, packet.GameState))
	if err != nil {
		t.Fatal(err)
	}
	if state.PingReturn != 0 {
		t.Fatalf("PingReturn = %d, want 0 for an unsolicited state", state.PingReturn)
	}
}

// drain services host until it has nothing queued and returns every
// GameState received.
func drain(t *testing.T, host transport.Host) []*packet.State {
	t.Helper()
	var states []*packet.State
	for {
		ev, err := host.Service(0)
		if err != nil {
			t.Fatal(err)
		}
		switch ev.Type {
		case transport.EventNone:
			return states
		case transport.EventReceive:
			if typ, err := packet.PeekType(ev.Data); err == nil && typ == packet.GameState {
				state, err := packet.DecodeState(ev.Data)
				if err != nil {
					t.Fatal(err)
				}
				states = append(states, state)
			}
		}
	}
}

func TestHeartbeatAfterDisconnect(t *testing.T) {
	config := utils.DefaultConfig()
	config.Server.HeartbeatHz = 1000
	l := transport.NewLoopback()
	serverHost, err := l.Listen(config.Server.Host, config.Server.Port, int(config.Server.PeerCount))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(config, Options{Host: serverHost})
	if err != nil {
		t.Fatal(err)
	}
	defer serverHost.Destroy()

	leaving, stayingHost := l.Dial(), l.Dial()
	leavingPeer, err := leaving.Connect(config.Server.Host, config.Server.Port)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stayingHost.Connect(config.Server.Host, config.Server.Port); err != nil {
		t.Fatal(err)
	}

	// Drive the loop by hand until both connects are handled.
	for {
		ev, err := s.step()
		if err != nil {
			t.Fatal(err)
		}
		if ev.Type == transport.EventNone {
			break
		}
	}
	if s.Players() != 2 {
		t.Fatalf("%d players, want 2", s.Players())
	}
	h, err := packet.DecodeHandshake(receive(t, leaving, packet.ServerHandshake))
	if err != nil {
		t.Fatal(err)
	}
	goneID := h.ID
	drain(t, stayingHost)

	leavingPeer.Disconnect()
	s.lastBeat = time.Time{}
	ev, err := s.step()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != transport.EventDisconnect {
		t.Fatalf("handled %v, want the disconnect", ev.Type)
	}

	states := drain(t, stayingHost)
	if len(states) == 0 {
		t.Fatal("no heartbeat after the disconnect")
	}
	for _, state := range states {
		if _, ok := state.Player(goneID); ok {
			t.Fatalf("state %d still contains player %d: %+v", state.Tick, goneID, state.Players)
		}
	}
}

func TestTransportFailureStopsServer(t *testing.T) {
	config := utils.DefaultConfig()
	l := transport.NewLoopback()
	host, err := l.Listen(config.Server.Host, config.Server.Port, int(config.Server.PeerCount))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(config, Options{Host: host})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	host.Destroy()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server loop still running after its host was destroyed")
	}
	if err := s.Err(); !errors.Is(err, transport.ErrHostDestroyed) {
		t.Fatalf("Err() = %v, want ErrHostDestroyed", err)
	}

	joined := make(chan struct{})
	go func() {
		s.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("simulation still running after the server loop failed")
	}
}

func TestStateProto(t *testing.T) {
	want := &packet.State{
		Tick:      12,
		Timestamp: 3400,
		Ball:      packet.BallState{Position: mgl32.Vec3{3, 0.5, 3}, Velocity: mgl32.Vec3{0.25, 0, -1}},
		Players: []packet.PlayerState{
			{ID: 2, Position: mgl32.Vec3{-1.5, 0.5, 0}, Rotation: mgl32.Vec3{0, 1.5, 0}, Health: 100},
		},
	}
	msg, err := StateToProto("session", want)
	if err != nil {
		t.Fatal(err)
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded structpb.Struct
	if err := proto.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	session, got := StateFromProto(&decoded)
	if session != "session" || !reflect.DeepEqual(got, want) {
		t.Fatalf("StateFromProto = %q, %+v, want %+v", session, got, want)
	}
}

func TestObserverStreamsSnapshots(t *testing.T) {
	config := utils.DefaultConfig()
	s, l := newTestServer(t, config)
	dial(t, l, config)

	observer := NewObserver(s, nil, 50, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go observer.Run(ctx)

	ts := httptest.NewServer(observer)
	defer ts.Close()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	// The first frames may predate the connection.
	for {
		typ, b, err := c.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if typ != websocket.MessageBinary {
			t.Fatalf("message type = %v, want binary", typ)
		}
		var msg structpb.Struct
		if err := proto.Unmarshal(b, &msg); err != nil {
			t.Fatal(err)
		}
		session, state := StateFromProto(&msg)
		if session != s.Session().String() {
			t.Fatalf("session = %q, want %q", session, s.Session())
		}
		if len(state.Players) == 1 {
			return
		}
	}
}
