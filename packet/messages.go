package packet

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Movement is the set of movement intents carried by a UserAction. On the
// wire it is packed into a bitfield, see Bits.
type Movement struct {
	Forward  bool
	Backward bool
	Left     bool
	Right    bool
	Jump     bool
}

const (
	bitForward uint32 = 1 << iota
	bitBackward
	bitLeft
	bitRight
	bitJump
)

func (m Movement) Bits() uint32 {
	var bits uint32
	if m.Forward {
		bits |= bitForward
	}
	if m.Backward {
		bits |= bitBackward
	}
	if m.Left {
		bits |= bitLeft
	}
	if m.Right {
		bits |= bitRight
	}
	if m.Jump {
		bits |= bitJump
	}
	return bits
}

func MovementFromBits(bits uint32) Movement {
	return Movement{
		Forward:  bits&bitForward != 0,
		Backward: bits&bitBackward != 0,
		Left:     bits&bitLeft != 0,
		Right:    bits&bitRight != 0,
		Jump:     bits&bitJump != 0,
	}
}

// Or merges two sets of intents, a flag set in either stays set.
func (m Movement) Or(o Movement) Movement {
	return MovementFromBits(m.Bits() | o.Bits())
}

func (m Movement) String() string {
	s := ""
	for _, f := range []struct {
		set  bool
		name string
	}{
		{m.Forward, "+forward"},
		{m.Backward, "+backward"},
		{m.Left, "+left"},
		{m.Right, "+right"},
		{m.Jump, "+jump"},
	} {
		if !f.set {
			continue
		}
		if s != "" {
			s += " "
		}
		s += f.name
	}
	return s
}

type Handshake struct {
	ID       uint32
	Tickrate uint32
	// ServerTime is the server clock in milliseconds when the handshake was sent.
	ServerTime uint32
}

func EncodeHandshake(h Handshake) []byte {
	b := make([]byte, HandshakeSize)
	order.PutUint32(b, uint32(ServerHandshake))
	order.PutUint32(b[4:], h.ID)
	order.PutUint32(b[8:], h.Tickrate)
	order.PutUint32(b[12:], h.ServerTime)
	return b
}

func DecodeHandshake(b []byte) (Handshake, error) {
	if err := expect(b, ServerHandshake, HandshakeSize); err != nil {
		return Handshake{}, err
	}
	return Handshake{
		ID:         order.Uint32(b[4:]),
		Tickrate:   order.Uint32(b[8:]),
		ServerTime: order.Uint32(b[12:]),
	}, nil
}

// Action is a client's input for one send tick.
type Action struct {
	// PingSend is the client clock in milliseconds at send time. The server
	// echoes it back in the GameState reply.
	PingSend uint32
	// Rotation is the client's look rotation. The server trusts it as-is.
	Rotation mgl32.Vec3
	Movement Movement
}

func EncodeAction(a Action) []byte {
	b := make([]byte, UserActionSize)
	order.PutUint32(b, uint32(UserAction))
	order.PutUint32(b[4:], a.PingSend)
	putVec3(b[8:], a.Rotation)
	order.PutUint32(b[20:], a.Movement.Bits())
	return b
}

func DecodeAction(b []byte) (Action, error) {
	if err := expect(b, UserAction, UserActionSize); err != nil {
		return Action{}, err
	}
	return Action{
		PingSend: order.Uint32(b[4:]),
		Rotation: getVec3(b[8:]),
		Movement: MovementFromBits(order.Uint32(b[20:])),
	}, nil
}

// EncodePing builds a PING or PING_RESPONSE carrying timestamp.
func EncodePing(t Type, timestamp uint32) []byte {
	b := make([]byte, PingSize)
	order.PutUint32(b, uint32(t))
	order.PutUint32(b[4:], timestamp)
	return b
}

func DecodePing(b []byte) (Type, uint32, error) {
	t, err := PeekType(b)
	if err != nil {
		return 0, 0, err
	}
	if t != Ping && t != PingResponse {
		return 0, 0, fmt.Errorf("%w: got %v, want a ping", ErrMalformed, t)
	}
	if len(b) != PingSize {
		return 0, 0, fmt.Errorf("%w: %v is %d bytes, want %d", ErrMalformed, t, len(b), PingSize)
	}
	return t, order.Uint32(b[4:]), nil
}

type BallState struct {
	Position mgl32.Vec3
	Velocity mgl32.Vec3
	Rotation mgl32.Vec3
}

type PlayerState struct {
	ID       uint32
	Position mgl32.Vec3
	Velocity mgl32.Vec3
	Rotation mgl32.Vec3
	Health   float32
}

type State struct {
	Tick      uint32
	Timestamp uint32
	// PingReturn echoes the PingSend of the UserAction this state answers,
	// zero for unsolicited states.
	PingReturn uint32
	Ball       BallState
	Players    []PlayerState
}

// Player returns the entry for id.
func (s *State) Player(id uint32) (PlayerState, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return PlayerState{}, false
}

func EncodeState(s *State) []byte {
	b := make([]byte, GameStateHeaderSize+len(s.Players)*PlayerStateSize)
	order.PutUint32(b, uint32(GameState))
	order.PutUint32(b[4:], s.Tick)
	order.PutUint32(b[8:], s.Timestamp)
	order.PutUint32(b[12:], s.PingReturn)
	putVec3(b[16:], s.Ball.Position)
	putVec3(b[28:], s.Ball.Velocity)
	putVec3(b[40:], s.Ball.Rotation)

	off := GameStateHeaderSize
	for _, p := range s.Players {
		order.PutUint32(b[off:], p.ID)
		putVec3(b[off+4:], p.Position)
		putVec3(b[off+16:], p.Velocity)
		putVec3(b[off+28:], p.Rotation)
		order.PutUint32(b[off+40:], math.Float32bits(p.Health))
		off += PlayerStateSize
	}
	return b
}

// DecodeState decodes a GAME_STATE. The number of player entries is derived
// from the payload length, which must be an exact multiple of the entry size.
func DecodeState(b []byte) (*State, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	if t != GameState {
		return nil, fmt.Errorf("%w: got %v, want %v", ErrMalformed, t, GameState)
	}
	if len(b) < GameStateHeaderSize {
		return nil, fmt.Errorf("%w: %v is %d bytes, header alone is %d", ErrMalformed, t, len(b), GameStateHeaderSize)
	}
	rest := len(b) - GameStateHeaderSize
	if rest%PlayerStateSize != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes is not a multiple of %d", ErrMalformed, rest, PlayerStateSize)
	}

	s := &State{
		Tick:       order.Uint32(b[4:]),
		Timestamp:  order.Uint32(b[8:]),
		PingReturn: order.Uint32(b[12:]),
		Ball: BallState{
			Position: getVec3(b[16:]),
			Velocity: getVec3(b[28:]),
			Rotation: getVec3(b[40:]),
		},
		Players: make([]PlayerState, 0, rest/PlayerStateSize),
	}
	for off := GameStateHeaderSize; off < len(b); off += PlayerStateSize {
		s.Players = append(s.Players, PlayerState{
			ID:       order.Uint32(b[off:]),
			Position: getVec3(b[off+4:]),
			Velocity: getVec3(b[off+16:]),
			Rotation: getVec3(b[off+28:]),
			Health:   math.Float32frombits(order.Uint32(b[off+40:])),
		})
	}
	return s, nil
}

// Clone returns a copy of s that shares no memory with it.
func (s *State) Clone() *State {
	out := *s
	out.Players = append([]PlayerState(nil), s.Players...)
	return &out
}
