// Package packet holds the wire formats exchanged between the server and its
// clients.
//
// Every message is a u32 type tag followed by a fixed-layout payload. Values
// are written in the host's native byte order: peers are assumed to share the
// same endianness, and no conversion is attempted.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type Type uint32

const (
	Ping Type = iota
	PingResponse
	UserAction
	GameState
	ServerHandshake
)

func (t Type) String() string {
	switch t {
	case Ping:
		return "PING"
	case PingResponse:
		return "PING_RESPONSE"
	case UserAction:
		return "USER_ACTION"
	case GameState:
		return "GAME_STATE"
	case ServerHandshake:
		return "SERVER_HANDSHAKE"
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

var (
	ErrUnrecognized = errors.New("unrecognized packet")
	ErrMalformed    = errors.New("malformed packet")
)

var order = binary.NativeEndian

const (
	tagSize        = 4
	vec3Size       = 12
	PingSize       = tagSize + 4
	HandshakeSize  = tagSize + 12
	UserActionSize = tagSize + 4 + vec3Size + 4
	// GameStateHeaderSize covers the tag, tick, timestamp, ping echo and ball.
	GameStateHeaderSize = tagSize + 12 + BallStateSize
	BallStateSize       = 3 * vec3Size
	PlayerStateSize     = 4 + 3*vec3Size + 4
)

// PeekType reads the type tag without decoding the payload.
func PeekType(b []byte) (Type, error) {
	if len(b) < tagSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than a type tag", ErrMalformed, len(b))
	}
	t := Type(order.Uint32(b))
	if t > ServerHandshake {
		return t, fmt.Errorf("%w: %v", ErrUnrecognized, t)
	}
	return t, nil
}

func expect(b []byte, t Type, size int) error {
	got, err := PeekType(b)
	if err != nil {
		return err
	}
	if got != t {
		return fmt.Errorf("%w: got %v, want %v", ErrMalformed, got, t)
	}
	if len(b) != size {
		return fmt.Errorf("%w: %v is %d bytes, want %d", ErrMalformed, t, len(b), size)
	}
	return nil
}

func putVec3(b []byte, v mgl32.Vec3) {
	for i := 0; i < 3; i++ {
		order.PutUint32(b[i*4:], math.Float32bits(v[i]))
	}
}

func getVec3(b []byte) mgl32.Vec3 {
	var v mgl32.Vec3
	for i := 0; i < 3; i++ {
		v[i] = math.Float32frombits(order.Uint32(b[i*4:]))
	}
	return v
}
