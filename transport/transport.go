// Package transport is the datagram layer shared by the server and the
// client: an ENet style host that multiplexes numbered channels over one
// socket, with per-packet reliability flags.
//
// A Host is not safe for concurrent use. The goroutine that calls Service is
// the only one that may send.
package transport

import (
	"fmt"
	"time"
)

type EventType int

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

type Flags uint32

const (
	Reliable Flags = 1 << iota
	Unsequenced
	// UnreliableFragment lets oversized unreliable packets be fragmented
	// instead of being promoted to reliable delivery.
	UnreliableFragment
)

const (
	// UnreliableChannel carries inputs and snapshots.
	UnreliableChannel uint8 = 0
	// ReliableChannel carries the handshake.
	ReliableChannel uint8 = 1
)

// Peer is the remote end of a connection. Peers are comparable and may be
// used as map keys.
type Peer interface {
	Send(channel uint8, data []byte, flags Flags) error
	// Disconnect starts a graceful disconnect, confirmed by an
	// EventDisconnect on the local host.
	Disconnect()
	// DisconnectNow drops the connection without waiting for the remote.
	DisconnectNow()
	Address() string
}

type Event struct {
	Type    EventType
	Peer    Peer
	Channel uint8
	// Data is the payload of an EventReceive. It is owned by the receiver.
	Data []byte
}

type Host interface {
	// Service waits up to timeout for the next event. It returns an
	// EventNone event when nothing happened.
	Service(timeout time.Duration) (Event, error)
	// Connect starts connecting to a listening host. Completion is reported
	// by an EventConnect from Service.
	Connect(host string, port uint16) (Peer, error)
	Destroy()
}
