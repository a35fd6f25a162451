package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/codecat/go-enet"
)

var initOnce sync.Once

func initialize() {
	initOnce.Do(func() {
		enet.Initialize()
	})
}

type enetHost struct {
	host     enet.Host
	channels int
}

type enetPeer struct {
	peer enet.Peer
}

// NewENetServer binds a host to address:port that accepts up to peers
// connections. Zero bandwidth limits mean unlimited.
func NewENetServer(address string, port uint16, peers, channels uint64, iband, oband uint32) (Host, error) {
	initialize()
	host, err := enet.NewHost(enet.NewAddress(address, port), peers, channels, iband, oband)
	if err != nil {
		return nil, fmt.Errorf("creating server host on %s:%d: %w", address, port, err)
	}
	return &enetHost{host: host, channels: int(channels)}, nil
}

// NewENetClient creates an unbound host with a single outgoing peer slot.
func NewENetClient(channels uint64) (Host, error) {
	initialize()
	host, err := enet.NewHost(nil, 1, channels, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("creating client host: %w", err)
	}
	return &enetHost{host: host, channels: int(channels)}, nil
}

func (h *enetHost) Service(timeout time.Duration) (Event, error) {
	ev := h.host.Service(uint32(timeout / time.Millisecond))
	switch ev.GetType() {
	case enet.EventConnect:
		return Event{Type: EventConnect, Peer: enetPeer{ev.GetPeer()}}, nil
	case enet.EventDisconnect:
		return Event{Type: EventDisconnect, Peer: enetPeer{ev.GetPeer()}}, nil
	case enet.EventReceive:
		packet := ev.GetPacket()
		defer packet.Destroy()
		data := append([]byte(nil), packet.GetData()...)
		return Event{
			Type:    EventReceive,
			Peer:    enetPeer{ev.GetPeer()},
			Channel: ev.GetChannelID(),
			Data:    data,
		}, nil
	}
	return Event{Type: EventNone}, nil
}

func (h *enetHost) Connect(address string, port uint16) (Peer, error) {
	peer, err := h.host.Connect(enet.NewAddress(address, port), h.channels, 0)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", address, port, err)
	}
	return enetPeer{peer}, nil
}

func (h *enetHost) Destroy() {
	h.host.Destroy()
}

func (p enetPeer) Send(channel uint8, data []byte, flags Flags) error {
	var f enet.PacketFlags
	if flags&Reliable != 0 {
		f |= enet.PacketFlagReliable
	}
	if flags&Unsequenced != 0 {
		f |= enet.PacketFlagUnsequenced
	}
	if flags&UnreliableFragment != 0 {
		f |= enet.PacketFlagUnreliableFragment
	}
	return p.peer.SendBytes(data, channel, f)
}

func (p enetPeer) Disconnect() {
	p.peer.Disconnect(0)
}

func (p enetPeer) DisconnectNow() {
	p.peer.DisconnectNow(0)
}

func (p enetPeer) Address() string {
	return p.peer.GetAddress().String()
}
