package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const loopbackQueue = 4096

var ErrHostDestroyed = errors.New("host destroyed")

// Loopback is an in-memory network. Hosts created from the same Loopback can
// reach each other without sockets, which keeps tests hermetic.
type Loopback struct {
	mu        sync.Mutex
	listeners map[string]*loopHost
	nextID    int
}

func NewLoopback() *Loopback {
	return &Loopback{listeners: make(map[string]*loopHost)}
}

type loopHost struct {
	net    *Loopback
	addr   string
	limit  int
	events chan Event

	mu        sync.Mutex
	peers     map[*loopPeer]struct{}
	destroyed bool
}

// loopPeer is one end of a connection, held by local and pointing at the
// matching end held by the remote host.
type loopPeer struct {
	local  *loopHost
	remote *loopPeer
	addr   string

	mu        sync.Mutex
	connected bool
}

// Listen creates a host that accepts up to peers connections on host:port.
func (l *Loopback) Listen(host string, port uint16, peers int) (Host, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.listeners[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	h := l.newHost(addr, peers)
	l.listeners[addr] = h
	return h, nil
}

// Dial creates an unbound host for connecting out.
func (l *Loopback) Dial() Host {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	return l.newHost(fmt.Sprintf("loopback:%d", l.nextID), 1)
}

func (l *Loopback) newHost(addr string, limit int) *loopHost {
	return &loopHost{
		net:    l,
		addr:   addr,
		limit:  limit,
		events: make(chan Event, loopbackQueue),
		peers:  make(map[*loopPeer]struct{}),
	}
}

func (h *loopHost) Service(timeout time.Duration) (Event, error) {
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return Event{}, ErrHostDestroyed
	}

	select {
	case ev := <-h.events:
		return ev, nil
	default:
	}
	if timeout <= 0 {
		return Event{Type: EventNone}, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-h.events:
		return ev, nil
	case <-timer.C:
		return Event{Type: EventNone}, nil
	}
}

// Connect never fails outright. When nobody listens on the address, or the
// listener is full, no EventConnect ever arrives.
func (h *loopHost) Connect(host string, port uint16) (Peer, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	local := &loopPeer{local: h, addr: addr}

	h.net.mu.Lock()
	server, ok := h.net.listeners[addr]
	h.net.mu.Unlock()
	if !ok || !server.accept(local) {
		return local, nil
	}

	h.mu.Lock()
	h.peers[local] = struct{}{}
	h.mu.Unlock()
	local.setConnected(true)
	h.push(Event{Type: EventConnect, Peer: local})
	return local, nil
}

// accept creates the server side of a new connection from client.
func (h *loopHost) accept(client *loopPeer) bool {
	h.mu.Lock()
	if h.destroyed || len(h.peers) >= h.limit {
		h.mu.Unlock()
		return false
	}
	remote := &loopPeer{local: h, remote: client, addr: client.local.addr, connected: true}
	client.remote = remote
	h.peers[remote] = struct{}{}
	h.mu.Unlock()

	h.push(Event{Type: EventConnect, Peer: remote})
	return true
}

func (h *loopHost) push(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	default:
		return false
	}
}

func (h *loopHost) drop(p *loopPeer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

func (h *loopHost) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	peers := make([]*loopPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.DisconnectNow()
	}
	h.net.mu.Lock()
	if h.net.listeners[h.addr] == h {
		delete(h.net.listeners, h.addr)
	}
	h.net.mu.Unlock()
}

func (p *loopPeer) setConnected(c bool) {
	p.mu.Lock()
	p.connected = c
	p.mu.Unlock()
}

func (p *loopPeer) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *loopPeer) Send(channel uint8, data []byte, flags Flags) error {
	if !p.isConnected() || p.remote == nil {
		return errors.New("peer is not connected")
	}
	ev := Event{
		Type:    EventReceive,
		Peer:    p.remote,
		Channel: channel,
		Data:    append([]byte(nil), data...),
	}
	if !p.remote.local.push(ev) && flags&Reliable != 0 {
		return fmt.Errorf("reliable send to %s: queue full", p.addr)
	}
	return nil
}

func (p *loopPeer) Disconnect() {
	if !p.isConnected() {
		return
	}
	p.DisconnectNow()
	p.local.push(Event{Type: EventDisconnect, Peer: p})
}

func (p *loopPeer) DisconnectNow() {
	if !p.isConnected() {
		return
	}
	p.setConnected(false)
	p.local.drop(p)
	if r := p.remote; r != nil && r.isConnected() {
		r.setConnected(false)
		r.local.drop(r)
		r.local.push(Event{Type: EventDisconnect, Peer: r})
	}
}

func (p *loopPeer) Address() string {
	return p.addr
}
