package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"ballpit/packet"
	"ballpit/transport"
	"ballpit/utils"
	"ballpit/world"

	"github.com/segmentio/ksuid"
)

type Options struct {
	Logger *log.Logger
	// Host replaces the ENet host, mostly for tests.
	Host transport.Host
}

// Server answers each client UserAction with a snapshot of the simulation.
// All transport calls happen on the loop goroutine.
type Server struct {
	host     transport.Host
	sim      *world.Simulation
	config   *utils.Config
	logger   *log.Logger
	session  ksuid.KSUID
	clock    *utils.Clock
	timeout  time.Duration
	players  map[transport.Peer]uint32
	nextID   uint32
	snapshot packet.State

	heartbeat time.Duration
	lastBeat  time.Time

	// observed holds the latest snapshot for the observer feed.
	observedMu sync.Mutex
	observed   *packet.State

	quitMu sync.Mutex
	quit   bool
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

func New(config *utils.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	sim, err := world.NewSimulation(config, logger)
	if err != nil {
		return nil, err
	}

	host := opts.Host
	if host == nil {
		sc := config.Server
		host, err = transport.NewENetServer(sc.Host, sc.Port, sc.PeerCount, sc.ChannelCount, sc.IBand, sc.OBand)
		if err != nil {
			return nil, err
		}
		logger.Printf("server: listening on %s:%d, %d peers, %d channels", sc.Host, sc.Port, sc.PeerCount, sc.ChannelCount)
	}

	s := &Server{
		host:    host,
		sim:     sim,
		config:  config,
		logger:  logger,
		session: ksuid.New(),
		clock:   utils.NewClock(),
		timeout: time.Duration(float64(time.Second) / float64(config.Server.Tickrate)),
		players: make(map[transport.Peer]uint32),
		done:    make(chan struct{}),
	}
	if config.Server.HeartbeatHz > 0 {
		s.heartbeat = time.Duration(float64(time.Second) / config.Server.HeartbeatHz)
	}
	logger.Printf("server: session %s", s.session)
	return s, nil
}

func (s *Server) Simulation() *world.Simulation {
	return s.sim
}

func (s *Server) Session() ksuid.KSUID {
	return s.session
}

// Start launches the server loop and the simulation.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.sim.Launch(ctx)
	go s.loop()
}

func (s *Server) shouldQuit() bool {
	s.quitMu.Lock()
	defer s.quitMu.Unlock()
	return s.quit
}

// Quit stops the server loop and the simulation.
func (s *Server) Quit() {
	s.quitMu.Lock()
	s.quit = true
	s.quitMu.Unlock()
	s.sim.Quit()
	if s.cancel != nil {
		s.cancel()
	}
}

// Join waits for the server loop, then the simulation, to stop.
func (s *Server) Join() {
	<-s.done
	s.sim.Join()
}

func (s *Server) loop() {
	defer close(s.done)
	defer s.host.Destroy()

	for !s.shouldQuit() {
		if _, err := s.step(); err != nil {
			s.logger.Printf("server: service: %v", err)
			s.fail(err)
			return
		}
	}
	for peer := range s.players {
		peer.DisconnectNow()
	}
}

// step runs one loop iteration and returns the event it handled.
func (s *Server) step() (transport.Event, error) {
	ev, err := s.host.Service(s.timeout)
	if err != nil {
		return ev, err
	}
	s.sim.Update(&s.snapshot)
	s.publish()
	s.handle(ev)
	s.beat()
	return ev, nil
}

// fail stops the simulation after the transport broke.
func (s *Server) fail(err error) {
	s.quitMu.Lock()
	s.err = err
	s.quit = true
	s.quitMu.Unlock()
	s.sim.Quit()
	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the server loop has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the transport error that stopped the loop, if any.
func (s *Server) Err() error {
	s.quitMu.Lock()
	defer s.quitMu.Unlock()
	return s.err
}

func (s *Server) handle(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnect:
		s.onConnect(ev.Peer)
	case transport.EventReceive:
		s.onReceive(ev.Peer, ev.Data)
	case transport.EventDisconnect:
		s.onDisconnect(ev.Peer)
	}
}

func (s *Server) onConnect(peer transport.Peer) {
	id := s.nextID
	s.nextID++
	s.sim.CreatePlayer(id)
	s.players[peer] = id

	handshake := packet.EncodeHandshake(packet.Handshake{
		ID:         id,
		Tickrate:   s.config.Server.Tickrate,
		ServerTime: s.clock.Millis(),
	})
	if err := peer.Send(transport.ReliableChannel, handshake, transport.Reliable); err != nil {
		s.logger.Printf("server: handshake to %s: %v", peer.Address(), err)
		return
	}
	s.logger.Printf("server: %s connected as player %d (session %s)", peer.Address(), id, s.session)
}

func (s *Server) onDisconnect(peer transport.Peer) {
	id, ok := s.players[peer]
	if !ok {
		return
	}
	delete(s.players, peer)
	s.sim.RemovePlayer(id)
	s.sim.Update(&s.snapshot)
	s.logger.Printf("server: player %d disconnected", id)
}

func (s *Server) onReceive(peer transport.Peer, data []byte) {
	t, err := packet.PeekType(data)
	if err != nil {
		s.logger.Printf("server: dropping packet from %s: %v", peer.Address(), err)
		return
	}

	switch t {
	case packet.UserAction:
		id, ok := s.players[peer]
		if !ok {
			return
		}
		action, err := packet.DecodeAction(data)
		if err != nil {
			s.logger.Printf("server: dropping packet from player %d: %v", id, err)
			return
		}
		if p, ok := s.sim.Player(id); ok {
			p.UpdateInputs(action)
		}
		s.sendState(peer, action.PingSend)

	case packet.Ping:
		_, ts, err := packet.DecodePing(data)
		if err != nil {
			s.logger.Printf("server: dropping packet from %s: %v", peer.Address(), err)
			return
		}
		s.send(peer, packet.EncodePing(packet.PingResponse, ts))

	default:
		s.logger.Printf("server: unexpected %v from %s", t, peer.Address())
	}
}

// sendState replies with the snapshot taken this iteration.
func (s *Server) sendState(peer transport.Peer, pingReturn uint32) {
	s.snapshot.Timestamp = s.clock.Millis()
	s.snapshot.PingReturn = pingReturn
	s.send(peer, packet.EncodeState(&s.snapshot))
}

func (s *Server) send(peer transport.Peer, b []byte) {
	if err := peer.Send(transport.UnreliableChannel, b, transport.Unsequenced|transport.UnreliableFragment); err != nil {
		s.logger.Printf("server: send to %s: %v", peer.Address(), err)
	}
}

// beat pushes an unsolicited snapshot to every peer when a heartbeat is
// configured.
func (s *Server) beat() {
	if s.heartbeat == 0 || time.Since(s.lastBeat) < s.heartbeat {
		return
	}
	s.lastBeat = time.Now()
	for peer := range s.players {
		s.sendState(peer, 0)
	}
}

// publish hands the loop's snapshot to the observer feed.
func (s *Server) publish() {
	s.observedMu.Lock()
	defer s.observedMu.Unlock()
	s.observed = s.snapshot.Clone()
}

// Observed returns a copy of the latest snapshot taken by the loop.
func (s *Server) Observed() (*packet.State, error) {
	s.observedMu.Lock()
	defer s.observedMu.Unlock()
	if s.observed == nil {
		return nil, errors.New("no snapshot yet")
	}
	return s.observed.Clone(), nil
}

// Players returns the number of connected players.
func (s *Server) Players() int {
	var state packet.State
	s.sim.Update(&state)
	return len(state.Players)
}
