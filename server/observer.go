package server

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"ballpit/packet"

	"github.com/go-gl/mathgl/mgl32"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"nhooyr.io/websocket"
)

type subscriber struct {
	Messages chan *structpb.Struct
	c        *websocket.Conn
}

// Observer streams snapshots to spectators over websockets. Every frame is
// a binary protobuf Struct, see StateToProto.
type Observer struct {
	subscribers map[*subscriber]struct{}
	mu          sync.RWMutex
	serveMux    http.ServeMux
	server      *Server
	origins     []string
	period      time.Duration
	logger      *log.Logger
}

func NewObserver(s *Server, origins []string, rateHz float64, logger *log.Logger) *Observer {
	if logger == nil {
		logger = log.Default()
	}
	if rateHz <= 0 {
		rateHz = 10
	}
	o := &Observer{
		subscribers: make(map[*subscriber]struct{}),
		server:      s,
		origins:     origins,
		period:      time.Duration(float64(time.Second) / rateHz),
		logger:      logger,
	}

	o.serveMux.HandleFunc("/", o.onConnection)
	o.serveMux.HandleFunc("/debug/pprof/", pprof.Index)
	o.serveMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	o.serveMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	o.serveMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	o.serveMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return o
}

// Run publishes the server's latest snapshot until ctx is done.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			state, err := o.server.Observed()
			if err != nil {
				continue
			}
			msg, err := StateToProto(o.server.Session().String(), state)
			if err != nil {
				o.logger.Println(err)
				continue
			}
			o.publish(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Observer) addSubscriber(sub *subscriber) {
	o.mu.Lock()
	o.subscribers[sub] = struct{}{}
	o.mu.Unlock()
}

func (o *Observer) removeSubscriber(sub *subscriber) {
	o.mu.Lock()
	delete(o.subscribers, sub)
	o.mu.Unlock()
}

func (o *Observer) Subscribers() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subscribers)
}

func (o *Observer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.serveMux.ServeHTTP(w, r)
}

func (o *Observer) onConnection(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: o.origins,
	})
	if err != nil {
		o.logger.Println(err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	if err := o.handleConnection(r.Context(), c); err != nil {
		o.logger.Printf("observer: %v", err)
		return
	}
}

func (o *Observer) handleConnection(ctx context.Context, c *websocket.Conn) error {
	sub := &subscriber{
		Messages: make(chan *structpb.Struct, 16),
		c:        c,
	}
	o.addSubscriber(sub)
	defer o.removeSubscriber(sub)

	// Spectators never send anything; reading only detects the close.
	ctx = c.CloseRead(ctx)
	for {
		select {
		case msg := <-sub.Messages:
			b, err := proto.Marshal(msg)
			if err != nil {
				return err
			}
			if err := c.Write(ctx, websocket.MessageBinary, b); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// publish never blocks the caller. A subscriber that cannot keep up is
// disconnected.
func (o *Observer) publish(msg *structpb.Struct) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for sub := range o.subscribers {
		select {
		case sub.Messages <- msg:
		default:
			sub.c.Close(websocket.StatusPolicyViolation, "subscriber too slow")
		}
	}
}

func vecToProto(v mgl32.Vec3) []interface{} {
	return []interface{}{float64(v[0]), float64(v[1]), float64(v[2])}
}

// StateToProto flattens a snapshot into a protobuf Struct.
func StateToProto(session string, s *packet.State) (*structpb.Struct, error) {
	players := make([]interface{}, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, map[string]interface{}{
			"id":       float64(p.ID),
			"position": vecToProto(p.Position),
			"velocity": vecToProto(p.Velocity),
			"rotation": vecToProto(p.Rotation),
			"health":   float64(p.Health),
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"session":   session,
		"tick":      float64(s.Tick),
		"timestamp": float64(s.Timestamp),
		"ball": map[string]interface{}{
			"position": vecToProto(s.Ball.Position),
			"velocity": vecToProto(s.Ball.Velocity),
			"rotation": vecToProto(s.Ball.Rotation),
		},
		"players": players,
	})
}

func vecFromProto(v *structpb.Value) mgl32.Vec3 {
	var out mgl32.Vec3
	for i, e := range v.GetListValue().GetValues() {
		if i < 3 {
			out[i] = float32(e.GetNumberValue())
		}
	}
	return out
}

// StateFromProto reverses StateToProto. PingReturn is not carried.
func StateFromProto(p *structpb.Struct) (string, *packet.State) {
	f := p.GetFields()
	ball := f["ball"].GetStructValue().GetFields()
	s := &packet.State{
		Tick:      uint32(f["tick"].GetNumberValue()),
		Timestamp: uint32(f["timestamp"].GetNumberValue()),
		Ball: packet.BallState{
			Position: vecFromProto(ball["position"]),
			Velocity: vecFromProto(ball["velocity"]),
			Rotation: vecFromProto(ball["rotation"]),
		},
		Players: []packet.PlayerState{},
	}
	for _, v := range f["players"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		s.Players = append(s.Players, packet.PlayerState{
			ID:       uint32(pf["id"].GetNumberValue()),
			Position: vecFromProto(pf["position"]),
			Velocity: vecFromProto(pf["velocity"]),
			Rotation: vecFromProto(pf["rotation"]),
			Health:   float32(pf["health"].GetNumberValue()),
		})
	}
	return f["session"].GetStringValue(), s
}
