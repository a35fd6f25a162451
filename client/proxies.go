package client

import (
	"sort"

	"ballpit/packet"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/yohamta/donburi"
)

// NetworkedData mirrors one remote player as last seen in a snapshot.
type NetworkedData struct {
	ID       uint32
	Position mgl32.Vec3
	Velocity mgl32.Vec3
	Rotation mgl32.Vec3
	Health   float32

	// Active is false while the player is missing from snapshots.
	Active   bool
	LastSeen float64
}

var Networked = donburi.NewComponentType[NetworkedData]()

// Proxies keeps one entity per remote player. Proxies of players that stop
// appearing are deactivated, then removed once they have been absent for
// longer than the expiry.
type Proxies struct {
	world    donburi.World
	entities map[uint32]donburi.Entity
	expiry   float64
}

func NewProxies(expiryMs int64) *Proxies {
	return &Proxies{
		world:    donburi.NewWorld(),
		entities: make(map[uint32]donburi.Entity),
		expiry:   float64(expiryMs),
	}
}

func (p *Proxies) World() donburi.World {
	return p.world
}

// Apply updates every proxy from state at time now, skipping local.
func (p *Proxies) Apply(state *packet.State, local uint32, now float64) {
	seen := make(map[uint32]struct{}, len(state.Players))
	for _, ps := range state.Players {
		if ps.ID == local {
			continue
		}
		seen[ps.ID] = struct{}{}
		e, ok := p.entities[ps.ID]
		if !ok {
			e = p.world.Create(Networked)
			p.entities[ps.ID] = e
		}
		Networked.SetValue(p.world.Entry(e), NetworkedData{
			ID:       ps.ID,
			Position: ps.Position,
			Velocity: ps.Velocity,
			Rotation: ps.Rotation,
			Health:   ps.Health,
			Active:   true,
			LastSeen: now,
		})
	}

	for id, e := range p.entities {
		if _, ok := seen[id]; ok {
			continue
		}
		data := Networked.Get(p.world.Entry(e))
		data.Active = false
		if now-data.LastSeen > p.expiry {
			p.world.Remove(e)
			delete(p.entities, id)
		}
	}
}

// Get returns the proxy for id.
func (p *Proxies) Get(id uint32) (NetworkedData, bool) {
	e, ok := p.entities[id]
	if !ok {
		return NetworkedData{}, false
	}
	return *Networked.Get(p.world.Entry(e)), true
}

// ForEachProxy calls callback for every proxy in id order.
func (p *Proxies) ForEachProxy(callback func(NetworkedData)) {
	ids := make([]uint32, 0, len(p.entities))
	for id := range p.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		callback(*Networked.Get(p.world.Entry(p.entities[id])))
	}
}

func (p *Proxies) Len() int {
	return len(p.entities)
}
