package client

import (
	"log"
	"sync"

	"ballpit/packet"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl32"
)

type entry struct {
	received float64
	state    *packet.State
}

// Queue holds received snapshots ordered by arrival time, in milliseconds
// on the client clock.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	logger  *log.Logger
}

func NewQueue(logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{logger: logger}
}

// Push appends a snapshot. Snapshots whose tick is not newer than the newest
// queued one are dropped and Push returns false.
func (q *Queue) Push(state *packet.State, received float64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.entries); n > 0 {
		newest := q.entries[n-1]
		if state.Tick <= newest.state.Tick {
			return false
		}
		if received < newest.received {
			received = newest.received
		}
	}
	q.entries = append(q.entries, entry{received: received, state: state})
	return true
}

// Newest returns the most recently queued snapshot.
func (q *Queue) Newest() (*packet.State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[len(q.entries)-1].state, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Interpolate returns the world as it looked at target. Entries that can no
// longer bracket a later target are discarded. The returned state is never
// shared with the queue.
func (q *Queue) Interpolate(target float64) (*packet.State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	switch {
	case n == 0:
		q.logger.Println("interpolation: no snapshots queued")
		return &packet.State{}, false
	case n == 1:
		return q.entries[0].state.Clone(), true
	}

	newest := q.entries[n-1]
	if newest.received < target {
		q.entries = append(q.entries[:0], newest)
		return newest.state.Clone(), true
	}

	// Target predates everything queued.
	if target < q.entries[0].received {
		return q.entries[0].state.Clone(), true
	}

	i := 0
	for i < n-1 && q.entries[i+1].received < target {
		i++
	}
	from, to := q.entries[i], q.entries[i+1]
	q.entries = append(q.entries[:0], q.entries[i:]...)

	var amount float64
	if span := to.received - from.received; span > 0 {
		amount = (target - from.received) / span
	} else {
		amount = 1
	}
	return lerpState(from.state, to.state, amount), true
}

// lerpState blends positions from a toward b. Everything else is taken from
// b, and entities missing from a are passed through unchanged.
func lerpState(a, b *packet.State, t float64) *packet.State {
	out := b.Clone()
	out.Ball.Position = lerpVec(a.Ball.Position, b.Ball.Position, t)
	for i, p := range out.Players {
		if prev, ok := a.Player(p.ID); ok {
			out.Players[i].Position = lerpVec(prev.Position, p.Position, t)
		}
	}
	return out
}

func lerpVec(a, b mgl32.Vec3, t float64) mgl32.Vec3 {
	var out mgl32.Vec3
	for i := range out {
		out[i] = float32(utils.Lerp(float64(a[i]), float64(b[i]), t))
	}
	return out
}
