package utils

import (
	"math"
	"time"
)

func AlmostEqual(a, b, threshold float64) bool {
	return math.Abs(a-b) <= threshold
}

func Lerp(start, end, t float64) float64 {
	return start*(1.0-t) + end*t
}

// Clock reports milliseconds elapsed since it was created (or last Set),
// wrapping at 2^32 like the timestamps carried on the wire.
type Clock struct {
	epoch time.Time
}

func NewClock() *Clock {
	return &Clock{epoch: time.Now()}
}

func (c *Clock) Millis() uint32 {
	return uint32(time.Since(c.epoch).Milliseconds())
}

// Set shifts the clock so that Millis currently reports ms.
func (c *Clock) Set(ms uint32) {
	c.epoch = time.Now().Add(-time.Duration(ms) * time.Millisecond)
}

// Since returns the fractional milliseconds elapsed on the clock.
func (c *Clock) Since() float64 {
	return float64(time.Since(c.epoch)) / float64(time.Millisecond)
}
