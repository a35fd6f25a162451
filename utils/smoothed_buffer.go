package utils

// SmoothedBuffer keeps the last N samples of a measurement and reports their
// mean. Every slot starts at the seed value, so the buffer is always full and
// early averages are pulled towards the seed instead of zero.
type SmoothedBuffer struct {
	samples []float64
	next    int
}

func NewSmoothedBuffer(n int, seed float64) *SmoothedBuffer {
	if n < 1 {
		n = 1
	}
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = seed
	}
	return &SmoothedBuffer{samples: samples}
}

// Update overwrites the oldest sample.
func (b *SmoothedBuffer) Update(sample float64) {
	b.samples[b.next] = sample
	b.next = (b.next + 1) % len(b.samples)
}

func (b *SmoothedBuffer) Get() float64 {
	total := 0.0
	for _, s := range b.samples {
		total += s
	}
	return total / float64(len(b.samples))
}

func (b *SmoothedBuffer) Len() int {
	return len(b.samples)
}
