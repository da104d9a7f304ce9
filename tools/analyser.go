package tools

import (
	"math"
	"sync"
)

const (
	analyserFFTSize   = 256
	analyserSmoothing = 0.8
	analyserMinDB     = -100.0
	analyserMaxDB     = -30.0
	levelReference    = 128.0
)

// Analyser produces byte-scaled frequency magnitudes over the most recent
// analyserFFTSize samples, with the same windowing, smoothing and dB mapping
// as a browser AnalyserNode. It is the source of the capture level meter.
type Analyser struct {
	mu       sync.Mutex
	window   []float64
	cos      [][]float64
	sin      [][]float64
	ring     []float32
	head     int
	smoothed []float64
}

func NewAnalyser() *Analyser {
	n := analyserFFTSize
	bins := n / 2
	a := &Analyser{
		window:   make([]float64, n),
		cos:      make([][]float64, bins),
		sin:      make([][]float64, bins),
		ring:     make([]float32, n),
		smoothed: make([]float64, bins),
	}
	for i := range n {
		x := float64(i) / float64(n)
		a.window[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x) + 0.08*math.Cos(4*math.Pi*x)
	}
	for k := range bins {
		a.cos[k] = make([]float64, n)
		a.sin[k] = make([]float64, n)
		for i := range n {
			phase := 2 * math.Pi * float64(k) * float64(i) / float64(n)
			a.cos[k][i] = math.Cos(phase)
			a.sin[k][i] = math.Sin(phase)
		}
	}
	return a
}

// Write appends samples; only the newest analyserFFTSize are kept.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) > len(a.ring) {
		samples = samples[len(samples)-len(a.ring):]
	}
	for _, s := range samples {
		a.ring[a.head] = s
		a.head = (a.head + 1) % len(a.ring)
	}
}

// ByteFrequencyData returns analyserFFTSize/2 bins in 0..255.
func (a *Analyser) ByteFrequencyData() []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	frame := make([]float64, n)
	// Oldest sample first; unfilled slots stay zero.
	for i := range n {
		frame[i] = float64(a.ring[(a.head+i)%n]) * a.window[i]
	}

	out := make([]uint8, len(a.smoothed))
	scale := 255.0 / (analyserMaxDB - analyserMinDB)
	for k := range a.smoothed {
		var re, im float64
		for i, v := range frame {
			re += v * a.cos[k][i]
			im -= v * a.sin[k][i]
		}
		mag := math.Hypot(re, im) / float64(n)
		a.smoothed[k] = analyserSmoothing*a.smoothed[k] + (1-analyserSmoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := math.Floor(scale * (db - analyserMinDB))
		switch {
		case math.IsNaN(v) || v < 0:
			out[k] = 0
		case v > 255:
			out[k] = 255
		default:
			out[k] = uint8(v)
		}
	}
	return out
}

// Level is the mean bin value divided by 128, clamped to 1.
func (a *Analyser) Level() float64 {
	bins := a.ByteFrequencyData()
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	return math.Min(1, sum/float64(len(bins))/levelReference)
}

// Reset drops buffered samples and smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.head = 0
}
