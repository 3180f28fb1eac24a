// Package analyser computes live frequency and level data for visualisation.
//
// An [Analyser] is an [audio.Tap]: attach it to a capture handle or a
// playback graph and read the smoothed byte spectrum at any time. It follows
// the Web Audio AnalyserNode model (Blackman window, magnitude smoothing over
// time, decibel range mapped onto 0..255) so that bars look the same as in a
// browser canvas.
package analyser

import (
	"math"
	"math/bits"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Tap = (*Analyser)(nil)

// Defaults match a Web Audio AnalyserNode configured for a compact bar view.
const (
	DefaultFFTSize   = 64
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Option configures an [Analyser].
type Option func(*Analyser)

// WithFFTSize sets the transform size. It must be a power of two between 32
// and 32768; other values are ignored.
func WithFFTSize(n int) Option {
	return func(a *Analyser) {
		if n >= 32 && n <= 32768 && bits.OnesCount(uint(n)) == 1 {
			a.size = n
		}
	}
}

// WithSmoothing sets the time constant in [0, 1) used to average successive
// spectra. Zero disables smoothing.
func WithSmoothing(tau float64) Option {
	return func(a *Analyser) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithDecibelRange sets the range mapped onto 0..255 in byte data.
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(a *Analyser) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// Analyser keeps the most recent FFT-size window of samples.
//
// All exported methods are safe for concurrent use.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	ring     []float32
	pos      int
	fft      *fourier.FFT
	window   []float64
	frame    []float64
	smoothed []float64
}

// New returns an Analyser with Web Audio defaults: FFT size 64, smoothing 0.8
// and a [-100, -30] dB range.
func New(opts ...Option) *Analyser {
	a := &Analyser{
		size:      DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]float32, a.size)
	a.fft = fourier.NewFFT(a.size)
	a.frame = make([]float64, a.size)
	a.smoothed = make([]float64, a.size/2)
	a.window = blackman(a.size)
	return a
}

// FrequencyBinCount returns the number of spectrum bins, half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Write implements [audio.Tap]. Only the last FFT-size samples are retained.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= a.size {
		copy(a.ring, samples[len(samples)-a.size:])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData writes the current smoothed spectrum into dst, one byte
// per bin, and returns the number of bins written. Each call advances the
// smoothing state.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.size {
		a.frame[i] = float64(a.ring[(a.pos+i)%a.size]) * a.window[i]
	}
	coeffs := a.fft.Coefficients(nil, a.frame)

	n := min(len(dst), len(a.smoothed))
	scale := 255 / (a.maxDB - a.minDB)
	for k := range a.smoothed {
		mag := cmplx.Abs(coeffs[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if k >= n {
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - a.minDB))
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return n
}

// Level returns the RMS level of the retained window.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return audio.RMS(a.ring)
}

// Reset clears the retained samples and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
