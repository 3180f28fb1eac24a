// Package visualizer turns the analysis taps of a voice session into frames
// a client can draw: spectrum bars while a session is connected and an idle
// wave otherwise.
package visualizer

import (
	"context"
	"math"
	"time"

	"github.com/MrWong99/omnisuite/internal/voice"
	"github.com/MrWong99/omnisuite/pkg/audio/analyser"
)

// Mode tells the client how to draw a [Frame].
type Mode string

const (
	// ModeBars carries one bar height per spectrum bin, each in [0, BarScale].
	ModeBars Mode = "bars"
	// ModeWave carries vertical offsets of an idle wave, one per point.
	ModeWave Mode = "wave"
)

// BarScale is the height of a full-scale bar relative to the canvas.
const BarScale = 0.8

// DefaultWavePoints is the number of points in an idle wave frame.
const DefaultWavePoints = 300

// Frame is one visualizer sample.
type Frame struct {
	Mode   Mode      `json:"mode"`
	Values []float64 `json:"values"`
}

// Source is what the visualizer observes. [*voice.Session] implements it.
type Source interface {
	State() voice.State
	Taps() (in, out *analyser.Analyser)
}

// Option configures a [Visualizer].
type Option func(*Visualizer)

// WithWavePoints sets the number of points in an idle wave frame.
func WithWavePoints(n int) Option {
	return func(v *Visualizer) {
		if n > 1 {
			v.points = n
		}
	}
}

// Visualizer samples a [Source]. It only reads from the source and never
// changes session state.
type Visualizer struct {
	src    Source
	points int
}

// New returns a Visualizer for src.
func New(src Source, opts ...Option) *Visualizer {
	v := &Visualizer{src: src, points: DefaultWavePoints}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Sample returns the frame for animation time t. When the source is connected
// and both taps exist the frame holds bars: the per-bin maximum of the input
// and output spectra. Otherwise it holds the idle wave.
func (v *Visualizer) Sample(t time.Duration) Frame {
	if v.src.State().Status == voice.StatusConnected {
		if in, out := v.src.Taps(); in != nil && out != nil {
			return Frame{Mode: ModeBars, Values: bars(in, out)}
		}
	}
	return Frame{Mode: ModeWave, Values: Wave(v.points, t.Seconds())}
}

// Run emits a frame fps times per second until ctx ends. Non-positive fps
// defaults to 30.
func (v *Visualizer) Run(ctx context.Context, fps int, emit func(Frame)) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			emit(v.Sample(now.Sub(start)))
		}
	}
}

func bars(in, out *analyser.Analyser) []float64 {
	n := out.FrequencyBinCount()
	outData := make([]byte, n)
	inData := make([]byte, in.FrequencyBinCount())
	out.ByteFrequencyData(outData)
	in.ByteFrequencyData(inData)

	values := make([]float64, n)
	for i := range values {
		val := outData[i]
		if i < len(inData) {
			val = max(val, inData[i])
		}
		values[i] = float64(val) / 255 * BarScale
	}
	return values
}

// Wave returns the idle animation at time t (seconds): two sine waves
// tapered to zero at both ends.
func Wave(points int, t float64) []float64 {
	values := make([]float64, points)
	for i := range values {
		x := float64(i)
		taper := math.Sin(x / float64(points) * math.Pi)
		values[i] = (math.Sin(x*0.02+t*3)*5 + math.Sin(x*0.05-t*1.5)*3) * taper
	}
	return values
}
