// Package playback renders decoded audio buffers on a sample-accurate clock.
//
// A [Graph] is the output context: it owns a clock that advances only as
// samples are rendered, mixes every scheduled [Voice] into the output, and
// feeds analysis taps. A [Scheduler] sits on top of a Graph and appends
// buffers back to back so that streamed chunks play without gaps.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// ErrClosed is returned when scheduling on a closed [Graph].
var ErrClosed = errors.New("playback: graph closed")

// ErrFormat is returned when a buffer does not match the graph format.
var ErrFormat = errors.New("playback: buffer format does not match graph")

// DefaultPeriod is the render quantum used by [Graph.Start].
const DefaultPeriod = 20 * time.Millisecond

// GraphOption configures a [Graph].
type GraphOption func(*Graph)

// WithPeriod sets the render quantum of the pump started by [Graph.Start].
func WithPeriod(d time.Duration) GraphOption {
	return func(g *Graph) {
		if d > 0 {
			g.period = d
		}
	}
}

// WithTap attaches an analysis tap that observes every rendered block.
func WithTap(t audio.Tap) GraphOption {
	return func(g *Graph) {
		if t != nil {
			g.taps = append(g.taps, t)
		}
	}
}

// Graph mixes scheduled voices into a single output stream.
//
// All exported methods are safe for concurrent use. onEnded callbacks and
// taps run on the rendering goroutine without the graph lock held.
type Graph struct {
	format audio.Format
	period time.Duration

	mu       sync.Mutex
	rendered int64 // frames rendered so far; the clock
	voices   []*Voice
	taps     []audio.Tap
	closed   bool

	sink     audio.OutputStream
	stopPump chan struct{}
	pumpDone chan struct{}
}

// NewGraph returns a stopped graph at format f. Its clock stays at zero until
// samples are rendered, either by [Graph.Render] or by the pump started with
// [Graph.Start].
func NewGraph(f audio.Format, opts ...GraphOption) *Graph {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	g := &Graph{format: f, period: DefaultPeriod}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Format returns the graph's output format.
func (g *Graph) Format() audio.Format { return g.format }

// Now returns the current clock time: the duration of audio rendered so far.
func (g *Graph) Now() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frameTime(g.rendered)
}

// frameTime converts a frame index on the clock to a duration.
func (g *Graph) frameTime(frame int64) time.Duration {
	if g.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frame) * time.Second / time.Duration(g.format.SampleRate)
}

// Schedule plays buf starting at the given frame of the clock. Frames in the
// past start at the next rendered sample. onEnded, if not nil, is called once
// when the voice finishes naturally; it is not called when the voice is
// stopped.
func (g *Graph) Schedule(buf *audio.Buffer, frame int64, onEnded func()) (*Voice, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrFormat)
	}
	if buf.SampleRate != g.format.SampleRate || buf.Channels != g.format.Channels {
		return nil, fmt.Errorf("%w: got %dHz/%dch, want %s",
			ErrFormat, buf.SampleRate, buf.Channels, g.format)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}

	v := &Voice{
		graph:   g,
		samples: buf.Samples,
		start:   max(frame, g.rendered),
		frames:  int64(buf.Frames()),
		onEnded: onEnded,
	}
	g.voices = append(g.voices, v)
	return v, nil
}

// Active returns the number of voices that are scheduled or playing.
func (g *Graph) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.voices)
}

// Render mixes the next len(dst)/channels frames into dst, advances the clock
// and feeds the taps. The mix is clamped to [-1, 1]. A closed graph renders
// silence without advancing.
func (g *Graph) Render(dst []float32) {
	clear(dst)
	ch := g.format.Channels
	n := int64(len(dst) / ch)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	from, to := g.rendered, g.rendered+n

	var ended []func()
	live := g.voices[:0]
	for _, v := range g.voices {
		v.mixInto(dst, from, to, ch)
		if v.End() <= to {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		live = append(live, v)
	}
	clear(g.voices[len(live):])
	g.voices = live
	g.rendered = to
	taps := g.taps
	g.mu.Unlock()

	for i, s := range dst {
		dst[i] = max(-1, min(1, s))
	}
	for _, t := range taps {
		t.Write(dst)
	}
	for _, fn := range ended {
		fn()
	}
}

// Start pumps rendered audio into sink every period until [Graph.Close]. The
// graph takes ownership of sink and closes it on Close. Calling Start more
// than once is a no-op.
func (g *Graph) Start(sink audio.OutputStream) {
	g.mu.Lock()
	if g.closed || g.sink != nil || sink == nil {
		g.mu.Unlock()
		return
	}
	g.sink = sink
	g.stopPump = make(chan struct{})
	g.pumpDone = make(chan struct{})
	g.mu.Unlock()

	go g.pump(sink, g.stopPump, g.pumpDone)
}

func (g *Graph) pump(sink audio.OutputStream, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	frames := g.format.SampleRate * int(g.period) / int(time.Second)
	if frames <= 0 {
		frames = 1
	}
	buf := make([]float32, frames*g.format.Channels)

	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	var pos time.Duration
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		g.Render(buf)
		frame := audio.AudioFrame{
			Data:       audio.EncodePCM16(buf),
			SampleRate: g.format.SampleRate,
			Channels:   g.format.Channels,
			Timestamp:  pos,
		}
		pos += g.period
		if err := sink.Write(frame); err != nil {
			slog.Warn("playback: output stream rejected frame, stopping pump", "err", err)
			return
		}
	}
}

// Close stops every voice without firing onEnded, stops the pump and closes
// the sink. Close is idempotent.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	for _, v := range g.voices {
		v.done = true
	}
	g.voices = nil
	g.taps = nil
	sink, stop, done := g.sink, g.stopPump, g.pumpDone
	g.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if sink != nil {
		return sink.Close()
	}
	return nil
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is one buffer scheduled on a [Graph].
type Voice struct {
	graph   *Graph
	samples []float32
	start   int64 // first frame on the graph clock
	frames  int64
	onEnded func()
	done    bool // guarded by graph.mu
}

// Start returns the clock time at which the voice begins.
func (v *Voice) Start() time.Duration { return v.graph.frameTime(v.start) }

// End returns the first frame after the voice.
func (v *Voice) End() int64 { return v.start + v.frames }

// Stop silences the voice immediately. Stopping a voice that already ended or
// was stopped is a no-op.
func (v *Voice) Stop() {
	g := v.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	if v.done {
		return
	}
	v.done = true
	for i, o := range g.voices {
		if o == v {
			g.voices = append(g.voices[:i], g.voices[i+1:]...)
			break
		}
	}
}

// mixInto adds the part of the voice that overlaps [from, to) to dst.
func (v *Voice) mixInto(dst []float32, from, to int64, ch int) {
	lo := max(from, v.start)
	hi := min(to, v.End())
	for f := lo; f < hi; f++ {
		src := (f - v.start) * int64(ch)
		out := (f - from) * int64(ch)
		for c := range int64(ch) {
			dst[out+c] += v.samples[src+c]
		}
	}
}
