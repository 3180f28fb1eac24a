package playback_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/omnisuite/pkg/audio"
	"github.com/MrWong99/omnisuite/pkg/audio/mock"
	"github.com/MrWong99/omnisuite/pkg/audio/playback"
)

var mono1k = audio.Format{SampleRate: 1000, Channels: 1}

func constBuffer(f audio.Format, frames int, v float32) *audio.Buffer {
	s := make([]float32, frames*f.Channels)
	for i := range s {
		s[i] = v
	}
	return &audio.Buffer{Samples: s, SampleRate: f.SampleRate, Channels: f.Channels}
}

type tapRecorder struct {
	mu     sync.Mutex
	blocks int
	last   []float32
}

func (r *tapRecorder) Write(s []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks++
	r.last = append(r.last[:0], s...)
}

func TestGraph_ClockAdvancesWithRender(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	if got := g.Now(); got != 0 {
		t.Fatalf("Now() = %v before rendering; want 0", got)
	}
	g.Render(make([]float32, 250))
	if got := g.Now(); got != 250*time.Millisecond {
		t.Errorf("Now() = %v; want 250ms", got)
	}
}

func TestGraph_ScheduleAtTime(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	v, err := g.Schedule(constBuffer(mono1k, 4, 0.5), 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Start() != 2*time.Millisecond || v.End() != 6 {
		t.Errorf("voice start/end = %v/%d", v.Start(), v.End())
	}

	out := make([]float32, 8)
	g.Render(out)
	want := []float32{0, 0, 0.5, 0.5, 0.5, 0.5, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v; want %v", i, out[i], want[i])
		}
	}
}

func TestGraph_PastFrameStartsNow(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	g.Render(make([]float32, 10))
	v, err := g.Schedule(constBuffer(mono1k, 2, 0.1), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Start() != 10*time.Millisecond {
		t.Errorf("Start() = %v; want 10ms", v.Start())
	}
}

func TestGraph_MixAndClamp(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	for range 3 {
		if _, err := g.Schedule(constBuffer(mono1k, 2, 0.5), 0, nil); err != nil {
			t.Fatal(err)
		}
	}
	out := make([]float32, 2)
	g.Render(out)
	if out[0] != 1 || out[1] != 1 {
		t.Errorf("mixed = %v; want clamped [1 1]", out)
	}
}

func TestGraph_OnEndedFiresOnceOnNaturalEnd(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	var ended int
	if _, err := g.Schedule(constBuffer(mono1k, 3, 0.1), 0, func() { ended++ }); err != nil {
		t.Fatal(err)
	}
	g.Render(make([]float32, 2))
	if ended != 0 {
		t.Fatalf("onEnded fired early")
	}
	g.Render(make([]float32, 2))
	g.Render(make([]float32, 2))
	if ended != 1 {
		t.Errorf("onEnded fired %d times; want 1", ended)
	}
	if g.Active() != 0 {
		t.Errorf("Active() = %d; want 0", g.Active())
	}
}

func TestVoice_StopSilencesWithoutOnEnded(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	var ended bool
	v, err := g.Schedule(constBuffer(mono1k, 10, 0.4), 0, func() { ended = true })
	if err != nil {
		t.Fatal(err)
	}
	g.Render(make([]float32, 3))
	v.Stop()
	v.Stop()

	out := make([]float32, 10)
	g.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("out[%d] = %v after Stop; want silence", i, s)
		}
	}
	if ended {
		t.Error("onEnded must not fire for a stopped voice")
	}
}

func TestGraph_ScheduleErrors(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	tests := []struct {
		name string
		buf  *audio.Buffer
	}{
		{name: "nil", buf: nil},
		{name: "rate", buf: constBuffer(audio.Format{SampleRate: 2000, Channels: 1}, 1, 0)},
		{name: "channels", buf: constBuffer(audio.Format{SampleRate: 1000, Channels: 2}, 1, 0)},
	}
	for _, tt := range tests {
		if _, err := g.Schedule(tt.buf, 0, nil); !errors.Is(err, playback.ErrFormat) {
			t.Errorf("%s: err = %v; want ErrFormat", tt.name, err)
		}
	}

	_ = g.Close()
	if _, err := g.Schedule(constBuffer(mono1k, 1, 0), 0, nil); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("err = %v; want ErrClosed", err)
	}
}

func TestGraph_TapObservesRenderedAudio(t *testing.T) {
	t.Parallel()
	tap := &tapRecorder{}
	g := playback.NewGraph(mono1k, playback.WithTap(tap))
	if _, err := g.Schedule(constBuffer(mono1k, 4, 0.25), 0, nil); err != nil {
		t.Fatal(err)
	}
	g.Render(make([]float32, 4))

	tap.mu.Lock()
	defer tap.mu.Unlock()
	if tap.blocks != 1 || len(tap.last) != 4 || tap.last[0] != 0.25 {
		t.Errorf("tap saw %d blocks, last = %v", tap.blocks, tap.last)
	}
}

func TestGraph_StartPumpsPCMToSink(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(audio.PlaybackFormat, playback.WithPeriod(5*time.Millisecond))
	sink := &mock.OutputStream{}
	g.Start(sink)
	if _, err := g.Schedule(constBuffer(audio.PlaybackFormat, 240, 0.5), 0, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for len(sink.Frames()) < 3 {
		select {
		case <-deadline:
			t.Fatal("pump did not write frames")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = g.Close()
	_ = g.Close()

	frames := sink.Frames()
	// 5 ms at 24 kHz = 120 samples = 240 bytes.
	if len(frames[0].Data) != 240 || frames[0].SampleRate != 24000 {
		t.Errorf("frame = %d bytes @ %d Hz; want 240 bytes @ 24000 Hz", len(frames[0].Data), frames[0].SampleRate)
	}
	if !sink.Closed() {
		t.Error("Close should close the sink")
	}
	if got := sink.CallCountClose; got != 1 {
		t.Errorf("sink closed %d times; want 1", got)
	}
}

func TestGraph_CloseDropsVoicesSilently(t *testing.T) {
	t.Parallel()
	g := playback.NewGraph(mono1k)
	var ended bool
	v, err := g.Schedule(constBuffer(mono1k, 2, 0.1), 0, func() { ended = true })
	if err != nil {
		t.Fatal(err)
	}
	_ = g.Close()
	v.Stop()
	g.Render(make([]float32, 4))
	if ended {
		t.Error("onEnded must not fire after Close")
	}
	if g.Now() != 0 {
		t.Error("closed graph must not advance its clock")
	}
}
