package capture_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/omnisuite/pkg/audio"
	"github.com/MrWong99/omnisuite/pkg/audio/capture"
	"github.com/MrWong99/omnisuite/pkg/audio/mock"
)

func pcmFrame(n int, value float32, rate int) audio.AudioFrame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.AudioFrame{Data: audio.EncodePCM16(samples), SampleRate: rate, Channels: 1}
}

type blockRecorder struct {
	mu     sync.Mutex
	blocks [][]float32
	got    chan struct{}
}

func newRecorder() *blockRecorder {
	return &blockRecorder{got: make(chan struct{}, 64)}
}

func (r *blockRecorder) onFrame(samples []float32) {
	r.mu.Lock()
	r.blocks = append(r.blocks, samples)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *blockRecorder) Write(samples []float32) { r.onFrame(samples) }

func (r *blockRecorder) wait(t *testing.T, n int) [][]float32 {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d blocks", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]float32(nil), r.blocks...)
}

func TestOpen_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	denied := errors.New("permission denied")
	dev := &mock.Device{InputError: denied}

	_, err := capture.Open(context.Background(), dev)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v; want ErrDeviceUnavailable", err)
	}
	if !errors.Is(err, denied) {
		t.Errorf("err = %v; should wrap the device error", err)
	}
}

func TestOpen_NilMicrophone(t *testing.T) {
	t.Parallel()
	_, err := capture.Open(context.Background(), nil)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v; want ErrDeviceUnavailable", err)
	}
}

func TestOpen_RequestsCaptureFormat(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	h, err := capture.Open(context.Background(), dev)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	if len(dev.InputFormats) != 1 || dev.InputFormats[0] != audio.CaptureFormat {
		t.Errorf("requested formats = %v; want [%v]", dev.InputFormats, audio.CaptureFormat)
	}
}

func TestHandle_ReframesIntoFixedBlocks(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(8)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in}, capture.WithBlockSize(100))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	rec := newRecorder()
	h.Start(rec.onFrame)

	// 3 x 70 samples = 210 samples: two full blocks, 10 left pending.
	for range 3 {
		in.Push(pcmFrame(70, 0.5, 16000))
	}
	blocks := rec.wait(t, 2)
	for i, b := range blocks {
		if len(b) != 100 {
			t.Errorf("block %d len = %d; want 100", i, len(b))
		}
	}
}

func TestHandle_DefaultBlockSize(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(4)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	rec := newRecorder()
	h.Start(rec.onFrame)
	in.Push(pcmFrame(capture.DefaultBlockSize, 0.1, 16000))

	blocks := rec.wait(t, 1)
	if len(blocks[0]) != 4096 {
		t.Errorf("block len = %d; want 4096", len(blocks[0]))
	}
}

func TestHandle_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(4)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in}, capture.WithBlockSize(160))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	rec := newRecorder()
	h.Start(rec.onFrame)
	// 480 samples at 48 kHz become 160 samples at 16 kHz.
	in.Push(pcmFrame(480, 0.25, 48000))

	blocks := rec.wait(t, 1)
	if len(blocks[0]) != 160 {
		t.Fatalf("block len = %d; want 160", len(blocks[0]))
	}
}

func TestHandle_GainAndStereoDownmix(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(4)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in},
		capture.WithBlockSize(2), capture.WithGain(2))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	rec := newRecorder()
	h.Start(rec.onFrame)
	stereo := audio.EncodePCM16([]float32{0.2, 0.4, -0.2, -0.4})
	in.Push(audio.AudioFrame{Data: stereo, SampleRate: 16000, Channels: 2})

	b := rec.wait(t, 1)[0]
	want := []float32{0.6, -0.6}
	for i := range want {
		if d := b[i] - want[i]; d > 1e-3 || d < -1e-3 {
			t.Errorf("sample %d = %v; want ~%v", i, b[i], want[i])
		}
	}
}

func TestHandle_TapSeesBlocksBeforeStart(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(4)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in}, capture.WithBlockSize(10))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	tap := newRecorder()
	h.Tap(tap)
	in.Push(pcmFrame(10, 0.3, 16000))
	tap.wait(t, 1)
}

func TestHandle_DropsMalformedFrames(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(4)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in}, capture.WithBlockSize(4))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	rec := newRecorder()
	h.Start(rec.onFrame)
	in.Push(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	in.Push(pcmFrame(4, 0.5, 16000))

	blocks := rec.wait(t, 1)
	if len(blocks) != 1 || len(blocks[0]) != 4 {
		t.Errorf("blocks = %v; want one block of 4", blocks)
	}
}

func TestHandle_StopIsIdempotentAndReleasesDevice(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(4)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in})
	if err != nil {
		t.Fatal(err)
	}

	h.Stop()
	h.Stop()

	if !in.Closed() {
		t.Error("input stream should be closed after Stop")
	}
	if got := in.CallCountClose(); got != 1 {
		t.Errorf("Close calls = %d; want 1", got)
	}
	select {
	case <-h.Done():
	default:
		t.Error("read loop should have exited")
	}
}

func TestHandle_NoCallbackAfterStop(t *testing.T) {
	t.Parallel()
	in := mock.NewInputStream(64)
	h, err := capture.Open(context.Background(), &mock.Device{InputResult: in}, capture.WithBlockSize(8))
	if err != nil {
		t.Fatal(err)
	}

	var stopped atomic.Bool
	var late atomic.Int32
	h.Start(func([]float32) {
		if stopped.Load() {
			late.Add(1)
		}
		time.Sleep(time.Millisecond)
	})

	go func() {
		for range 50 {
			if !in.Push(pcmFrame(8, 0.1, 16000)) {
				return
			}
		}
	}()
	time.Sleep(5 * time.Millisecond)
	h.Stop()
	stopped.Store(true)
	time.Sleep(20 * time.Millisecond)

	if n := late.Load(); n != 0 {
		t.Errorf("%d callbacks fired after Stop returned", n)
	}
}

func TestHandle_StartAfterStopIsIgnored(t *testing.T) {
	t.Parallel()
	h, err := capture.Open(context.Background(), &mock.Device{})
	if err != nil {
		t.Fatal(err)
	}
	h.Stop()
	h.Start(func([]float32) { t.Error("callback must not run after Stop") })
	h.Tap(newRecorder())
}
