package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/omnisuite/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalInt16(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	equalInt16(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	t.Parallel()
	// Two complete samples plus one trailing junk byte.
	stereo := audio.MonoToStereo([]byte{0x64, 0x00, 0xC8, 0x00, 0xFF})
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(stereo))
	}
	equalInt16(t, bytesToSamples(stereo), []int16{100, 100, 200, 200})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "average", in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "no overflow at rail", in: []int16{32767, 32767}, want: []int16{32767}},
		{name: "negative rail", in: []int16{-32768, -32768}, want: []int16{-32768}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			equalInt16(t, bytesToSamples(audio.StereoToMono(samplesToBytes(tt.in))), tt.want)
		})
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		src, dst int
		wantLen  int
	}{
		{name: "same rate", in: []int16{100, 200, 300}, src: 16000, dst: 16000, wantLen: 3},
		{name: "upsample 3x", in: []int16{1000, 2000}, src: 16000, dst: 48000, wantLen: 6},
		{name: "downsample 48k to 16k", in: []int16{100, 200, 300, 400, 500, 600}, src: 48000, dst: 16000, wantLen: 2},
		{name: "zero source rate", in: []int16{100, 200}, src: 0, dst: 48000, wantLen: 2},
		{name: "zero target rate", in: []int16{100, 200}, src: 48000, dst: 0, wantLen: 2},
		{name: "negative rate", in: []int16{100, 200}, src: -1, dst: 48000, wantLen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.ResampleMono16(samplesToBytes(tt.in), tt.src, tt.dst))
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d; want %d", len(got), tt.wantLen)
			}
			if got[0] != tt.in[0] {
				t.Errorf("first sample = %d; want %d", got[0], tt.in[0])
			}
		})
	}
}

func TestResample_Float(t *testing.T) {
	t.Parallel()
	in := []float32{0, 0.5, 1, 0.5}
	if got := audio.Resample(in, 16000, 16000); &got[0] != &in[0] {
		t.Error("equal rates should return the input slice")
	}
	up := audio.Resample(in, 16000, 32000)
	if len(up) != 8 {
		t.Fatalf("upsampled len = %d; want 8", len(up))
	}
	if up[1] != 0.25 {
		t.Errorf("interpolated sample = %v; want 0.25", up[1])
	}
	down := audio.Resample(in, 48000, 24000)
	if len(down) != 2 || down[0] != 0 || down[1] != 1 {
		t.Errorf("downsampled = %v; want [0 1]", down)
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.CaptureFormat}
	frame := audio.AudioFrame{Data: samplesToBytes([]int16{100, 200}), SampleRate: 16000, Channels: 1}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestFormatConverter_BrowserStereoToCapture(t *testing.T) {
	t.Parallel()
	// 48 kHz stereo, the usual browser default, into the 16 kHz mono capture format.
	conv := audio.FormatConverter{Target: audio.CaptureFormat}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{300, 100, 300, 100, 300, 100, 600, 400, 600, 400, 600, 400}),
		SampleRate: 48000,
		Channels:   2,
	}
	result := conv.Convert(frame)
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Fatalf("format = %dHz/%dch; want 16000Hz/1ch", result.SampleRate, result.Channels)
	}
	equalInt16(t, bytesToSamples(result.Data), []int16{200, 500})
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 2}}
	result := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{100, 200}), SampleRate: 24000, Channels: 1})
	equalInt16(t, bytesToSamples(result.Data), []int16{100, 100, 200, 200})
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	t.Parallel()
	for _, rate := range []int{16000, 44100} {
		conv := audio.FormatConverter{Target: audio.CaptureFormat}
		result := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: rate, Channels: 1})
		if len(result.Data) != 0 {
			t.Errorf("rate %d: expected dropped frame, got %d bytes", rate, len(result.Data))
		}
		if result.SampleRate != 16000 || result.Channels != 1 {
			t.Errorf("rate %d: dropped frame should carry the target format", rate)
		}
	}
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	if got := audio.PlaybackFormat.String(); got != "24000Hz mono" {
		t.Errorf("String() = %q", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 6}).String(); got != "48000Hz 6ch" {
		t.Errorf("String() = %q", got)
	}
}
