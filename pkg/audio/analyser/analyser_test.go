package analyser_test

import (
	"math"
	"testing"

	"github.com/MrWong99/omnisuite/pkg/audio/analyser"
)

func sine(n, bin, size int, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*float64(bin)*float64(i)/float64(size)))
	}
	return out
}

func TestAnalyser_Defaults(t *testing.T) {
	t.Parallel()
	a := analyser.New()
	if got := a.FrequencyBinCount(); got != 32 {
		t.Errorf("FrequencyBinCount() = %d; want 32", got)
	}
}

func TestAnalyser_SilenceIsZero(t *testing.T) {
	t.Parallel()
	a := analyser.New()
	a.Write(make([]float32, 128))

	dst := make([]byte, a.FrequencyBinCount())
	if n := a.ByteFrequencyData(dst); n != 32 {
		t.Fatalf("wrote %d bins; want 32", n)
	}
	for k, v := range dst {
		if v != 0 {
			t.Errorf("bin %d = %d; want 0 for silence", k, v)
		}
	}
	if a.Level() != 0 {
		t.Errorf("Level() = %v; want 0", a.Level())
	}
}

func TestAnalyser_SinePeaksAtItsBin(t *testing.T) {
	t.Parallel()
	a := analyser.New()
	a.Write(sine(64, 4, 64, 0.9))

	dst := make([]byte, 32)
	for range 10 {
		a.ByteFrequencyData(dst)
	}
	if dst[4] != 255 {
		t.Errorf("bin 4 = %d; want 255", dst[4])
	}
	if dst[16] != 0 {
		t.Errorf("bin 16 = %d; want 0 (outside the window's main lobe)", dst[16])
	}
	if lvl := a.Level(); math.Abs(lvl-0.9/math.Sqrt2) > 0.01 {
		t.Errorf("Level() = %v; want ~%v", lvl, 0.9/math.Sqrt2)
	}
}

func TestAnalyser_SmoothingDecays(t *testing.T) {
	t.Parallel()
	a := analyser.New(analyser.WithDecibelRange(-100, 0))
	a.Write(sine(64, 8, 64, 1))
	dst := make([]byte, 32)
	a.ByteFrequencyData(dst)
	loud := dst[8]

	a.Write(make([]float32, 64))
	a.ByteFrequencyData(dst)
	decayed := dst[8]
	if decayed == 0 || decayed >= loud {
		t.Errorf("after silence bin 8 = %d; want 0 < v < %d (smoothed decay)", decayed, loud)
	}

	a.Reset()
	a.ByteFrequencyData(dst)
	if dst[8] != 0 {
		t.Errorf("bin 8 = %d after Reset; want 0", dst[8])
	}
}

func TestAnalyser_NoSmoothing(t *testing.T) {
	t.Parallel()
	a := analyser.New(analyser.WithSmoothing(0))
	a.Write(sine(64, 8, 64, 1))
	dst := make([]byte, 32)
	a.ByteFrequencyData(dst)
	a.Write(make([]float32, 64))
	a.ByteFrequencyData(dst)
	if dst[8] != 0 {
		t.Errorf("bin 8 = %d; want 0 without smoothing", dst[8])
	}
}

func TestAnalyser_ShortDestination(t *testing.T) {
	t.Parallel()
	a := analyser.New(analyser.WithFFTSize(128))
	if a.FrequencyBinCount() != 64 {
		t.Fatalf("FrequencyBinCount() = %d; want 64", a.FrequencyBinCount())
	}
	if n := a.ByteFrequencyData(make([]byte, 10)); n != 10 {
		t.Errorf("wrote %d bins; want 10", n)
	}
}

func TestAnalyser_InvalidOptionsIgnored(t *testing.T) {
	t.Parallel()
	a := analyser.New(analyser.WithFFTSize(100), analyser.WithSmoothing(1.5), analyser.WithDecibelRange(0, -10))
	if a.FrequencyBinCount() != 32 {
		t.Errorf("FrequencyBinCount() = %d; want default 32", a.FrequencyBinCount())
	}
}

func TestAnalyser_IncrementalWrites(t *testing.T) {
	t.Parallel()
	a := analyser.New()
	s := sine(64, 4, 64, 0.5)
	// Two halves land in the ring in order, same as one full write.
	a.Write(s[:32])
	a.Write(s[32:])
	b := analyser.New()
	b.Write(s)

	da, db := make([]byte, 32), make([]byte, 32)
	a.ByteFrequencyData(da)
	b.ByteFrequencyData(db)
	for k := range da {
		if da[k] != db[k] {
			t.Errorf("bin %d: incremental %d != bulk %d", k, da[k], db[k])
		}
	}
}
