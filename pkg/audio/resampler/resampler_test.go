package resampler

import (
	"errors"
	"math"
	"testing"
)

func TestDownmix(t *testing.T) {
	got := Downmix([]int16{100, 300, -200, 0, 32767, 32767}, 2)
	want := []int16{200, -100, 32767}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	mono := []int16{1, 2, 3}
	if out := Downmix(mono, 1); &out[0] != &mono[0] {
		t.Error("mono input was copied")
	}
}

func TestResampleLength(t *testing.T) {
	tests := []struct {
		src, dst, n, want int
	}{
		{48000, 16000, 4800, 1600},
		{8000, 16000, 800, 1600},
		{44100, 16000, 44100, 16000},
	}
	for _, tt := range tests {
		in := make([]int16, tt.n)
		out, err := Resample(in, tt.src, tt.dst)
		if err != nil {
			t.Fatalf("Resample(%d->%d): %v", tt.src, tt.dst, err)
		}
		if len(out) != tt.want {
			t.Errorf("Resample(%d->%d) len = %d, want %d", tt.src, tt.dst, len(out), tt.want)
		}
	}
}

func TestResamplePreservesTone(t *testing.T) {
	const src, dst = 48000, 16000
	in := make([]int16, src/2)
	for i := range in {
		in[i] = int16(10000 * math.Sin(2*math.Pi*440*float64(i)/src))
	}
	out, err := Resample(in, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	// compare RMS over the middle to stay clear of filter edges
	rms := func(s []int16) float64 {
		var sum float64
		for _, v := range s {
			sum += float64(v) * float64(v)
		}
		return math.Sqrt(sum / float64(len(s)))
	}
	got := rms(out[len(out)/4 : 3*len(out)/4])
	want := 10000 / math.Sqrt2
	if math.Abs(got-want)/want > 0.2 {
		t.Errorf("rms = %.0f, want about %.0f", got, want)
	}
}

func TestResampleSameRateAndErrors(t *testing.T) {
	in := []int16{1, 2, 3}
	out, err := Resample(in, 16000, 16000)
	if err != nil || len(out) != 3 {
		t.Errorf("same rate: %v %v", out, err)
	}
	if _, err := Resample(in, 0, 16000); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("err = %v", err)
	}
}
