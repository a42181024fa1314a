package condition

import (
	"errors"
	"math"
	"testing"
)

func tone(n int, amp float64) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = int16(amp * math.Sin(2*math.Pi*float64(i)/32))
	}
	return f
}

func noise(n int, amp int16) []int16 {
	f := make([]int16, n)
	for i := range f {
		if i%2 == 0 {
			f[i] = amp
		} else {
			f[i] = -amp
		}
	}
	return f
}

func mustBasic(t *testing.T, cfg Config) *Basic {
	t.Helper()
	b, err := NewBasic(cfg)
	if err != nil {
		t.Fatalf("NewBasic: %v", err)
	}
	return b
}

func TestGainAndLimiter(t *testing.T) {
	b := mustBasic(t, Config{GainDB: 20, NoiseLevel: 0, SpeechProbability: 0.9})
	f := []int16{1000, -1000, 0, 10000, -10000, 32767}
	b.ApplyGainControl(f)
	if f[0] != 10000 || f[1] != -10000 || f[2] != 0 {
		t.Errorf("linear region = %v", f[:3])
	}
	for _, s := range f[3:] {
		if a := math.Abs(float64(s)); a <= limiterKnee*fullScale || a > fullScale {
			t.Errorf("limited sample %d outside (knee, full scale]", s)
		}
	}
	if f[3] != -f[4] {
		t.Errorf("limiter not symmetric: %d vs %d", f[3], f[4])
	}
}

func TestSuppressNoiseRemovesDC(t *testing.T) {
	b := mustBasic(t, Config{GainDB: 0, NoiseLevel: 0, SpeechProbability: 0.9})
	var last []int16
	for range 200 {
		f := make([]int16, 160)
		for i := range f {
			f[i] = 5000
		}
		b.SuppressNoise(f)
		last = f
	}
	if m := math.Abs(float64(last[len(last)-1])); m > 10 {
		t.Errorf("DC not removed, last sample %v", m)
	}
}

func TestNoiseGateAttenuatesFloor(t *testing.T) {
	b := mustBasic(t, Config{GainDB: 0, NoiseLevel: 3, SpeechProbability: 0.9})
	for range 50 {
		b.SuppressNoise(noise(160, 200))
	}
	f := noise(160, 200)
	b.SuppressNoise(f)
	for _, s := range f {
		if s != 0 {
			t.Fatalf("gated frame has sample %d", s)
		}
	}
	loud := tone(160, 8000)
	b.SuppressNoise(loud)
	if RMS(loud) < 1000 {
		t.Errorf("speech frame gated, rms %.0f", RMS(loud))
	}
}

func TestIsSpeech(t *testing.T) {
	b := mustBasic(t, DefaultConfig())
	for range 30 {
		f := noise(160, 50)
		b.SuppressNoise(f)
		if b.IsSpeech(f) {
			t.Fatal("steady noise flagged as speech")
		}
	}
	f := tone(160, 12000)
	b.SuppressNoise(f)
	if !b.IsSpeech(f) {
		t.Errorf("tone not flagged, p=%.3f floor=%.1f", b.SpeechProbability(f), b.NoiseFloor())
	}
	if p := b.SpeechProbability(f); p <= 0.9 || p >= 1 {
		t.Errorf("probability %v", p)
	}
}

func TestNoiseFloorTracksSlowlyUp(t *testing.T) {
	b := mustBasic(t, DefaultConfig())
	b.SuppressNoise(noise(160, 50))
	start := b.NoiseFloor()
	for range 60 {
		b.SuppressNoise(tone(160, 12000))
	}
	if b.NoiseFloor() > 12000/math.Sqrt2*0.2 {
		t.Errorf("floor %.0f rose too fast from %.0f during speech", b.NoiseFloor(), start)
	}
	b.Reset()
	if b.NoiseFloor() != -1 {
		t.Errorf("floor after reset = %v", b.NoiseFloor())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []Config{
		{GainDB: -1, NoiseLevel: 1, SpeechProbability: 0.9},
		{GainDB: 30, NoiseLevel: 4, SpeechProbability: 0.9},
		{GainDB: 30, NoiseLevel: 1, SpeechProbability: 1},
	}
	for _, cfg := range tests {
		if _, err := NewBasic(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewBasic(%+v) err = %v", cfg, err)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default: %v", err)
	}
}
