package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/journal"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

func runCmd(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	oldStdout, oldStderr := os.Stdout, os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout, os.Stderr = wOut, wErr

	var outBuf, errBuf bytes.Buffer
	done := make(chan struct{}, 2)
	go func() { io.Copy(&outBuf, rOut); done <- struct{}{} }()
	go func() { io.Copy(&errBuf, rErr); done <- struct{}{} }()

	verbose = false
	outputFormat = "table"
	outputFile = ""
	contextName = ""
	settingsFile = ""

	rootCmd.SetArgs(args)
	err = rootCmd.Execute()

	wOut.Close()
	wErr.Close()
	<-done
	<-done
	os.Stdout, os.Stderr = oldStdout, oldStderr
	return outBuf.String(), errBuf.String(), err
}

// setupTestEnv points the contexts file and the journal into a temp dir.
func setupTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	if _, _, err := runCmd(t, "--config", cfg, "config", "add-context", "test",
		"--journal", filepath.Join(dir, "journal")); err != nil {
		t.Fatalf("add-context: %v", err)
	}
	return cfg
}

func writeWAV(t *testing.T, path string) {
	t.Helper()
	const rate = 16000
	var samples []int16
	samples = append(samples, make([]int16, rate/2)...)
	for i := range rate / 2 {
		samples = append(samples, int16(9000*math.Sin(2*math.Pi*440*float64(i)/rate)))
	}
	samples = append(samples, make([]int16, rate)...)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := source.WriteWAV(f, rate, samples); err != nil {
		t.Fatal(err)
	}
}

func TestConfigContexts(t *testing.T) {
	cfg := setupTestEnv(t)

	out, _, err := runCmd(t, "--config", cfg, "config", "list-contexts", "--format", "json")
	if err != nil {
		t.Fatalf("list-contexts: %v", err)
	}
	var list contextList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if list.Current != "test" || len(list.Contexts) != 1 {
		t.Errorf("contexts = %+v", list)
	}

	if _, _, err := runCmd(t, "--config", cfg, "config", "use-context", "missing"); err == nil {
		t.Error("use-context of an unknown context succeeded")
	}
	if _, _, err := runCmd(t, "--config", cfg, "config", "delete-context", "test"); err != nil {
		t.Fatalf("delete-context: %v", err)
	}
	out, _, err = runCmd(t, "--config", cfg, "config", "list-contexts")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No contexts") {
		t.Errorf("list after delete = %q", out)
	}
}

func TestConfigViewIsLoadable(t *testing.T) {
	cfg := setupTestEnv(t)
	out, _, err := runCmd(t, "--config", cfg, "config", "view")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runCmd(t, "--config", cfg, "--settings", path, "config", "view"); err != nil {
		t.Errorf("viewed settings do not load back: %v", err)
	}
}

func TestModelInitAndInspect(t *testing.T) {
	cfg := setupTestEnv(t)
	path := filepath.Join(t.TempDir(), "models", "bark.dvm")

	if _, _, err := runCmd(t, "--config", cfg, "model", "init", path,
		"--kind", "sed", "--preset", "bark", "--hidden", "16", "--quantize"); err != nil {
		t.Fatalf("model init: %v", err)
	}
	d, err := model.LoadDense(path)
	if err != nil {
		t.Fatal(err)
	}
	spec := d.Spec()
	if spec.Name != "sed_bark" || strings.Join(spec.Labels, ",") != "background,unknown,bark" {
		t.Errorf("spec = %s %v", spec.Name, spec.Labels)
	}
	if got := spec.InputShape; len(got) != 2 || got[0] != 49 || got[1] != 40 {
		t.Errorf("input shape = %v, want [49 40]", got)
	}
	for i, l := range spec.Layers {
		if l.WeightsI8 == nil || l.Weights != nil {
			t.Errorf("layer %d not quantized", i)
		}
	}

	out, _, err := runCmd(t, "--config", cfg, "model", "inspect", path, "--format", "json")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var info modelInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if info.Params != 49*40*16+16+16*3+3 || len(info.Layers) != 2 {
		t.Errorf("info = %+v", info)
	}
}

func TestModelInitRejectsUnknownKind(t *testing.T) {
	cfg := setupTestEnv(t)
	_, _, err := runCmd(t, "--config", cfg, "model", "init", filepath.Join(t.TempDir(), "x.dvm"), "--kind", "vad")
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Errorf("err = %v", err)
	}
}

func TestKWSJournalsEveryWord(t *testing.T) {
	cfg := setupTestEnv(t)
	wav := filepath.Join(t.TempDir(), "word.wav")
	writeWAV(t, wav)

	out, _, err := runCmd(t, "--config", cfg, "kws", wav, "--format", "json")
	if err != nil {
		t.Fatalf("kws: %v", err)
	}
	var heard []journal.Event
	if err := json.Unmarshal([]byte(out), &heard); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}

	out, _, err = runCmd(t, "--config", cfg, "events", "list", "--format", "json")
	if err != nil {
		t.Fatalf("events list: %v", err)
	}
	var listed []journal.Event
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(listed) != len(heard) {
		t.Errorf("journal holds %d events, kws printed %d", len(listed), len(heard))
	}
	for i := range listed {
		if listed[i].ID != heard[i].ID || listed[i].Scenario != "kws" {
			t.Errorf("event %d = %+v, printed %+v", i, listed[i], heard[i])
		}
	}
}

func TestFeaturesRowCount(t *testing.T) {
	cfg := setupTestEnv(t)
	wav := filepath.Join(t.TempDir(), "word.wav")
	writeWAV(t, wav)

	tests := []struct {
		mode string
		cols int
	}{
		{"mfcc", 10},
		{"logmel", 40},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			out, _, err := runCmd(t, "--config", cfg, "features", wav, "--mode", tt.mode, "--rows", "5", "--format", "json")
			if err != nil {
				t.Fatalf("features: %v", err)
			}
			var dump featureDump
			if err := json.Unmarshal([]byte(out), &dump); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(dump.Matrix) != 5 || dump.Cols != tt.cols || len(dump.Matrix[0]) != tt.cols {
				t.Errorf("%d rows of %d, cols %d", len(dump.Matrix), len(dump.Matrix[0]), dump.Cols)
			}
		})
	}
	if _, _, err := runCmd(t, "--config", cfg, "features", wav, "--mode", "pitch"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestEventsPruneNeedsAge(t *testing.T) {
	cfg := setupTestEnv(t)
	if _, _, err := runCmd(t, "--config", cfg, "events", "prune"); err == nil {
		t.Error("prune without --older-than succeeded")
	}
	out, _, err := runCmd(t, "--config", cfg, "events", "prune", "--older-than", "1h")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "Pruned 0 events") {
		t.Errorf("prune output = %q", out)
	}
}

func TestReadTouches(t *testing.T) {
	touches, quits := 0, 0
	readTouches(t.Context(), strings.NewReader("\n\nquit\n\n"), func() { touches++ }, func() { quits++ })
	if touches != 2 || quits != 1 {
		t.Errorf("touches=%d quits=%d, want 2 and 1", touches, quits)
	}
}

func TestQuantizeWeights(t *testing.T) {
	spec := model.RandomDense("q", []int{4}, []string{"a", "b"}, []int{3}, 7)
	want := append([]float32(nil), spec.Layers[0].Weights...)
	quantizeWeights(spec)
	l := spec.Layers[0]
	for i, w := range want {
		got := float32(l.WeightsI8[i]) * l.WeightQ
		if math.Abs(float64(got-w)) > float64(l.WeightQ) {
			t.Errorf("weight %d = %v after quantization, want %v", i, got, w)
		}
	}
	if err := spec.Validate(); err != nil {
		t.Errorf("quantized spec invalid: %v", err)
	}
}
