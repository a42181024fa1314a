package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/fbank"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
)

var featuresCmd = &cobra.Command{
	Use:   "features <input.wav>",
	Short: "Dump MFCC or log-mel features of a recording",
	Long: `Compute the feature rows the pipelines would see for a whole recording.

MFCC rows use the keyword geometry and are normalized by the peak of the
whole recording, the way a segmented word is. Log-mel rows use the sound
event geometry and a fixed full-scale peak.

Example:
  voicerelay features word.wav --mode mfcc --rows 10
  voicerelay features siren.wav --mode logmel --format json -o siren.json`,
	Args: cobra.ExactArgs(1),
	RunE: runFeatures,
}

func init() {
	featuresCmd.Flags().String("mode", "mfcc", "feature mode: mfcc or logmel")
	featuresCmd.Flags().Int("rows", 0, "print at most this many rows (0 = all)")
}

// featureDump is the features of one recording.
type featureDump struct {
	Input  string      `json:"input" yaml:"input"`
	Mode   string      `json:"mode" yaml:"mode"`
	MaxAbs int         `json:"max_abs" yaml:"max_abs"`
	Cols   int         `json:"cols" yaml:"cols"`
	Matrix [][]float32 `json:"rows" yaml:"rows"`
}

func (d featureDump) Header() []string {
	h := []string{"ROW"}
	for i := range d.Cols {
		h = append(h, strconv.Itoa(i))
	}
	return h
}

func (d featureDump) Rows() [][]string {
	out := make([][]string, len(d.Matrix))
	for i, row := range d.Matrix {
		r := []string{strconv.Itoa(i)}
		for _, v := range row {
			r = append(r, strconv.FormatFloat(float64(v), 'f', 2, 32))
		}
		out[i] = r
	}
	return out
}

func runFeatures(cmd *cobra.Command, args []string) error {
	modeName, err := cmd.Flags().GetString("mode")
	if err != nil {
		return fmt.Errorf("failed to read 'mode' flag: %w", err)
	}
	limit, err := cmd.Flags().GetInt("rows")
	if err != nil {
		return fmt.Errorf("failed to read 'rows' flag: %w", err)
	}
	cctx, err := getContext()
	if err != nil {
		return err
	}
	settings, err := loadSettings(cctx)
	if err != nil {
		return err
	}

	var (
		mode           fbank.Mode
		fcfg           fbank.Config
		window, stride int
		maxAbs         int
	)
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	samples, err := source.ReadWAV(f, settings.Format.SampleRate)
	if err != nil {
		return err
	}

	switch modeName {
	case fbank.MFCC.String():
		c := settings.KWSConfig()
		mode, fcfg = fbank.MFCC, c.Features()
		window, stride = c.Format.SamplesInDuration(c.Window), c.Format.SamplesInDuration(c.Stride)
		maxAbs = max(pcm.MaxAbs(samples), 1)
	case fbank.LogMel.String():
		c := settings.SEDConfig()
		mode, fcfg = fbank.LogMel, c.Features()
		window, stride = c.Format.SamplesInDuration(c.Window), c.Format.SamplesInDuration(c.Stride)
		maxAbs = c.MaxAbs
	default:
		return fmt.Errorf("unknown mode %q: want mfcc or logmel", modeName)
	}

	ext, err := fbank.New(fcfg)
	if err != nil {
		return err
	}
	framer := fbank.NewFramer(window, stride)
	framer.Push(samples)
	dump := featureDump{Input: args[0], Mode: mode.String(), MaxAbs: maxAbs, Cols: ext.Width(mode)}
	for limit <= 0 || len(dump.Matrix) < limit {
		win, ok := framer.Next()
		if !ok {
			break
		}
		dump.Matrix = append(dump.Matrix, ext.Features(mode, win, maxAbs))
	}
	return outputResult(dump)
}
