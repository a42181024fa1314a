package commands

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/cli"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/scenario"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect or generate dense model files",
}

// modelInfo describes a dense model file.
type modelInfo struct {
	File       string      `json:"file" yaml:"file"`
	Name       string      `json:"name" yaml:"name"`
	Version    int         `json:"version" yaml:"version"`
	Size       string      `json:"size" yaml:"size"`
	InputShape []int       `json:"input_shape" yaml:"input_shape"`
	Labels     []string    `json:"labels" yaml:"labels"`
	Params     int         `json:"params" yaml:"params"`
	Input      string      `json:"input_quant" yaml:"input_quant"`
	Output     string      `json:"output_quant" yaml:"output_quant"`
	Layers     []layerInfo `json:"layers" yaml:"layers"`
}

type layerInfo struct {
	In         int    `json:"in" yaml:"in"`
	Out        int    `json:"out" yaml:"out"`
	Activation string `json:"activation" yaml:"activation"`
	Weights    string `json:"weights" yaml:"weights"`
}

func (m modelInfo) Header() []string {
	return []string{"LAYER", "IN", "OUT", "ACTIVATION", "WEIGHTS"}
}

func (m modelInfo) Rows() [][]string {
	rows := make([][]string, 0, len(m.Layers))
	for i, l := range m.Layers {
		rows = append(rows, []string{strconv.Itoa(i), strconv.Itoa(l.In), strconv.Itoa(l.Out), l.Activation, l.Weights})
	}
	return rows
}

func quantString(q model.Quantization) string {
	if !q.Enabled() {
		return "f32"
	}
	return fmt.Sprintf("int8 scale=%g zero=%d", q.Scale, q.ZeroPoint)
}

var modelInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Describe a dense model file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		d, err := model.LoadDense(args[0])
		if err != nil {
			return err
		}
		spec := d.Spec()
		info := modelInfo{
			File:       args[0],
			Name:       spec.Name,
			Version:    spec.Version,
			Size:       cli.FormatBytes(st.Size()),
			InputShape: spec.InputShape,
			Labels:     spec.Labels,
			Input:      quantString(spec.Input),
			Output:     quantString(spec.Output),
		}
		for _, l := range spec.Layers {
			w := "f32"
			if l.WeightsI8 != nil {
				w = fmt.Sprintf("int8 scale=%g", l.WeightQ)
			}
			info.Params += l.In*l.Out + l.Out
			info.Layers = append(info.Layers, layerInfo{In: l.In, Out: l.Out, Activation: l.Activation, Weights: w})
		}
		if outputFormat == string(cli.FormatTable) {
			cli.PrintInfo("%s v%d, input %v, %d params, %s", info.Name, info.Version, info.InputShape, info.Params, info.Size)
			cli.PrintInfo("labels: %s", strings.Join(info.Labels, ", "))
		}
		return outputResult(info)
	},
}

var modelInitCmd = &cobra.Command{
	Use:   "init <file>",
	Short: "Write an untrained model of the configured geometry",
	Long: `Write an untrained dense model whose input matches the configured
feature geometry. Useful to smoke-test the pipelines before a trained model
is available.

Example:
  voicerelay model init kws.dvm --kind kws
  voicerelay model init bark.dvm --kind sed --preset bark --hidden 128,32 --quantize`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := cmd.Flags().GetString("kind")
		if err != nil {
			return fmt.Errorf("failed to read 'kind' flag: %w", err)
		}
		presetName, err := cmd.Flags().GetString("preset")
		if err != nil {
			return fmt.Errorf("failed to read 'preset' flag: %w", err)
		}
		hidden, err := cmd.Flags().GetIntSlice("hidden")
		if err != nil {
			return fmt.Errorf("failed to read 'hidden' flag: %w", err)
		}
		seed, err := cmd.Flags().GetUint64("seed")
		if err != nil {
			return fmt.Errorf("failed to read 'seed' flag: %w", err)
		}
		quantize, err := cmd.Flags().GetBool("quantize")
		if err != nil {
			return fmt.Errorf("failed to read 'quantize' flag: %w", err)
		}
		cctx, err := getContext()
		if err != nil {
			return err
		}
		s, err := loadSettings(cctx)
		if err != nil {
			return err
		}

		var spec *model.DenseSpec
		switch kind {
		case "kws":
			c := s.KWSConfig()
			labels := s.KWS.Labels
			if len(labels) == 0 {
				labels = []string{"silence", "unknown", s.Relay.WakeWord, s.Relay.StopWord}
			}
			spec = model.RandomDense("kws", []int{c.Rows(), c.Cols()}, labels, hidden, seed)
		case "sed":
			preset, err := s.Preset()
			if presetName != "" {
				preset, err = scenario.LookupPreset(presetName)
			}
			if err != nil {
				return err
			}
			c := s.SEDConfig()
			labels := s.SED.Labels
			if len(labels) == 0 {
				labels = preset.Labels()
			}
			spec = model.RandomDense("sed_"+preset.Name, []int{c.Rows(), c.Cols()}, labels, hidden, seed)
		default:
			return fmt.Errorf("unknown kind %q: want kws or sed", kind)
		}
		if quantize {
			quantizeWeights(spec)
		}

		path := args[0]
		if dir := filepath.Dir(path); dir != "." {
			if err := cli.Ensure(dir); err != nil {
				return err
			}
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := model.EncodeDense(f, spec); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		cli.PrintSuccess("Wrote %s model %q to %s (input %v, labels %s)",
			kind, spec.Name, path, spec.InputShape, strings.Join(spec.Labels, ","))
		return nil
	},
}

// quantizeWeights converts every layer to int8 weights with a symmetric
// per-layer scale.
func quantizeWeights(spec *model.DenseSpec) {
	for i := range spec.Layers {
		l := &spec.Layers[i]
		var peak float32
		for _, w := range l.Weights {
			peak = max(peak, float32(math.Abs(float64(w))))
		}
		if peak == 0 {
			continue
		}
		l.WeightQ = peak / 127
		l.WeightsI8 = make([]int8, len(l.Weights))
		for k, w := range l.Weights {
			l.WeightsI8[k] = int8(math.Round(float64(w / l.WeightQ)))
		}
		l.Weights = nil
	}
}

func init() {
	modelInitCmd.Flags().String("kind", "kws", "model kind: kws or sed")
	modelInitCmd.Flags().String("preset", "", "sound event preset for --kind sed (default: from the settings)")
	modelInitCmd.Flags().IntSlice("hidden", []int{64}, "hidden layer widths")
	modelInitCmd.Flags().Uint64("seed", 1, "weight seed")
	modelInitCmd.Flags().Bool("quantize", false, "store int8 weights")

	modelCmd.AddCommand(modelInspectCmd)
	modelCmd.AddCommand(modelInitCmd)
}
