package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/scenario"
)

var sedCmd = &cobra.Command{
	Use:   "sed [input.wav]",
	Short: "Watch a recording for a sound event",
	Long: `Run the sound event alert scenario over a recording.

Each detected event holds the relay on for the hold duration and is written
to the journal. Presets: baby_cry, glass_breaking, bark, coughing.

Example:
  voicerelay sed nursery.wav --preset baby_cry
  voicerelay sed yard.wav --preset bark --hold 2s --pace`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSED,
}

func init() {
	sedCmd.Flags().String("preset", "", "sound event preset (default: from the settings)")
	sedCmd.Flags().String("model", "", "dense model file (default: from the settings)")
	sedCmd.Flags().Duration("hold", 0, "relay hold per event (default: from the settings)")
	sedCmd.Flags().Bool("pace", false, "play the input in real time")
}

func runSED(cmd *cobra.Command, args []string) error {
	presetName, err := cmd.Flags().GetString("preset")
	if err != nil {
		return fmt.Errorf("failed to read 'preset' flag: %w", err)
	}
	modelPath, err := cmd.Flags().GetString("model")
	if err != nil {
		return fmt.Errorf("failed to read 'model' flag: %w", err)
	}
	hold, err := cmd.Flags().GetDuration("hold")
	if err != nil {
		return fmt.Errorf("failed to read 'hold' flag: %w", err)
	}
	pace, err := cmd.Flags().GetBool("pace")
	if err != nil {
		return fmt.Errorf("failed to read 'pace' flag: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	rt, err := openRuntime(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	preset, err := rt.settings.Preset()
	if presetName != "" {
		preset, err = scenario.LookupPreset(presetName)
	}
	if err != nil {
		return err
	}
	if hold <= 0 {
		hold = rt.settings.Hold()
	}
	src, err := rt.input(args, source.Options{Pace: pace})
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		events = eventList{}
		alert  *scenario.Alert
		status = scenario.NewStatus()
	)
	alert = scenario.NewAlert(scenario.AlertConfig{
		SED:         rt.settings.SEDConfig(),
		Preset:      preset,
		Conditioner: rt.settings.Conditioner,
		Model:       rt.sedLoader(modelPath, preset),
		Source:      src,
		Hold:        hold,
		OnEvent: func(res model.Result) {
			e := rt.record(ctx, alert.Name(), res)
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
		Logger:  rt.log,
		Metrics: rt.metrics,
	}, status)

	runner := scenario.NewRunner(model.NewArena(0), status, rt.log)
	if err := runner.Switch(ctx, alert); err != nil {
		return err
	}
	pipe := alert.Pipeline()

	select {
	case <-ctx.Done():
	case <-runner.Done():
	case <-pipe.Exhausted():
		// let an event raised on the last window finish its hold
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
	}
	closeErr := runner.Close()
	if err := runner.Err(); err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	st := pipe.Stats()
	rt.log.Info("voicerelay: sed done", "rows", st.Rows, "delivered", st.Delivered,
		"skipped", st.Skipped, "activations", st.Activations)
	mu.Lock()
	defer mu.Unlock()
	return outputResult(events)
}
