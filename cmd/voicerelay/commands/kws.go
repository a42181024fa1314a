package commands

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/condition"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/kws"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

var kwsCmd = &cobra.Command{
	Use:   "kws [input.wav]",
	Short: "Spot keywords in a recording",
	Long: `Segment a recording into words and classify each word.

Without --words every word up to the end of the input is classified.

Example:
  voicerelay kws recording.wav
  voicerelay kws recording.wav --words 2 --model kws.dvm --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKWS,
}

func init() {
	kwsCmd.Flags().Int("words", 0, "stop after this many words (0 = until the input ends)")
	kwsCmd.Flags().String("model", "", "dense model file (default: from the settings)")
	kwsCmd.Flags().Bool("pace", false, "play the input in real time")
}

// exhaustGrace is how long a word still in the worker may take after the
// input ends.
const exhaustGrace = time.Second

func runKWS(cmd *cobra.Command, args []string) error {
	words, err := cmd.Flags().GetInt("words")
	if err != nil {
		return fmt.Errorf("failed to read 'words' flag: %w", err)
	}
	modelPath, err := cmd.Flags().GetString("model")
	if err != nil {
		return fmt.Errorf("failed to read 'model' flag: %w", err)
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

	src, err := rt.input(args, source.Options{Pace: pace})
	if err != nil {
		return err
	}
	mcfg, err := rt.kwsLoader(modelPath)()
	if err != nil {
		return err
	}
	mc, err := model.Open(model.NewArena(0), mcfg)
	if err != nil {
		return err
	}
	defer mc.Close()
	cond, err := condition.NewBasic(rt.settings.Conditioner)
	if err != nil {
		return err
	}
	pipe, err := kws.New(rt.settings.KWSConfig(), src, cond, mc, kws.Options{Logger: rt.log, Metrics: rt.metrics})
	if err != nil {
		return err
	}
	if err := pipe.Start(ctx); err != nil {
		return err
	}
	defer pipe.Close()

	want := words
	if want <= 0 {
		want = math.MaxInt32
	}
	if err := pipe.RequestWords(want); err != nil {
		return err
	}

	heard := eventList{}
	take := func() {
		if res, ok := pipe.Results().TryTake(); ok {
			heard = append(heard, rt.record(ctx, "kws", res))
		}
	}
	var grace <-chan time.Time
	exhausted := pipe.Exhausted()
loop:
	for len(heard) < want {
		select {
		case <-ctx.Done():
			break loop
		case <-pipe.Words():
			take()
		case <-exhausted:
			exhausted = nil
			grace = time.After(exhaustGrace)
		case <-grace:
			break loop
		}
	}
	// cancelling drops a pending result
	take()
	pipe.Cancel()

	st := pipe.Stats()
	rt.log.Info("voicerelay: kws done", "words", st.Words, "recognized", st.Recognized,
		"failures", st.Failures, "dropped_frames", st.DroppedFrames)
	return outputResult(heard)
}
