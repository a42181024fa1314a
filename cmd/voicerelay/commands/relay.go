package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/cli"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/scenario"
)

var relayCmd = &cobra.Command{
	Use:   "relay [input.wav]",
	Short: "Drive the voice relay from a recording",
	Long: `Run the voice relay scenario over a recording.

The wake word turns the relay on; the stop word, a touch or the suspend
timeout turns it off. Press Enter to touch, q then Enter to quit.

Example:
  voicerelay relay commands.wav --pace
  voicerelay relay commands.wav --loop --tui`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().String("model", "", "dense model file (default: from the settings)")
	relayCmd.Flags().Duration("suspend-after", -1, "return to suspended after this long (default: from the settings)")
	relayCmd.Flags().Bool("pace", true, "play the input in real time")
	relayCmd.Flags().Bool("loop", false, "replay the input until interrupted")
	relayCmd.Flags().Bool("tui", false, "show a live status screen")
}

const (
	tuiWidth   = 80
	tuiHeight  = 24
	tuiRefresh = 100 * time.Millisecond
)

// relaySession is what the status screen shows.
type relaySession struct {
	mu          sync.Mutex
	words       []string
	transitions []string
}

func (s *relaySession) word(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words = append(s.words, e)
}

func (s *relaySession) transition(from, to scenario.RelayState, on scenario.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions,
		fmt.Sprintf("%s  %s -> %s on %s", time.Now().Format(time.TimeOnly), from, to, on))
}

func (s *relaySession) frame(status scenario.Bits, state string, logs []string) cli.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cli.Frame{
		Styles: cli.NewStyles(cli.DefaultTheme),
		Title:  "voice relay",
		Status: state,
		Indicators: []cli.Indicator{
			{Name: "RELAY", On: status&scenario.Unlocked != 0},
			{Name: "SUSPENDED", On: status&scenario.Suspended != 0},
			{Name: "WORD", On: status&scenario.WordEvent != 0},
			{Name: "HALTED", On: status&scenario.Halted != 0},
		},
		Sections: []cli.Section{
			{Label: "Words", Lines: append([]string(nil), s.words...)},
			{Label: "Transitions", Lines: append([]string(nil), s.transitions...)},
			{Label: "Log", Lines: logs},
		},
		Help: "enter: touch  q: quit",
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	modelPath, err := cmd.Flags().GetString("model")
	if err != nil {
		return fmt.Errorf("failed to read 'model' flag: %w", err)
	}
	suspendAfter, err := cmd.Flags().GetDuration("suspend-after")
	if err != nil {
		return fmt.Errorf("failed to read 'suspend-after' flag: %w", err)
	}
	pace, err := cmd.Flags().GetBool("pace")
	if err != nil {
		return fmt.Errorf("failed to read 'pace' flag: %w", err)
	}
	loop, err := cmd.Flags().GetBool("loop")
	if err != nil {
		return fmt.Errorf("failed to read 'loop' flag: %w", err)
	}
	tui, err := cmd.Flags().GetBool("tui")
	if err != nil {
		return fmt.Errorf("failed to read 'tui' flag: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var logOut io.Writer = os.Stderr
	logs := cli.NewLogWriter(64)
	if tui {
		logOut = logs
	}
	rt, err := openRuntime(ctx, logOut)
	if err != nil {
		return err
	}
	defer rt.Close()

	src, err := rt.input(args, source.Options{Pace: pace, Loop: loop})
	if err != nil {
		return err
	}

	session := &relaySession{}
	opts := rt.settings.RelayOptions()
	if suspendAfter >= 0 {
		opts.SuspendAfter = suspendAfter
	}
	opts.OnTransition = session.transition
	opts.OnWord = func(res model.Result) {
		e := rt.record(ctx, "voice_relay", res)
		session.word(fmt.Sprintf("%s  %-10s %s", e.At.Local().Format(time.TimeOnly), e.Label, cli.FormatScore(e.Score)))
	}

	status := scenario.NewStatus()
	vr := scenario.NewVoiceRelay(scenario.VoiceRelayConfig{
		KWS:         rt.settings.KWSConfig(),
		Conditioner: rt.settings.Conditioner,
		Model:       rt.kwsLoader(modelPath),
		Source:      src,
		Relay:       opts,
		Logger:      rt.log,
		Metrics:     rt.metrics,
	}, status)
	runner := scenario.NewRunner(model.NewArena(0), status, rt.log)
	if err := runner.Switch(ctx, vr); err != nil {
		return err
	}
	defer runner.Close()
	relay, pipe := vr.Relay(), vr.Pipeline()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readTouches(ctx, os.Stdin, relay.Touch, cancel)

	var tick <-chan time.Time
	if tui {
		t := time.NewTicker(tuiRefresh)
		defer t.Stop()
		tick = t.C
	}
	draw := func() {
		f := session.frame(status.Bits(), relay.State().String(), logs.Lines())
		fmt.Fprint(os.Stdout, "\x1b[H\x1b[2J"+f.Render(tuiWidth, tuiHeight))
		// the screen shows word pulses for one refresh
		status.Take(scenario.EventBits)
	}

	for {
		select {
		case <-ctx.Done():
			return finishRelay(runner)
		case <-runner.Done():
			return finishRelay(runner)
		case <-pipe.Exhausted():
			rt.log.Info("voicerelay: input ended", "state", relay.State())
			return finishRelay(runner)
		case <-tick:
			draw()
		}
	}
}

func finishRelay(runner *scenario.Runner) error {
	closeErr := runner.Close()
	if err := runner.Err(); err != nil {
		return err
	}
	return closeErr
}

// readTouches turns each line of r into a touch. A line starting with q
// calls quit.
func readTouches(ctx context.Context, r io.Reader, touch func(), quit func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if strings.HasPrefix(strings.TrimSpace(sc.Text()), "q") {
			quit()
			return
		}
		touch()
	}
}
