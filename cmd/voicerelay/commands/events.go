package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/cli"
	"github.com/Grovety/lilygo-s3-apps/pkg/journal"
)

// eventList prints journal events.
type eventList []journal.Event

func (l eventList) Header() []string {
	return []string{"TIME", "SCENARIO", "LABEL", "CATEGORY", "SCORE"}
}

func (l eventList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, e := range l {
		rows = append(rows, []string{
			e.At.Local().Format(time.DateTime),
			e.Scenario,
			e.Label,
			strconv.Itoa(e.Category),
			cli.FormatScore(e.Score),
		})
	}
	return rows
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event journal",
	Long: `Inspect the events recorded by the pipeline commands.

The journal lives in the directory named by the context (--journal on
add-context) or by journal.dir in the settings file. Without either, events
are kept in memory and vanish when a command exits.`,
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded events",
	Long: `List recorded events, oldest first.

Example:
  voicerelay events list --since 24h
  voicerelay events list --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := cmd.Flags().GetDuration("since")
		if err != nil {
			return fmt.Errorf("failed to read 'since' flag: %w", err)
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return fmt.Errorf("failed to read 'limit' flag: %w", err)
		}
		return withJournal(func(j *journal.Journal) error {
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			events := eventList{}
			for e, err := range j.List(cmd.Context(), from) {
				if err != nil {
					return err
				}
				events = append(events, e)
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}
			return outputResult(events)
		})
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old events",
	Long: `Delete events older than the given age.

Example:
  voicerelay events prune --older-than 168h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		age, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return fmt.Errorf("failed to read 'older-than' flag: %w", err)
		}
		if age <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		return withJournal(func(j *journal.Journal) error {
			n, err := j.Prune(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return err
			}
			cli.PrintSuccess("Pruned %d events older than %s", n, cli.FormatDuration(age))
			return nil
		})
	},
}

// withJournal opens the configured journal without starting any listener.
func withJournal(fn func(*journal.Journal) error) error {
	cctx, err := getContext()
	if err != nil {
		return err
	}
	settings, err := loadSettings(cctx)
	if err != nil {
		return err
	}
	dir := first(cctx.Journal, settings.Journal.Dir)
	if dir == "" {
		return fmt.Errorf("no journal directory: set one on the context or in the settings")
	}
	j, err := journal.Open(journal.Options{Dir: dir, Logger: newLogger(os.Stderr)})
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(j)
}

func init() {
	eventsListCmd.Flags().Duration("since", 0, "only events newer than this age (0 = all)")
	eventsListCmd.Flags().Int("limit", 0, "show at most this many of the newest events")
	eventsPruneCmd.Flags().Duration("older-than", 0, "delete events older than this age")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsPruneCmd)
}
