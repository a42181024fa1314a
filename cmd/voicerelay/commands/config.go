package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage CLI contexts.

A context names a settings file, a journal directory, the listener
addresses and a default input. Commands use the current context unless -c
names another; without any context the built-in defaults apply.

Contexts are stored in ~/.voicerelay/voicerelay/config.yaml`,
}

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Add a new context",
	Long: `Add a new context with the specified name.

Example:
  voicerelay config add-context bench --journal ./journal
  voicerelay config add-context lab --settings-file lab.yaml --metrics-addr :9464 --events-addr :8080`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx := &cli.Context{}
		for _, f := range []struct {
			flag string
			dst  *string
		}{
			{"settings-file", &ctx.Settings},
			{"journal", &ctx.Journal},
			{"metrics-addr", &ctx.MetricsAddr},
			{"events-addr", &ctx.EventsAddr},
			{"input", &ctx.Input},
		} {
			v, err := cmd.Flags().GetString(f.flag)
			if err != nil {
				return fmt.Errorf("failed to read '%s' flag: %w", f.flag, err)
			}
			*f.dst = v
		}
		if ctx.Settings != "" {
			if _, err := os.Stat(ctx.Settings); err != nil {
				return fmt.Errorf("settings file: %w", err)
			}
		}

		cfg := getConfig()
		if err := cfg.AddContext(name, ctx); err != nil {
			return fmt.Errorf("failed to add context: %w", err)
		}
		cli.PrintSuccess("Context %q added", name)
		if cfg.CurrentContext == name {
			cli.PrintInfo("Context %q is now the current context", name)
		}
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getConfig().DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getConfig().UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

var configGetContextCmd = &cobra.Command{
	Use:   "get-context [name]",
	Short: "Show a context (default: the current one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := contextName
		if len(args) > 0 {
			name = args[0]
		}
		ctx, err := getConfig().ResolveContext(name)
		if err != nil {
			return err
		}
		if ctx.Name == "" {
			return fmt.Errorf("no current context; use 'voicerelay config use-context'")
		}
		return cli.Output(ctx, cli.OutputOptions{Format: cli.FormatYAML, File: outputFile})
	},
}

// contextList prints the configured contexts.
type contextList struct {
	Current  string         `json:"current" yaml:"current"`
	Contexts []*cli.Context `json:"contexts" yaml:"contexts"`
}

func (l contextList) Header() []string {
	return []string{"CURRENT", "NAME", "SETTINGS", "JOURNAL", "METRICS", "EVENTS"}
}

func (l contextList) Rows() [][]string {
	rows := make([][]string, 0, len(l.Contexts))
	for _, c := range l.Contexts {
		mark := ""
		if c.Name == l.Current {
			mark = "*"
		}
		rows = append(rows, []string{mark, c.Name, orDash(c.Settings), orDash(c.Journal), orDash(c.MetricsAddr), orDash(c.EventsAddr)})
	}
	return rows
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var configListContextsCmd = &cobra.Command{
	Use:     "list-contexts",
	Aliases: []string{"list"},
	Short:   "List all contexts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		list := contextList{Current: cfg.CurrentContext}
		for _, name := range cfg.ListContexts() {
			c, err := cfg.GetContext(name)
			if err != nil {
				return err
			}
			list.Contexts = append(list.Contexts, c)
		}
		if len(list.Contexts) == 0 {
			cli.PrintInfo("No contexts configured; use 'voicerelay config add-context'")
			return nil
		}
		return outputResult(list)
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the effective settings",
	Long: `Print the settings the pipeline commands would run with, after applying
the context's settings file or --settings over the defaults.

The output is a valid settings file:
  voicerelay config view > lab.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := getContext()
		if err != nil {
			return err
		}
		settings, err := loadSettings(ctx)
		if err != nil {
			return err
		}
		data, err := settings.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configAddContextCmd.Flags().String("settings-file", "", "settings file")
	configAddContextCmd.Flags().String("journal", "", "journal directory (empty keeps events in memory)")
	configAddContextCmd.Flags().String("metrics-addr", "", "serve /metrics on this address")
	configAddContextCmd.Flags().String("events-addr", "", "serve the /events websocket on this address")
	configAddContextCmd.Flags().String("input", "", "default WAV input")

	configCmd.AddCommand(configAddContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configGetContextCmd)
	configCmd.AddCommand(configListContextsCmd)
	configCmd.AddCommand(configViewCmd)
}
