package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Grovety/lilygo-s3-apps/pkg/cli"
	"github.com/Grovety/lilygo-s3-apps/pkg/config"
)

const appName = "voicerelay"

var (
	// Global flags
	cfgFile      string
	contextName  string
	settingsFile string
	outputFile   string
	outputFormat string
	verbose      bool

	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "voicerelay",
	Short: "Voice relay and sound event detection",
	Long: `voicerelay runs the voice relay recognition pipelines on WAV recordings.

  - kws       spot keywords in a recording
  - sed       watch a recording for a sound event preset
  - relay     drive the voice relay state machine
  - features  dump MFCC or log-mel features
  - events    inspect the event journal
  - model     inspect or generate dense model files

Contexts are stored in ~/.voicerelay/voicerelay/config.yaml.

Examples:
  # Generate an untrained keyword model and point a context at it
  voicerelay model init kws.dvm --kind kws
  voicerelay config add-context bench --journal ./journal

  # Drive the relay from a recording, with a live status screen
  voicerelay relay recording.wav --tui
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "contexts file (default is ~/.voicerelay/voicerelay/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context name to use")
	rootCmd.PersistentFlags().StringVarP(&settingsFile, "settings", "s", "", "settings file (overrides the context)")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format: table, yaml or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(kwsCmd)
	rootCmd.AddCommand(sedCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(modelCmd)
}

func initConfig() {
	var err error
	globalConfig, err = cli.LoadConfigWithPath(appName, cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}
}

func getConfig() *cli.Config {
	return globalConfig
}

// getContext returns the context to use. Without any configured context the
// commands run on an empty one.
func getContext() (*cli.Context, error) {
	cfg := getConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return cfg.ResolveContext(contextName)
}

// loadSettings reads the --settings file, the context's settings file or
// the built-in defaults, in that order.
func loadSettings(ctx *cli.Context) (config.Settings, error) {
	path := settingsFile
	if path == "" && ctx != nil {
		path = ctx.Settings
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func outputOptions() cli.OutputOptions {
	return cli.OutputOptions{Format: cli.OutputFormat(outputFormat), File: outputFile}
}

func outputResult(result any) error {
	return cli.Output(result, outputOptions())
}
