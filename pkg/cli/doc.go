// Package cli holds the shared pieces of the voicerelay command line.
//
// Named contexts live in ~/.voicerelay/<app>/config.yaml, kubectl style:
// each context points at a settings file, a journal directory and the
// optional listen addresses, and one of them is current. The package also
// renders command output as YAML, JSON or a table, and draws the live
// status frame of the long-running commands with lipgloss.
//
//	cfg, err := cli.LoadConfig("voicerelay")
//	ctx, err := cfg.ResolveContext(flagContext)
//	cli.Output(events, cli.OutputOptions{Format: cli.FormatTable})
package cli
