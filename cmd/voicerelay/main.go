// Command voicerelay runs the keyword spotting and sound event pipelines on
// recorded audio.
package main

import (
	"fmt"
	"os"

	"github.com/Grovety/lilygo-s3-apps/cmd/voicerelay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
