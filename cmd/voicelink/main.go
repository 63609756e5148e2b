// voicelink is a realtime voice session client with a loopback simulator.
//
//	voicelink run                       Connect and hold a voice session
//	voicelink sim                       Start the simulator backend
//	voicelink token --client my-laptop  Mint a session token
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voicelink",
	Short: "Realtime voice session client",
	Long: `voicelink manages one bidirectional voice session against a
speech-reasoning backend: microphone audio out, synthesized audio and
transcripts in, over a single websocket.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
