package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "babel",
	Short: "Two-party room client for the babel signaling service",
	Long: `babel connects to a signaling server, joins a two-party room and
negotiates a peer connection with whoever else is in the room. The first
peer into a room makes the offer; the second answers.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
