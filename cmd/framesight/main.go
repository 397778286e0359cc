package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "framesight",
	Short:   "framesight video analytics: segment extraction, multimodal analysis, summarization, search and QA",
	Version: version,
}

func main() {
	rootCmd.AddCommand(startCmd, taskCmd, searchCmd, askCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
