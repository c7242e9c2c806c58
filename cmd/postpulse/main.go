// Package main provides the entry point for the postpulse service: the
// community-post data-fetch pipeline behind the rewards platform.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "postpulse",
	Short: "Community post fetch pipeline",
	Long:  "postpulse resolves public post data (content, author, engagement) through a prioritized chain of sources with circuit breaking and rate-aware fallback.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
