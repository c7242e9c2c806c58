package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jonathan/postpulse/internal/config"
	"github.com/jonathan/postpulse/internal/post"
	"github.com/jonathan/postpulse/internal/resolver"
	"github.com/spf13/cobra"
)

var (
	resolveConfigPath string
	resolveTimeout    time.Duration
	resolveVerbose    bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <post-url>",
	Short: "Resolve one post and print its normalized record",
	Long:  `Run the fetch pipeline once for a post URL and print the resulting record as JSON. Useful for smoke-testing credentials and fallback behavior.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveConfigPath, "config", "", "Path to JSON config file")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 45*time.Second, "Overall resolution deadline")
	resolveCmd.Flags().BoolVar(&resolveVerbose, "verbose", false, "Print per-source attempt details")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if resolveVerbose {
		cfg.Verbose = true
	}

	ref, err := post.ParseReference(args[0])
	if err != nil {
		return err
	}

	res, cleanup, err := resolver.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build resolver: %w", err)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	rec, err := res.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rec)
}
