package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/baton/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	key, _ := config.GetAPIKey(cfg)
	fmt.Printf("api key:                  %s (%s)\n", config.MaskAPIKey(key), config.GetAPIKeySource(cfg))
	fmt.Printf("use bedrock:              %t\n", cfg.Anthropic.UseBedrock)
	if cfg.Anthropic.UseBedrock {
		fmt.Printf("aws region:               %s\n", cfg.Anthropic.AWSRegion)
		fmt.Printf("aws profile:              %s\n", cfg.Anthropic.AWSProfile)
	}
	fmt.Printf("max verification retries: %d\n", cfg.Conductor.MaxVerificationRetries)
	fmt.Printf("planning step threshold:  %d\n", cfg.Conductor.PlanningStepThreshold)
	fmt.Printf("worker timeout:           %s\n", cfg.Conductor.WorkerTimeout)
	fmt.Printf("background concurrency:   %d\n", cfg.Background.Concurrency)
	fmt.Printf("queue capacity:           %d\n", cfg.Background.QueueCapacity)
	fmt.Printf("session idle timeout:     %s\n", cfg.Session.IdleTimeout)
	fmt.Printf("event buffer:             %d\n", cfg.Events.BufferSize)
	fmt.Printf("roster path:              %s\n", orDefault(cfg.Roster.Path, "(built-in roster)"))
	if cfg.Store.Disabled {
		fmt.Printf("audit store:              disabled\n")
	} else {
		fmt.Printf("audit store:              %s\n", orDefault(cfg.Store.Path, "(default path)"))
	}
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
