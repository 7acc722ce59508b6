// Package main provides the entry point for the content pipeline orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Autonomous content pipeline orchestrator",
	Long:  "Orchestrator drives content items through discovery, generation, operator approval, scheduling, publishing and analytics, exposing a REST API for operators.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
