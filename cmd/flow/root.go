package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "flow",
	Short: "Run requests through the nuka-flow pipeline",
	Long: `flow runs a request through clarification, planning, execution,
critique and synthesis, either in this process (run) or on a nuka-flow
server (submit, status, watch, result).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/nuka.json"
	}
	defaultServer := os.Getenv("NUKA_FLOW_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:3210"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Config file for in-process runs")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "nuka-flow server URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(resultCmd)
}
