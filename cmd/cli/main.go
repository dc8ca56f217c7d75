package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	authToken string
	apiURL    string = "http://localhost:8080"
	output    string = "text" // "text" or "json"
)

var rootCmd = &cobra.Command{
	Use:   "amoura-realtime",
	Short: "Amoura realtime CLI - Inspect and manage the realtime coordinator",
	Long: `Amoura realtime CLI provides command-line access to the realtime
coordinator: connection and call statistics, bulk presence lookups, and
recovery for chats wedged on a phantom active call.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if authToken == "" {
			authToken = os.Getenv("AMOURA_TOKEN")
		}
		if authToken == "" && cmd.Name() != "help" && cmd.Parent() != nil {
			fmt.Fprintf(os.Stderr, "Error: AMOURA_TOKEN environment variable not set\n")
			fmt.Fprintf(os.Stderr, "Please set your auth token: export AMOURA_TOKEN=<your-token>\n")
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Authentication token (defaults to AMOURA_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", apiURL, "API server URL")
	rootCmd.PersistentFlags().StringVar(&output, "output", output, "Output format: text or json")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(onlineCmd)
	rootCmd.AddCommand(callsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
