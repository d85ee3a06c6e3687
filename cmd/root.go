package cmd

import (
	"os"
	"strings"

	"wcfbridge/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wcfbridge",
	Short: "HTTP and event bridge for the WeChat automation SDK",
	Long:  "wcfbridge keeps a session to the WeChat automation SDK, serves its commands over HTTP and forwards incoming messages to webhooks, sockets, redis and telegram.",
}

// Execute runs the root command. Errors have already been printed by cobra.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (defaults to $WCFBRIDGE_CONFIG, then ./config.json)")
}

// loadConfig prefers the --config flag over the usual discovery.
func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}
	return config.LoadConfig()
}
