// Package cmd holds the repopilot CLI commands.
package cmd

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/repopilot/repopilot/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "repopilot",
	Short: "Task orchestrator for Claude-driven code changes",
	Long: `RepoPilot manages a board of coding tasks against local git clones.
A worker pool hands each task to the claude CLI inside an isolated git
worktree, streams its output into per-task event logs and drives the
commit/rebase/test/push/PR pipeline. An HTTP API exposes the board,
tasks, events and notifications to a frontend.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/repopilot/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// A .env in the working directory supplies GITHUB_TOKEN and friends.
	_ = godotenv.Load()

	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("REPOPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}
