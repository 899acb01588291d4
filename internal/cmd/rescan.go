package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/repopilot/repopilot/internal/config"
	"github.com/repopilot/repopilot/internal/store"
)

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Reconcile the repo collection with the repos directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := store.New(cfg.Paths.StateDir, cfg.Paths.ReposDir)
		if err != nil {
			return err
		}

		repos, err := st.RescanRepos()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Found %d repos under %s\n", len(repos), cfg.Paths.ReposDir)
		for _, repo := range repos {
			state := "enabled"
			if !repo.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %-30s %s (%s)\n", repo.ID, repo.GitHubRepo, repo.RootPath, state)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rescanCmd)
}
