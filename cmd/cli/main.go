package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bountyrelay/bountyrelay/cmd/cli/commands"
)

var rootCmd = &cobra.Command{
	Use:   "bountyrelay",
	Short: "Operate the bountyrelay reward settlement service",
	Long: `Operator tooling for bountyrelay: register repositories and users,
inspect reward pools and daily limits, replay settlements, and manage the
signing keystore and database schema.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.bountyrelay/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: json or plain")
}

func main() {
	rootCmd.AddCommand(commands.NewRewardsCmd())
	rootCmd.AddCommand(commands.NewRepoCmd())
	rootCmd.AddCommand(commands.NewUserCmd())
	rootCmd.AddCommand(commands.NewLimitsCmd())
	rootCmd.AddCommand(commands.NewSettleCmd())
	rootCmd.AddCommand(commands.NewWalletCmd())
	rootCmd.AddCommand(commands.NewSealCmd())
	rootCmd.AddCommand(commands.NewMigrateCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
