package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rustdrone/internal/config"
)

var (
	configPath  string
	logFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "drone",
	Short: "R.U.S.T. salvage drone terminal",
	Long: `Pilot a salvage drone through its camera feed. Scan the scene, let the
on-board model identify what it sees and recover every object on the
checklist before the battery runs out.`,
	SilenceUsage: true,
	RunE:         runPlay,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the drone config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "write logs to this file instead of the configured one")

	rootCmd.AddCommand(playCmd, classifyCmd, objectivesCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-file") {
		cfg.LogFile = logFileFlag
	}
	return cfg, nil
}
