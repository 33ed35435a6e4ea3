package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Hibiki/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	initCmd.Flags().String("address", "", "mining reward address to seed the config with")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(cfgFile); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
	}

	cfg := config.Default()
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Mining.Address = addr
	}

	if err := config.Save(cfg, cfgFile); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", cfgFile)
	if cfg.Mining.Address == "" {
		fmt.Println("Set mining.address before starting the miner.")
	}
	return nil
}
