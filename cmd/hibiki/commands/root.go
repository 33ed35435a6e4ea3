package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hibiki",
	Short: "Solo mining client for proof-of-work chains",
	Long: `Hibiki is a solo mining client: it assembles candidate blocks from a
chain daemon's mempool, searches the nonce space with a memory-hard hash
in adaptive batches, and submits winning blocks back to the daemon.

The daemon is reached over its HTTP+JSON API; no wallet keys ever touch
this process.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
}
