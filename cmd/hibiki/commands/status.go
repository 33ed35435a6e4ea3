package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Hibiki/internal/config"
	"github.com/shizukutanaka/Hibiki/internal/solo"
	"github.com/shizukutanaka/Hibiki/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running miner",
	Long:  `Query the local monitoring API of a running hibiki instance and print a summary.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.Monitoring.Enabled {
		return fmt.Errorf("monitoring is disabled in %s; status is unavailable", cfgFile)
	}

	base := "http://" + cfg.Monitoring.ListenAddr
	httpClient := &http.Client{Timeout: 5 * time.Second}

	var snap solo.Snapshot
	if err := getJSON(httpClient, base+"/api/v1/status", &snap); err != nil {
		return fmt.Errorf("is hibiki running? %w", err)
	}

	fmt.Printf("State:        %s\n", snap.State)
	fmt.Printf("Address:      %s\n", snap.Address)
	fmt.Printf("Uptime:       %s\n", snap.Uptime.Round(time.Second))
	fmt.Printf("Height:       %d\n", snap.TemplateHeight)
	fmt.Printf("Hash rate:    %s/s (window %s/s)\n",
		humanize.SIWithDigits(snap.HashRate, 2, "H"),
		humanize.SIWithDigits(snap.WindowRate, 2, "H"))
	fmt.Printf("Total hashes: %s\n", humanize.Comma(int64(snap.TotalHashes)))
	fmt.Printf("Blocks found: %d\n", snap.BlocksFound)

	fmt.Println("Backends:")
	for _, b := range snap.Backends {
		state := "active"
		if !b.Active {
			state = "inactive"
		}
		fmt.Printf("  %-14s %-12s %-8s %s/s\n",
			b.ID, b.Kind, state, humanize.SIWithDigits(b.HashRate, 2, "H"))
	}

	var blocks []storage.MinedBlock
	if err := getJSON(httpClient, base+"/api/v1/blocks", &blocks); err == nil && len(blocks) > 0 {
		fmt.Println("Recent blocks:")
		for _, b := range blocks {
			fmt.Printf("  #%-8d nonce=%-20d %s  %s\n",
				b.Height, b.Nonce, b.Hash[:16], humanize.Time(b.MinedAt))
		}
	}
	return nil
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
