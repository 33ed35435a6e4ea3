package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Hibiki/internal/mining"
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure cache generation and hash throughput on this machine",
	RunE:  runBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)
	benchmarkCmd.Flags().Int("cache-size", 1000, "cache entries to generate")
	benchmarkCmd.Flags().Int("hashes", 200_000, "number of hashes to time")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cacheSize, _ := cmd.Flags().GetInt("cache-size")
	hashes, _ := cmd.Flags().GetInt("hashes")

	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		cores, _ := cpu.Counts(true)
		fmt.Printf("CPU:        %s (%d logical cores)\n", info[0].ModelName, cores)
	}

	const height = 1
	seed := mining.SeedForHeight(height)

	started := time.Now()
	cache, err := mining.GenerateCache(seed, cacheSize)
	if err != nil {
		return err
	}
	genElapsed := time.Since(started)
	fmt.Printf("Cache:      %s entries in %s\n", humanize.Comma(int64(cacheSize)), genElapsed.Round(time.Microsecond))

	var prev mining.Digest
	started = time.Now()
	for nonce := uint64(0); nonce < uint64(hashes); nonce++ {
		prev = mining.HashBlock(height, prev, nonce, cache)
	}
	hashElapsed := time.Since(started)

	rate := float64(hashes) / hashElapsed.Seconds()
	fmt.Printf("Hashes:     %s in %s\n", humanize.Comma(int64(hashes)), hashElapsed.Round(time.Millisecond))
	fmt.Printf("Throughput: %s/s\n", humanize.SIWithDigits(rate, 2, "H"))
	return nil
}
