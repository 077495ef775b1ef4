package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/store"
)

func statsCmd() *cobra.Command {
	var (
		hours  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message statistics from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.GetStats(cmd.Context(), hours)
			if err != nil {
				return fmt.Errorf("load stats: %w", err)
			}

			switch format {
			case "json":
				data, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			case "csv":
				fmt.Println("status,count")
				for _, s := range sortedKeys(stats.ByStatus) {
					fmt.Printf("%s,%d\n", s, stats.ByStatus[s])
				}
			default:
				printStatsReport(stats)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "time window in hours")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json, or csv")
	return cmd
}

func printStatsReport(stats *store.Stats) {
	fmt.Printf("Message statistics (last %dh)\n", stats.PeriodHours)
	fmt.Printf("  %-14s %d\n", "Total:", stats.Total)
	fmt.Printf("  %-14s %v%%\n", "Success rate:", stats.SuccessRate)

	fmt.Println()
	fmt.Println("  By status:")
	for _, s := range sortedKeys(stats.ByStatus) {
		fmt.Printf("    %-12s %d\n", s+":", stats.ByStatus[s])
	}

	fmt.Println()
	fmt.Println("  By channel:")
	for _, ch := range sortedKeys(stats.ByChannel) {
		fmt.Printf("    %-12s %d\n", ch+":", stats.ByChannel[ch])
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
