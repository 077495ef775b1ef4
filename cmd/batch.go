package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/internal/message"
)

// batchRecord is one row of a batch file. CSV column names and JSON keys
// match; "message" is accepted as an alias for "text".
type batchRecord struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

func (r batchRecord) content() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Message
}

func batchCmd() *cobra.Command {
	var (
		dryRun bool
		delay  float64
	)

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Send messages from a CSV or JSON file",
		Long:  "Send every record in the file. JSON files hold an array of {channel, target, text} objects; CSV files need a header row with those column names.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			records, err := loadBatchFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Loaded %d messages\n", len(records))
			if dryRun {
				n := len(records)
				if n > 5 {
					n = 5
				}
				for i, r := range records[:n] {
					fmt.Printf("  [%d] %s -> %s: %s\n", i+1, r.Channel, r.Target, runewidth.Truncate(r.content(), 50, "..."))
				}
				if len(records) > 5 {
					fmt.Printf("  ... and %d more\n", len(records)-5)
				}
				fmt.Println("Dry run complete. Remove --dry-run to send.")
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gw, st, err := buildGateway(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pause := time.Duration(delay * float64(time.Second))
			sent, failed := 0, 0
			for i, r := range records {
				ch, err := message.ParseChannel(r.Channel)
				if err != nil {
					failed++
				} else {
					res := gw.Send(cmd.Context(), message.New(ch, r.content(), r.Target))
					if res.Success {
						sent++
					} else {
						failed++
					}
				}

				if pause > 0 && i < len(records)-1 {
					time.Sleep(pause)
				}
				if (i+1)%10 == 0 {
					fmt.Printf("  Progress: %d/%d\n", i+1, len(records))
				}
			}

			fmt.Printf("Batch: %d sent, %d failed (total: %d)\n", sent, failed, len(records))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview without sending")
	cmd.Flags().Float64Var(&delay, "delay", 0.1, "delay between sends (seconds)")
	return cmd
}

func loadBatchFile(path string) ([]batchRecord, error) {
	switch {
	case strings.HasSuffix(path, ".json"):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var records []batchRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return records, nil

	case strings.HasSuffix(path, ".csv"):
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readBatchCSV(csv.NewReader(f))

	default:
		return nil, fmt.Errorf("unsupported file format (use .csv or .json): %s", path)
	}
}

// readBatchCSV maps rows onto batch records by header column name.
func readBatchCSV(r *csv.Reader) ([]batchRecord, error) {
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	records := make([]batchRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		records = append(records, batchRecord{
			Channel: field(row, "channel"),
			Target:  field(row, "target"),
			Text:    field(row, "text"),
			Message: field(row, "message"),
		})
	}
	return records, nil
}
