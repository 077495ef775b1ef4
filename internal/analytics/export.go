package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToJSON renders the summary as indented JSON.
func ToJSON(c *Collector) (string, error) {
	raw, err := json.MarshalIndent(c.Summary(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal analytics summary: %w", err)
	}
	return string(raw), nil
}

// ToCSV renders per-channel stats as CSV, one row per channel.
func ToCSV(c *Collector) string {
	stats := c.ChannelStats()
	channels := make([]string, 0, len(stats))
	for ch := range stats {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	lines := []string{"channel,sent,failed,total,success_rate"}
	for _, ch := range channels {
		s := stats[ch]
		lines = append(lines, fmt.Sprintf("%s,%d,%d,%d,%v", ch, s.Sent, s.Failed, s.Total, s.SuccessRate))
	}
	return strings.Join(lines, "\n")
}

// ToReport renders a human-readable text report.
func ToReport(c *Collector) string {
	s := c.Summary()
	lines := []string{
		"═══════════════════════════════════",
		"  OmniMessage Analytics Report",
		"═══════════════════════════════════",
		fmt.Sprintf("  Total Sent:    %d", s.TotalSent),
		fmt.Sprintf("  Total Failed:  %d", s.TotalFailed),
		fmt.Sprintf("  Total Retried: %d", s.TotalRetried),
		fmt.Sprintf("  Success Rate:  %v%%", s.SuccessRate),
		"",
		"── Latency ──────────────────────",
	}
	if s.Latency.AvgMS > 0 {
		lines = append(lines,
			fmt.Sprintf("  Average:  %vms", s.Latency.AvgMS),
			fmt.Sprintf("  P50:      %vms", s.Latency.P50MS),
			fmt.Sprintf("  P95:      %vms", s.Latency.P95MS),
			fmt.Sprintf("  P99:      %vms", s.Latency.P99MS),
		)
	} else {
		lines = append(lines, "  No latency data")
	}

	lines = append(lines, "", "── Channels ─────────────────────")
	channels := make([]string, 0, len(s.ByChannel))
	for ch := range s.ByChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		cs := s.ByChannel[ch]
		lines = append(lines, fmt.Sprintf("  %s: %d/%d (%v%%)", ch, cs.Sent, cs.Total, cs.SuccessRate))
	}

	if len(s.Errors) > 0 {
		lines = append(lines, "", "── Errors ───────────────────────")
		classes := make([]string, 0, len(s.Errors))
		for class := range s.Errors {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		for _, class := range classes {
			lines = append(lines, fmt.Sprintf("  %s: %d", class, s.Errors[class]))
		}
	}

	lines = append(lines, "═══════════════════════════════════")
	return strings.Join(lines, "\n")
}
