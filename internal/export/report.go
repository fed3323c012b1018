package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/portsim/internal/history"
	"github.com/anstrom/portsim/internal/scanning"
)

const (
	ruleWidth        = 60
	bannerPreviewMax = 50
)

// WriteTable prints a summary of session followed by a table of the results
// matching filter.
func WriteTable(w io.Writer, session *scanning.Session, filter scanning.StatusFilter) error {
	sum := session.Summary()
	rule := strings.Repeat("=", ruleWidth)

	secs := sum.Duration.Seconds()
	perf := 0.0
	if secs > 0 {
		perf = float64(sum.Scanned) / secs
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "SCAN RESULTS FOR %s\n", sum.Target)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Status: %s\n", sum.State)
	fmt.Fprintf(w, "Method: %s\n", sum.Method)
	fmt.Fprintf(w, "Ports Scanned: %d/%d\n", sum.Scanned, sum.Total)
	fmt.Fprintf(w, "Duration: %.2f seconds\n", secs)
	fmt.Fprintf(w, "Performance: %.1f ports/second\n", perf)
	fmt.Fprintf(w, "Open Ports: %d\n", sum.Open)
	if sum.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", sum.Error)
	}

	results := scanning.FilterResults(session.Results(), filter)
	if len(results) == 0 {
		fmt.Fprintln(w, rule)
		return nil
	}

	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.Header("Port", "Status", "Service", "Banner")
	for _, r := range results {
		_ = table.Append([]string{
			strconv.Itoa(r.Port) + "/tcp",
			string(r.Status),
			r.Service,
			BannerPreview(r.Banner),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w, rule)
	return nil
}

// BannerPreview shortens a banner to a single line of at most 50 characters.
func BannerPreview(banner string) string {
	line := strings.ReplaceAll(banner, "\n", " ")
	if len(line) <= bannerPreviewMax {
		return line
	}
	return line[:bannerPreviewMax] + "..."
}

// WriteHistoryTable prints the history log, most recent first.
func WriteHistoryTable(w io.Writer, log history.Log) error {
	if len(log) == 0 {
		_, err := fmt.Fprintln(w, "No previous scans")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Target", "Started", "Open", "Total", "Duration", "Method")
	for _, e := range log {
		started := e.Timestamp
		if ts, err := e.StartedAt(); err == nil {
			started = ts.Local().Format("2006-01-02 15:04:05")
		}
		_ = table.Append([]string{
			strconv.FormatInt(e.ID, 10),
			e.Target,
			started,
			strconv.Itoa(e.OpenPorts),
			strconv.Itoa(e.TotalPorts),
			(time.Duration(e.Duration) * time.Millisecond).Round(time.Second).String(),
			e.Method,
		})
	}
	return table.Render()
}
