// Package output renders loader results for the command line.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/torosent/dataloader/internal/metrics"
	"github.com/torosent/dataloader/internal/request"
)

// PrintResponse writes one line describing a terminal response.
func PrintResponse(w io.Writer, resp *request.Response) {
	if resp == nil || resp.Request == nil {
		return
	}
	req := resp.Request
	target := ""
	if req.URL != nil {
		u := *req.URL
		u.User = nil
		target = u.String()
	}
	switch {
	case resp.Cancelled():
		fmt.Fprintf(w, "CANCELLED %s %s\n", req.Method, target)
	case resp.Error != nil && !resp.HasStatus():
		fmt.Fprintf(w, "ERROR %s %s: %v\n", req.Method, target, resp.Error)
	default:
		fmt.Fprintf(w, "%d %s %s (%s, %d bytes)\n", resp.StatusCode, req.Method, target,
			resp.RequestTime.Round(time.Millisecond), len(resp.Body))
	}
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, stats metrics.Stats) {
	fmt.Fprintln(w, "\n--- Request Summary ---")
	fmt.Fprintf(w, "Total Requests:    %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", stats.Failures)
	fmt.Fprintf(w, "Cancelled:         %d\n", stats.Cancelled)
	fmt.Fprintf(w, "Downloaded:        %d bytes\n", stats.BytesDownloaded)
	fmt.Fprintf(w, "Uploaded:          %d bytes\n", stats.BytesUploaded)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Requests/sec:      %.2f\n", stats.RequestsPerSec)
	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	if len(stats.Statuses) > 0 {
		fmt.Fprintln(w, "\nFailed Statuses:")
		for _, row := range stats.Statuses {
			fmt.Fprintf(w, "  %s %s: %d\n", row.Service, row.Code, row.Count)
		}
	}
	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		writeCounts(w, stats.Errors)
	}
	if len(stats.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		counts := make(map[string]int, len(stats.Sources))
		for k, v := range stats.Sources {
			counts[k] = int(v)
		}
		writeCounts(w, counts)
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, stats metrics.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// writeCounts prints name: count rows by descending count.
func writeCounts(w io.Writer, counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] == counts[names[j]] {
			return names[i] < names[j]
		}
		return counts[names[i]] > counts[names[j]]
	})
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %d\n", name, counts[name])
	}
}
