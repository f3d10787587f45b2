package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	statsURL      string
	statsInterval time.Duration
)

var statsMetrics = []string{
	"contextedge_records_emitted_total",
	"contextedge_feedback_high_total",
	"contextedge_feedback_normal_total",
	"contextedge_context_misses_total",
	"contextedge_outbox_length",
	"contextedge_outbox_wal_size_bytes",
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Poll the Prometheus metrics endpoint and print live counters",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsURL, "url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	statsCmd.Flags().DurationVar(&statsInterval, "interval", 2*time.Second, "refresh interval")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Streaming metrics from %s (Ctrl+C to stop)\n", statsURL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(cmd.OutOrStdout(), statsURL); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(w io.Writer, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scrapeMetrics(resp.Body, statsMetrics)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "[%s] records=%.0f review_high=%.0f review_normal=%.0f ctx_miss=%.0f outbox=%.0f wal_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		values[statsMetrics[0]],
		values[statsMetrics[1]],
		values[statsMetrics[2]],
		values[statsMetrics[3]],
		values[statsMetrics[4]],
		values[statsMetrics[5]],
	)
	return nil
}

// scrapeMetrics sums every sample of the named series in a text exposition,
// so labeled series collapse into one total.
func scrapeMetrics(r io.Reader, names []string) (map[string]float64, error) {
	out := make(map[string]float64, len(names))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, name := range names {
			if !strings.HasPrefix(line, name+" ") && !strings.HasPrefix(line, name+"{") {
				continue
			}
			idx := strings.LastIndexByte(line, ' ')
			var v float64
			if _, err := fmt.Sscanf(line[idx+1:], "%g", &v); err == nil {
				out[name] += v
			}
		}
	}
	return out, scanner.Err()
}
