package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
	"github.com/vikashloomba/mcp-relay-go/pkg/mcppool"
)

var (
	statsURL  string
	statsJSON bool
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the connection pool of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := fetchStats(statsURL)
			if err != nil {
				return err
			}
			if statsJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			return printStats(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&statsURL, "url", "http://127.0.0.1:8700", "base URL of the relay")
	cmd.Flags().BoolVar(&statsJSON, "json", false, "print the raw JSON snapshot")
	return cmd
}

func fetchStats(base string) (*mcppool.PoolStats, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil

	resp, err := client.Get(strings.TrimSuffix(base, "/") + "/debug/pool")
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch stats: unexpected status %s", resp.Status)
	}
	var stats mcppool.PoolStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

func printStats(w io.Writer, stats *mcppool.PoolStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "pools: %d\tconnections: %d\tactive: %d\n\n", stats.TotalPools, stats.TotalConnections, stats.ActiveConnections)
	fmt.Fprintln(tw, "CONSUMER\tSERVER\tTOTAL\tACTIVE\tIDLE")
	for _, p := range stats.PerPool {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", p.ConsumerID, p.ServerName, p.TotalConnections, p.ActiveConnections, p.IdleConnections)
	}
	return tw.Flush()
}
