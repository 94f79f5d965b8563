package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/keepmind9/resizebot/internal/core"
	"github.com/keepmind9/resizebot/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	statusAddr string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of a running resizebot",
	Long: `Query the stats route of a running resizebot and print pending sessions,
bridge loop counters and handled event counts.

The server address defaults to http://localhost:$PORT (8080 when PORT is unset).`,
	Run: func(cmd *cobra.Command, args []string) {
		addr := statusAddr
		if addr == "" {
			addr = defaultStatusAddr()
		}

		ctx, cancel := context.WithTimeout(context.Background(), constants.StatusRequestTimeout)
		defer cancel()

		stats, err := fetchStats(ctx, http.DefaultClient, addr)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "❌ %v\n", err)
			os.Exit(1)
		}
		printStats(cmd.OutOrStdout(), addr, stats, statusJSON)
	},
}

func defaultStatusAddr() string {
	port := core.DefaultPort
	if p, err := strconv.Atoi(os.Getenv(core.EnvPort)); err == nil && p > 0 {
		port = p
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

// fetchStats reads the stats route of the server at addr
func fetchStats(ctx context.Context, client *http.Client, addr string) (*core.Stats, error) {
	url := strings.TrimSuffix(addr, "/") + core.StatsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resizebot is not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from %s: %d", url, resp.StatusCode)
	}

	var stats core.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

func printStats(out io.Writer, addr string, stats *core.Stats, jsonFormat bool) {
	if jsonFormat {
		output, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			fmt.Fprintf(out, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(out, string(output))
		return
	}

	fmt.Fprintf(out, "resizebot status (%s):\n", addr)
	fmt.Fprintf(out, "  Pending sessions: %d\n", stats.PendingSessions)
	fmt.Fprintf(out, "  Bridge:   %d workers, %d queued\n", stats.Bridge.Workers, stats.Bridge.Queued)
	fmt.Fprintf(out, "            submitted %d, completed %d, failed %d, timed out %d, rejected %d, panics %d\n",
		stats.Bridge.Submitted, stats.Bridge.Completed, stats.Bridge.Failed,
		stats.Bridge.TimedOut, stats.Bridge.Rejected, stats.Bridge.Panicked)
	fmt.Fprintf(out, "  Handled:  %d images, %d resizes, %d commands, %d rejected, %d ignored, %d errors\n",
		stats.Handled.Images, stats.Handled.Resizes, stats.Handled.Commands,
		stats.Handled.Rejected, stats.Handled.Ignored, stats.Handled.Errors)
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Base URL of the running server")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}
