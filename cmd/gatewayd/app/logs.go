package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newLogsCmd prints the tail of the daemon's log file (spec.md §6.1 "logs").
// It reads cfg.LogFile directly rather than over the wire protocol: the log
// file is local state, and a daemon that has already crashed still leaves
// useful lines behind for the tail to show.
func newLogsCmd() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the tail of the gateway daemon's log file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if tail < 1 {
				return fmt.Errorf("--tail must be >= 1")
			}

			lines, err := tailLines(cfg.LogFile, tail)
			if err != nil {
				return fmt.Errorf("read log file %s: %w", cfg.LogFile, err)
			}

			if cfg.JSON {
				data, _ := json.Marshal(map[string]any{"schema": schemaTag("logs"), "ok": true, "path": cfg.LogFile, "lines": lines})
				fmt.Println(string(data))
				return nil
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 200, "number of trailing log lines to show")
	return cmd
}

// tailLines returns the last n lines of the file at path, reading the whole
// file in one pass (gatewayd log files are rotated well before this would
// matter, per pkg/logger's MaxBytes/MaxFiles).
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}
