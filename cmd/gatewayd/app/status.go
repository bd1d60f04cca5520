package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/pidfile"
)

// newStatusCmd reports whether the daemon named by the PID record is
// reachable, exiting 0/1/2 per spec.md §6.1: 0 reachable, 1 not running
// (no record or a stale one), 2 running but unreachable over the socket.
func newStatusCmd() *cobra.Command {
	var deep bool
	var timeoutMs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the gateway daemon is running and reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			timeout := time.Duration(timeoutMs) * time.Millisecond

			rec, err := pidfile.Read(cfg.PIDFile)
			if err != nil {
				return notRunning(cfg, "no pid record")
			}
			if !pidfile.IsLive(rec.PID) {
				return notRunning(cfg, "stale pid record")
			}

			tok, err := readToken(cfg.TokenFile)
			if err != nil {
				return unreachable(cfg, err)
			}
			ctx := cmd.Context()
			c, err := dialDaemon(ctx, cfg, tok, timeout)
			if err != nil {
				return unreachable(cfg, err)
			}
			defer c.Close()

			method := frame.MethodHealth
			if deep {
				method = frame.MethodStatusDeep
			}
			resp, err := c.call(ctx, method, map[string]any{}, timeout)
			if err != nil {
				return unreachable(cfg, err)
			}
			if !resp.OK {
				return unreachable(cfg, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message))
			}

			if cfg.JSON {
				data, _ := json.Marshal(map[string]any{"schema": schemaTag("status"), "ok": true, "pid": rec.PID, "addr": cfg.Addr(), "status": resp.Payload})
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("gatewayd is running (pid %d) at %s\n", rec.PID, cfg.Addr())
			return nil
		},
	}

	cmd.Flags().BoolVar(&deep, "deep", false, "include worker pool and queue depth detail")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 2000, "socket round-trip timeout")
	return cmd
}

func notRunning(cfg *config.Config, reason string) error {
	if cfg.JSON {
		data, _ := json.Marshal(map[string]any{"schema": schemaTag("status"), "ok": false, "reason": reason})
		fmt.Println(string(data))
	} else {
		fmt.Printf("gatewayd is not running: %s\n", reason)
	}
	return &exitError{code: 1}
}

func unreachable(cfg *config.Config, cause error) error {
	if cfg.JSON {
		data, _ := json.Marshal(map[string]any{"schema": schemaTag("status"), "ok": false, "reason": cause.Error()})
		fmt.Println(string(data))
	} else {
		fmt.Printf("gatewayd is running but unreachable: %v\n", cause)
	}
	return &exitError{code: 2}
}
