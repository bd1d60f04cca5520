package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brewva/gateway/pkg/frame"
)

// newHeartbeatReloadCmd sends heartbeat.reload to a running daemon, causing
// it to re-read its heartbeat policy file from disk (spec.md §4.4.3).
func newHeartbeatReloadCmd() *cobra.Command {
	var timeoutMs int

	cmd := &cobra.Command{
		Use:   "heartbeat-reload",
		Short: "Reload the running daemon's heartbeat policy file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			timeout := time.Duration(timeoutMs) * time.Millisecond
			ctx := cmd.Context()

			tok, err := readToken(cfg.TokenFile)
			if err != nil {
				return err
			}
			c, err := dialDaemon(ctx, cfg, tok, timeout)
			if err != nil {
				return fmt.Errorf("connect to gatewayd: %w", err)
			}
			defer c.Close()

			resp, err := c.call(ctx, frame.MethodHeartbeatReload, map[string]any{}, timeout)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}

			if cfg.JSON {
				data, _ := json.Marshal(map[string]any{"schema": schemaTag("heartbeat-reload"), "ok": true, "result": resp.Payload})
				fmt.Println(string(data))
				return nil
			}
			fmt.Println("heartbeat policy reloaded")
			return nil
		},
	}

	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 5000, "socket round-trip timeout")
	return cmd
}
