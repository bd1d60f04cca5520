package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brewva/gateway/pkg/frame"
)

// newRotateTokenCmd sends gateway.rotate-token, which force-closes every
// connection still authenticated with the old token (spec.md §4.1.3,
// §4.3.2 "rotate-token").
func newRotateTokenCmd() *cobra.Command {
	var timeoutMs int

	cmd := &cobra.Command{
		Use:   "rotate-token",
		Short: "Rotate the daemon's auth token, revoking existing connections",
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

			resp, err := c.call(ctx, frame.MethodGatewayRotateToken, map[string]any{}, timeout)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}

			if cfg.JSON {
				data, _ := json.Marshal(map[string]any{"schema": schemaTag("rotate-token"), "ok": true, "result": resp.Payload})
				fmt.Println(string(data))
				return nil
			}
			fmt.Println("auth token rotated; old connections revoked")
			return nil
		},
	}

	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 5000, "socket round-trip timeout")
	return cmd
}
