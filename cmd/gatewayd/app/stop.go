package app

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/pidfile"
)

// newStopCmd asks the daemon to shut down gracefully via gateway.stop, then
// optionally escalates to SIGTERM if it is still alive after the timeout
// (spec.md §6.1 "stop"): exit 0 once the recorded process is no longer
// alive, exit 2 if the process outlives --timeout-ms even with --force.
func newStopCmd() *cobra.Command {
	var reason string
	var force bool
	var timeoutMs int

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the gateway daemon to shut down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			timeout := time.Duration(timeoutMs) * time.Millisecond
			ctx := cmd.Context()

			rec, err := pidfile.Read(cfg.PIDFile)
			if err != nil || !pidfile.IsLive(rec.PID) {
				return emitStopResult(cfg, true, "not running")
			}

			tok, tokErr := readToken(cfg.TokenFile)
			if tokErr == nil {
				if c, dialErr := dialDaemon(ctx, cfg, tok, timeout); dialErr == nil {
					_, _ = c.call(ctx, frame.MethodGatewayStop, map[string]any{"reason": reason}, timeout)
					c.Close()
				}
			}

			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if !pidfile.IsLive(rec.PID) {
					return emitStopResult(cfg, true, "stopped")
				}
				time.Sleep(100 * time.Millisecond)
			}

			if force {
				if proc, err := os.FindProcess(rec.PID); err == nil {
					_ = proc.Signal(syscall.SIGTERM)
					forceDeadline := time.Now().Add(timeout)
					for time.Now().Before(forceDeadline) {
						if !pidfile.IsLive(rec.PID) {
							return emitStopResult(cfg, true, "force-stopped")
						}
						time.Sleep(100 * time.Millisecond)
					}
				}
			}

			return stopTimedOut(cfg, rec.PID)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cli_requested", "reason recorded for the stop")
	cmd.Flags().BoolVar(&force, "force", false, "send SIGTERM if still alive after --timeout-ms")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 5000, "time to wait for graceful shutdown")
	return cmd
}

func emitStopResult(cfg *config.Config, stopped bool, detail string) error {
	if cfg.JSON {
		data, _ := json.Marshal(map[string]any{"schema": schemaTag("stop"), "ok": stopped, "detail": detail})
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("gatewayd %s\n", detail)
	return nil
}

func stopTimedOut(cfg *config.Config, pid int) error {
	if cfg.JSON {
		data, _ := json.Marshal(map[string]any{"schema": schemaTag("stop"), "ok": false, "detail": "still running", "pid": pid})
		fmt.Println(string(data))
	} else {
		fmt.Printf("gatewayd (pid %d) is still running after the timeout\n", pid)
	}
	return &exitError{code: 2}
}
