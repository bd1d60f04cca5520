// Package app provides the entry point for the gatewayd command-line tool.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brewva/gateway/pkg/config"
)

// NewRootCmd creates the root gatewayd command (spec.md §6.1).
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "gatewayd",
		DisableAutoGenTag: true,
		Short:             "gatewayd is a local agent control-plane daemon",
		Long: `gatewayd is a loopback-only daemon that fronts agent sessions behind a single
token-authenticated, framed-message gateway, with a session supervisor, a turn
write-ahead log, a heartbeat scheduler and a schedule-intent scheduler.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("host", config.DefaultHost, "bind host (must resolve to loopback)")
	root.PersistentFlags().Int("port", config.DefaultPort, "bind port")
	root.PersistentFlags().String("state-dir", "", "state directory (default: XDG data dir)")
	root.PersistentFlags().String("pid-file", "", "PID record path (default: <state-dir>/gateway.pid.json)")
	root.PersistentFlags().String("log-file", "", "log file path (default: <state-dir>/gateway.log)")
	root.PersistentFlags().String("token-file", "", "auth token file path (default: <state-dir>/gateway.token)")
	root.PersistentFlags().Bool("json", false, "emit machine-readable JSON output")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(newStartCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newHeartbeatReloadCmd())
	root.AddCommand(newRotateTokenCmd())
	root.AddCommand(newLogsCmd())

	return root
}

// resolveConfig builds a *config.Config from the persistent flags, filling
// in state-dir-relative defaults for any path left unset (spec.md §6.4).
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	stateDir, err := cmd.Flags().GetString("state-dir")
	if err != nil {
		return nil, err
	}
	cfg := config.New(stateDir)

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	pidFile, _ := cmd.Flags().GetString("pid-file")
	logFile, _ := cmd.Flags().GetString("log-file")
	tokenFile, _ := cmd.Flags().GetString("token-file")
	jsonOut, _ := cmd.Flags().GetBool("json")
	debug, _ := cmd.Flags().GetBool("debug")

	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if pidFile != "" {
		cfg.PIDFile = pidFile
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if tokenFile != "" {
		cfg.TokenFile = tokenFile
	}
	cfg.JSON = jsonOut
	cfg.Debug = debug
	return cfg, nil
}

// schemaTag produces the `brewva.gateway.<command>.v1` schema string each
// JSON output shape is tagged with (spec.md §6.1).
func schemaTag(command string) string {
	return fmt.Sprintf("brewva.gateway.%s.v1", command)
}

// exitError carries a specific process exit code up through cobra's RunE
// chain (spec.md §6.1 assigns distinct exit codes per subcommand outcome);
// the message has already been printed by the caller, so Error() is silent.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "" }

// ExitCode extracts the process exit code from a command error, defaulting
// to 1 for any error that did not originate as an exitError.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return 1
}
