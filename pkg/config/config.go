// Package config resolves the daemon's runtime configuration: flag values
// and the on-disk state directory layout (spec.md §6.4), the way the teacher
// resolves XDG-based paths via github.com/adrg/xdg. No environment variables
// are read here.
package config

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Defaults mirror the CLI flag defaults in spec.md §6.1.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8787
	DefaultTickIntervalMs   = 5000
	DefaultSessionIdleMs    = 30 * 60 * 1000
	DefaultMaxWorkers       = 8
	DefaultMaxOpenQueue     = 16
	DefaultMaxPayloadBytes  = 256 * 1024
	DefaultWaitMs           = 5000
	DefaultHeartbeatPolicy  = "HEARTBEAT.md"
	ProtocolVersion         = "gatewayd/1"
	WorkerEnvVar            = "GATEWAY_WORKER"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Host             string
	Port             int
	StateDir         string
	PIDFile          string
	LogFile          string
	TokenFile        string
	HeartbeatPolicy  string
	CWD              string
	AgentConfigPath  string
	Model            string
	EnableExtensions bool
	TickIntervalMs   int
	SessionIdleMs    int
	MaxWorkers       int
	MaxOpenQueue     int
	MaxPayloadBytes  int
	WaitMs           int
	JSON             bool
	Debug            bool
}

// DefaultStateDir returns xdg.DataHome/gatewayd, matching the teacher's use
// of adrg/xdg for its own state/config paths.
func DefaultStateDir() string {
	dir, err := xdg.DataFile(filepath.Join("gatewayd", ".keep"))
	if err != nil {
		return filepath.Join(".", ".gatewayd")
	}
	return filepath.Dir(dir)
}

// New fills in any unset path fields relative to stateDir. It does not check
// the bind host; ValidateLoopback does that (spec.md §4.1, §6.2).
func New(stateDir string) *Config {
	if stateDir == "" {
		stateDir = DefaultStateDir()
	}
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		StateDir:        stateDir,
		PIDFile:         filepath.Join(stateDir, "gateway.pid.json"),
		LogFile:         filepath.Join(stateDir, "gateway.log"),
		TokenFile:       filepath.Join(stateDir, "gateway.token"),
		HeartbeatPolicy: filepath.Join(stateDir, DefaultHeartbeatPolicy),
		TickIntervalMs:  DefaultTickIntervalMs,
		SessionIdleMs:   DefaultSessionIdleMs,
		MaxWorkers:      DefaultMaxWorkers,
		MaxOpenQueue:    DefaultMaxOpenQueue,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		WaitMs:          DefaultWaitMs,
	}
}

// RegistryFile is the session supervisor's crash-safe registry path
// (spec.md §4.2.5, §6.4 "children.json").
func (c *Config) RegistryFile() string {
	return filepath.Join(c.StateDir, "children.json")
}

// WALDir is the turn WAL directory (spec.md §6.4).
func (c *Config) WALDir() string {
	return filepath.Join(c.StateDir, "wal")
}

// IntentLogFile is the schedule intent append-only event log (spec.md §6.4).
func (c *Config) IntentLogFile() string {
	return filepath.Join(c.StateDir, "intents.jsonl")
}

// ValidateLoopback fails fast if Host does not resolve to a loopback
// address, per spec.md §4.1 ("must resolve to a loopback address — start
// fails otherwise").
func (c *Config) ValidateLoopback() error {
	ip := net.ParseIP(c.Host)
	if ip == nil {
		ips, err := net.LookupIP(c.Host)
		if err != nil {
			return fmt.Errorf("resolve host %q: %w", c.Host, err)
		}
		if len(ips) == 0 {
			return fmt.Errorf("host %q did not resolve to any address", c.Host)
		}
		ip = ips[0]
	}
	if !ip.IsLoopback() {
		return fmt.Errorf("host %q (%s) is not a loopback address", c.Host, ip)
	}
	return nil
}

// Addr is the host:port the gateway listener binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}
