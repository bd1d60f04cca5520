package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/brewva/gateway/pkg/authtoken"
	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/gateway"
	"github.com/brewva/gateway/pkg/heartbeat"
	"github.com/brewva/gateway/pkg/intent"
	"github.com/brewva/gateway/pkg/logger"
	"github.com/brewva/gateway/pkg/pidfile"
	"github.com/brewva/gateway/pkg/supervisor"
	"github.com/brewva/gateway/pkg/wal"
)

func newStartCmd() *cobra.Command {
	var (
		detach           bool
		heartbeatPolicy  string
		cwd              string
		agentConfigPath  string
		model            string
		noExtensions     bool
		tickIntervalMs   int
		sessionIdleMs    int
		maxWorkers       int
		maxOpenQueue     int
		maxPayloadBytes  int
		waitMs           int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if heartbeatPolicy != "" {
				cfg.HeartbeatPolicy = heartbeatPolicy
			}
			cfg.CWD = cwd
			cfg.AgentConfigPath = agentConfigPath
			cfg.Model = model
			cfg.EnableExtensions = !noExtensions
			if tickIntervalMs < 1000 {
				return fmt.Errorf("--tick-interval-ms must be >= 1000")
			}
			if sessionIdleMs < 1000 {
				return fmt.Errorf("--session-idle-ms must be >= 1000")
			}
			if maxWorkers < 1 {
				return fmt.Errorf("--max-workers must be >= 1")
			}
			if maxOpenQueue < 0 {
				return fmt.Errorf("--max-open-queue must be >= 0")
			}
			if maxPayloadBytes < 16384 {
				return fmt.Errorf("--max-payload-bytes must be >= 16384")
			}
			if waitMs < 200 {
				return fmt.Errorf("--wait-ms must be >= 200")
			}
			cfg.TickIntervalMs = tickIntervalMs
			cfg.SessionIdleMs = sessionIdleMs
			cfg.MaxWorkers = maxWorkers
			cfg.MaxOpenQueue = maxOpenQueue
			cfg.MaxPayloadBytes = maxPayloadBytes
			cfg.WaitMs = waitMs

			if detach {
				return startDetached(cmd, cfg)
			}
			return runForeground(cmd.Context(), cfg)
		},
	}

	cmd.Flags().Bool("foreground", true, "run in the foreground (default)")
	cmd.Flags().BoolVar(&detach, "detach", false, "spawn the daemon as a background child and return once reachable")
	cmd.Flags().StringVar(&heartbeatPolicy, "heartbeat", "", "heartbeat policy file path")
	cmd.Flags().StringVar(&cwd, "cwd", "", "default session working directory")
	cmd.Flags().StringVar(&agentConfigPath, "config", "", "agent config path")
	cmd.Flags().StringVar(&model, "model", "", "default model")
	cmd.Flags().BoolVar(&noExtensions, "no-extensions", false, "disable extensions by default")
	cmd.Flags().IntVar(&tickIntervalMs, "tick-interval-ms", config.DefaultTickIntervalMs, "broadcast tick interval")
	cmd.Flags().IntVar(&sessionIdleMs, "session-idle-ms", config.DefaultSessionIdleMs, "idle reaper threshold")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", config.DefaultMaxWorkers, "max concurrent worker processes")
	cmd.Flags().IntVar(&maxOpenQueue, "max-open-queue", config.DefaultMaxOpenQueue, "max queued open requests")
	cmd.Flags().IntVar(&maxPayloadBytes, "max-payload-bytes", config.DefaultMaxPayloadBytes, "max frame payload size")
	cmd.Flags().IntVar(&waitMs, "wait-ms", config.DefaultWaitMs, "detach: max time to wait for probe-reachability")

	return cmd
}

// runForeground wires every subsystem named in spec.md §4 and blocks until
// a shutdown signal or a gateway.stop call.
func runForeground(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateLoopback(); err != nil {
		return err
	}
	if err := pidfile.Acquire(cfg.PIDFile, pidfile.Record{
		PID: os.Getpid(), Host: cfg.Host, Port: cfg.Port, StartedAt: time.Now(), CWD: cfg.CWD,
	}); err != nil {
		return err
	}
	defer pidfile.Release(cfg.PIDFile)

	if err := logger.Initialize(logger.Options{FilePath: cfg.LogFile, MaxBytes: 10 << 20, MaxFiles: 5, MirrorStdout: true, Debug: cfg.Debug}); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	tok, err := authtoken.LoadOrCreate(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("load auth token: %w", err)
	}

	walStore, err := wal.Open(cfg.WALDir(), "gateway")
	if err != nil {
		return fmt.Errorf("open turn WAL: %w", err)
	}

	itStore, err := intent.Open(cfg.StateDir, intent.Limits{
		MaxActiveIntentsPerSession: 64,
		MaxActiveIntentsGlobal:     1024,
		MaxConsecutiveErrors:       5,
		MinIntervalMs:              60_000,
	})
	if err != nil {
		return fmt.Errorf("open intent log: %w", err)
	}

	pool := supervisor.New(supervisor.Config{
		MaxWorkers:   cfg.MaxWorkers,
		MaxOpenQueue: cfg.MaxOpenQueue,
		RPCTimeout:   5 * time.Minute,
		ReadyTimeout: 30 * time.Second,
		PingInterval: 4 * time.Second,
		HeartbeatTTL: 20 * time.Second,
		IdleTTL:      time.Duration(cfg.SessionIdleMs) * time.Millisecond,
		RegistryPath: cfg.RegistryFile(),
		StopGrace:    3 * time.Second,
	}, walStore, nil)

	// fireCb/onFired is a trampoline: the heartbeat scheduler needs its
	// callback at construction time, but the callback is a method on the
	// gateway, which needs the pool (and so the scheduler) already built
	// (spec.md §9 "Cyclic references").
	var fireCb func(heartbeat.FiredEvent)
	hb := heartbeat.New(pool, cfg.HeartbeatPolicy, time.Duration(cfg.TickIntervalMs)*time.Millisecond, func(ev heartbeat.FiredEvent) {
		if fireCb != nil {
			fireCb(ev)
		}
	})

	it := intent.New(itStore, intent.Config{
		TickInterval:        time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		MaxRecoveryCatchUps: 5,
	}, intentExecuteFunc(pool), nil)

	g := gateway.New(cfg, tok, pool, walStore, hb, it)
	pool.SetOnEvent(g.OnWorkerEvent)
	fireCb = g.OnHeartbeatFired

	if err := pool.StartupRecover(); err != nil {
		logger.Warnf("startup recovery: %v", err)
	}
	if err := wal.Recover(walStore, map[wal.Source]wal.RecoveryHandler{
		wal.SourceGateway: walRecoveryHandler(pool, walStore),
	}); err != nil {
		logger.Warnf("turn WAL recovery: %v", err)
	}
	if _, err := os.Stat(cfg.HeartbeatPolicy); err == nil {
		if err := hb.Reload(ctx); err != nil {
			logger.Warnf("heartbeat policy load: %v", err)
		}
	}
	hb.Start()
	for _, summary := range it.Recover(ctx, time.Now()) {
		logger.Infof("intent recovery: session=%s due=%d fired=%d deferred=%d",
			summary.ParentSessionID, summary.Due, summary.Fired, summary.Deferred)
	}
	it.Start(ctx)
	g.StartTicker(time.Duration(cfg.TickIntervalMs) * time.Millisecond)

	srv := &http.Server{Addr: cfg.Addr(), Handler: g.Router()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
	case <-sigCh:
		logger.Infof("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

// intentExecuteFunc adapts the supervisor pool into an intent.ExecuteFunc
// (spec.md §4.5.4): `inherit` resumes the parent session, `fresh` opens a
// new one scoped to this firing, and the intent's reason text is sent as
// the prompt, waiting for the turn to finish before the firing is projected.
func intentExecuteFunc(pool *supervisor.Pool) intent.ExecuteFunc {
	return func(ctx context.Context, in *intent.Intent) (string, error) {
		sessionID := in.ParentSessionID
		if in.ContinuityMode == intent.ContinuityFresh {
			sessionID = ""
		}
		res, err := pool.OpenSession(ctx, supervisor.OpenInput{SessionID: sessionID})
		if err != nil {
			return "", fmt.Errorf("open session for intent %s: %w", in.IntentID, err)
		}
		if _, err := pool.SendPrompt(ctx, res.SessionID, in.Reason, supervisor.SendOptions{
			Source: "intent", WaitForCompletion: true,
		}); err != nil {
			return res.SessionID, fmt.Errorf("send prompt for intent %s: %w", in.IntentID, err)
		}
		return res.SessionID, nil
	}
}

// walRecoveryHandler adapts the supervisor pool into a wal.RecoveryHandler
// for wal.SourceGateway (spec.md §4.3.2, §8.4 scenario 5): a pending or
// still-inflight record left over from a crash has its original session
// opened (or reused), is marked inflight again and is replayed through that
// session, tagged with its own WALID (supervisor.SendOptions.WALReplayID) so
// the normal turn-completion path marks it done or failed in place rather
// than appending a second record. If the session cannot be opened, the
// record is marked failed here; a send that fails is marked failed by
// SendPrompt's own error handling. Either error is returned to wal.Recover.
func walRecoveryHandler(pool *supervisor.Pool, walStore *wal.Store) wal.RecoveryHandler {
	return func(r *wal.Record) error {
		ctx := context.Background()
		if _, err := pool.OpenSession(ctx, supervisor.OpenInput{SessionID: r.Envelope.SessionID}); err != nil {
			if _, merr := walStore.MarkFailed(r.WALID, err.Error()); merr != nil {
				logger.Warnf("turn WAL recovery: mark %s failed: %v", r.WALID, merr)
			}
			return err
		}
		if _, err := walStore.MarkInflight(r.WALID); err != nil {
			logger.Warnf("turn WAL recovery: mark %s inflight: %v", r.WALID, err)
		}
		_, err := pool.SendPrompt(ctx, r.Envelope.SessionID, r.Envelope.PromptText(), supervisor.SendOptions{
			TurnID:      r.Envelope.TurnID,
			Source:      string(r.Source),
			WALReplayID: r.WALID,
		})
		return err
	}
}

// startDetached re-execs this binary with the caller's explicitly set flags
// minus --detach and --foreground, so the child runs in the foreground by
// default, matching the teacher's own "spawn a child running the same binary" idiom
// also used by pkg/supervisor's worker spawn. It waits up to cfg.WaitMs for
// the gateway to become probe-reachable, exiting 2 on failure (spec.md §6.1).
func startDetached(cmd *cobra.Command, cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append([]string{"start"}, detachArgs(cmd)...)

	child := exec.Command(exe, args...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn detached gateway: %w", err)
	}
	if err := child.Process.Release(); err != nil {
		logger.Warnf("release detached child: %v", err)
	}

	deadline := time.Now().Add(time.Duration(cfg.WaitMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		if probeReachable(cfg, 500*time.Millisecond) {
			return emitStartResult(cfg)
		}
		time.Sleep(100 * time.Millisecond)
	}
	os.Exit(2)
	return nil
}

func emitStartResult(cfg *config.Config) error {
	if cfg.JSON {
		data, _ := json.Marshal(map[string]any{"schema": schemaTag("start"), "ok": true, "addr": cfg.Addr()})
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("gatewayd started at %s\n", cfg.Addr())
	return nil
}

// detachArgs re-serializes every flag the caller explicitly set (skipping
// --detach and --foreground) so the re-exec'd child sees the same configuration.
func detachArgs(cmd *cobra.Command) []string {
	var args []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "detach" || f.Name == "foreground" {
			return
		}
		args = append(args, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	})
	return args
}

// probeReachable does a bare connect handshake (no method call) to decide
// liveness for --detach's polling loop and for `status`.
func probeReachable(cfg *config.Config, timeout time.Duration) bool {
	tok, err := readToken(cfg.TokenFile)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c, err := dialDaemon(ctx, cfg, tok, timeout)
	if err != nil {
		return false
	}
	defer c.Close()
	resp, err := c.call(ctx, frame.MethodHealth, map[string]any{}, timeout)
	return err == nil && resp.OK
}
