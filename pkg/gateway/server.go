package gateway

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/brewva/gateway/pkg/authtoken"
	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/gatewayerr"
	"github.com/brewva/gateway/pkg/heartbeat"
	"github.com/brewva/gateway/pkg/intent"
	"github.com/brewva/gateway/pkg/logger"
	"github.com/brewva/gateway/pkg/supervisor"
	"github.com/brewva/gateway/pkg/wal"
)

// upgrader performs the HTTP -> WebSocket handshake for the single loopback
// listener (spec.md §6.2 "Only loopback hosts are permitted"); origin
// checking is unnecessary at this trust boundary since config.ValidateLoopback
// already refuses to bind anywhere but loopback.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serverID (set once, via currentServerID) identifies this daemon instance in
// hello-ok payloads.
var serverIDOnce sync.Once
var serverID string

func currentServerID() string {
	serverIDOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "gatewayd"
		}
		serverID = host
	})
	return serverID
}

// Gateway composes every subsystem named in spec.md §4.1: the listener,
// connection table/fan-out (hub), method dispatch, and the session
// supervisor, turn WAL, heartbeat and intent schedulers it fronts.
type Gateway struct {
	cfg   *config.Config
	token *authtoken.Store
	pool  *supervisor.Pool
	wal   *wal.Store
	hb    *heartbeat.Scheduler
	it    *intent.Scheduler

	hub *hub

	startedAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}

	tickStop chan struct{}
	wg       sync.WaitGroup
}

// New wires a Gateway from its already-constructed collaborators. The
// supervisor's event callback must be set by the caller to g.OnWorkerEvent
// before StartupRecover runs (see cmd/gatewayd/app for the wiring order).
func New(cfg *config.Config, token *authtoken.Store, pool *supervisor.Pool, walStore *wal.Store, hb *heartbeat.Scheduler, it *intent.Scheduler) *Gateway {
	return &Gateway{
		cfg:       cfg,
		token:     token,
		pool:      pool,
		wal:       walStore,
		hb:        hb,
		it:        it,
		hub:       newHub(),
		startedAt: time.Now(),
		stopped:   make(chan struct{}),
		tickStop:  make(chan struct{}),
	}
}

// OnWorkerEvent is the supervisor.Pool callback: classify and fan a worker
// event out to subscribers (spec.md §4.1.4).
func (g *Gateway) OnWorkerEvent(ev supervisor.WorkerEvent) {
	g.hub.dispatchSessionEvent(ev.Event, ev.SessionID, ev.Payload)
}

// OnHeartbeatFired is the heartbeat.Scheduler callback: broadcast a fired
// rule to every authenticated connection (spec.md §4.4.2, §4.1.4 —
// `heartbeat.fired`, like `tick`, is broadcast rather than session-scoped).
func (g *Gateway) OnHeartbeatFired(ev heartbeat.FiredEvent) {
	g.hub.broadcast(frame.EventHeartbeatFired, ev)
}

// Router mounts the single websocket upgrade route (spec.md §6.2 "Single
// bidirectional framed channel on loopback"), following the teacher's
// one-router-per-concern mounting convention.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", g.handleUpgrade)
	return r
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("gateway: upgrade failed: %v", err)
		return
	}
	conn := frame.NewConn(ws, g.cfg.MaxPayloadBytes)
	g.serveConnection(conn)
}

// serveConnection runs one connection's lifetime: accept, challenge, and
// the synchronous request/response read loop (spec.md §4.1.2).
func (g *Gateway) serveConnection(conn wsWriter) {
	c := newConnection(conn)
	g.hub.add(c)
	defer g.hub.remove(c.id)
	c.sendChallenge()

	raw, ok := conn.(*frame.Conn)
	if !ok {
		return
	}
	for {
		data, err := raw.ReadRaw()
		if err != nil {
			c.setPhase(PhaseClosing)
			return
		}
		c.touch()
		g.handleFrame(c, data)
		if c.getPhase() == PhaseClosing {
			return
		}
	}
}

// StartTicker begins the broadcast tick timer (spec.md §4.1.4 "tick").
func (g *Gateway) StartTicker(interval time.Duration) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.hub.broadcast(frame.EventTick, map[string]int64{"ts": time.Now().UnixMilli()})
			case <-g.tickStop:
				return
			}
		}
	}()
}

// Shutdown broadcasts a shutdown event, stops every subsystem, and closes
// all connections. Idempotent (spec.md §5 "Shutdown is idempotent: a second
// stop call awaits the first").
func (g *Gateway) Shutdown(ctx context.Context) {
	g.stopOnce.Do(func() {
		g.hub.broadcast(frame.EventShutdown, map[string]string{"reason": "stopping"})
		close(g.tickStop)
		if g.hb != nil {
			g.hb.Stop()
		}
		if g.it != nil {
			g.it.Stop()
		}
		g.pool.Shutdown(ctx)
		for _, c := range g.hub.snapshot() {
			c.closeWith(1001, "server shutting down")
		}
		g.wg.Wait()
		close(g.stopped)
	})
	<-g.stopped
}

// HealthSnapshot backs the health/status.deep methods (spec.md §4.1.3).
type HealthSnapshot struct {
	OK          bool `json:"ok"`
	PID         int  `json:"pid"`
	Workers     int  `json:"workers"`
	Connections int  `json:"connections"`
	UptimeMs    int64 `json:"uptime_ms"`
}

func (g *Gateway) health() HealthSnapshot {
	workers, _, _ := g.pool.Snapshot()
	return HealthSnapshot{
		OK:          true,
		PID:         os.Getpid(),
		Workers:     workers,
		Connections: g.hub.count(),
		UptimeMs:    time.Since(g.startedAt).Milliseconds(),
	}
}

// asGatewayError normalizes any error into a frame.ErrorPayload (spec.md
// §4.1.5: "A method handler that throws maps to INTERNAL unless it threw a
// typed gateway error, in which case the error's code/message/retryable/
// details are forwarded verbatim").
func asGatewayError(err error) *frame.ErrorPayload {
	if err == nil {
		return nil
	}
	ge := gatewayerr.As(err)
	return &frame.ErrorPayload{Code: string(ge.Code), Message: ge.Message, Retryable: ge.Retryable, Details: ge.Details}
}
