package gateway

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/gatewayerr"
	"github.com/brewva/gateway/pkg/logger"
	"github.com/brewva/gateway/pkg/supervisor"
)

// statDir reports whether path exists and is a directory.
func statDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// connectParams is connect's params shape (spec.md §8.4 scenario 1).
type connectParams struct {
	Protocol       string           `json:"protocol"`
	ChallengeNonce string           `json:"challengeNonce"`
	Auth           struct {
		Token string `json:"token"`
	} `json:"auth"`
	Client ClientDescriptor `json:"client"`
}

// handleFrame decodes one raw client frame and dispatches it. Malformed
// JSON yields INVALID_REQUEST; anything else is routed through
// handleRequest (spec.md §4.1.1).
func (g *Gateway) handleFrame(c *connection, raw []byte) {
	var req frame.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		g.respondErr(c, synthesizedID(""), gatewayerr.InvalidRequest("malformed frame: %v", err))
		return
	}
	if req.ID == "" {
		req.ID = synthesizedID(req.ID)
	}
	g.handleRequest(c, req)
}

func synthesizedID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// handleRequest implements the connection state machine and method
// dispatch table (spec.md §4.1.2, §4.1.3).
func (g *Gateway) handleRequest(c *connection, req frame.Request) {
	if req.Method == frame.MethodConnect {
		g.handleConnect(c, req)
		return
	}

	phase := c.getPhase()
	if phase == PhaseClosing {
		g.respondErr(c, req.ID, gatewayerr.BadState("closing", "connection is closing"))
		return
	}
	if phase != PhaseAuthenticated {
		g.respondErr(c, req.ID, gatewayerr.Unauthorized("call connect first"))
		return
	}
	if !c.tokenMatches(g.token.Current()) {
		c.closeWith(closePolicyViolation, "auth token rotated")
		return
	}
	if !frame.IsKnownMethod(req.Method) {
		g.respondErr(c, req.ID, gatewayerr.MethodNotFound(string(req.Method)))
		return
	}

	payload, err := g.dispatchAuthenticated(c, req)
	if err != nil {
		g.respondErr(c, req.ID, err)
		return
	}
	c.send(frame.Response{Type: frame.TypeResponse, ID: req.ID, TraceID: req.TraceID, OK: true, Payload: payload})
}

func (g *Gateway) respondErr(c *connection, id string, err error) {
	c.send(frame.Response{Type: frame.TypeResponse, ID: id, OK: false, Error: asGatewayError(err)})
}

func (g *Gateway) handleConnect(c *connection, req frame.Request) {
	phase := c.getPhase()
	if phase == PhaseAuthenticated {
		g.respondErr(c, req.ID, gatewayerr.BadState("already_authenticated", "connection is already authenticated"))
		return
	}
	if phase == PhaseClosing {
		g.respondErr(c, req.ID, gatewayerr.BadState("closing", "connection is closing"))
		return
	}

	var params connectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.setPhase(PhaseAuthenticating)
		g.respondErr(c, req.ID, gatewayerr.InvalidRequest("malformed connect params: %v", err))
		return
	}

	if params.ChallengeNonce != c.challengeNonce || params.Protocol != config.ProtocolVersion || !g.token.Matches(params.Auth.Token) {
		c.setPhase(PhaseAuthenticating)
		g.respondErr(c, req.ID, gatewayerr.Unauthorized("invalid challenge, protocol, or token"))
		return
	}

	c.client = params.Client
	c.authenticate(params.Auth.Token)
	c.setPhase(PhaseAuthenticated)

	g.respondHelloOK(c, req)
}

func (g *Gateway) respondHelloOK(c *connection, req frame.Request) {
	payload := map[string]any{
		"type":     "hello-ok",
		"protocol": config.ProtocolVersion,
		"serverId": currentServerID(),
		"features": map[string]any{"methods": frame.AllMethods, "events": frame.AllEvents},
		"policy":   map[string]any{"maxPayloadBytes": g.cfg.MaxPayloadBytes, "tickIntervalMs": g.cfg.TickIntervalMs},
	}
	c.send(frame.Response{Type: frame.TypeResponse, ID: req.ID, TraceID: req.TraceID, OK: true, Payload: payload})
}

// dispatchAuthenticated is the method table for spec.md §4.1.3; assumes the
// caller already verified phase/token/method validity.
func (g *Gateway) dispatchAuthenticated(c *connection, req frame.Request) (any, error) {
	ctx := context.Background()
	switch req.Method {
	case frame.MethodHealth:
		return g.health(), nil
	case frame.MethodStatusDeep:
		return g.statusDeep(), nil
	case frame.MethodHeartbeatReload:
		return g.methodHeartbeatReload(ctx)
	case frame.MethodGatewayRotateToken:
		return g.methodRotateToken()
	case frame.MethodGatewayStop:
		return g.methodGatewayStop(req)
	case frame.MethodSessionsOpen:
		return g.methodSessionsOpen(ctx, req)
	case frame.MethodSessionsSend:
		return g.methodSessionsSend(ctx, c, req)
	case frame.MethodSessionsSubscribe:
		return g.methodSessionsSubscribe(c, req, true)
	case frame.MethodSessionsUnsub:
		return g.methodSessionsSubscribe(c, req, false)
	case frame.MethodSessionsAbort:
		return g.methodSessionsAbort(ctx, req)
	case frame.MethodSessionsClose:
		return g.methodSessionsClose(ctx, req)
	default:
		return nil, gatewayerr.MethodNotFound(string(req.Method))
	}
}

type statusDeepPayload struct {
	HealthSnapshot
	Reservations int `json:"reservations"`
	QueueDepth   int `json:"queue_depth"`
	Handles      int `json:"handles"`
}

func (g *Gateway) statusDeep() statusDeepPayload {
	workers, reservations, queueDepth := g.pool.Snapshot()
	h := g.health()
	h.Workers = workers
	return statusDeepPayload{HealthSnapshot: h, Reservations: reservations, QueueDepth: queueDepth, Handles: g.pool.HandleCount()}
}

type heartbeatReloadPayload struct {
	LoadedAt time.Time `json:"loaded_at"`
	Rules    int       `json:"rules"`
}

func (g *Gateway) methodHeartbeatReload(ctx context.Context) (any, error) {
	if g.hb == nil {
		return nil, gatewayerr.BadState("heartbeat_disabled", "no heartbeat policy configured")
	}
	if err := g.hb.Reload(ctx); err != nil {
		return nil, gatewayerr.Internal(err)
	}
	return heartbeatReloadPayload{LoadedAt: time.Now(), Rules: g.hb.RuleCount()}, nil
}

type rotateTokenPayload struct {
	Rotated            bool      `json:"rotated"`
	RotatedAt          time.Time `json:"rotated_at"`
	RevokedConnections int       `json:"revoked_connections"`
}

func (g *Gateway) methodRotateToken() (any, error) {
	oldToken := g.token.Current()
	if _, err := g.token.Rotate(); err != nil {
		return nil, gatewayerr.Internal(err)
	}
	revoked := g.hub.closeAllAuthenticatedWithToken(oldToken, "auth token rotated")
	return rotateTokenPayload{Rotated: true, RotatedAt: time.Now(), RevokedConnections: revoked}, nil
}

type gatewayStopPayload struct {
	Stopping bool   `json:"stopping"`
	Reason   string `json:"reason"`
}

type gatewayStopParams struct {
	Reason string `json:"reason"`
}

func (g *Gateway) methodGatewayStop(req frame.Request) (any, error) {
	var params gatewayStopParams
	_ = json.Unmarshal(req.Params, &params)
	reason := params.Reason
	if reason == "" {
		reason = "requested"
	}
	go func() {
		time.Sleep(50 * time.Millisecond) // let the response flush first (spec.md §4.1.3)
		g.Shutdown(context.Background())
	}()
	return gatewayStopPayload{Stopping: true, Reason: reason}, nil
}

type sessionsOpenParams struct {
	SessionID        string `json:"session_id"`
	CWD              string `json:"cwd"`
	ConfigPath       string `json:"config_path"`
	Model            string `json:"model"`
	EnableExtensions bool   `json:"enable_extensions"`
}

type sessionsOpenPayload struct {
	SessionID          string `json:"session_id"`
	RequestedSessionID string `json:"requested_session_id"`
	Created            bool   `json:"created"`
	WorkerPID          int    `json:"worker_pid"`
	AgentSessionID     string `json:"agent_session_id"`
}

func (g *Gateway) methodSessionsOpen(ctx context.Context, req frame.Request) (any, error) {
	var params sessionsOpenParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, gatewayerr.InvalidRequest("malformed params: %v", err)
	}
	if params.CWD != "" {
		if fi, err := statDir(params.CWD); err != nil || !fi {
			return nil, gatewayerr.InvalidRequest("cwd %q does not exist or is not a directory", params.CWD)
		}
	}
	res, err := g.pool.OpenSession(ctx, supervisor.OpenInput{
		SessionID: params.SessionID, CWD: params.CWD, ConfigPath: params.ConfigPath,
		Model: params.Model, EnableExtensions: params.EnableExtensions,
	})
	if err != nil {
		return nil, err
	}
	return sessionsOpenPayload{
		SessionID: res.SessionID, RequestedSessionID: res.RequestedSessionID,
		Created: res.Created, WorkerPID: res.WorkerPID, AgentSessionID: res.AgentSessionID,
	}, nil
}

type sessionsSendParams struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	TurnID    string `json:"turn_id"`
}

type sessionsSendPayload struct {
	SessionID      string `json:"session_id"`
	AgentSessionID string `json:"agent_session_id"`
	TurnID         string `json:"turn_id"`
	Accepted       bool   `json:"accepted"`
}

func (g *Gateway) methodSessionsSend(ctx context.Context, c *connection, req frame.Request) (any, error) {
	var params sessionsSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, gatewayerr.InvalidRequest("malformed params: %v", err)
	}
	if params.SessionID == "" {
		return nil, gatewayerr.InvalidRequest("session_id is required")
	}
	c.subscribe(params.SessionID)

	res, err := g.pool.SendPrompt(ctx, params.SessionID, params.Prompt, supervisor.SendOptions{TurnID: params.TurnID, Source: "gateway"})
	if err != nil {
		return nil, err
	}
	return sessionsSendPayload{SessionID: res.SessionID, AgentSessionID: res.AgentSessionID, TurnID: res.TurnID, Accepted: res.Accepted}, nil
}

type sessionsSubscribeParams struct {
	SessionID string `json:"session_id"`
}

type sessionsSubscribePayload struct {
	Changed bool `json:"changed"`
}

func (g *Gateway) methodSessionsSubscribe(c *connection, req frame.Request, subscribe bool) (any, error) {
	var params sessionsSubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, gatewayerr.InvalidRequest("malformed params: %v", err)
	}
	var changed bool
	if subscribe {
		changed = c.subscribe(params.SessionID)
	} else {
		changed = c.unsubscribe(params.SessionID)
	}
	return sessionsSubscribePayload{Changed: changed}, nil
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

type foundPayload struct {
	Found bool `json:"found"`
}

func (g *Gateway) methodSessionsAbort(ctx context.Context, req frame.Request) (any, error) {
	var params sessionIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, gatewayerr.InvalidRequest("malformed params: %v", err)
	}
	found, err := g.pool.AbortSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	return foundPayload{Found: found}, nil
}

func (g *Gateway) methodSessionsClose(ctx context.Context, req frame.Request) (any, error) {
	var params sessionIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, gatewayerr.InvalidRequest("malformed params: %v", err)
	}
	found, err := g.pool.StopSession(ctx, params.SessionID, "client_requested")
	if err != nil {
		logger.Warnf("sessions.close %s: %v", params.SessionID, err)
	}
	return foundPayload{Found: found}, nil
}
