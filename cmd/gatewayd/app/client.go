package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/frame"
)

// daemonClient is a thin one-shot client for the CLI subcommands that talk
// to an already-running gatewayd over its loopback socket (status, stop,
// heartbeat-reload, rotate-token): spec.md §6.1 describes these as sending
// a single method call and reporting the result, not a long-lived session.
type daemonClient struct {
	ws *websocket.Conn
}

// dialDaemon connects, waits for the connect.challenge event, and authenticates.
func dialDaemon(ctx context.Context, cfg *config.Config, token string, timeout time.Duration) (*daemonClient, error) {
	u := url.URL{Scheme: "ws", Host: cfg.Addr(), Path: "/"}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))

	var challenge frame.Event
	if err := ws.ReadJSON(&challenge); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	nonce, _ := challenge.Payload.(map[string]any)["nonce"].(string)

	c := &daemonClient{ws: ws}
	params := map[string]any{
		"protocol":       config.ProtocolVersion,
		"challengeNonce": nonce,
		"auth":           map[string]string{"token": token},
		"client":         map[string]string{"id": "gatewayd-cli", "version": "1", "mode": "cli"},
	}
	resp, err := c.call(ctx, frame.MethodConnect, params, timeout)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if !resp.OK {
		ws.Close()
		return nil, fmt.Errorf("connect rejected: %s", resp.Error.Message)
	}
	return c, nil
}

// call sends one request and blocks for its matching response.
func (c *daemonClient) call(_ context.Context, method frame.Method, params any, timeout time.Duration) (*frame.Response, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := frame.Request{Type: frame.TypeRequest, ID: id, Method: method, Params: raw}
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.ws.WriteJSON(req); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.ws.SetReadDeadline(deadline)
		data, err := readAny(c.ws)
		if err != nil {
			return nil, err
		}
		var probe struct {
			Type frame.Type `json:"type"`
			ID   string     `json:"id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		if probe.Type != frame.TypeResponse || probe.ID != id {
			continue // an event interleaved with our response; skip it
		}
		var resp frame.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("timed out waiting for response to %s", method)
}

func readAny(ws *websocket.Conn) ([]byte, error) {
	_, data, err := ws.ReadMessage()
	return data, err
}

func (c *daemonClient) Close() {
	_ = c.ws.Close()
}

// readToken loads the bearer token the running daemon was started with.
func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s (is the gateway running?): %w", path, err)
	}
	return string(data), nil
}
