package gateway

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewva/gateway/pkg/authtoken"
	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/supervisor"
)

// fakeWS is an in-memory wsWriter recording everything written to it, so
// connection/gateway tests never need a real websocket.
type fakeWS struct {
	mu       sync.Mutex
	written  []any
	closed   bool
	closeCode int
	closeMsg  string
}

func (f *fakeWS) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v)
	return nil
}

func (f *fakeWS) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeMsg = reason
	return nil
}

// Lock/Unlock/WriteJSONLocked mirror frame.Conn's locked-write surface so
// hub.deliver can drive fakeWS the same way it drives a real connection.
func (f *fakeWS) Lock()   { f.mu.Lock() }
func (f *fakeWS) Unlock() { f.mu.Unlock() }

func (f *fakeWS) WriteJSONLocked(v any) error {
	f.written = append(f.written, v)
	return nil
}

func (f *fakeWS) last() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	tok, err := authtoken.LoadOrCreate(filepath.Join(dir, "token"))
	require.NoError(t, err)
	pool := supervisor.New(supervisor.DefaultConfig(), nil, nil)
	cfg := config.New(dir)
	g := New(cfg, tok, pool, nil, nil, nil)
	return g, tok.Current()
}

func connectPayload(nonce, protocol, token string) json.RawMessage {
	p := connectParams{Protocol: protocol, ChallengeNonce: nonce}
	p.Auth.Token = token
	data, _ := json.Marshal(p)
	return data
}

func doConnect(g *Gateway, c *connection, id, nonce, token string) {
	req := frame.Request{Type: frame.TypeRequest, ID: id, Method: frame.MethodConnect, Params: connectPayload(nonce, config.ProtocolVersion, token)}
	g.handleRequest(c, req)
}

func TestConnection_SendChallengeThenAuthenticate(t *testing.T) {
	t.Parallel()
	g, token := newTestGateway(t)
	ws := &fakeWS{}
	c := newConnection(ws)
	g.hub.add(c)
	c.sendChallenge()

	challenge, ok := ws.last().(frame.Event)
	require.True(t, ok)
	assert.Equal(t, frame.EventConnectChallenge, challenge.Event)

	doConnect(g, c, "r1", c.challengeNonce, token)
	resp, ok := ws.last().(frame.Response)
	require.True(t, ok)
	assert.True(t, resp.OK)
	assert.Equal(t, PhaseAuthenticated, c.getPhase())
}

func TestConnection_RejectsWrongNonce(t *testing.T) {
	t.Parallel()
	g, token := newTestGateway(t)
	ws := &fakeWS{}
	c := newConnection(ws)
	doConnect(g, c, "r1", "wrong-nonce", token)

	resp := ws.last().(frame.Response)
	assert.False(t, resp.OK)
	assert.Equal(t, PhaseAuthenticating, c.getPhase())
}

func TestConnection_RejectsWrongToken(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	ws := &fakeWS{}
	c := newConnection(ws)
	doConnect(g, c, "r1", c.challengeNonce, "not-the-token")

	resp := ws.last().(frame.Response)
	assert.False(t, resp.OK)
}

func TestConnection_UnauthenticatedCallRejected(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	ws := &fakeWS{}
	c := newConnection(ws)

	g.handleRequest(c, frame.Request{Type: frame.TypeRequest, ID: "r1", Method: frame.MethodHealth})
	resp := ws.last().(frame.Response)
	assert.False(t, resp.OK)
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
}

func TestConnection_UnknownMethodAfterAuthReturnsMethodNotFound(t *testing.T) {
	t.Parallel()
	g, token := newTestGateway(t)
	ws := &fakeWS{}
	c := newConnection(ws)
	doConnect(g, c, "r1", c.challengeNonce, token)

	g.handleRequest(c, frame.Request{Type: frame.TypeRequest, ID: "r2", Method: "bogus.method"})
	resp := ws.last().(frame.Response)
	assert.False(t, resp.OK)
	assert.Equal(t, "METHOD_NOT_FOUND", resp.Error.Code)
}

func TestConnection_HealthReturnsOKPayload(t *testing.T) {
	t.Parallel()
	g, token := newTestGateway(t)
	ws := &fakeWS{}
	c := newConnection(ws)
	doConnect(g, c, "r1", c.challengeNonce, token)

	g.handleRequest(c, frame.Request{Type: frame.TypeRequest, ID: "r2", Method: frame.MethodHealth})
	resp := ws.last().(frame.Response)
	require.True(t, resp.OK)
}

func TestRotateToken_ForceClosesConnectionsWithOldToken(t *testing.T) {
	t.Parallel()
	g, token := newTestGateway(t)
	ws := &fakeWS{}
	c := newConnection(ws)
	doConnect(g, c, "r1", c.challengeNonce, token)
	g.hub.add(c)

	g.handleRequest(c, frame.Request{Type: frame.TypeRequest, ID: "r2", Method: frame.MethodGatewayRotateToken})
	resp := ws.last().(frame.Response)
	require.True(t, resp.OK)
	assert.True(t, ws.closed)
	assert.Equal(t, closePolicyViolation, ws.closeCode)
	assert.Equal(t, PhaseClosing, c.getPhase())
}

func TestHub_BroadcastOnlyReachesAuthenticatedConnections(t *testing.T) {
	t.Parallel()
	h := newHub()
	authed := &fakeWS{}
	ca := newConnection(authed)
	ca.setPhase(PhaseAuthenticated)
	h.add(ca)

	unauthed := &fakeWS{}
	cb := newConnection(unauthed)
	h.add(cb)

	h.broadcast(frame.EventTick, map[string]int{"n": 1})

	assert.NotNil(t, authed.last())
	assert.Nil(t, unauthed.last())
}

func TestHub_DispatchSessionEvent_DropsEventWithNoSessionID(t *testing.T) {
	t.Parallel()
	h := newHub()
	ws := &fakeWS{}
	c := newConnection(ws)
	c.setPhase(PhaseAuthenticated)
	c.subscribe("s1")
	h.add(c)

	h.dispatchSessionEvent(frame.EventSessionTurnStart, "", map[string]string{})
	assert.Nil(t, ws.last())
}

func TestHub_DispatchSessionEvent_OnlyReachesSubscribers(t *testing.T) {
	t.Parallel()
	h := newHub()
	subscribed := &fakeWS{}
	cs := newConnection(subscribed)
	cs.setPhase(PhaseAuthenticated)
	cs.subscribe("s1")
	h.add(cs)

	unsubscribed := &fakeWS{}
	cu := newConnection(unsubscribed)
	cu.setPhase(PhaseAuthenticated)
	h.add(cu)

	h.dispatchSessionEvent(frame.EventSessionTurnStart, "s1", map[string]string{"session_id": "s1"})

	assert.NotNil(t, subscribed.last())
	assert.Nil(t, unsubscribed.last())
}

func TestHub_NextSeqIsStrictlyMonotonic(t *testing.T) {
	t.Parallel()
	h := newHub()
	a := h.nextSeq()
	b := h.nextSeq()
	assert.Less(t, a, b)
}

// TestHub_ConcurrentDeliveryPreservesSeqOrder drives concurrent broadcasts
// and session-scoped dispatches against one connection and asserts the
// Seq values it received arrive strictly increasing, i.e. deliver's
// per-connection lock actually prevents a later-assigned sequence number
// from reaching the socket ahead of an earlier one.
func TestHub_ConcurrentDeliveryPreservesSeqOrder(t *testing.T) {
	t.Parallel()
	h := newHub()
	ws := &fakeWS{}
	c := newConnection(ws)
	c.setPhase(PhaseAuthenticated)
	c.subscribe("s1")
	h.add(c)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			h.broadcast(frame.EventTick, map[string]int{})
		}()
		go func() {
			defer wg.Done()
			h.dispatchSessionEvent(frame.EventSessionTurnChunk, "s1", map[string]string{"session_id": "s1"})
		}()
	}
	wg.Wait()

	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.Len(t, ws.written, n*2)
	var last uint64
	for _, v := range ws.written {
		ev, ok := v.(frame.Event)
		require.True(t, ok)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}
