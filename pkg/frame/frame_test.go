package frame

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKnownMethod(t *testing.T) {
	t.Parallel()
	assert.True(t, IsKnownMethod(MethodConnect))
	assert.True(t, IsKnownMethod(MethodSessionsSend))
	assert.False(t, IsKnownMethod(Method("sessions.teleport")))
}

func TestSessionScopedEvents_DoesNotIncludeBroadcastEvents(t *testing.T) {
	t.Parallel()
	assert.False(t, SessionScopedEvents[EventTick])
	assert.False(t, SessionScopedEvents[EventConnectChallenge])
	assert.True(t, SessionScopedEvents[EventSessionTurnStart])
}

var upgrader = websocket.Upgrader{}

func TestConn_WriteJSON_RejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		c := NewConn(ws, 16)
		err = c.WriteJSON(map[string]string{"payload": strings.Repeat("x", 100)})
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
}

func TestConn_RoundTripsEventFrame(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		c := NewConn(ws, 1<<20)
		require.NoError(t, c.WriteJSON(Event{Type: TypeEvent, Event: EventConnectChallenge, Payload: map[string]string{"nonce": "abc"}, Seq: 1}))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"connect.challenge"`)
	assert.Contains(t, string(data), `"nonce":"abc"`)
}
