package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todo-realtime/internal/hub"
	"todo-realtime/internal/models"
	"todo-realtime/internal/notify"
)

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := hub.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
}

func receive(t *testing.T, c *websocket.Conn) hub.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := c.ReadMessage()
	require.NoError(t, err)
	var env hub.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

// ready waits until the server has registered the connection by round-tripping a history request.
func ready(t *testing.T, c *websocket.Conn) []models.ChatMessage {
	t.Helper()
	send(t, c, models.EventGetMessages, struct{}{})
	env := receive(t, c)
	require.Equal(t, models.EventMessages, env.Event)
	var history []models.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &history))
	return history
}

func TestWebSocketChatFlow(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	a := dial(t, ts)
	b := dial(t, ts)
	assert.Empty(t, ready(t, a))
	assert.Empty(t, ready(t, b))

	send(t, a, models.EventJoin, map[string]any{"userId": 1})
	send(t, a, models.EventSendMessage, map[string]any{"userId": 1, "text": "buy milk"})

	for _, c := range []*websocket.Conn{a, b} {
		env := receive(t, c)
		require.Equal(t, models.EventNewMessage, env.Event)
		var msg models.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "buy milk", msg.Text)
		assert.Equal(t, "1", msg.UserID)
	}

	late := dial(t, ts)
	history := ready(t, late)
	require.Len(t, history, 1)
	assert.Equal(t, "buy milk", history[0].Text)
}

func TestWebSocketRejectsUnknownEvent(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	c := dial(t, ts)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"dance"}`)))
	env := receive(t, c)
	assert.Equal(t, models.EventError, env.Event)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	env = receive(t, c)
	assert.Equal(t, models.EventError, env.Event)

	// The connection stays usable.
	assert.Empty(t, ready(t, c))
}

func TestWebSocketReceivesJobUpdates(t *testing.T) {
	f := newFixture(t)
	f.sched.Observe(notify.NewBridge(f.registry))
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	c := dial(t, ts)
	ready(t, c)

	rec := f.do(t, http.MethodPost, "/jobs/run/count-todos")
	require.Equal(t, http.StatusOK, rec.Code)

	env := receive(t, c)
	assert.Equal(t, models.EventJobUpdate, env.Event)
	var run models.JobRun
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, "count-todos", run.Name)
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	c := dial(t, ts)
	ready(t, c)
	require.Equal(t, 1, f.registry.Len())

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketAcceptsNumericAndStringUserIDs(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	c := dial(t, ts)
	ready(t, c)

	cases := []struct {
		raw  string
		want string
	}{
		{raw: `{"event":"sendMessage","data":{"userId":42,"text":"numeric"}}`, want: "42"},
		{raw: `{"event":"sendMessage","data":{"userId":"reactUser","text":"named"}}`, want: "reactUser"},
		{raw: `{"event":"sendMessage","data":{"userId":"42","text":"quoted"}}`, want: "42"},
	}
	for _, tc := range cases {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(tc.raw)))
		env := receive(t, c)
		require.Equal(t, models.EventNewMessage, env.Event, tc.raw)
		var msg models.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, tc.want, msg.UserID)
	}

	history := ready(t, c)
	require.Len(t, history, 3)
	assert.Equal(t, "reactUser", history[1].UserID)
}

func TestWebSocketJoinWithStringUserID(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	c := dial(t, ts)
	send(t, c, models.EventJoin, map[string]string{"userId": "reactUser"})
	// A join carries no reply; the following history request proves it was accepted in order.
	assert.Empty(t, ready(t, c))
}

func TestWebSocketSendsBeforeDisconnectArePersisted(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	c := dial(t, ts)
	ready(t, c)
	for i := 0; i < 5; i++ {
		send(t, c, models.EventSendMessage, map[string]any{"userId": "1", "text": "queued"})
	}
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool {
		msgs, err := f.store.ListMessages(context.Background(), 0)
		return err == nil && len(msgs) == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUserRefDecoding(t *testing.T) {
	cases := map[string]string{
		`{"userId":7}`:           "7",
		`{"userId":"abc"}`:       "abc",
		`{"userId":null}`:        "",
		`{}`:                     "",
		`{"userId":12345678901}`: "12345678901",
	}
	for raw, want := range cases {
		var ev joinEvent
		require.NoError(t, json.Unmarshal([]byte(raw), &ev), raw)
		assert.Equal(t, want, string(ev.UserID), raw)
	}

	var ev joinEvent
	assert.Error(t, json.Unmarshal([]byte(`{"userId":true}`), &ev))
	assert.Error(t, json.Unmarshal([]byte(`{"userId":{"id":1}}`), &ev))
}
