package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/hbomb79/Mixtape/internal/http/websocket"
	"github.com/hbomb79/Mixtape/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func startHub(t *testing.T, hub *websocket.SocketHub) string {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Start(ctx)
	}()
	require.Eventually(t, hub.Running, time.Second, 5*time.Millisecond)

	server := httptest.NewServer(http.HandlerFunc(hub.UpgradeToSocket))
	t.Cleanup(func() {
		cancel()
		<-stopped
		server.Close()
	})

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *gorilla.Conn) websocket.SocketMessage {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg websocket.SocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func welcome(t *testing.T, conn *gorilla.Conn) string {
	msg := read(t, conn)
	require.Equal(t, "CONNECTION_ESTABLISHED", msg.Title)
	require.Equal(t, websocket.Welcome, msg.Type)
	id, ok := msg.Body["client"].(string)
	require.True(t, ok)
	return id
}

func TestHub_WelcomeIncludesConnectionPayload(t *testing.T) {
	hub := websocket.New(nil)
	hub.WithConnectionCallback(func() map[string]interface{} { return map[string]interface{}{"version": "test"} })
	conn := dial(t, startHub(t, hub))

	msg := read(t, conn)
	assert.Equal(t, "CONNECTION_ESTABLISHED", msg.Title)
	assert.Equal(t, "test", msg.Body["version"])
	assert.NotEmpty(t, msg.Body["client"])
}

func TestHub_CommandReply(t *testing.T) {
	hub := websocket.New(nil)
	hub.BindCommand("PING", func(_ context.Context, hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		if err := message.ValidateArguments(map[string]string{"value": "string"}); err != nil {
			return err
		}

		hub.Send(message.FormReply("PONG", map[string]interface{}{"value": message.Body["value"]}, websocket.Response))
		return nil
	})
	conn := dial(t, startHub(t, hub))
	welcome(t, conn)

	require.NoError(t, conn.WriteJSON(websocket.SocketMessage{Title: "PING", Id: 7, Type: websocket.Command, Body: map[string]interface{}{"value": "hello"}}))
	reply := read(t, conn)
	assert.Equal(t, "PONG", reply.Title)
	assert.Equal(t, 7, reply.Id)
	assert.Equal(t, websocket.Response, reply.Type)
	assert.Equal(t, "hello", reply.Body["value"])

	require.NoError(t, conn.WriteJSON(websocket.SocketMessage{Title: "PING", Id: 8, Type: websocket.Command, Body: map[string]interface{}{}}))
	failure := read(t, conn)
	assert.Equal(t, "COMMAND_FAILURE", failure.Title)
	assert.Equal(t, 8, failure.Id)
	assert.Contains(t, failure.Body["error"], "value")
}

func TestHub_UnknownCommand(t *testing.T) {
	conn := dial(t, startHub(t, websocket.New(nil)))
	welcome(t, conn)

	require.NoError(t, conn.WriteJSON(websocket.SocketMessage{Title: "NOPE", Id: 3, Type: websocket.Command}))
	reply := read(t, conn)
	assert.Equal(t, "COMMAND_FAILURE", reply.Title)
	assert.Equal(t, websocket.ErrorResponse, reply.Type)
	assert.Equal(t, "Unknown command", reply.Body["error"])
}

func TestHub_TargetedMessagesOnlyReachTarget(t *testing.T) {
	hub := websocket.New(nil)
	hub.BindCommand("WHISPER", func(_ context.Context, hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		hub.Send(message.FormReply("SECRET", map[string]interface{}{}, websocket.Update))
		return nil
	})
	url := startHub(t, hub)
	sender, bystander := dial(t, url), dial(t, url)
	welcome(t, sender)
	welcome(t, bystander)

	require.NoError(t, sender.WriteJSON(websocket.SocketMessage{Title: "WHISPER", Type: websocket.Command}))
	assert.Equal(t, "SECRET", read(t, sender).Title)

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg websocket.SocketMessage
	assert.Error(t, bystander.ReadJSON(&msg), "bystander must not receive a message targeted at another client")
}

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	hub := websocket.New(nil)
	url := startHub(t, hub)
	a, b := dial(t, url), dial(t, url)
	welcome(t, a)
	welcome(t, b)

	hub.Send(&websocket.SocketMessage{Title: "ANNOUNCEMENT", Type: websocket.Update})
	assert.Equal(t, "ANNOUNCEMENT", read(t, a).Title)
	assert.Equal(t, "ANNOUNCEMENT", read(t, b).Title)
}

func TestHub_DisconnectCancelsHandlerContext(t *testing.T) {
	cancelled := make(chan struct{})
	hub := websocket.New(nil)
	hub.BindCommand("LONG", func(ctx context.Context, _ *websocket.SocketHub, _ *websocket.SocketMessage) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	conn := dial(t, startHub(t, hub))
	welcome(t, conn)

	require.NoError(t, conn.WriteJSON(websocket.SocketMessage{Title: "LONG", Type: websocket.Command}))
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled after the client disconnected")
	}
}

func TestHub_RejectsDisallowedOrigin(t *testing.T) {
	url := startHub(t, websocket.New([]string{"https://allowed.example"}))

	_, resp, err := gorilla.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := gorilla.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://allowed.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHub_RefusesUpgradeWhenStopped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(websocket.New(nil).UpgradeToSocket))
	defer server.Close()

	_, resp, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
