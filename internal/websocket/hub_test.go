package websocket

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
	"go.uber.org/zap"

	"authsync-service/internal/domain/auth"
	wstypes "authsync-service/internal/domain/websocket"
	"authsync-service/internal/otp"
)

type frame struct {
	Type wstypes.EventType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

func startHub(t *testing.T, onConnect func(*Client)) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	if onConnect != nil {
		hub.OnConnect(onConnect)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(context.Background(), hub, conn, r.URL.Query().Get("device"))
		hub.Register <- c
		go c.WritePump()
		go c.ReadPump()
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, device string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device=" + device
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (frame, string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f, string(data)
}

func TestConnectReplaysViewWithoutTokens(t *testing.T) {
	view := auth.View{
		Session: &auth.Session{
			ID:           "sess-1",
			AccessToken:  "secret-access",
			RefreshToken: "secret-refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
			User:         auth.User{ID: "u1", Email: "ana@example.com"},
		},
		Profile: &auth.UserProfile{ID: "u1", Email: "ana@example.com", Level: auth.RoleBasic},
	}
	_, srv := startHub(t, func(c *Client) {
		c.SendMessage(ViewMessage(view))
	})

	conn := dial(t, srv, "dev-a")
	f, _ := read(t, conn)
	assert.Equal(t, wstypes.EventTypeConnected, f.Type)

	f, raw := read(t, conn)
	assert.Equal(t, wstypes.EventTypeAuthView, f.Type)
	assert.Contains(t, raw, `"u1"`)
	assert.NotContains(t, raw, "secret-access")
	assert.NotContains(t, raw, "secret-refresh")
}

func TestBroadcastReachesOnlyTargetDevice(t *testing.T) {
	hub, srv := startHub(t, nil)

	a := dial(t, srv, "dev-a")
	b := dial(t, srv, "dev-b")
	read(t, a)
	read(t, b)
	require.Eventually(t, func() bool {
		return hub.IsDeviceConnected("dev-a") && hub.IsDeviceConnected("dev-b")
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastOTPState("dev-a", otp.State{Email: "ana@example.com", Status: otp.StatusEntering})

	f, raw := read(t, a)
	assert.Equal(t, wstypes.EventTypeOTPState, f.Type)
	assert.Contains(t, raw, "ana@example.com")

	// dev-b only answers its own ping
	require.NoError(t, b.WriteJSON(map[string]string{"type": "ping"}))
	f, _ = read(t, b)
	assert.Equal(t, wstypes.EventTypePong, f.Type)
}

type echoHandler struct {
	events []wstypes.EventType
}

func (h echoHandler) SupportedEvents() []wstypes.EventType { return h.events }

func (h echoHandler) HandleMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) error {
	v, _ := ctx.Value(ctxTag{}).(string)
	client.SendError("echo", client.DeviceID()+":"+v, "")
	return nil
}

type ctxTag struct{}

func TestHandlerSeesDeviceAndParentContext(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.RegisterHandler(&echoHandler{events: []wstypes.EventType{wstypes.EventTypeOTPPaste}})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		parent := context.WithValue(context.WithoutCancel(r.Context()), ctxTag{}, "bound")
		c := NewClient(parent, hub, conn, "dev-a")
		hub.Register <- c
		go c.WritePump()
		go c.ReadPump()
	}))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "dev-a")
	read(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": wstypes.EventTypeOTPPaste, "data": map[string]string{"code": "1"}}))
	_, raw := read(t, conn)
	assert.Contains(t, raw, "dev-a:bound")
}

func TestDuplicateHandlerClaimPanics(t *testing.T) {
	r := NewHandlerRegistry()
	r.Register(&echoHandler{events: []wstypes.EventType{wstypes.EventTypeOTPDigit}})
	assert.Panics(t, func() {
		r.Register(&echoHandler{events: []wstypes.EventType{wstypes.EventTypeOTPDigit, wstypes.EventTypeOTPPaste}})
	})
	_, ok := r.GetHandler(wstypes.EventTypeOTPPaste)
	assert.False(t, ok)
}

func TestClosedSocketIsUnregistered(t *testing.T) {
	hub, srv := startHub(t, nil)

	conn := dial(t, srv, "dev-a")
	read(t, conn)
	require.Eventually(t, func() bool { return hub.IsDeviceConnected("dev-a") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !hub.IsDeviceConnected("dev-a") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.TotalClients())
}
