package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/auth"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type failingValidator struct{}

func (failingValidator) ValidateToken(string) (*auth.CustomClaims, error) {
	return nil, assert.AnError
}

func newTestHub(d *testDeps, opts HubOptions) *Hub {
	return NewHub(context.Background(), &auth.MockValidator{}, nil, d.deps(), opts)
}

// unsignedToken builds a three-part token the MockValidator will decode.
func unsignedToken(t *testing.T, sub string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"sub": sub})
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newWsServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/artifacts/:artifactId", h.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetOrCreateRoomReusesAndCancelsCleanup(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{GracePeriod: time.Hour})

	r1 := h.getOrCreateRoom("a1")
	assert.Equal(t, 1, h.RoomCount())

	// Empty room goes into its grace period.
	h.removeRoom("a1")
	h.mu.Lock()
	_, pending := h.pendingRoomCleanups["a1"]
	h.mu.Unlock()
	assert.True(t, pending)

	// Reconnect lands in the same room and cancels the timer.
	r2 := h.getOrCreateRoom("a1")
	assert.Same(t, r1, r2)
	h.mu.Lock()
	_, pending = h.pendingRoomCleanups["a1"]
	h.mu.Unlock()
	assert.False(t, pending)

	require.NoError(t, h.Shutdown(context.Background()))
}

func TestEmptyRoomRemovedAfterGracePeriod(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{GracePeriod: 10 * time.Millisecond})

	r := h.getOrCreateRoom("a1")
	alice := NewMockClient("alice", "Alice")
	r.Attach(context.Background(), alice)
	r.Detach(context.Background(), alice)

	assert.Eventually(t, func() bool {
		return h.RoomCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestOccupiedRoomSurvivesGracePeriod(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{GracePeriod: 10 * time.Millisecond})

	r := h.getOrCreateRoom("a1")
	r.Attach(context.Background(), NewMockClient("alice", "Alice"))

	// A stray cleanup request must not delete an occupied room.
	h.removeRoom("a1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.RoomCount())

	require.NoError(t, h.Shutdown(context.Background()))
}

func TestServeWsRejectsMissingToken(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{})
	srv := newWsServer(t, h)

	resp, err := http.Get(srv.URL + "/ws/artifacts/a1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWsRejectsInvalidToken(t *testing.T) {
	d := newTestDeps()
	h := NewHub(context.Background(), failingValidator{}, nil, d.deps(), HubOptions{})
	srv := newWsServer(t, h)

	resp, err := http.Get(srv.URL + "/ws/artifacts/a1?token=bad")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWsRejectsDisallowedOrigin(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{})
	srv := newWsServer(t, h)

	req, err := http.NewRequest("GET", srv.URL+"/ws/artifacts/a1?token="+unsignedToken(t, "alice"), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServeWsConnectAndSnapshot(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{GracePeriod: 10 * time.Millisecond})
	srv := newWsServer(t, h)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/artifacts/a1?token=" + unsignedToken(t, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg types.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, types.MsgRoomState, msg.Type)
	assert.Equal(t, "a1", msg.Data.String("artifact_id"))

	assert.Equal(t, 1, h.RoomCount())
	users := h.ActiveUsers("a1")
	require.Len(t, users, 1)
	assert.Equal(t, types.UserIDType("alice"), users[0].UserID)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return h.RoomCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeWsUnknownUserClosedWithCode(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{})
	srv := newWsServer(t, h)

	// The MockValidator accepts the token, but "mallory" is not in the
	// directory; rejection happens after the upgrade with a close code.
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/artifacts/a1?token=" + unsignedToken(t, "mallory")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, types.CloseInvalidUser, closeErr.Code)

	assert.Equal(t, 0, h.RoomCount())
}

func TestNotificationSubscriptionLifecycle(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{})

	r := h.getOrCreateRoom("a1")
	r.onDetach = h.onClientDetached
	client := &Client{
		userID:   "alice",
		userData: types.UserData{UserID: "alice"},
		send:     make(chan []byte, 8),
	}
	client.room = r
	r.Attach(context.Background(), client)
	h.subscribeNotifications(client)
	assert.Equal(t, 1, d.notifier.subCount("alice"))

	r.Detach(context.Background(), client)
	assert.Equal(t, 0, d.notifier.subCount("alice"))

	require.NoError(t, h.Shutdown(context.Background()))
}

func TestPushNotificationToUser(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{})

	// The same user holds a live client in two artifact rooms.
	aliceA1 := NewMockClient("alice", "Alice")
	aliceA2 := NewMockClient("alice", "Alice")
	h.getOrCreateRoom("a1").Attach(context.Background(), aliceA1)
	h.getOrCreateRoom("a2").Attach(context.Background(), aliceA2)

	n := store.Notification{ID: "n1", Type: types.NotifyMention, Title: "ping"}
	assert.True(t, h.PushNotificationToUser("alice", n))
	assert.False(t, h.PushNotificationToUser("nobody", n))

	// Every client the user holds receives the frame, not just the first
	// room that accepts it.
	for _, client := range []*MockClient{aliceA1, aliceA2} {
		frames := client.SentOfType(types.MsgNotification)
		require.Len(t, frames, 1)
		assert.Equal(t, "n1", frames[0].Data.String("notification_id"))
	}

	require.NoError(t, h.Shutdown(context.Background()))
}

func TestExtractTokenSources(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{})

	newCtx := func(target string, header string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", target, nil)
		if header != "" {
			c.Request.Header.Set("Sec-WebSocket-Protocol", header)
		}
		return c
	}

	token, err := h.extractToken(newCtx("/ws?token=abc", ""))
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	token, err = h.extractToken(newCtx("/ws", "access_token, xyz"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	// Query parameter wins over the subprotocol.
	token, err = h.extractToken(newCtx("/ws?token=abc", "access_token, xyz"))
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = h.extractToken(newCtx("/ws", "access_token"))
	assert.Error(t, err)
}

func TestHubShutdownClosesRooms(t *testing.T) {
	d := newTestDeps()
	h := newTestHub(d, HubOptions{GracePeriod: time.Hour})

	alice := NewMockClient("alice", "Alice")
	bob := NewMockClient("bob", "Bob")
	h.getOrCreateRoom("a1").Attach(context.Background(), alice)
	h.getOrCreateRoom("a2").Attach(context.Background(), bob)

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, 0, h.RoomCount())
	assert.True(t, alice.IsDisconnected())
	assert.True(t, bob.IsDisconnected())
}

// Rooms driven purely through mocks must not leave goroutines or timers
// behind.
func TestRoomGoroutineHygiene(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := newTestDeps()
	h := newTestHub(d, HubOptions{GracePeriod: 5 * time.Millisecond})

	r := h.getOrCreateRoom("a1")
	for i := 0; i < 5; i++ {
		c := NewMockClient("alice", "Alice")
		r.Attach(context.Background(), c)
		r.Detach(context.Background(), c)
	}

	require.NoError(t, h.Shutdown(context.Background()))
	time.Sleep(20 * time.Millisecond)
}
