package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/auth"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/ratelimit"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HubOptions tune the hub. Zero values fall back to defaults.
type HubOptions struct {
	// GracePeriod is how long an empty room survives before removal, so a
	// quick reconnect lands in the same room. Default 5s.
	GracePeriod time.Duration
	// SendBuffer is the per-client outbound frame buffer. Default 256.
	SendBuffer int
	// CommentLimit caps a single get_comments response. Default 100.
	CommentLimit int
	// DevMode relaxes rate limiting for local development.
	DevMode bool
}

// Hub is the registry of active artifact rooms. It authenticates WebSocket
// handshakes, places clients into rooms, and delays room teardown by a grace
// period so refreshes do not thrash room state.
type Hub struct {
	mu                  sync.Mutex
	rooms               map[types.ArtifactIDType]*Room
	pendingRoomCleanups map[types.ArtifactIDType]*time.Timer

	validator   types.TokenValidator
	rateLimiter *ratelimit.RateLimiter
	deps        Deps
	opts        HubOptions

	baseCtx context.Context
}

// NewHub wires a hub from its dependencies. rateLimiter may be nil (tests).
func NewHub(ctx context.Context, validator types.TokenValidator, rateLimiter *ratelimit.RateLimiter, deps Deps, opts HubOptions) *Hub {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Hub{
		rooms:               make(map[types.ArtifactIDType]*Room),
		pendingRoomCleanups: make(map[types.ArtifactIDType]*time.Timer),
		validator:           validator,
		rateLimiter:         rateLimiter,
		deps:                deps,
		opts:                opts,
		baseCtx:             ctx,
	}
}

// ServeWs is the gin handler for GET /ws/artifacts/:artifactId. It rate
// limits, authenticates, validates the origin, upgrades, and attaches the
// client to its artifact room.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	token, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	conn, err := h.upgradeWebSocket(c, allowedOrigins)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection places an established connection into its artifact room.
// The user existence check runs after the upgrade so rejection can use a
// WebSocket close code the client library surfaces.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	artifactID := types.ArtifactIDType(c.Param("artifactId"))
	userID := types.UserIDType(claims.Subject)

	client := &Client{
		conn:      conn,
		userID:    userID,
		sessionID: types.SessionIDType(uuid.NewString()),
		userData: types.UserData{
			UserID:      userID,
			DisplayName: h.resolveDisplayName(c, claims),
		},
		send: make(chan []byte, h.opts.SendBuffer),
	}

	if ok, err := h.userExists(c.Request.Context(), userID); err != nil || !ok {
		logging.Warn(c.Request.Context(), "Rejecting connection for unknown user",
			zap.String("userId", string(userID)), zap.Error(err))
		client.closeWithCode(types.CloseInvalidUser, "unknown user")
		return
	}

	r := h.getOrCreateRoom(artifactID)
	client.room = r

	metrics.IncConnection()

	r.Attach(c.Request.Context(), client)
	h.subscribeNotifications(client)

	logging.Info(c.Request.Context(), "Client connected",
		zap.String("artifactId", string(artifactID)),
		zap.String("userId", string(userID)),
		zap.String("sessionId", string(client.sessionID)))

	go client.writePump()
	go client.readPump()
}

// subscribeNotifications forwards this user's live notifications onto the
// socket for as long as the client is attached.
func (h *Hub) subscribeNotifications(client *Client) {
	if h.deps.Notifier == nil {
		return
	}
	client.notifySubID = h.deps.Notifier.Subscribe(client.userID, func(n store.Notification) {
		_ = client.SendJSON(types.NewWSMessage(types.MsgNotification, "", notificationPayload(n)))
	})
}

// unsubscribeNotifications releases the client's live notification feed.
// Called by the room when the client detaches.
func (h *Hub) unsubscribeNotifications(client *Client) {
	if h.deps.Notifier == nil || client.notifySubID == "" {
		return
	}
	h.deps.Notifier.Unsubscribe(client.userID, client.notifySubID)
	client.notifySubID = ""
}

// PushNotificationToUser delivers a notification frame to every live client
// the user holds, across all rooms. Reports whether any client accepted it.
func (h *Hub) PushNotificationToUser(userID types.UserIDType, n store.Notification) bool {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	msg := types.NewWSMessage(types.MsgNotification, "", notificationPayload(n))
	delivered := false
	for _, r := range rooms {
		if r.SendToUser(userID, msg) {
			delivered = true
		}
	}
	return delivered
}

// BroadcastToArtifact fans a frame out to every client in the artifact's
// room, if one exists. Used by the HTTP surface so REST-created comments
// reach connected collaborators too.
func (h *Hub) BroadcastToArtifact(artifactID types.ArtifactIDType, msg types.WSMessage) {
	h.mu.Lock()
	r, ok := h.rooms[artifactID]
	h.mu.Unlock()
	if ok {
		r.broadcast(msg, "")
	}
}

// ActiveUsers lists the users currently connected to an artifact's room.
func (h *Hub) ActiveUsers(artifactID types.ArtifactIDType) []types.UserData {
	h.mu.Lock()
	r, ok := h.rooms[artifactID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Users()
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// getOrCreateRoom returns the artifact's room, cancelling any pending
// cleanup, or creates one.
func (h *Hub) getOrCreateRoom(artifactID types.ArtifactIDType) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[artifactID]; ok {
		if timer, pending := h.pendingRoomCleanups[artifactID]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, artifactID)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection",
				zap.String("artifactId", string(artifactID)))
		}
		return r
	}

	logging.Info(context.Background(), "Creating artifact room",
		zap.String("artifactId", string(artifactID)))
	r := NewRoom(h.baseCtx, artifactID, h.removeRoom, h.deps)
	r.onDetach = h.onClientDetached
	if h.opts.CommentLimit > 0 {
		r.commentLimit = h.opts.CommentLimit
	}
	h.rooms[artifactID] = r

	metrics.ActiveRooms.Inc()
	return r
}

// onClientDetached releases per-client hub resources after a room detach.
func (h *Hub) onClientDetached(client types.ClientInterface) {
	if c, ok := client.(*Client); ok {
		h.unsubscribeNotifications(c)
	}
}

// removeRoom schedules deletion of an empty room after the grace period. A
// reconnect within the window cancels the timer.
func (h *Hub) removeRoom(artifactID types.ArtifactIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[artifactID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, artifactID)
	}

	timer := time.AfterFunc(h.opts.GracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		// Double-check the room is still empty before deleting.
		if r, ok := h.rooms[artifactID]; ok && r.IsEmpty() {
			r.cancel()
			delete(h.rooms, artifactID)
			delete(h.pendingRoomCleanups, artifactID)

			metrics.ActiveRooms.Dec()
			metrics.RoomOccupancy.DeleteLabelValues(string(artifactID))

			logging.Info(context.Background(), "Removed empty room after grace period",
				zap.String("artifactId", string(artifactID)))
		} else {
			delete(h.pendingRoomCleanups, artifactID)
			if ok {
				logging.Info(context.Background(), "Cancelled room cleanup - room is active",
					zap.String("artifactId", string(artifactID)))
			}
		}
	})

	h.pendingRoomCleanups[artifactID] = timer
}

// Shutdown stops cleanup timers and closes every room.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all active rooms...")

	h.mu.Lock()
	for artifactID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, artifactID)
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[types.ArtifactIDType]*Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close("Server shutting down")
	}
	metrics.ActiveRooms.Set(0)

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}

// --- handshake helpers ---

// extractToken reads the bearer token from the "token" query parameter,
// falling back to the Sec-WebSocket-Protocol header for browser clients that
// cannot set query parameters on the upgrade URL.
func (h *Hub) extractToken(c *gin.Context) (string, error) {
	if token := c.Query("token"); token != "" {
		return token, nil
	}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	for _, p := range strings.Split(headerVal, ",") {
		p = strings.TrimSpace(p)
		if p == "" || p == "access_token" {
			continue
		}
		return p, nil
	}

	logging.Warn(c.Request.Context(), "No token provided in request")
	return "", fmt.Errorf("token not provided")
}

// authenticateUser validates the token and extracts claims.
func (h *Hub) authenticateUser(token string) (*auth.CustomClaims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// userExists asks the directory whether the authenticated subject is a known
// user. A missing directory allows everyone (tests, dev mode).
func (h *Hub) userExists(ctx context.Context, userID types.UserIDType) (bool, error) {
	if h.deps.Users == nil {
		return true, nil
	}
	return h.deps.Users.UserExists(ctx, userID)
}

// resolveDisplayName prefers the username query parameter, then claims, then
// the durable directory.
func (h *Hub) resolveDisplayName(c *gin.Context, claims *auth.CustomClaims) types.DisplayNameType {
	if username := c.Query("username"); username != "" {
		return types.DisplayNameType(username)
	}
	if name := claims.DisplayName(); name != "" && name != claims.Subject {
		return types.DisplayNameType(name)
	}
	if h.deps.Users != nil {
		if name, err := h.deps.Users.DisplayName(c.Request.Context(), types.UserIDType(claims.Subject)); err == nil {
			return name
		}
	}
	return types.DisplayNameType(claims.Subject)
}

// validateOrigin checks if the request origin is in the allowed list. Absent
// origins pass so non-browser clients can connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(strings.TrimSpace(allowed))
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket performs the HTTP upgrade.
func (h *Hub) upgradeWebSocket(c *gin.Context, allowedOrigins []string) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Echo the subprotocol when the token rode in on it, per RFC 6455.
	responseHeader := http.Header{}
	if strings.Contains(c.GetHeader("Sec-WebSocket-Protocol"), "access_token") {
		responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// notificationPayload shapes a notification row for the wire.
func notificationPayload(n store.Notification) types.JSONMap {
	payload := types.JSONMap{
		"notification_id": n.ID,
		"type":            string(n.Type),
		"title":           n.Title,
		"message":         n.Message,
		"priority":        string(n.Priority),
		"created_at":      n.CreatedAt.UnixMilli(),
	}
	if n.ArtifactID != "" {
		payload["artifact_id"] = n.ArtifactID
	}
	if n.RelatedCommentID != nil {
		payload["comment_id"] = *n.RelatedCommentID
	}
	if n.RelatedUserID != nil {
		payload["sender_id"] = *n.RelatedUserID
	}
	if len(n.Data) > 0 {
		payload["data"] = map[string]any(n.Data)
	}
	return payload
}
