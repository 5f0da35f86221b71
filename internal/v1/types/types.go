package types

import (
	"context"
	"errors"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/auth"
)

// --- Core Domain Types ---

// UserIDType represents a unique identifier for a user.
type UserIDType string

// ArtifactIDType represents the opaque identifier of an artifact.
type ArtifactIDType string

// SessionIDType identifies one connection of one user to one artifact room.
type SessionIDType string

// DisplayNameType represents the human-readable name for a user.
type DisplayNameType string

// PresenceStatus is the coarse engagement state of a user on an artifact.
type PresenceStatus string

const (
	PresenceActive  PresenceStatus = "active"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ActivityLabel is the optional fine-grained presence activity.
type ActivityLabel string

const (
	ActivityTyping  ActivityLabel = "typing"
	ActivityEditing ActivityLabel = "editing"
	ActivityViewing ActivityLabel = "viewing"
)

// Cursor is a position inside an artifact's content.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a contiguous range inside an artifact's content.
type Selection struct {
	Start Cursor `json:"start"`
	End   Cursor `json:"end"`
}

// Viewport describes the visible slice of the artifact in a client's UI.
type Viewport struct {
	TopLine    int `json:"top_line"`
	BottomLine int `json:"bottom_line"`
}

// UserData carries the display metadata a client presents to its peers.
type UserData struct {
	UserID      UserIDType      `json:"user_id"`
	DisplayName DisplayNameType `json:"display_name"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
}

// --- WebSocket Protocol ---

// Inbound message types accepted by the collaboration hub.
const (
	MsgCursorMove      = "cursor_move"
	MsgSelectionChange = "selection_change"
	MsgViewportChange  = "viewport_change"
	MsgTypingStart     = "typing_start"
	MsgTypingStop      = "typing_stop"
	MsgArtifactEdit    = "artifact_edit"
	MsgCommentAdd      = "comment_add"
	MsgCommentUpdate   = "comment_update"
	MsgCommentDelete   = "comment_delete"
	MsgGetComments     = "get_comments"
)

// Outbound message types emitted by the hub.
const (
	MsgRoomState    = "room_state"
	MsgUserJoin     = "user_join"
	MsgUserLeave    = "user_leave"
	MsgNotification = "notification"
	MsgCommentList  = "comment_list"
	MsgError        = "error"
)

// WebSocket close codes.
const (
	CloseInternalError = 4000
	CloseInvalidUser   = 4001
)

// WSMessage is the JSON frame exchanged over the collaboration socket.
// Inbound frames omit UserID; the hub stamps the sender before fanout.
type WSMessage struct {
	Type      string     `json:"type"`
	UserID    UserIDType `json:"user_id,omitempty"`
	Data      JSONMap    `json:"data,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

// NewWSMessage stamps a frame with the sender and the current time.
func NewWSMessage(msgType string, userID UserIDType, data JSONMap) WSMessage {
	return WSMessage{
		Type:      msgType,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Validate rejects frames the router should never see.
func (m WSMessage) Validate() error {
	if m.Type == "" {
		return errors.New("message type cannot be empty")
	}
	if len(m.Type) > 64 {
		return errors.New("message type too long")
	}
	return nil
}

// --- Notifications ---

// NotificationType tags the origin of a notification.
type NotificationType string

const (
	NotifyMention        NotificationType = "mention"
	NotifyCommentReply   NotificationType = "comment_reply"
	NotifyArtifactUpdate NotificationType = "artifact_update"
	NotifySystem         NotificationType = "system"
)

// NotificationPriority orders delivery urgency.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Delivery channels a notification may request.
const (
	ChannelWebsocket = "websocket"
	ChannelEmail     = "email"
	ChannelPush      = "push"
)

// --- Activities ---

// ActivityType tags entries in the artifact history log.
type ActivityType string

const (
	ActivityEdit          ActivityType = "edit"
	ActivityCommentAdd    ActivityType = "comment_add"
	ActivityCommentUpdate ActivityType = "comment_update"
	ActivityCommentDelete ActivityType = "comment_delete"
	ActivityJoin          ActivityType = "join"
	ActivityLeave         ActivityType = "leave"
)

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ClientInterface defines the behavior the collaboration hub requires from a
// connected transport client. The concrete implementation lives in the collab
// package; tests substitute mocks.
type ClientInterface interface {
	GetUserID() UserIDType
	GetSessionID() SessionIDType
	GetUserData() UserData
	SendJSON(msg WSMessage) error
	Disconnect()
}

// UserDirectory resolves user identities for the hub and the notification
// service. Backed by the durable store in production.
type UserDirectory interface {
	UserExists(ctx context.Context, id UserIDType) (bool, error)
	DisplayName(ctx context.Context, id UserIDType) (DisplayNameType, error)
	UserIDByUsername(ctx context.Context, username string) (UserIDType, error)
}
