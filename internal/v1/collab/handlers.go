package collab

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// commentExcerptLen bounds the comment text quoted inside notifications.
const commentExcerptLen = 120

// Deliver routes one inbound frame. Ephemeral events update room state and
// fan out; comment events write through to the store first and report
// failures to the sender only.
func (r *Room) Deliver(ctx context.Context, sender types.ClientInterface, msg types.WSMessage) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}()

	if err := msg.Validate(); err != nil {
		r.sendError(sender, types.KindValidation, err.Error())
		metrics.CollabEvents.WithLabelValues("invalid", "rejected").Inc()
		return
	}

	// The hub stamps the sender; inbound user_id fields are never trusted.
	msg.UserID = sender.GetUserID()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()

	ok := true
	switch msg.Type {
	case types.MsgCursorMove:
		r.handleCursorMove(ctx, sender, msg)
	case types.MsgSelectionChange:
		r.handleSelectionChange(sender, msg)
	case types.MsgViewportChange:
		r.handleViewportChange(sender, msg)
	case types.MsgTypingStart:
		r.handleTyping(ctx, sender, msg, true)
	case types.MsgTypingStop:
		r.handleTyping(ctx, sender, msg, false)
	case types.MsgArtifactEdit:
		r.handleArtifactEdit(ctx, sender, msg)
	case types.MsgCommentAdd:
		ok = r.handleCommentAdd(ctx, sender, msg)
	case types.MsgCommentUpdate:
		ok = r.handleCommentUpdate(ctx, sender, msg)
	case types.MsgCommentDelete:
		ok = r.handleCommentDelete(ctx, sender, msg)
	case types.MsgGetComments:
		ok = r.handleGetComments(ctx, sender, msg)
	default:
		r.sendError(sender, types.KindValidation, "unknown message type: "+msg.Type)
		metrics.CollabEvents.WithLabelValues("unknown", "rejected").Inc()
		return
	}

	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	metrics.CollabEvents.WithLabelValues(msg.Type, outcome).Inc()
}

// --- ephemeral events ---

func (r *Room) handleCursorMove(ctx context.Context, sender types.ClientInterface, msg types.WSMessage) {
	cursor := types.Cursor{
		Line:   msg.Data.Int("line"),
		Column: msg.Data.Int("col"),
	}

	r.mu.Lock()
	state, ok := r.cursors[sender.GetUserID()]
	if !ok {
		state = &cursorState{}
		r.cursors[sender.GetUserID()] = state
	}
	state.Cursor = cursor
	r.mu.Unlock()

	r.broadcast(msg, sender.GetUserID())

	if r.deps.Presence != nil {
		if err := r.deps.Presence.UpdateCursor(ctx, sender.GetUserID(), r.ArtifactID, cursor); err != nil {
			logging.Warn(ctx, "Failed to mirror cursor to presence", zap.Error(err))
		}
	}
}

func (r *Room) handleSelectionChange(sender types.ClientInterface, msg types.WSMessage) {
	selection := &types.Selection{}
	if startData, ok := msg.Data["start"].(map[string]any); ok {
		selection.Start = types.Cursor{
			Line:   types.JSONMap(startData).Int("line"),
			Column: types.JSONMap(startData).Int("col"),
		}
	}
	if endData, ok := msg.Data["end"].(map[string]any); ok {
		selection.End = types.Cursor{
			Line:   types.JSONMap(endData).Int("line"),
			Column: types.JSONMap(endData).Int("col"),
		}
	}

	r.mu.Lock()
	state, ok := r.cursors[sender.GetUserID()]
	if !ok {
		state = &cursorState{}
		r.cursors[sender.GetUserID()] = state
	}
	state.Selection = selection
	r.mu.Unlock()

	r.broadcast(msg, sender.GetUserID())
}

func (r *Room) handleViewportChange(sender types.ClientInterface, msg types.WSMessage) {
	r.mu.Lock()
	r.viewports[sender.GetUserID()] = types.Viewport{
		TopLine:    msg.Data.Int("top_line"),
		BottomLine: msg.Data.Int("bottom_line"),
	}
	r.mu.Unlock()

	r.broadcast(msg, sender.GetUserID())
}

func (r *Room) handleTyping(ctx context.Context, sender types.ClientInterface, msg types.WSMessage, started bool) {
	r.mu.Lock()
	if started {
		r.typing.Insert(string(sender.GetUserID()))
	} else {
		r.typing.Delete(string(sender.GetUserID()))
	}
	r.mu.Unlock()

	r.broadcast(msg, sender.GetUserID())

	if r.deps.Presence != nil {
		label := types.ActivityViewing
		if started {
			label = types.ActivityTyping
		}
		if err := r.deps.Presence.UpdateActivity(ctx, sender.GetUserID(), r.ArtifactID, label); err != nil {
			logging.Warn(ctx, "Failed to mirror activity to presence", zap.Error(err))
		}
	}
}

func (r *Room) handleArtifactEdit(ctx context.Context, sender types.ClientInterface, msg types.WSMessage) {
	r.broadcast(msg, sender.GetUserID())

	r.recordActivity(ctx, sender.GetUserID(), types.ActivityEdit, "edited the artifact", msg.Data)

	if r.deps.Presence != nil {
		if err := r.deps.Presence.UpdateActivity(ctx, sender.GetUserID(), r.ArtifactID, types.ActivityEditing); err != nil {
			logging.Warn(ctx, "Failed to mirror activity to presence", zap.Error(err))
		}
	}

	// Everyone currently in the room learns about the edit; the notifier
	// skips the editor.
	if r.deps.Notifier != nil {
		if err := r.deps.Notifier.ArtifactUpdateNotification(ctx, r.UserIDs(), sender.GetUserID(), r.ArtifactID,
			msg.Data.String("description")); err != nil {
			logging.Warn(ctx, "Failed to create artifact update notifications", zap.Error(err))
		}
	}
}

// --- comment write-through ---

func (r *Room) handleCommentAdd(ctx context.Context, sender types.ClientInterface, msg types.WSMessage) bool {
	if r.deps.Comments == nil {
		r.sendError(sender, types.KindInternal, "comments are not available")
		return false
	}

	content := msg.Data.String("content")
	if strings.TrimSpace(content) == "" {
		r.sendError(sender, types.KindValidation, "comment content cannot be empty")
		return false
	}

	comment := &store.Comment{
		ArtifactID:  string(r.ArtifactID),
		AuthorID:    string(sender.GetUserID()),
		Content:     content,
		ContentType: msg.Data.String("content_type"),
		Mentions:    types.StringList(msg.Data.Strings("mentions")),
	}
	if parentID := msg.Data.String("parent_id"); parentID != "" {
		comment.ParentID = &parentID
	}
	if position, ok := msg.Data["position"].(map[string]any); ok {
		comment.Position = types.JSONMap(position)
	}

	if err := r.deps.Comments.CreateComment(ctx, comment); err != nil {
		logging.Error(ctx, "Failed to persist comment", zap.Error(err))
		r.sendError(sender, types.KindOf(err), types.MessageOf(err))
		return false
	}

	r.recordActivity(ctx, sender.GetUserID(), types.ActivityCommentAdd, "added a comment", types.JSONMap{
		"comment_id": comment.ID,
	})
	r.notifyForComment(ctx, sender.GetUserID(), comment)

	// Fanout includes the author so its UI learns the server-assigned id.
	r.broadcast(types.NewWSMessage(types.MsgCommentAdd, sender.GetUserID(), commentPayload(comment)), "")
	return true
}

func (r *Room) handleCommentUpdate(ctx context.Context, sender types.ClientInterface, msg types.WSMessage) bool {
	if r.deps.Comments == nil {
		r.sendError(sender, types.KindInternal, "comments are not available")
		return false
	}

	commentID := msg.Data.String("comment_id")
	content := msg.Data.String("content")
	if commentID == "" || strings.TrimSpace(content) == "" {
		r.sendError(sender, types.KindValidation, "comment_id and content are required")
		return false
	}

	comment, err := r.deps.Comments.UpdateComment(ctx, commentID, sender.GetUserID(), content)
	if err != nil {
		r.sendError(sender, types.KindOf(err), types.MessageOf(err))
		return false
	}

	r.recordActivity(ctx, sender.GetUserID(), types.ActivityCommentUpdate, "edited a comment", types.JSONMap{
		"comment_id": comment.ID,
	})
	r.broadcast(types.NewWSMessage(types.MsgCommentUpdate, sender.GetUserID(), commentPayload(comment)), "")
	return true
}

func (r *Room) handleCommentDelete(ctx context.Context, sender types.ClientInterface, msg types.WSMessage) bool {
	if r.deps.Comments == nil {
		r.sendError(sender, types.KindInternal, "comments are not available")
		return false
	}

	commentID := msg.Data.String("comment_id")
	if commentID == "" {
		r.sendError(sender, types.KindValidation, "comment_id is required")
		return false
	}

	if err := r.deps.Comments.DeleteComment(ctx, commentID, sender.GetUserID()); err != nil {
		r.sendError(sender, types.KindOf(err), types.MessageOf(err))
		return false
	}

	r.recordActivity(ctx, sender.GetUserID(), types.ActivityCommentDelete, "deleted a comment", types.JSONMap{
		"comment_id": commentID,
	})
	r.broadcast(types.NewWSMessage(types.MsgCommentDelete, sender.GetUserID(), types.JSONMap{
		"comment_id": commentID,
	}), "")
	return true
}

// handleGetComments answers the sender only with the recent comment list.
func (r *Room) handleGetComments(ctx context.Context, sender types.ClientInterface, msg types.WSMessage) bool {
	if r.deps.Comments == nil {
		r.sendError(sender, types.KindInternal, "comments are not available")
		return false
	}

	limit := msg.Data.Int("limit")
	if limit <= 0 || limit > r.commentLimit {
		limit = r.commentLimit
	}
	comments, err := r.deps.Comments.ListComments(ctx, r.ArtifactID, limit)
	if err != nil {
		r.sendError(sender, types.KindOf(err), types.MessageOf(err))
		return false
	}

	payloads := make([]types.JSONMap, 0, len(comments))
	for i := range comments {
		payloads = append(payloads, commentPayload(&comments[i]))
	}
	_ = sender.SendJSON(types.NewWSMessage(types.MsgCommentList, "", types.JSONMap{
		"comments": payloads,
	}))
	return true
}

// notifyForComment creates mention and reply notifications for one new
// comment. Failures are logged, never surfaced to the author.
func (r *Room) notifyForComment(ctx context.Context, author types.UserIDType, comment *store.Comment) {
	if r.deps.Notifier == nil {
		return
	}

	excerpt := excerptOf(comment.Content, commentExcerptLen)

	for _, mention := range comment.Mentions {
		handle := strings.TrimPrefix(mention, "@")
		if handle == "" || r.deps.Users == nil {
			continue
		}
		mentioned, err := r.deps.Users.UserIDByUsername(ctx, handle)
		if err != nil {
			logging.Warn(ctx, "Could not resolve mention",
				zap.String("handle", handle), zap.Error(err))
			continue
		}
		if mentioned == author {
			continue
		}
		if _, err := r.deps.Notifier.MentionNotification(ctx, mentioned, author, r.ArtifactID, comment.ID, excerpt); err != nil {
			logging.Warn(ctx, "Failed to create mention notification", zap.Error(err))
		}
	}

	if comment.ParentID != nil {
		parent, err := r.deps.Comments.GetComment(ctx, *comment.ParentID)
		if err != nil {
			logging.Warn(ctx, "Could not load parent comment for reply notification", zap.Error(err))
			return
		}
		if _, err := r.deps.Notifier.CommentReplyNotification(ctx, types.UserIDType(parent.AuthorID), author, r.ArtifactID, comment.ID, excerpt); err != nil {
			logging.Warn(ctx, "Failed to create reply notification", zap.Error(err))
		}
	}
}

// excerptOf truncates s to at most max bytes, backing up to a rune boundary
// so a multi-byte character is never split.
func excerptOf(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// sendError reports a failure to one client as an error frame.
func (r *Room) sendError(client types.ClientInterface, kind types.Kind, message string) {
	_ = client.SendJSON(types.NewWSMessage(types.MsgError, "", types.JSONMap{
		"code":    string(kind),
		"message": message,
	}))
}

// commentPayload shapes a comment row for the wire.
func commentPayload(c *store.Comment) types.JSONMap {
	payload := types.JSONMap{
		"comment_id":   c.ID,
		"artifact_id":  c.ArtifactID,
		"author_id":    c.AuthorID,
		"content":      c.Content,
		"content_type": c.ContentType,
		"edited":       c.Edited,
		"resolved":     c.Resolved,
		"created_at":   c.CreatedAt.UnixMilli(),
		"updated_at":   c.UpdatedAt.UnixMilli(),
	}
	if c.ParentID != nil {
		payload["parent_id"] = *c.ParentID
	}
	if c.Position != nil {
		payload["position"] = map[string]any(c.Position)
	}
	if len(c.Mentions) > 0 {
		payload["mentions"] = []string(c.Mentions)
	}
	if len(c.Reactions) > 0 {
		payload["reactions"] = map[string]any(c.Reactions)
	}
	return payload
}
