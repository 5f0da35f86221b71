package api

import (
	"strings"
	"unicode/utf8"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxListLimit = 200

type createCommentRequest struct {
	Content     string         `json:"content" binding:"required"`
	ContentType string         `json:"content_type"`
	ParentID    string         `json:"parent_id"`
	Position    map[string]any `json:"position"`
	Mentions    []string       `json:"mentions"`
}

// CreateComment handles POST /artifacts/:artifactId/comments.
func (s *Server) CreateComment(c *gin.Context) {
	var req createCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "invalid comment payload", err))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(c, types.E(types.KindValidation, "comment content cannot be empty"))
		return
	}

	ctx := c.Request.Context()
	artifactID := types.ArtifactIDType(c.Param("artifactId"))
	author := currentUser(c)

	comment := &store.Comment{
		ArtifactID:  string(artifactID),
		AuthorID:    string(author),
		Content:     req.Content,
		ContentType: req.ContentType,
		Position:    types.JSONMap(req.Position),
		Mentions:    types.StringList(req.Mentions),
	}
	if req.ParentID != "" {
		comment.ParentID = &req.ParentID
	}

	if err := s.deps.Store.CreateComment(ctx, comment); err != nil {
		respondError(c, err)
		return
	}

	s.recordCommentActivity(c, author, artifactID, types.ActivityCommentAdd, "added a comment", comment.ID)
	s.notifyForComment(c, author, comment)
	s.broadcastComment(artifactID, types.MsgCommentAdd, author, comment)

	c.JSON(201, gin.H{"comment": comment})
}

// ListComments handles GET /artifacts/:artifactId/comments.
func (s *Server) ListComments(c *gin.Context) {
	artifactID := types.ArtifactIDType(c.Param("artifactId"))
	limit := queryInt(c, "limit", 50, maxListLimit)

	comments, err := s.deps.Store.ListComments(c.Request.Context(), artifactID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"comments": comments, "count": len(comments)})
}

type updateCommentRequest struct {
	Content string `json:"content" binding:"required"`
}

// UpdateComment handles PUT /artifacts/:artifactId/comments/:commentId.
// Author-only; others get Forbidden.
func (s *Server) UpdateComment(c *gin.Context) {
	var req updateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "invalid comment payload", err))
		return
	}

	artifactID := types.ArtifactIDType(c.Param("artifactId"))
	author := currentUser(c)

	comment, err := s.deps.Store.UpdateComment(c.Request.Context(), c.Param("commentId"), author, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	s.recordCommentActivity(c, author, artifactID, types.ActivityCommentUpdate, "edited a comment", comment.ID)
	s.broadcastComment(artifactID, types.MsgCommentUpdate, author, comment)

	c.JSON(200, gin.H{"comment": comment})
}

// DeleteComment handles DELETE /artifacts/:artifactId/comments/:commentId.
func (s *Server) DeleteComment(c *gin.Context) {
	artifactID := types.ArtifactIDType(c.Param("artifactId"))
	author := currentUser(c)
	commentID := c.Param("commentId")

	if err := s.deps.Store.DeleteComment(c.Request.Context(), commentID, author); err != nil {
		respondError(c, err)
		return
	}

	s.recordCommentActivity(c, author, artifactID, types.ActivityCommentDelete, "deleted a comment", commentID)
	if s.deps.Hub != nil {
		s.deps.Hub.BroadcastToArtifact(artifactID, types.NewWSMessage(types.MsgCommentDelete, author, types.JSONMap{
			"comment_id": commentID,
		}))
	}

	c.JSON(200, gin.H{"deleted": commentID})
}

type resolveCommentRequest struct {
	Resolved *bool `json:"resolved" binding:"required"`
}

// ResolveComment handles POST /artifacts/:artifactId/comments/:commentId/resolve.
func (s *Server) ResolveComment(c *gin.Context) {
	var req resolveCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "resolved flag is required", err))
		return
	}

	comment, err := s.deps.Store.ResolveComment(c.Request.Context(), c.Param("commentId"), currentUser(c), *req.Resolved)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"comment": comment})
}

type reactionRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

// ToggleReaction handles POST /artifacts/:artifactId/comments/:commentId/reactions.
// Reacting twice with the same symbol removes the reaction.
func (s *Server) ToggleReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "reaction symbol is required", err))
		return
	}

	comment, added, err := s.deps.Store.ToggleReaction(c.Request.Context(), c.Param("commentId"), currentUser(c), req.Symbol)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"comment": comment, "added": added})
}

// ListActivity handles GET /artifacts/:artifactId/activity.
func (s *Server) ListActivity(c *gin.Context) {
	artifactID := types.ArtifactIDType(c.Param("artifactId"))
	limit := queryInt(c, "limit", 50, maxListLimit)
	offset := queryInt(c, "offset", 0, 0)

	activities, err := s.deps.Store.ListActivities(c.Request.Context(), artifactID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	// Optional type filter, e.g. ?types[]=edit&types[]=comment_add.
	if wanted := c.QueryArray("types[]"); len(wanted) > 0 {
		keep := make(map[string]bool, len(wanted))
		for _, t := range wanted {
			keep[t] = true
		}
		filtered := activities[:0]
		for _, a := range activities {
			if keep[string(a.Type)] {
				filtered = append(filtered, a)
			}
		}
		activities = filtered
	}

	c.JSON(200, gin.H{"activities": activities, "count": len(activities)})
}

// ArtifactPresence handles GET /artifacts/:artifactId/presence.
func (s *Server) ArtifactPresence(c *gin.Context) {
	if s.deps.Presence == nil {
		c.JSON(200, gin.H{"presence": []any{}})
		return
	}

	records, err := s.deps.Presence.ArtifactPresence(c.Request.Context(), types.ArtifactIDType(c.Param("artifactId")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"presence": records, "count": len(records)})
}

// --- helpers shared by the comment handlers ---

func (s *Server) recordCommentActivity(c *gin.Context, user types.UserIDType, artifact types.ArtifactIDType, aType types.ActivityType, description, commentID string) {
	a := &store.Activity{
		ArtifactID:       string(artifact),
		UserID:           string(user),
		Type:             aType,
		Category:         "collaboration",
		Description:      description,
		RelatedCommentID: &commentID,
	}
	if err := s.deps.Store.RecordActivity(c.Request.Context(), a); err != nil {
		logging.Warn(c.Request.Context(), "Failed to record activity", zap.Error(err))
	}
}

// notifyForComment mirrors the hub's comment_add notification flow for
// REST-created comments.
func (s *Server) notifyForComment(c *gin.Context, author types.UserIDType, comment *store.Comment) {
	if s.deps.Notifier == nil {
		return
	}
	ctx := c.Request.Context()
	artifact := types.ArtifactIDType(comment.ArtifactID)

	excerpt := commentExcerpt(comment.Content, 120)

	for _, mention := range comment.Mentions {
		handle := strings.TrimPrefix(mention, "@")
		if handle == "" || s.deps.Users == nil {
			continue
		}
		mentioned, err := s.deps.Users.UserIDByUsername(ctx, handle)
		if err != nil || mentioned == author {
			continue
		}
		if _, err := s.deps.Notifier.MentionNotification(ctx, mentioned, author, artifact, comment.ID, excerpt); err != nil {
			logging.Warn(ctx, "Failed to create mention notification", zap.Error(err))
		}
	}

	if comment.ParentID != nil {
		parent, err := s.deps.Store.GetComment(ctx, *comment.ParentID)
		if err != nil {
			return
		}
		if _, err := s.deps.Notifier.CommentReplyNotification(ctx, types.UserIDType(parent.AuthorID), author, artifact, comment.ID, excerpt); err != nil {
			logging.Warn(ctx, "Failed to create reply notification", zap.Error(err))
		}
	}
}

// commentExcerpt truncates s to at most max bytes, backing up to a rune
// boundary so a multi-byte character is never split.
func commentExcerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (s *Server) broadcastComment(artifact types.ArtifactIDType, msgType string, author types.UserIDType, comment *store.Comment) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.BroadcastToArtifact(artifact, types.NewWSMessage(msgType, author, types.JSONMap{
		"comment_id":  comment.ID,
		"artifact_id": comment.ArtifactID,
		"author_id":   comment.AuthorID,
		"content":     comment.Content,
		"edited":      comment.Edited,
	}))
}
