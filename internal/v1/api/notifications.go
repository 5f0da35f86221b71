package api

import (
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
)

// ListNotifications handles GET /notifications?limit&unread_only.
func (s *Server) ListNotifications(c *gin.Context) {
	user := currentUser(c)
	limit := queryInt(c, "limit", 50, maxListLimit)
	unreadOnly := c.Query("unread_only") == "true"

	notifications, err := s.deps.Notifier.List(c.Request.Context(), user, unreadOnly, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	// Optional artifact scoping.
	if artifactID := c.Query("artifact_id"); artifactID != "" {
		filtered := notifications[:0]
		for _, n := range notifications {
			if n.ArtifactID == artifactID {
				filtered = append(filtered, n)
			}
		}
		notifications = filtered
	}

	c.JSON(200, gin.H{"notifications": notifications, "count": len(notifications)})
}

type markReadRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// MarkNotificationsRead handles POST /notifications/mark-read. Marking is
// idempotent per id; unknown ids fail the request.
func (s *Server) MarkNotificationsRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "ids list is required", err))
		return
	}

	user := currentUser(c)
	for _, id := range req.IDs {
		if err := s.deps.Notifier.MarkRead(c.Request.Context(), id, user); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(200, gin.H{"marked": len(req.IDs)})
}

// MarkAllNotificationsRead handles POST /notifications/mark-all-read. With
// ?artifact_id set, only that artifact's unread notifications are marked.
func (s *Server) MarkAllNotificationsRead(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)

	if artifactID := c.Query("artifact_id"); artifactID != "" {
		unread, err := s.deps.Notifier.List(ctx, user, true, maxListLimit)
		if err != nil {
			respondError(c, err)
			return
		}
		var marked int64
		for _, n := range unread {
			if n.ArtifactID != artifactID {
				continue
			}
			if err := s.deps.Notifier.MarkRead(ctx, n.ID, user); err != nil {
				respondError(c, err)
				return
			}
			marked++
		}
		c.JSON(200, gin.H{"marked": marked})
		return
	}

	affected, err := s.deps.Notifier.MarkAllRead(ctx, user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"marked": affected})
}

// NotificationCounts handles GET /notifications/counts.
func (s *Server) NotificationCounts(c *gin.Context) {
	counts, err := s.deps.Notifier.Counts(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{"counts": counts})
}
