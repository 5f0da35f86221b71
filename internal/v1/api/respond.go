package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/auth"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFromKind maps the error taxonomy onto HTTP status codes.
func statusFromKind(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindUpstream:
		return http.StatusBadGateway
	case types.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the kinded error as a JSON body. Internal details stay
// in the logs; the client sees the stable kind and message.
func respondError(c *gin.Context, err error) {
	kind := types.KindOf(err)
	status := statusFromKind(kind)
	if status >= http.StatusInternalServerError {
		logging.Error(c.Request.Context(), "Request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    string(kind),
			"message": types.MessageOf(err),
		},
	})
}

// currentUser reads the authenticated subject placed by AuthMiddleware.
func currentUser(c *gin.Context) types.UserIDType {
	if claims, ok := c.Get("claims"); ok {
		if cc, ok := claims.(*auth.CustomClaims); ok {
			return types.UserIDType(cc.Subject)
		}
	}
	return ""
}

// AuthMiddleware validates the Authorization bearer token and stores the
// claims for downstream handlers. With skipAuth set (development), a missing
// token falls back to a fixed dev identity instead of rejecting.
func AuthMiddleware(validator types.TokenValidator, skipAuth bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			if skipAuth {
				claims := &auth.CustomClaims{}
				claims.Subject = "dev-user-123"
				c.Set("claims", claims)
				c.Next()
				return
			}
			respondError(c, types.E(types.KindUnauthorized, "missing bearer token"))
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			respondError(c, types.Wrap(types.KindUnauthorized, "invalid token", err))
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// queryInt reads an integer query parameter with bounds.
func queryInt(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
