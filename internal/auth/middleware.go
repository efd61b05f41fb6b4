package auth

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/loan-assistant/internal/models"
)

var middlewareTracer = otel.Tracer("auth-middleware")

const (
	// SessionIDKey is the gin context key holding the token's session id
	SessionIDKey = "session_id"
	// ClaimsKey is the gin context key holding the parsed claims
	ClaimsKey = "claims"
)

// RequireSession is a Gin middleware that accepts a session token from the
// Authorization header, or from the token query parameter for WebSocket
// clients, and rejects it unless it was issued for the :param path session.
func RequireSession(jwtManager *JWTManager, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_session")
		defer span.End()

		token := extractToken(c)
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: "Missing session token",
				Code:  models.ErrCodeUnauthorized,
			})
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			log.Printf(`{"level":"warn","message":"Invalid session token","error":%q}`, err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: "Invalid or expired session token",
				Code:  models.ErrCodeUnauthorized,
			})
			return
		}

		sessionID := c.Param(param)
		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("session.id", sessionID),
		)
		if claims.SessionID != sessionID {
			span.SetAttributes(attribute.Bool("auth.session_match", false))
			log.Printf(`{"level":"warn","message":"Session token used for another session","token_session_id":%q,"path_session_id":%q}`,
				claims.SessionID, sessionID)
			c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
				Error: "Token does not grant access to this session",
				Code:  models.ErrCodeForbidden,
			})
			return
		}

		c.Set(SessionIDKey, claims.SessionID)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	const prefix = "Bearer "
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, prefix) {
			return ""
		}
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(c.Query("token"))
}

// BearerToken returns the raw token presented with the request
func BearerToken(c *gin.Context) string {
	return extractToken(c)
}
