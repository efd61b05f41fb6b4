package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/loan-assistant/internal/models"
)

func TestRequireSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	jm, err := NewJWTManager("secret")
	require.NoError(t, err)
	token, err := jm.GenerateToken(context.Background(), "session-1", time.Hour)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/sessions/:id", RequireSession(jm, "id"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"session_id": c.GetString(SessionIDKey)})
	})

	tests := []struct {
		name           string
		path           string
		header         string
		expectedStatus int
		expectedCode   string
	}{
		{name: "bearer_header", path: "/sessions/session-1", header: "Bearer " + token, expectedStatus: http.StatusOK},
		{name: "query_token", path: "/sessions/session-1?token=" + token, expectedStatus: http.StatusOK},
		{name: "missing_token", path: "/sessions/session-1", expectedStatus: http.StatusUnauthorized, expectedCode: models.ErrCodeUnauthorized},
		{name: "bad_scheme", path: "/sessions/session-1", header: "Basic " + token, expectedStatus: http.StatusUnauthorized, expectedCode: models.ErrCodeUnauthorized},
		{name: "invalid_token", path: "/sessions/session-1", header: "Bearer nope", expectedStatus: http.StatusUnauthorized, expectedCode: models.ErrCodeUnauthorized},
		{name: "other_session", path: "/sessions/session-2", header: "Bearer " + token, expectedStatus: http.StatusForbidden, expectedCode: models.ErrCodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedCode != "" {
				var resp models.ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.expectedCode, resp.Code)
			} else {
				assert.Contains(t, w.Body.String(), "session-1")
			}
		})
	}
}
