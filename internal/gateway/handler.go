package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/loan-assistant/internal/auth"
	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
	"github.com/bizmatters/loan-assistant/internal/orchestration"
	"github.com/bizmatters/loan-assistant/internal/session"
)

// maxUploadBytes caps the multipart body; the document validator enforces
// the per-file limit
const maxUploadBytes = 6 << 20

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	service    *orchestration.Service
	jwtManager *auth.JWTManager
	chat       *ChatSocket
	tokenTTL   time.Duration
}

// NewHandler creates a new gateway handler. Session tokens live as long as
// tokenTTL, which should match the session store TTL.
func NewHandler(service *orchestration.Service, jwtManager *auth.JWTManager, tokenTTL time.Duration) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = session.DefaultTTL
	}
	return &Handler{
		service:    service,
		jwtManager: jwtManager,
		chat:       NewChatSocket(service),
		tokenTTL:   tokenTTL,
	}
}

// RegisterRoutes mounts the session API on group
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/sessions", h.CreateSession)

	sessions := group.Group("/sessions/:id", auth.RequireSession(h.jwtManager, "id"))
	{
		sessions.GET("", h.GetSession)
		sessions.DELETE("", h.EndSession)
		sessions.POST("/input", h.SubmitInput)
		sessions.POST("/back", h.GoBack)
		sessions.POST("/reset", h.Reset)
		sessions.POST("/documents/:slot", h.UploadDocument)
		sessions.GET("/sanction-letter", h.GetSanctionLetter)
		sessions.GET("/events", h.GetEvents)
		sessions.POST("/token", h.RefreshToken)
	}

	group.GET("/ws/sessions/:id/chat", auth.RequireSession(h.jwtManager, "id"), h.chat.StreamChat)
}

// CreateSessionResponse carries the new session and the token bound to it
type CreateSessionResponse struct {
	Token   string      `json:"token"`
	Session SessionView `json:"session"`
}

// SubmitInputRequest is one applicant answer
type SubmitInputRequest struct {
	Input string `json:"input" binding:"required"`
}

// TokenResponse is a refreshed session token
type TokenResponse struct {
	Token string `json:"token"`
}

// EventsResponse lists the audit trail of a session
type EventsResponse struct {
	Events []models.SessionEvent `json:"events"`
}

// CreateSession godoc
// @Summary Start a loan application
// @Description Create a session, greet the applicant and return a token bound to the session
// @Tags sessions
// @Produce json
// @Success 201 {object} CreateSessionResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /sessions [post]
func (h *Handler) CreateSession(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := h.service.StartSession(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	token, err := h.jwtManager.GenerateToken(ctx, state.SessionID, h.tokenTTL)
	if err != nil {
		log.Printf(`{"level":"error","message":"Failed to issue session token","session_id":"%s","error":"%v"}`, state.SessionID, err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		Token:   token,
		Session: newSessionView(state),
	})
}

// GetSession godoc
// @Summary Get session
// @Description Return the current application snapshot with derived prompt, options and masked identifiers
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} SessionView
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /sessions/{id} [get]
func (h *Handler) GetSession(c *gin.Context) {
	state, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(state))
}

// SubmitInput godoc
// @Summary Answer the current step
// @Description Submit applicant input; invalid answers keep the step and set an error message
// @Tags sessions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Param request body SubmitInputRequest true "Applicant input"
// @Success 200 {object} SessionView
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Router /sessions/{id}/input [post]
func (h *Handler) SubmitInput(c *gin.Context) {
	var req SubmitInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid request",
			Code:  models.ErrCodeInvalidRequest,
		})
		return
	}

	state, err := h.service.SubmitInput(c.Request.Context(), c.Param("id"), req.Input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(state))
}

// GoBack godoc
// @Summary Go back one step
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} SessionView
// @Failure 409 {object} models.ErrorResponse
// @Router /sessions/{id}/back [post]
func (h *Handler) GoBack(c *gin.Context) {
	state, err := h.service.GoBack(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(state))
}

// Reset godoc
// @Summary Restart the application
// @Description Discard collected data and start again from the first question
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} SessionView
// @Failure 409 {object} models.ErrorResponse
// @Router /sessions/{id}/reset [post]
func (h *Handler) Reset(c *gin.Context) {
	state, err := h.service.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(state))
}

// EndSession godoc
// @Summary End session
// @Tags sessions
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Router /sessions/{id} [delete]
func (h *Handler) EndSession(c *gin.Context) {
	if err := h.service.EndSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadDocument godoc
// @Summary Upload a required document
// @Description Store one document slot. Slots upload independently and may run in parallel.
// @Tags documents
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Param slot path string true "Document slot" Enums(salary_slip, bank_statement, address_proof, selfie)
// @Param file formData file true "Document file"
// @Success 200 {object} SessionView
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /sessions/{id}/documents/{slot} [post]
func (h *Handler) UploadDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	header, err := c.FormFile("file")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: loanflow.ValidateFile(tooLarge.Limit, "").Reason,
			Code:  models.ErrCodeValidationFailed,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "A file is required in the \"file\" form field",
			Code:  models.ErrCodeInvalidRequest,
		})
		return
	}

	file, err := header.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	state, err := h.service.UploadDocument(c.Request.Context(), c.Param("id"), loanflow.DocumentSlot(c.Param("slot")), orchestration.DocumentFile{
		FileName: header.Filename,
		MIMEType: mimeType,
		Size:     header.Size,
		Content:  file,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(state))
}

// GetSanctionLetter godoc
// @Summary Get sanction letter
// @Description Return the issued sanction letter and whether its content hash still matches
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} SanctionLetterView
// @Failure 404 {object} models.ErrorResponse
// @Router /sessions/{id}/sanction-letter [get]
func (h *Handler) GetSanctionLetter(c *gin.Context) {
	state, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if state.SanctionLetter == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: "No sanction letter has been issued for this application",
			Code:  models.ErrCodeSanctionNotIssued,
		})
		return
	}
	c.JSON(http.StatusOK, SanctionLetterView{
		SanctionLetter: *state.SanctionLetter,
		Valid:          loanflow.VerifySanctionLetter(*state.SanctionLetter),
	})
}

// GetEvents godoc
// @Summary List session events
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} EventsResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /sessions/{id}/events [get]
func (h *Handler) GetEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []models.SessionEvent{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: events})
}

// RefreshToken godoc
// @Summary Refresh session token
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} TokenResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /sessions/{id}/token [post]
func (h *Handler) RefreshToken(c *gin.Context) {
	token, err := h.jwtManager.RefreshToken(c.Request.Context(), auth.BearerToken(c), h.tokenTTL)
	if err != nil {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Error: "Invalid session token",
			Code:  models.ErrCodeUnauthorized,
		})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token})
}

// errorStatus maps service errors onto HTTP status codes and error codes
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, models.ErrCodeSessionNotFound
	case errors.Is(err, orchestration.ErrSessionBusy), errors.Is(err, orchestration.ErrUploadInProgress),
		errors.Is(err, session.ErrConflict):
		return http.StatusConflict, models.ErrCodeSessionBusy
	case errors.Is(err, orchestration.ErrSessionClosed):
		return http.StatusConflict, models.ErrCodeSessionClosed
	case errors.Is(err, orchestration.ErrInputNotExpected),
		errors.Is(err, orchestration.ErrUploadNotExpected),
		errors.Is(err, loanflow.ErrProtocolViolation):
		return http.StatusConflict, models.ErrCodeProtocolViolation
	case errors.Is(err, orchestration.ErrUnknownDocumentSlot), errors.Is(err, loanflow.ErrInvalidAction):
		return http.StatusBadRequest, models.ErrCodeValidationFailed
	case errors.Is(err, orchestration.ErrUpstreamUnavailable), errors.Is(err, orchestration.ErrChatUnavailable):
		return http.StatusServiceUnavailable, models.ErrCodeUpstreamUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, models.ErrCodeUpstreamUnavailable
	}
	return http.StatusInternalServerError, models.ErrCodeInternalError
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf(`{"level":"error","message":"Request failed","path":"%s","error":"%v"}`, c.FullPath(), err)
		message = "Internal server error"
	}
	_ = c.Error(err)
	c.JSON(status, models.ErrorResponse{Error: message, Code: code})
}
