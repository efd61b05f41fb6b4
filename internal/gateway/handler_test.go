package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/loan-assistant/internal/auth"
	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
	"github.com/bizmatters/loan-assistant/internal/orchestration"
	"github.com/bizmatters/loan-assistant/internal/session"
)

var applicantReplies = []string{
	"Salaried",
	"75000",
	"300000",
	"36 months",
	"Ravi Kumar",
	"9876543210",
	"123456",
	"ravi@example.com",
	"ABCDE1234F",
	"123456789012",
	"Yes",
}

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mock := orchestration.NewMockBackend(0)
	svc := orchestration.NewService(
		session.NewMemoryStore(time.Hour),
		orchestration.CollaboratorsFrom(mock, mock),
		orchestration.WithBackendMode("mock"),
	)
	jm, err := auth.NewJWTManager("test-secret-key-for-testing-purposes-only")
	require.NoError(t, err)

	router := gin.New()
	NewHandler(svc, jm, time.Hour).RegisterRoutes(router.Group("/api"))
	return router
}

func perform(router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine) CreateSessionResponse {
	t.Helper()
	w := perform(router, http.MethodPost, "/api/sessions", "", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp CreateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) SessionView {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func submit(t *testing.T, router *gin.Engine, created CreateSessionResponse, inputs ...string) SessionView {
	t.Helper()
	var view SessionView
	for _, input := range inputs {
		w := perform(router, http.MethodPost, "/api/sessions/"+created.Session.SessionID+"/input", created.Token, SubmitInputRequest{Input: input})
		view = decodeView(t, w)
		require.Empty(t, view.Error, "input %q", input)
	}
	return view
}

func pdfContent(size int) []byte {
	return append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), size)...)
}

func upload(router *gin.Engine, created CreateSessionResponse, slot, fileName, mimeType string, content []byte) *httptest.ResponseRecorder {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	header.Set("Content-Type", mimeType)
	part, _ := writer.CreatePart(header)
	_, _ = part.Write(content)
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.Session.SessionID+"/documents/"+slot, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.Token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateSession(t *testing.T) {
	router := setupRouter(t)

	created := createSession(t, router)

	assert.NotEmpty(t, created.Token)
	assert.NotEmpty(t, created.Session.SessionID)
	assert.Equal(t, loanflow.StepEmploymentType, created.Session.CurrentStep)
	assert.Equal(t, loanflow.InputButtons, created.Session.InputKind)
	assert.Equal(t, []string{"Salaried", "Self-Employed"}, created.Session.Options)
	assert.Equal(t, "First, let me know your employment type:", created.Session.Prompt)
	assert.Equal(t, 4, created.Session.UploadSummary.Total)
	assert.False(t, created.Session.Terminal)
}

func TestHandler_SessionAuthorization(t *testing.T) {
	router := setupRouter(t)
	first := createSession(t, router)
	second := createSession(t, router)

	tests := []struct {
		name         string
		token        string
		expectedCode int
		errorCode    string
	}{
		{name: "missing token", token: "", expectedCode: http.StatusUnauthorized, errorCode: models.ErrCodeUnauthorized},
		{name: "garbage token", token: "not-a-jwt", expectedCode: http.StatusUnauthorized, errorCode: models.ErrCodeUnauthorized},
		{name: "token for another session", token: second.Token, expectedCode: http.StatusForbidden, errorCode: models.ErrCodeForbidden},
		{name: "own token", token: first.Token, expectedCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := perform(router, http.MethodGet, "/api/sessions/"+first.Session.SessionID, tt.token, nil)
			assert.Equal(t, tt.expectedCode, w.Code)
			if tt.errorCode != "" {
				assert.Equal(t, tt.errorCode, decodeError(t, w).Code)
			}
		})
	}
}

func TestHandler_FullApplication(t *testing.T) {
	router := setupRouter(t)
	created := createSession(t, router)
	id := created.Session.SessionID
	assert.Empty(t, created.Session.RiskCategory)

	view := submit(t, router, created, applicantReplies...)
	require.Equal(t, loanflow.StepLoanOffer, view.CurrentStep)
	require.NotNil(t, view.CreditEvaluation)
	assert.Equal(t, 750, view.CreditEvaluation.Score)
	assert.Equal(t, loanflow.RiskLow, view.RiskCategory)
	assert.Equal(t, "******3210", view.CollectedData.PersonalDetails.Mobile)
	assert.Equal(t, "AB****4F", view.CollectedData.PersonalDetails.PAN)
	assert.Equal(t, "****-****-9012", view.CollectedData.PersonalDetails.Aadhaar)
	require.NotNil(t, view.LoanOffer)
	assert.Equal(t, "₹3,00,000", view.LoanOffer.Formatted["amount"])
	assert.Equal(t, "₹9,822", view.LoanOffer.Formatted["emi"])
	assert.Equal(t, "₹4,500", view.LoanOffer.Formatted["processingFee"])

	w := perform(router, http.MethodGet, "/api/sessions/"+id+"/sanction-letter", created.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrCodeSanctionNotIssued, decodeError(t, w).Code)

	view = submit(t, router, created, "Accept Offer", "upload")
	require.Equal(t, loanflow.StepDocumentUpload, view.CurrentStep)
	assert.Equal(t, loanflow.InputFileUpload, view.InputKind)

	for _, slot := range loanflow.DocumentSlots {
		view = decodeView(t, upload(router, created, string(slot), "doc.pdf", "application/pdf", pdfContent(2048)))
	}
	assert.True(t, view.AllDocumentsUploaded)
	assert.Equal(t, 4, view.UploadSummary.Uploaded)
	assert.Equal(t, loanflow.StepAwaitingUploadConfirmation, view.CurrentStep)

	view = submit(t, router, created, loanflow.ConfirmationToken)
	assert.Equal(t, loanflow.StepApprovalSuccess, view.CurrentStep)
	require.NotNil(t, view.SanctionLetter)
	assert.True(t, view.SanctionLetter.Valid)

	w = perform(router, http.MethodGet, "/api/sessions/"+id+"/sanction-letter", created.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var letter SanctionLetterView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &letter))
	assert.True(t, letter.Valid)
	assert.Equal(t, "Ravi Kumar", letter.ApplicantName)
	assert.Equal(t, view.SanctionLetter.ReferenceNumber, letter.ReferenceNumber)

	view = submit(t, router, created, "View Sanction Letter")
	assert.True(t, view.Terminal)

	w = perform(router, http.MethodPost, "/api/sessions/"+id+"/input", created.Token, SubmitInputRequest{Input: "hello"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.ErrCodeProtocolViolation, decodeError(t, w).Code)

	w = perform(router, http.MethodGet, "/api/sessions/"+id+"/events", created.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	var types []string
	for _, event := range events.Events {
		types = append(types, event.EventType)
	}
	assert.Contains(t, types, models.EventTypeSessionStarted)
	assert.Contains(t, types, models.EventTypeSanctionIssued)
}

func TestHandler_SubmitInput(t *testing.T) {
	router := setupRouter(t)
	created := createSession(t, router)
	path := "/api/sessions/" + created.Session.SessionID + "/input"

	w := perform(router, http.MethodPost, path, created.Token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeInvalidRequest, decodeError(t, w).Code)

	view := decodeView(t, perform(router, http.MethodPost, path, created.Token, SubmitInputRequest{Input: "Unemployed"}))
	assert.Equal(t, loanflow.StepEmploymentType, view.CurrentStep)
	assert.NotEmpty(t, view.Error)
}

func TestHandler_UploadErrors(t *testing.T) {
	router := setupRouter(t)
	created := createSession(t, router)

	w := upload(router, created, "passport", "doc.pdf", "application/pdf", pdfContent(10))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeValidationFailed, decodeError(t, w).Code)

	w = upload(router, created, string(loanflow.SlotSelfie), "me.jpg", "image/jpeg", []byte("\xFF\xD8\xFF\xE0\x00\x10JFIF\x00"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.ErrCodeProtocolViolation, decodeError(t, w).Code)

	w = upload(router, created, string(loanflow.SlotSelfie), "huge.pdf", "application/pdf", pdfContent(maxUploadBytes))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	tooLarge := decodeError(t, w)
	assert.Equal(t, models.ErrCodeValidationFailed, tooLarge.Code)
	assert.Equal(t, "File size must be less than 5MB", tooLarge.Error)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+created.Session.SessionID+"/documents/selfie", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_BackResetAndEnd(t *testing.T) {
	router := setupRouter(t)
	created := createSession(t, router)
	id := created.Session.SessionID

	view := submit(t, router, created, "Salaried", "75000")
	require.Equal(t, loanflow.StepLoanAmount, view.CurrentStep)

	view = decodeView(t, perform(router, http.MethodPost, "/api/sessions/"+id+"/back", created.Token, nil))
	assert.Equal(t, loanflow.StepMonthlyIncome, view.CurrentStep)

	view = decodeView(t, perform(router, http.MethodPost, "/api/sessions/"+id+"/reset", created.Token, nil))
	assert.Equal(t, loanflow.StepEmploymentType, view.CurrentStep)
	assert.Zero(t, view.CollectedData.MonthlyIncome)

	w := perform(router, http.MethodDelete, "/api/sessions/"+id, created.Token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = perform(router, http.MethodGet, "/api/sessions/"+id, created.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrCodeSessionNotFound, decodeError(t, w).Code)
}

func TestHandler_RefreshToken(t *testing.T) {
	router := setupRouter(t)
	created := createSession(t, router)

	w := perform(router, http.MethodPost, "/api/sessions/"+created.Session.SessionID+"/token", created.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	w = perform(router, http.MethodGet, "/api/sessions/"+created.Session.SessionID, resp.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{session.ErrNotFound, http.StatusNotFound, models.ErrCodeSessionNotFound},
		{fmt.Errorf("wrapped: %w", orchestration.ErrSessionBusy), http.StatusConflict, models.ErrCodeSessionBusy},
		{orchestration.ErrUploadInProgress, http.StatusConflict, models.ErrCodeSessionBusy},
		{fmt.Errorf("failed to save session: %w", session.ErrConflict), http.StatusConflict, models.ErrCodeSessionBusy},
		{orchestration.ErrSessionClosed, http.StatusConflict, models.ErrCodeSessionClosed},
		{orchestration.ErrInputNotExpected, http.StatusConflict, models.ErrCodeProtocolViolation},
		{loanflow.ErrProtocolViolation, http.StatusConflict, models.ErrCodeProtocolViolation},
		{orchestration.ErrUnknownDocumentSlot, http.StatusBadRequest, models.ErrCodeValidationFailed},
		{loanflow.ErrInvalidAction, http.StatusBadRequest, models.ErrCodeValidationFailed},
		{orchestration.ErrUpstreamUnavailable, http.StatusServiceUnavailable, models.ErrCodeUpstreamUnavailable},
		{orchestration.ErrChatUnavailable, http.StatusServiceUnavailable, models.ErrCodeUpstreamUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, models.ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
