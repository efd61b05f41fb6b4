package orchestration

import (
	"context"
	"io"
	"time"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
)

// CreditRequest is the input of a credit evaluation
type CreditRequest struct {
	SessionID     string
	PAN           string
	Aadhaar       string
	MonthlyIncome float64
}

// CreditResult is the credit evaluation outcome
type CreditResult struct {
	Status      loanflow.CreditStatus
	Score       int
	EvaluatedAt time.Time
}

// CreditEvaluator scores an applicant
type CreditEvaluator interface {
	EvaluateCredit(ctx context.Context, req CreditRequest) (CreditResult, error)
}

// OTPVerifier checks the one-time code sent to the applicant's mobile
type OTPVerifier interface {
	VerifyOTP(ctx context.Context, sessionID, code string) (bool, error)
}

// UploadRequest describes a document to store. Content is read once.
type UploadRequest struct {
	SessionID string
	Slot      loanflow.DocumentSlot
	FileName  string
	MIMEType  string
	Size      int64
	Content   io.Reader
}

// Verification is the optional outcome of checking an uploaded document
type Verification struct {
	Verified bool
	Reason   string
}

// UploadResult is returned by a successful upload
type UploadResult struct {
	StorageRef   string
	Verification *Verification
}

// ProgressFunc receives upload progress in percent
type ProgressFunc func(percent int)

// DocumentUploader stores applicant documents
type DocumentUploader interface {
	UploadDocument(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error)
}

// ApprovalProcessor makes the final approval decision
type ApprovalProcessor interface {
	ProcessApproval(ctx context.Context, sessionID string) (loanflow.ApprovalStatus, error)
}

// ChatEventType tags one event of a chat stream
type ChatEventType string

const (
	ChatEventToken ChatEventType = "token"
	ChatEventMeta  ChatEventType = "meta"
	ChatEventError ChatEventType = "error"
	ChatEventDone  ChatEventType = "done"
)

// ChatEvent is one ordered element of a streamed chat reply
type ChatEvent struct {
	Type  ChatEventType    `json:"type"`
	Token string           `json:"token,omitempty"`
	Meta  *models.ChatMeta `json:"meta,omitempty"`
	Error string           `json:"error,omitempty"`
}

// ChatStreamer streams a free-form chat reply. The channel is closed after
// the last event; a done or error event is always sent before closing
// unless ctx is cancelled.
type ChatStreamer interface {
	StreamChat(ctx context.Context, sessionID, message string) (<-chan ChatEvent, error)
}

// Collaborators groups the external services the Service depends on
type Collaborators struct {
	Credit   CreditEvaluator
	OTP      OTPVerifier
	Uploader DocumentUploader
	Approval ApprovalProcessor
	Chat     ChatStreamer
}

// Backend is implemented by collaborators that cover every port
type Backend interface {
	CreditEvaluator
	OTPVerifier
	DocumentUploader
	ApprovalProcessor
	IsHealthy(ctx context.Context) bool
}

// CollaboratorsFrom wires a single backend plus a chat streamer
func CollaboratorsFrom(backend Backend, chat ChatStreamer) Collaborators {
	return Collaborators{
		Credit:   backend,
		OTP:      backend,
		Uploader: backend,
		Approval: backend,
		Chat:     chat,
	}
}
