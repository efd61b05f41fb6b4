package models

import (
	"encoding/json"
)

// CreditEvaluateRequest is sent to the credit evaluation service
type CreditEvaluateRequest struct {
	PAN           string  `json:"pan"`
	Aadhaar       string  `json:"aadhaar"`
	MonthlyIncome float64 `json:"monthly_income"`
}

// CreditEvaluateResponse is the credit evaluation outcome
type CreditEvaluateResponse struct {
	Status      string `json:"status"`
	Score       int    `json:"score"`
	EvaluatedAt string `json:"evaluated_at"`
}

// VerifyOTPRequest carries the code typed by the applicant
type VerifyOTPRequest struct {
	OTP       string `json:"otp"`
	SessionID string `json:"session_id,omitempty"`
}

// VerifyOTPResponse reports whether the code matched
type VerifyOTPResponse struct {
	Valid bool `json:"valid"`
}

// ApprovalRequest asks for the final approval decision
type ApprovalRequest struct {
	SessionID string `json:"session_id"`
}

// ApprovalResponse is the final approval decision
type ApprovalResponse struct {
	Status string `json:"status"`
}

// DocumentVerification is the optional verification block of an upload response
type DocumentVerification struct {
	Verified bool     `json:"verified"`
	Reason   string   `json:"reason,omitempty"`
	Checks   []string `json:"checks,omitempty"`
}

// UploadResponse is returned by the document upload endpoint
type UploadResponse struct {
	URL          string                `json:"url"`
	Filename     string                `json:"filename"`
	DocType      string                `json:"doc_type"`
	SessionID    string                `json:"session_id"`
	Verification *DocumentVerification `json:"verification,omitempty"`
}

// ChatStreamRequest starts a streamed chat turn
type ChatStreamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// ChatStreamFrame is the JSON payload of one `data:` line. Token text arrives
// in Value (a JSON string) or Content depending on the backend version.
type ChatStreamFrame struct {
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value,omitempty"`
	Content string          `json:"content,omitempty"`
	Message string          `json:"message,omitempty"`
	Status  string          `json:"status,omitempty"`
}

// ChatMeta carries side-channel signals of a chat stream
type ChatMeta struct {
	RequiresUpload    bool            `json:"requires_upload,omitempty"`
	RequiredDocuments []string        `json:"required_documents,omitempty"`
	SanctionLetter    json.RawMessage `json:"sanction_letter,omitempty"`
	Status            string          `json:"status,omitempty"`
}
