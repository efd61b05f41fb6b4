package models

import (
	"time"
)

// SessionEvent is one entry of the loan session audit trail. Events are
// written in the same transaction as the session snapshot they describe.
type SessionEvent struct {
	ID        string                 `json:"id" db:"id"`
	SessionID string                 `json:"session_id" db:"session_id"`
	EventType string                 `json:"event_type" db:"event_type"`
	Step      string                 `json:"step" db:"step"`
	EventData map[string]interface{} `json:"event_data" db:"event_data"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
}

// Event types
const (
	EventTypeSessionStarted    = "session.started"
	EventTypeSessionReset      = "session.reset"
	EventTypeSessionClosed     = "session.closed"
	EventTypeStepChanged       = "step.changed"
	EventTypeInputRejected     = "input.rejected"
	EventTypeCreditEvaluated   = "credit.evaluated"
	EventTypeOfferGenerated    = "offer.generated"
	EventTypeOfferAccepted     = "offer.accepted"
	EventTypeDocumentUploaded  = "document.uploaded"
	EventTypeDocumentFailed    = "document.failed"
	EventTypeApprovalDecided   = "approval.decided"
	EventTypeSanctionIssued    = "sanction.issued"
	EventTypeCollaboratorError = "collaborator.error"
)
