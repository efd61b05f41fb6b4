package loanflow

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrProtocolViolation is returned when an action arrives out of order or
	// requires data that has not been collected.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrInvalidAction is returned for malformed payloads.
	ErrInvalidAction = errors.New("invalid action")
)

// Credit scores reported by the evaluation service fall in this range
const (
	MinCreditScore = 300
	MaxCreditScore = 900
)

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidAction, fmt.Sprintf(format, args...))
}

// Reduce applies action to state and returns the next state. state is never
// modified; on error the zero State is returned alongside it and callers keep
// their previous value.
//
// Callers must not dispatch user input while state.IsProcessing is true.
// Reduce does not enforce this; the orchestration layer does.
func Reduce(state State, action Action) (State, error) {
	if action == nil {
		return State{}, invalid("nil action")
	}
	next := state.Clone()
	if err := apply(&next, action); err != nil {
		return State{}, fmt.Errorf("failed to apply %s: %w", action.Kind(), err)
	}
	return next, nil
}

func apply(s *State, action Action) error {
	switch a := action.(type) {
	case SetStep:
		return setStep(s, a.Step)

	case GoBack:
		if s.CurrentStep == StepClosed || len(s.StepHistory) == 0 {
			return nil
		}
		last := len(s.StepHistory) - 1
		s.CurrentStep = s.StepHistory[last]
		s.StepHistory = s.StepHistory[:last]
		s.Error = ""
		s.IsProcessing = false

	case AddMessage:
		msg := a.Message
		if msg.ID == "" {
			return invalid("message id is required")
		}
		if msg.Role != RoleUser && msg.Role != RoleAgent {
			return invalid("unknown role %q", msg.Role)
		}
		if msg.Step == "" {
			msg.Step = s.CurrentStep
		}
		s.Messages = append(s.Messages, msg)

	case AppendAgentToken:
		if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == RoleAgent {
			s.Messages[n-1].Content += a.Token
			return nil
		}
		if a.MessageID == "" {
			return invalid("message id is required to start an agent message")
		}
		s.Messages = append(s.Messages, Message{
			ID:        a.MessageID,
			Role:      RoleAgent,
			Content:   a.Token,
			Timestamp: a.Timestamp,
			Step:      s.CurrentStep,
		})

	case SetEmploymentType:
		if !a.Value.IsValid() {
			return invalid("unknown employment type %q", a.Value)
		}
		s.CollectedData.EmploymentType = a.Value

	case SetMonthlyIncome:
		if !positive(a.Value) {
			return invalid("monthly income must be positive")
		}
		s.CollectedData.MonthlyIncome = a.Value

	case SetLoanAmount:
		if !positive(a.Value) {
			return invalid("loan amount must be positive")
		}
		s.CollectedData.LoanAmount = a.Value

	case SetTenure:
		if !a.Value.IsValid() {
			return invalid("unsupported tenure %d", a.Value)
		}
		s.CollectedData.Tenure = a.Value

	case SetPersonalDetail:
		if err := setPersonalDetail(&s.CollectedData.PersonalDetails, a.Field, a.Value); err != nil {
			return err
		}

	case SetOTPVerified:
		s.CollectedData.OTPVerified = a.Verified

	case SetKYCConsent:
		s.CollectedData.KYCConsent = a.Consent

	case StartCreditEvaluation:
		if !s.CollectedData.KYCConsent {
			return violation("credit evaluation requires KYC consent")
		}
		if s.CreditEvaluation != nil && s.CreditEvaluation.Status == CreditEvaluating && s.IsProcessing {
			return violation("credit evaluation already in progress")
		}
		s.CreditEvaluation = &CreditEvaluation{Status: CreditEvaluating}
		// a new evaluation invalidates any previous offer
		s.LoanOffer = nil
		s.OfferAccepted = false
		s.IsProcessing = true

	case SetCreditEvaluationResult:
		if s.CreditEvaluation == nil || s.CreditEvaluation.Status != CreditEvaluating {
			return violation("credit evaluation result without a started evaluation")
		}
		if a.Status != CreditApproved && a.Status != CreditRejected {
			return invalid("credit evaluation result must be approved or rejected, got %q", a.Status)
		}
		if a.Score < MinCreditScore || a.Score > MaxCreditScore {
			return invalid("credit score %d outside [%d, %d]", a.Score, MinCreditScore, MaxCreditScore)
		}
		status := a.Status
		if a.Score < MinApprovableScore {
			status = CreditRejected
		}
		at := a.EvaluatedAt
		s.CreditEvaluation = &CreditEvaluation{Status: status, Score: a.Score, EvaluatedAt: &at}
		s.IsProcessing = false

	case SetLoanOffer:
		if s.CreditEvaluation == nil || s.CreditEvaluation.Status != CreditApproved {
			return violation("loan offer requires an approved credit evaluation")
		}
		if !positive(a.Offer.Amount) || !a.Offer.Tenure.IsValid() {
			return invalid("loan offer needs a positive amount and a supported tenure")
		}
		offer := a.Offer
		s.LoanOffer = &offer
		s.OfferAccepted = false

	case SetOfferAccepted:
		if a.Accepted && s.LoanOffer == nil {
			return violation("cannot accept an offer that does not exist")
		}
		s.OfferAccepted = a.Accepted

	case UploadDocument:
		if !a.Slot.IsValid() {
			return invalid("unknown document slot %q", a.Slot)
		}
		if s.UploadConfirmed {
			return violation("documents are locked after upload confirmation")
		}
		s.Documents[a.Slot] = Document{
			Status:   DocumentUploading,
			FileName: a.FileName,
			FileSize: a.FileSize,
			MIMEType: a.MIMEType,
		}

	case UpdateDocumentProgress:
		if !a.Slot.IsValid() {
			return invalid("unknown document slot %q", a.Slot)
		}
		if a.Progress < 0 || a.Progress > 100 {
			return invalid("progress %d outside [0, 100]", a.Progress)
		}
		doc := s.Documents[a.Slot]
		if doc.Status != DocumentUploading {
			return violation("progress for %s without a started upload", a.Slot)
		}
		doc.Progress = a.Progress
		if a.Progress == 100 {
			doc.Status = DocumentUploaded
		}
		s.Documents[a.Slot] = doc

	case SetDocumentStatus:
		if !a.Slot.IsValid() {
			return invalid("unknown document slot %q", a.Slot)
		}
		if !a.Status.IsValid() {
			return invalid("unknown document status %q", a.Status)
		}
		if s.UploadConfirmed && a.Status != DocumentUploaded {
			return violation("documents are locked after upload confirmation")
		}
		doc := s.Documents[a.Slot]
		doc.Status = a.Status
		switch a.Status {
		case DocumentUploaded:
			doc.Progress = 100
			if !a.At.IsZero() {
				at := a.At
				doc.UploadedAt = &at
			}
		case DocumentPending:
			doc = Document{Status: DocumentPending}
		}
		if a.StorageRef != "" {
			doc.StorageRef = a.StorageRef
		}
		if a.Verified != nil {
			v := *a.Verified
			doc.Verified = &v
		}
		if a.Note != "" {
			doc.VerificationNote = a.Note
		}
		s.Documents[a.Slot] = doc

	case SetUploadConfirmation:
		if a.Confirmed && !AllDocumentsUploaded(*s) {
			return violation("upload confirmation requires all documents uploaded")
		}
		s.UploadConfirmed = a.Confirmed

	case StartApprovalProcessing:
		if !s.UploadConfirmed || !s.OfferAccepted {
			return violation("approval requires an accepted offer and confirmed uploads")
		}
		if s.ApprovalStatus == ApprovalApproved {
			return violation("application already approved")
		}
		if s.ApprovalStatus == ApprovalPending && s.IsProcessing {
			return violation("approval already in progress")
		}
		s.ApprovalStatus = ApprovalPending
		s.IsProcessing = true

	case SetApprovalStatus:
		if s.ApprovalStatus != ApprovalPending {
			return violation("approval result without started processing")
		}
		if a.Status != ApprovalApproved && a.Status != ApprovalRejected {
			return invalid("approval result must be approved or rejected, got %q", a.Status)
		}
		s.ApprovalStatus = a.Status
		s.IsProcessing = false

	case GenerateSanctionLetter:
		if s.ApprovalStatus != ApprovalApproved {
			return violation("sanction letter requires approval")
		}
		if s.SanctionLetter != nil {
			// issued once; later requests keep the original letter
			return nil
		}
		if s.LoanOffer == nil {
			return violation("sanction letter requires a loan offer")
		}
		if strings.TrimSpace(a.ReferenceNumber) == "" || a.IssuedAt.IsZero() {
			return invalid("sanction letter needs a reference number and issue time")
		}
		letter := NewSanctionLetter(a.ReferenceNumber, s.CollectedData.PersonalDetails.FullName, *s.LoanOffer, a.IssuedAt)
		s.SanctionLetter = &letter

	case SetProcessing:
		s.IsProcessing = a.Processing

	case SetError:
		s.Error = a.Message
		s.IsProcessing = false

	case Close:
		if !a.Reason.IsValid() {
			return invalid("unknown close reason %q", a.Reason)
		}
		if s.CurrentStep != StepClosed {
			s.StepHistory = append(s.StepHistory, s.CurrentStep)
		}
		s.CurrentStep = StepClosed
		s.CloseReason = a.Reason
		s.IsProcessing = false

	case Reset:
		now := a.Now
		if now.IsZero() {
			now = s.CreatedAt
		}
		version := s.Version
		*s = NewState(s.SessionID, now)
		s.Version = version

	default:
		return invalid("unsupported action %T", action)
	}
	return nil
}

func setStep(s *State, step Step) error {
	if !step.IsValid() {
		return invalid("unknown step %q", step)
	}
	if step == StepClosed {
		return violation("use Close to halt an application")
	}
	if s.CurrentStep == StepClosed {
		return violation("application is closed")
	}
	if step != s.CurrentStep {
		truncated := false
		for i, prev := range s.StepHistory {
			if prev == step {
				s.StepHistory = s.StepHistory[:i]
				truncated = true
				break
			}
		}
		if !truncated {
			s.StepHistory = append(s.StepHistory, s.CurrentStep)
		}
		s.CurrentStep = step
	}
	s.Error = ""
	s.IsProcessing = false
	return nil
}

func setPersonalDetail(p *PersonalDetails, field PersonalField, value string) error {
	switch field {
	case FieldFullName:
		p.FullName = value
	case FieldMobile:
		p.Mobile = value
	case FieldEmail:
		p.Email = value
	case FieldPAN:
		p.PAN = value
	case FieldAadhaar:
		p.Aadhaar = value
	default:
		return invalid("unknown personal detail %q", field)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
