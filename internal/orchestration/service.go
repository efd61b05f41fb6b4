package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/metrics"
	"github.com/bizmatters/loan-assistant/internal/models"
	"github.com/bizmatters/loan-assistant/internal/session"
)

var (
	// ErrSessionBusy is returned while another transition or an async stage
	// is running for the same session.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionClosed is returned for input to a halted application.
	ErrSessionClosed = errors.New("application is closed")
	// ErrInputNotExpected is returned when the current step takes no input.
	ErrInputNotExpected = errors.New("no input expected at this step")
	// ErrUploadNotExpected is returned for uploads outside the document steps.
	ErrUploadNotExpected = errors.New("documents are not being collected")
	// ErrUploadInProgress is returned when a slot is already uploading.
	ErrUploadInProgress = errors.New("document upload already in progress")
	// ErrUnknownDocumentSlot is returned for slots outside the required set.
	ErrUnknownDocumentSlot = errors.New("unknown document slot")
	// ErrChatUnavailable is returned when no chat streamer is configured.
	ErrChatUnavailable = errors.New("chat is not available")
)

const (
	apologyMessage = "Sorry, I ran into a problem. Please try again."

	stageOTP         = "otp_verification"
	stageCredit      = "credit_evaluation"
	stageUpload      = "document_upload"
	stageApproval    = "approval"
	stageChat        = "chat"
	progressInterval = 25

	// stalledStageTimeout is how long a persisted processing flag is honoured
	// without a live lock holder
	stalledStageTimeout = 5 * time.Minute
)

// Service drives loan application sessions. It loads a session, applies
// actions through loanflow.Reduce under a per-session lock and saves the
// result together with its audit events.
type Service struct {
	store       session.Store
	collab      Collaborators
	metrics     *metrics.FlowMetrics
	tracer      trace.Tracer
	locks       *sessionLocks
	now         func() time.Time
	newID       func() string
	backendMode string
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records flow metrics. A nil recorder is allowed.
func WithMetrics(m *metrics.FlowMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBackendMode labels session metrics with the collaborator mode
func WithBackendMode(mode string) Option {
	return func(s *Service) { s.backendMode = mode }
}

// NewService creates a new orchestration service
func NewService(store session.Store, collab Collaborators, opts ...Option) *Service {
	s := &Service{
		store:       store,
		collab:      collab,
		tracer:      otel.Tracer("loan-orchestration"),
		locks:       newSessionLocks(),
		now:         time.Now,
		newID:       uuid.NewString,
		backendMode: "http",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// turn accumulates the actions and audit events of one transition
type turn struct {
	svc    *Service
	state  loanflow.State
	events []models.SessionEvent
}

func (s *Service) newTurn(state loanflow.State) *turn {
	return &turn{svc: s, state: state}
}

func (t *turn) dispatch(actions ...loanflow.Action) error {
	for _, action := range actions {
		next, err := loanflow.Reduce(t.state, action)
		if err != nil {
			return err
		}
		t.state = next
	}
	return nil
}

func (t *turn) message(role loanflow.Role, content string) error {
	return t.dispatch(loanflow.AddMessage{Message: loanflow.Message{
		ID:        t.svc.newID(),
		Role:      role,
		Content:   content,
		Timestamp: t.svc.now().UTC(),
	}})
}

func (t *turn) say(content string) error {
	return t.message(loanflow.RoleAgent, content)
}

func (t *turn) record(eventType string, data map[string]interface{}) {
	t.events = append(t.events, models.SessionEvent{
		ID:        t.svc.newID(),
		SessionID: t.state.SessionID,
		EventType: eventType,
		Step:      string(t.state.CurrentStep),
		EventData: data,
		Timestamp: t.svc.now().UTC(),
	})
}

// advance moves to step and appends its prompt
func (t *turn) advance(ctx context.Context, step loanflow.Step) error {
	from := t.state.CurrentStep
	if err := t.dispatch(loanflow.SetStep{Step: step}); err != nil {
		return err
	}
	t.record(models.EventTypeStepChanged, map[string]interface{}{"from": string(from), "to": string(step)})
	t.svc.metrics.RecordStepTransition(ctx, string(from), string(step))
	return t.say(loanflow.PromptFor(step, t.state))
}

// reject records a validation failure. The step does not change.
func (t *turn) reject(ctx context.Context, reason string) error {
	if err := t.dispatch(loanflow.SetError{Message: reason}); err != nil {
		return err
	}
	t.record(models.EventTypeInputRejected, map[string]interface{}{"reason": reason})
	t.svc.metrics.RecordValidationFailure(ctx, string(t.state.CurrentStep))
	return t.say(reason)
}

// fail records a collaborator failure and apologises
func (t *turn) fail(stage string, cause error) error {
	log.Printf(`{"level":"error","message":"collaborator call failed","session_id":%q,"stage":%q,"error":%q}`,
		t.state.SessionID, stage, cause.Error())
	if err := t.dispatch(loanflow.SetError{Message: apologyMessage}); err != nil {
		return err
	}
	t.record(models.EventTypeCollaboratorError, map[string]interface{}{"stage": stage, "error": cause.Error()})
	return t.say(apologyMessage)
}

func (t *turn) close(ctx context.Context, reason loanflow.CloseReason) error {
	if err := t.dispatch(loanflow.Close{Reason: reason}); err != nil {
		return err
	}
	t.record(models.EventTypeSessionClosed, map[string]interface{}{"reason": string(reason)})
	t.svc.metrics.RecordApplicationClosed(ctx, string(reason))
	return t.say(loanflow.PromptFor(loanflow.StepClosed, t.state))
}

func (t *turn) save(ctx context.Context) error {
	if err := t.svc.store.Save(ctx, &t.state, t.events...); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	t.events = nil
	return nil
}

// StartSession creates a session positioned at the first input step
func (s *Service) StartSession(ctx context.Context) (loanflow.State, error) {
	ctx, span := s.tracer.Start(ctx, "loan_service.start_session")
	defer span.End()

	state := loanflow.NewState(s.newID(), s.now().UTC())
	span.SetAttributes(attribute.String("session.id", state.SessionID))

	if err := s.store.Create(ctx, state); err != nil {
		span.RecordError(err)
		return loanflow.State{}, fmt.Errorf("failed to create session: %w", err)
	}

	t := s.newTurn(state)
	if err := s.greet(ctx, t); err != nil {
		return loanflow.State{}, err
	}
	t.record(models.EventTypeSessionStarted, map[string]interface{}{"backend_mode": s.backendMode})
	if err := t.save(ctx); err != nil {
		span.RecordError(err)
		return loanflow.State{}, err
	}

	s.metrics.RecordSessionStarted(ctx, s.backendMode)
	log.Printf(`{"level":"info","message":"session started","session_id":%q}`, state.SessionID)
	return t.state, nil
}

func (s *Service) greet(ctx context.Context, t *turn) error {
	if err := t.say(loanflow.PromptFor(loanflow.StepWelcome, t.state)); err != nil {
		return err
	}
	return t.advance(ctx, loanflow.StepEmploymentType)
}

// GetSession returns the stored state without taking the session lock
func (s *Service) GetSession(ctx context.Context, id string) (loanflow.State, error) {
	return s.store.Get(ctx, id)
}

// Events returns the audit trail of a session
func (s *Service) Events(ctx context.Context, id string) ([]models.SessionEvent, error) {
	return s.store.Events(ctx, id)
}

// load takes the session lock without waiting and rejects busy sessions
func (s *Service) load(ctx context.Context, id string) (loanflow.State, func(), error) {
	release, ok := s.locks.tryAcquire(id)
	if !ok {
		return loanflow.State{}, nil, ErrSessionBusy
	}
	state, err := s.store.Get(ctx, id)
	if err != nil {
		release()
		return loanflow.State{}, nil, err
	}
	if state.IsProcessing {
		if s.now().Sub(state.UpdatedAt) < stalledStageTimeout {
			release()
			return loanflow.State{}, nil, ErrSessionBusy
		}
		log.Printf(`{"level":"warn","message":"clearing stalled processing flag","session_id":%q,"step":%q}`, id, state.CurrentStep)
		if state, err = loanflow.Reduce(state, loanflow.SetProcessing{Processing: false}); err != nil {
			release()
			return loanflow.State{}, nil, err
		}
	}
	return state, release, nil
}

// SubmitInput handles one reply from the applicant at the current step.
// Validation failures are not errors: they are recorded on the returned
// state as Error plus an agent message.
func (s *Service) SubmitInput(ctx context.Context, id, input string) (loanflow.State, error) {
	ctx, span := s.tracer.Start(ctx, "loan_service.submit_input")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id))

	state, release, err := s.load(ctx, id)
	if err != nil {
		return loanflow.State{}, err
	}
	defer release()

	span.SetAttributes(attribute.String("step", string(state.CurrentStep)))

	switch state.CurrentStep {
	case loanflow.StepClosed:
		return loanflow.State{}, ErrSessionClosed
	case loanflow.StepWelcome, loanflow.StepComplete:
		return loanflow.State{}, ErrInputNotExpected
	}

	input = strings.TrimSpace(input)
	t := s.newTurn(state)
	if err := t.message(loanflow.RoleUser, input); err != nil {
		return loanflow.State{}, err
	}
	if t.state.Error != "" {
		if err := t.dispatch(loanflow.SetError{}); err != nil {
			return loanflow.State{}, err
		}
	}

	ctx, err = s.handleInput(ctx, t, input)
	if err != nil {
		span.RecordError(err)
		return loanflow.State{}, err
	}
	if err := t.save(ctx); err != nil {
		span.RecordError(err)
		return loanflow.State{}, err
	}
	return t.state, nil
}

// handleInput routes input to the handler of the current step. The returned
// context is detached from cancellation once an async stage has started.
func (s *Service) handleInput(ctx context.Context, t *turn, input string) (context.Context, error) {
	switch t.state.CurrentStep {
	case loanflow.StepEmploymentType:
		employment, ok := loanflow.ParseEmploymentType(input)
		if !ok {
			return ctx, t.reject(ctx, "Please choose Salaried or Self-Employed")
		}
		return ctx, s.collect(ctx, t, loanflow.StepMonthlyIncome, loanflow.SetEmploymentType{Value: employment})

	case loanflow.StepMonthlyIncome:
		income, ok := loanflow.ParseAmount(input)
		if !ok {
			return ctx, t.reject(ctx, "Please enter a valid amount")
		}
		if r := loanflow.ValidateMonthlyIncome(income); !r.Valid {
			return ctx, t.reject(ctx, r.Reason)
		}
		return ctx, s.collect(ctx, t, loanflow.StepLoanAmount, loanflow.SetMonthlyIncome{Value: income})

	case loanflow.StepLoanAmount:
		amount, ok := loanflow.ParseAmount(input)
		if !ok {
			return ctx, t.reject(ctx, "Please enter a valid amount")
		}
		if r := loanflow.ValidateLoanAmount(amount, t.state.CollectedData.MonthlyIncome); !r.Valid {
			return ctx, t.reject(ctx, r.Reason)
		}
		return ctx, s.collect(ctx, t, loanflow.StepTenure, loanflow.SetLoanAmount{Value: amount})

	case loanflow.StepTenure:
		tenure, ok := loanflow.ParseTenure(input)
		if !ok {
			return ctx, t.reject(ctx, "Please choose a tenure of 12, 24, 36 or 48 months")
		}
		return ctx, s.collect(ctx, t, loanflow.StepPersonalName, loanflow.SetTenure{Value: tenure})

	case loanflow.StepPersonalName:
		if r := loanflow.ValidateFullName(input); !r.Valid {
			return ctx, t.reject(ctx, r.Reason)
		}
		return ctx, s.collect(ctx, t, loanflow.StepPersonalMobile,
			loanflow.SetPersonalDetail{Field: loanflow.FieldFullName, Value: input})

	case loanflow.StepPersonalMobile:
		if r := loanflow.ValidateMobile(input); !r.Valid {
			return ctx, t.reject(ctx, r.Reason)
		}
		// a new number needs a new OTP
		return ctx, s.collect(ctx, t, loanflow.StepOTPVerification,
			loanflow.SetPersonalDetail{Field: loanflow.FieldMobile, Value: loanflow.NormalizeMobile(input)},
			loanflow.SetOTPVerified{Verified: false})

	case loanflow.StepOTPVerification:
		return s.verifyOTP(ctx, t, input)

	case loanflow.StepPersonalEmail:
		if r := loanflow.ValidateEmail(input); !r.Valid {
			return ctx, t.reject(ctx, r.Reason)
		}
		return ctx, s.collect(ctx, t, loanflow.StepPersonalPAN,
			loanflow.SetPersonalDetail{Field: loanflow.FieldEmail, Value: input})

	case loanflow.StepPersonalPAN:
		if r := loanflow.ValidatePAN(input); !r.Valid {
			return ctx, t.reject(ctx, r.Reason)
		}
		return ctx, s.collect(ctx, t, loanflow.StepPersonalAadhaar,
			loanflow.SetPersonalDetail{Field: loanflow.FieldPAN, Value: loanflow.NormalizePAN(input)})

	case loanflow.StepPersonalAadhaar:
		if r := loanflow.ValidateAadhaar(input); !r.Valid {
			return ctx, t.reject(ctx, r.Reason)
		}
		return ctx, s.collect(ctx, t, loanflow.StepKYCConsent,
			loanflow.SetPersonalDetail{Field: loanflow.FieldAadhaar, Value: loanflow.NormalizeAadhaar(input)})

	case loanflow.StepKYCConsent:
		consent, ok := loanflow.ParseConsent(input)
		if !ok {
			return ctx, t.reject(ctx, "Please answer Yes or No")
		}
		if err := t.dispatch(loanflow.SetKYCConsent{Consent: consent}); err != nil {
			return ctx, err
		}
		if !consent {
			return ctx, t.close(ctx, loanflow.CloseKYCDeclined)
		}
		return s.evaluateCredit(ctx, t)

	case loanflow.StepCreditEvaluation:
		// a failed evaluation is retried by any reply
		return s.evaluateCredit(ctx, t)

	case loanflow.StepLoanOffer:
		accept, ok := parseOfferReply(input)
		if !ok {
			return ctx, t.reject(ctx, "Please accept or reject the offer")
		}
		if !accept {
			return ctx, t.close(ctx, loanflow.CloseOfferDeclined)
		}
		if err := t.dispatch(loanflow.SetOfferAccepted{Accepted: true}); err != nil {
			return ctx, err
		}
		t.record(models.EventTypeOfferAccepted, map[string]interface{}{"amount": t.state.LoanOffer.Amount})
		return ctx, t.advance(ctx, loanflow.StepDocumentUploadPrompt)

	case loanflow.StepDocumentUploadPrompt:
		if consent, ok := loanflow.ParseConsent(input); !strings.Contains(strings.ToLower(input), "upload") && !(ok && consent) {
			return ctx, t.reject(ctx, "Type 'upload' when you're ready to upload your documents")
		}
		if err := t.advance(ctx, loanflow.StepDocumentUpload); err != nil {
			return ctx, err
		}
		if loanflow.AllDocumentsUploaded(t.state) {
			// reached again by going back after every slot was uploaded
			return ctx, t.advance(ctx, loanflow.StepAwaitingUploadConfirmation)
		}
		return ctx, nil

	case loanflow.StepDocumentUpload:
		if !loanflow.AllDocumentsUploaded(t.state) {
			return ctx, t.reject(ctx, "Please attach each document using its upload button")
		}
		if err := t.advance(ctx, loanflow.StepAwaitingUploadConfirmation); err != nil {
			return ctx, err
		}
		if r := loanflow.ValidateConfirmationToken(input); !r.Valid {
			return ctx, nil
		}
		return s.confirmUploads(ctx, t, input)

	case loanflow.StepAwaitingUploadConfirmation:
		return s.confirmUploads(ctx, t, input)

	case loanflow.StepApprovalProcessing:
		return s.processApproval(ctx, t)

	case loanflow.StepApprovalSuccess:
		if letter := t.state.SanctionLetter; letter != nil {
			summary := fmt.Sprintf("Your sanction letter %s for %s is valid until %s.",
				letter.ReferenceNumber, loanflow.FormatCurrency(letter.LoanDetails.Amount), letter.ExpiresAt.Format("02 Jan 2006"))
			if err := t.say(summary); err != nil {
				return ctx, err
			}
		}
		return ctx, t.advance(ctx, loanflow.StepComplete)
	}
	return ctx, ErrInputNotExpected
}

// confirmUploads checks the confirmation token and starts approval
func (s *Service) confirmUploads(ctx context.Context, t *turn, input string) (context.Context, error) {
	if r := loanflow.ValidateConfirmationToken(input); !r.Valid {
		return ctx, t.reject(ctx, r.Reason)
	}
	if err := t.dispatch(loanflow.SetUploadConfirmation{Confirmed: true}); err != nil {
		return ctx, err
	}
	return s.processApproval(ctx, t)
}

// collect applies the collected value and moves to next
func (s *Service) collect(ctx context.Context, t *turn, next loanflow.Step, actions ...loanflow.Action) error {
	if err := t.dispatch(actions...); err != nil {
		return err
	}
	return t.advance(ctx, next)
}

func parseOfferReply(input string) (accept bool, ok bool) {
	lower := strings.ToLower(input)
	switch {
	case strings.Contains(lower, "accept"):
		return true, true
	case strings.Contains(lower, "reject"), strings.Contains(lower, "decline"):
		return false, true
	}
	return loanflow.ParseConsent(input)
}

// beginStage persists the processing flag so readers see the stage running
func (s *Service) beginStage(ctx context.Context, t *turn) error {
	return t.save(ctx)
}

func (s *Service) verifyOTP(ctx context.Context, t *turn, input string) (context.Context, error) {
	if r := loanflow.ValidateOTP(input); !r.Valid {
		return ctx, t.reject(ctx, r.Reason)
	}
	if err := t.dispatch(loanflow.SetProcessing{Processing: true}); err != nil {
		return ctx, err
	}
	if err := s.beginStage(ctx, t); err != nil {
		return ctx, err
	}

	done := s.metrics.StageStarted(ctx, stageOTP)
	valid, err := s.collab.OTP.VerifyOTP(ctx, t.state.SessionID, input)
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		done("error")
		return ctx, t.fail(stageOTP, err)
	}

	if err := t.dispatch(loanflow.SetProcessing{Processing: false}); err != nil {
		return ctx, err
	}
	if !valid {
		done("rejected")
		return ctx, t.reject(ctx, "Invalid OTP. Please try again.")
	}
	done("approved")
	return ctx, s.collect(ctx, t, loanflow.StepPersonalEmail, loanflow.SetOTPVerified{Verified: true})
}

func (s *Service) evaluateCredit(ctx context.Context, t *turn) (context.Context, error) {
	if t.state.CurrentStep != loanflow.StepCreditEvaluation {
		if err := t.advance(ctx, loanflow.StepCreditEvaluation); err != nil {
			return ctx, err
		}
	}
	if err := t.dispatch(loanflow.StartCreditEvaluation{}); err != nil {
		return ctx, err
	}
	if err := s.beginStage(ctx, t); err != nil {
		return ctx, err
	}

	data := t.state.CollectedData
	done := s.metrics.StageStarted(ctx, stageCredit)
	result, err := s.collab.Credit.EvaluateCredit(ctx, CreditRequest{
		SessionID:     t.state.SessionID,
		PAN:           data.PersonalDetails.PAN,
		Aadhaar:       data.PersonalDetails.Aadhaar,
		MonthlyIncome: data.MonthlyIncome,
	})
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		done("error")
		return ctx, t.fail(stageCredit, err)
	}

	evaluatedAt := result.EvaluatedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = s.now().UTC()
	}
	if err := t.dispatch(loanflow.SetCreditEvaluationResult{Status: result.Status, Score: result.Score, EvaluatedAt: evaluatedAt}); err != nil {
		done("error")
		return ctx, t.fail(stageCredit, err)
	}

	status := t.state.CreditEvaluation.Status
	done(string(status))
	t.record(models.EventTypeCreditEvaluated, map[string]interface{}{"status": string(status), "score": result.Score})

	if status != loanflow.CreditApproved {
		return ctx, t.close(ctx, loanflow.CloseCreditRejected)
	}

	offer := loanflow.GenerateOffer(data.LoanAmount, data.Tenure, result.Score, data.EmploymentType)
	if err := t.dispatch(loanflow.SetLoanOffer{Offer: offer}); err != nil {
		return ctx, err
	}
	t.record(models.EventTypeOfferGenerated, map[string]interface{}{
		"amount":        offer.Amount,
		"interest_rate": offer.InterestRate,
		"emi":           offer.EMI,
		"tenure":        int(offer.Tenure),
		"apr":           offer.APR,
	})
	return ctx, t.advance(ctx, loanflow.StepLoanOffer)
}

func (s *Service) processApproval(ctx context.Context, t *turn) (context.Context, error) {
	if t.state.CurrentStep != loanflow.StepApprovalProcessing {
		if err := t.advance(ctx, loanflow.StepApprovalProcessing); err != nil {
			return ctx, err
		}
	}
	if err := t.dispatch(loanflow.StartApprovalProcessing{}); err != nil {
		return ctx, err
	}
	if err := s.beginStage(ctx, t); err != nil {
		return ctx, err
	}

	done := s.metrics.StageStarted(ctx, stageApproval)
	status, err := s.collab.Approval.ProcessApproval(ctx, t.state.SessionID)
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		done("error")
		return ctx, t.fail(stageApproval, err)
	}
	if err := t.dispatch(loanflow.SetApprovalStatus{Status: status}); err != nil {
		done("error")
		return ctx, t.fail(stageApproval, err)
	}
	done(string(status))
	t.record(models.EventTypeApprovalDecided, map[string]interface{}{"status": string(status)})

	if status != loanflow.ApprovalApproved {
		return ctx, t.close(ctx, loanflow.CloseApprovalRejected)
	}

	now := s.now().UTC()
	if err := t.dispatch(loanflow.GenerateSanctionLetter{ReferenceNumber: loanflow.NewSanctionReference(now), IssuedAt: now}); err != nil {
		return ctx, err
	}
	t.record(models.EventTypeSanctionIssued, map[string]interface{}{
		"reference_number": t.state.SanctionLetter.ReferenceNumber,
		"document_hash":    t.state.SanctionLetter.DocumentHash,
	})
	return ctx, t.advance(ctx, loanflow.StepApprovalSuccess)
}

// GoBack returns to the previous step and repeats its prompt. It does nothing
// once the application is closed or approved, or when the previous step is
// the welcome message.
func (s *Service) GoBack(ctx context.Context, id string) (loanflow.State, error) {
	ctx, span := s.tracer.Start(ctx, "loan_service.go_back")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id))

	state, release, err := s.load(ctx, id)
	if err != nil {
		return loanflow.State{}, err
	}
	defer release()

	history := state.StepHistory
	if state.CurrentStep == loanflow.StepClosed || state.ApprovalStatus == loanflow.ApprovalApproved ||
		len(history) == 0 || history[len(history)-1] == loanflow.StepWelcome {
		return state, nil
	}

	t := s.newTurn(state)
	from := state.CurrentStep
	if err := t.dispatch(loanflow.GoBack{}); err != nil {
		return loanflow.State{}, err
	}
	t.record(models.EventTypeStepChanged, map[string]interface{}{
		"from": string(from), "to": string(t.state.CurrentStep), "direction": "back",
	})
	s.metrics.RecordStepTransition(ctx, string(from), string(t.state.CurrentStep))
	if err := t.say(loanflow.CurrentPrompt(t.state)); err != nil {
		return loanflow.State{}, err
	}
	if err := t.save(ctx); err != nil {
		span.RecordError(err)
		return loanflow.State{}, err
	}
	return t.state, nil
}

// Reset discards the collected data and starts over in the same session
func (s *Service) Reset(ctx context.Context, id string) (loanflow.State, error) {
	ctx, span := s.tracer.Start(ctx, "loan_service.reset")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id))

	state, release, err := s.load(ctx, id)
	if err != nil {
		return loanflow.State{}, err
	}
	defer release()

	t := s.newTurn(state)
	if err := t.dispatch(loanflow.Reset{Now: s.now().UTC()}); err != nil {
		return loanflow.State{}, err
	}
	if err := s.greet(ctx, t); err != nil {
		return loanflow.State{}, err
	}
	t.record(models.EventTypeSessionReset, nil)
	if err := t.save(ctx); err != nil {
		span.RecordError(err)
		return loanflow.State{}, err
	}
	return t.state, nil
}

// EndSession deletes the session and its audit trail
func (s *Service) EndSession(ctx context.Context, id string) error {
	release, ok := s.locks.tryAcquire(id)
	if !ok {
		return ErrSessionBusy
	}
	defer release()

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Printf(`{"level":"info","message":"session ended","session_id":%q}`, id)
	return nil
}

// DocumentFile is an applicant upload
type DocumentFile struct {
	FileName string
	MIMEType string
	Size     int64
	Content  io.Reader
}

// sniff reads the leading bytes for type detection and puts them back in
// front of the remaining content
func (f *DocumentFile) sniff() ([]byte, error) {
	if f.Content == nil {
		return nil, nil
	}
	head := make([]byte, loanflow.SniffLength)
	n, err := io.ReadFull(f.Content, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read document content: %w", err)
	}
	head = head[:n]
	f.Content = io.MultiReader(bytes.NewReader(head), f.Content)
	return head, nil
}

func slotLabel(slot loanflow.DocumentSlot) string {
	return strings.ReplaceAll(string(slot), "_", " ")
}

// UploadDocument stores one document. The session lock is only held while
// state is updated, so the four slots can upload in parallel.
func (s *Service) UploadDocument(ctx context.Context, id string, slot loanflow.DocumentSlot, file DocumentFile) (loanflow.State, error) {
	ctx, span := s.tracer.Start(ctx, "loan_service.upload_document")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.id", id),
		attribute.String("document.slot", string(slot)),
		attribute.Int64("document.size", file.Size),
	)

	if !slot.IsValid() {
		return loanflow.State{}, fmt.Errorf("%w: %q", ErrUnknownDocumentSlot, slot)
	}

	head, err := file.sniff()
	if err != nil {
		return loanflow.State{}, err
	}
	span.SetAttributes(attribute.String("document.detected_type", loanflow.DetectMIMEType(head)))

	state, started, err := s.startUpload(ctx, id, slot, file, head)
	if err != nil || !started {
		return state, err
	}

	done := s.metrics.StageStarted(ctx, stageUpload)
	result, uploadErr := s.collab.Uploader.UploadDocument(ctx, UploadRequest{
		SessionID: id,
		Slot:      slot,
		FileName:  file.FileName,
		MIMEType:  file.MIMEType,
		Size:      file.Size,
		Content:   file.Content,
	}, s.progressRecorder(ctx, id, slot))
	ctx = context.WithoutCancel(ctx)
	if uploadErr != nil {
		done("error")
		span.RecordError(uploadErr)
	} else {
		done("uploaded")
	}

	return s.finishUpload(ctx, id, slot, file, result, uploadErr)
}

func (s *Service) startUpload(ctx context.Context, id string, slot loanflow.DocumentSlot, file DocumentFile, head []byte) (loanflow.State, bool, error) {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return loanflow.State{}, false, err
	}
	defer release()

	state, err := s.store.Get(ctx, id)
	if err != nil {
		return loanflow.State{}, false, err
	}
	switch {
	case state.CurrentStep == loanflow.StepClosed:
		return loanflow.State{}, false, ErrSessionClosed
	case state.IsProcessing:
		return loanflow.State{}, false, ErrSessionBusy
	case !state.OfferAccepted || state.UploadConfirmed ||
		(state.CurrentStep != loanflow.StepDocumentUploadPrompt && state.CurrentStep != loanflow.StepDocumentUpload):
		return loanflow.State{}, false, ErrUploadNotExpected
	case state.Documents[slot].Status == loanflow.DocumentUploading:
		return loanflow.State{}, false, ErrUploadInProgress
	}

	t := s.newTurn(state)
	if state.Error != "" {
		if err := t.dispatch(loanflow.SetError{}); err != nil {
			return loanflow.State{}, false, err
		}
	}
	if state.CurrentStep == loanflow.StepDocumentUploadPrompt {
		if err := t.advance(ctx, loanflow.StepDocumentUpload); err != nil {
			return loanflow.State{}, false, err
		}
	}

	r := loanflow.ValidateFile(file.Size, file.MIMEType)
	if r.Valid {
		r = loanflow.ValidateFileContent(file.MIMEType, head)
	}
	if !r.Valid {
		reason := fmt.Sprintf("Your %s could not be accepted. %s", slotLabel(slot), r.Reason)
		if err := t.dispatch(loanflow.SetDocumentStatus{Slot: slot, Status: loanflow.DocumentError, Note: r.Reason}); err != nil {
			return loanflow.State{}, false, err
		}
		if err := t.reject(ctx, reason); err != nil {
			return loanflow.State{}, false, err
		}
		if err := t.save(ctx); err != nil {
			return loanflow.State{}, false, err
		}
		return t.state, false, nil
	}

	if err := t.dispatch(loanflow.UploadDocument{Slot: slot, FileName: file.FileName, FileSize: file.Size, MIMEType: file.MIMEType}); err != nil {
		return loanflow.State{}, false, err
	}
	if err := t.save(ctx); err != nil {
		return loanflow.State{}, false, err
	}
	return t.state, true, nil
}

// progressRecorder persists upload progress in steps of progressInterval.
// 100% is left to finishUpload so a slot is never shown uploaded before the
// uploader has returned.
func (s *Service) progressRecorder(ctx context.Context, id string, slot loanflow.DocumentSlot) ProgressFunc {
	last := 0
	return func(percent int) {
		if percent >= 100 || percent < last+progressInterval {
			return
		}
		last = percent - percent%progressInterval
		if err := s.recordProgress(ctx, id, slot, last); err != nil {
			log.Printf(`{"level":"warn","message":"failed to record upload progress","session_id":%q,"slot":%q,"error":%q}`,
				id, slot, err.Error())
		}
	}
}

func (s *Service) recordProgress(ctx context.Context, id string, slot loanflow.DocumentSlot, percent int) error {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	state, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	t := s.newTurn(state)
	if err := t.dispatch(loanflow.UpdateDocumentProgress{Slot: slot, Progress: percent}); err != nil {
		return err
	}
	return t.save(ctx)
}

func (s *Service) finishUpload(ctx context.Context, id string, slot loanflow.DocumentSlot, file DocumentFile, result UploadResult, uploadErr error) (loanflow.State, error) {
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return loanflow.State{}, err
	}
	defer release()

	state, err := s.store.Get(ctx, id)
	if err != nil {
		return loanflow.State{}, err
	}

	// the session moved on while the file was uploading
	doc := state.Documents[slot]
	if doc.Status != loanflow.DocumentUploading || doc.FileName != file.FileName {
		log.Printf(`{"level":"warn","message":"discarding stale upload result","session_id":%q,"slot":%q}`, id, slot)
		return state, nil
	}

	t := s.newTurn(state)
	if uploadErr != nil {
		if err := t.dispatch(loanflow.SetDocumentStatus{Slot: slot, Status: loanflow.DocumentError, Note: "upload failed"}); err != nil {
			return loanflow.State{}, err
		}
		t.record(models.EventTypeDocumentFailed, map[string]interface{}{"slot": string(slot), "error": uploadErr.Error()})
		if err := t.fail(stageUpload, uploadErr); err != nil {
			return loanflow.State{}, err
		}
		return t.state, t.save(ctx)
	}

	if v := result.Verification; v != nil && !v.Verified {
		verified := false
		if err := t.dispatch(loanflow.SetDocumentStatus{Slot: slot, Status: loanflow.DocumentError, StorageRef: result.StorageRef, Verified: &verified, Note: v.Reason}); err != nil {
			return loanflow.State{}, err
		}
		t.record(models.EventTypeDocumentFailed, map[string]interface{}{"slot": string(slot), "reason": v.Reason})
		reason := fmt.Sprintf("Your %s could not be verified. Please upload it again.", slotLabel(slot))
		if v.Reason != "" {
			reason = fmt.Sprintf("Your %s could not be verified: %s. Please upload it again.", slotLabel(slot), v.Reason)
		}
		if err := t.reject(ctx, reason); err != nil {
			return loanflow.State{}, err
		}
		return t.state, t.save(ctx)
	}

	status := loanflow.SetDocumentStatus{Slot: slot, Status: loanflow.DocumentUploaded, StorageRef: result.StorageRef, At: s.now().UTC()}
	if v := result.Verification; v != nil {
		verified := v.Verified
		status.Verified = &verified
		status.Note = v.Reason
	}
	if err := t.dispatch(status); err != nil {
		return loanflow.State{}, err
	}
	t.record(models.EventTypeDocumentUploaded, map[string]interface{}{"slot": string(slot), "storage_ref": result.StorageRef})

	if loanflow.AllDocumentsUploaded(t.state) && t.state.CurrentStep == loanflow.StepDocumentUpload {
		if err := t.advance(ctx, loanflow.StepAwaitingUploadConfirmation); err != nil {
			return loanflow.State{}, err
		}
	}
	return t.state, t.save(ctx)
}

// StreamChat sends a free-form message to the chat service. Each event is
// passed to sink as it arrives; tokens are appended to one agent message in
// arrival order. On an error or cancellation the partial reply is kept and an
// apology is appended.
func (s *Service) StreamChat(ctx context.Context, id, message string, sink func(ChatEvent)) (loanflow.State, error) {
	ctx, span := s.tracer.Start(ctx, "loan_service.stream_chat")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id))

	if s.collab.Chat == nil {
		return loanflow.State{}, ErrChatUnavailable
	}
	if sink == nil {
		sink = func(ChatEvent) {}
	}

	state, release, err := s.load(ctx, id)
	if err != nil {
		return loanflow.State{}, err
	}
	defer release()

	if state.CurrentStep == loanflow.StepClosed {
		return loanflow.State{}, ErrSessionClosed
	}

	t := s.newTurn(state)
	if err := t.message(loanflow.RoleUser, strings.TrimSpace(message)); err != nil {
		return loanflow.State{}, err
	}
	if err := t.dispatch(loanflow.SetProcessing{Processing: true}); err != nil {
		return loanflow.State{}, err
	}
	if err := s.beginStage(ctx, t); err != nil {
		return loanflow.State{}, err
	}

	done := s.metrics.StageStarted(ctx, stageChat)
	outcome := s.consumeChat(ctx, t, id, message, sink)
	done(outcome.label)
	ctx = context.WithoutCancel(ctx)

	if outcome.err != nil {
		span.RecordError(outcome.err)
		if err := t.fail(stageChat, outcome.err); err != nil {
			return loanflow.State{}, err
		}
	} else if err := t.dispatch(loanflow.SetProcessing{Processing: false}); err != nil {
		return loanflow.State{}, err
	}

	if outcome.wantsUpload && t.state.OfferAccepted && t.state.CurrentStep == loanflow.StepDocumentUploadPrompt {
		if err := t.advance(ctx, loanflow.StepDocumentUpload); err != nil {
			return loanflow.State{}, err
		}
	}

	if err := t.save(ctx); err != nil {
		span.RecordError(err)
		return loanflow.State{}, err
	}
	return t.state, nil
}

// chatOutcome summarises a drained chat stream
type chatOutcome struct {
	label       string
	err         error
	wantsUpload bool
}

// consumeChat drains the stream into t
func (s *Service) consumeChat(ctx context.Context, t *turn, id, message string, sink func(ChatEvent)) chatOutcome {
	events, err := s.collab.Chat.StreamChat(ctx, id, message)
	if err != nil {
		return chatOutcome{label: "error", err: err}
	}

	out := chatOutcome{}
	replyID := s.newID()
	started := false
	for event := range events {
		switch event.Type {
		case ChatEventToken:
			if !started {
				// open a fresh agent message for this reply
				if err := t.dispatch(loanflow.AddMessage{Message: loanflow.Message{
					ID: replyID, Role: loanflow.RoleAgent, Timestamp: s.now().UTC(),
				}}); err != nil {
					out.label, out.err = "error", err
					return out
				}
				started = true
			}
			if err := t.dispatch(loanflow.AppendAgentToken{Token: event.Token, MessageID: replyID, Timestamp: s.now().UTC()}); err != nil {
				out.label, out.err = "error", err
				return out
			}
			sink(event)
		case ChatEventMeta:
			if event.Meta != nil && event.Meta.RequiresUpload {
				out.wantsUpload = true
			}
			sink(event)
		case ChatEventError:
			sink(event)
			out.label, out.err = "error", errors.New(event.Error)
			return out
		case ChatEventDone:
			sink(event)
			out.label = "completed"
			return out
		}
	}

	if err := ctx.Err(); err != nil {
		out.label, out.err = "cancelled", fmt.Errorf("chat stream cancelled: %w", err)
		return out
	}
	out.label, out.err = "error", errors.New("chat stream closed before completion")
	return out
}
