package orchestration

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
	"github.com/bizmatters/loan-assistant/internal/session"
)

var applicantReplies = []string{
	"Salaried",
	"₹75,000",
	"300000",
	"36 months",
	"Ravi Kumar",
	"98765 43210",
	"123456",
	"ravi@example.com",
	"abcde1234f",
	"1234 5678 9012",
}

func newTestService(t *testing.T, configure func(*Collaborators)) (*Service, *session.MemoryStore) {
	t.Helper()
	mock := NewMockBackend(0)
	collab := CollaboratorsFrom(mock, mock)
	if configure != nil {
		configure(&collab)
	}
	store := session.NewMemoryStore(time.Hour)
	return NewService(store, collab, WithBackendMode("mock")), store
}

func submitAll(t *testing.T, svc *Service, id string, inputs ...string) loanflow.State {
	t.Helper()
	var state loanflow.State
	for _, input := range inputs {
		var err error
		state, err = svc.SubmitInput(context.Background(), id, input)
		require.NoError(t, err, "input %q", input)
		require.Empty(t, state.Error, "input %q at %s", input, state.CurrentStep)
	}
	return state
}

func lastAgentMessage(t *testing.T, state loanflow.State) string {
	t.Helper()
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == loanflow.RoleAgent {
			return state.Messages[i].Content
		}
	}
	t.Fatal("no agent message")
	return ""
}

func pdf(size int) DocumentFile {
	return DocumentFile{
		FileName: "doc.pdf",
		MIMEType: "application/pdf",
		Size:     int64(size),
		Content:  strings.NewReader("%PDF-1.4\n" + strings.Repeat("x", size-9)),
	}
}

func uploadAll(t *testing.T, svc *Service, id string) loanflow.State {
	t.Helper()
	var state loanflow.State
	for _, slot := range loanflow.DocumentSlots {
		var err error
		state, err = svc.UploadDocument(context.Background(), id, slot, pdf(2048))
		require.NoError(t, err, "slot %s", slot)
	}
	return state
}

func TestService_StartSession(t *testing.T) {
	svc, store := newTestService(t, nil)

	state, err := svc.StartSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, loanflow.StepEmploymentType, state.CurrentStep)
	assert.Equal(t, []loanflow.Step{loanflow.StepWelcome}, state.StepHistory)
	require.Len(t, state.Messages, 2)
	assert.Contains(t, state.Messages[0].Content, "Welcome")
	assert.Equal(t, loanflow.PromptFor(loanflow.StepEmploymentType, state), state.Messages[1].Content)

	events, err := store.Events(context.Background(), state.SessionID)
	require.NoError(t, err)
	var types []string
	for _, event := range events {
		types = append(types, event.EventType)
	}
	assert.Contains(t, types, models.EventTypeSessionStarted)
	assert.Contains(t, types, models.EventTypeStepChanged)
}

func TestService_EndToEnd(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	id := started.SessionID

	state := submitAll(t, svc, id, applicantReplies...)
	assert.Equal(t, loanflow.StepKYCConsent, state.CurrentStep)
	assert.Equal(t, "9876543210", state.CollectedData.PersonalDetails.Mobile)
	assert.Equal(t, "ABCDE1234F", state.CollectedData.PersonalDetails.PAN)
	assert.Equal(t, "123456789012", state.CollectedData.PersonalDetails.Aadhaar)
	assert.True(t, state.CollectedData.OTPVerified)

	state = submitAll(t, svc, id, "Yes, I consent")
	require.Equal(t, loanflow.StepLoanOffer, state.CurrentStep)
	require.NotNil(t, state.CreditEvaluation)
	assert.Equal(t, loanflow.CreditApproved, state.CreditEvaluation.Status)
	assert.Equal(t, 750, state.CreditEvaluation.Score)
	require.NotNil(t, state.LoanOffer)
	assert.Equal(t, 9822.0, state.LoanOffer.EMI)
	assert.Equal(t, 4500.0, state.LoanOffer.ProcessingFee)
	assert.Equal(t, 6.45, state.LoanOffer.APR)
	assert.False(t, state.IsProcessing)
	assert.Contains(t, lastAgentMessage(t, state), "₹9,822")

	state = submitAll(t, svc, id, "Accept Offer", "upload")
	assert.Equal(t, loanflow.StepDocumentUpload, state.CurrentStep)
	assert.True(t, state.OfferAccepted)

	state = uploadAll(t, svc, id)
	assert.Equal(t, loanflow.StepAwaitingUploadConfirmation, state.CurrentStep)
	assert.True(t, loanflow.AllDocumentsUploaded(state))
	for _, slot := range loanflow.DocumentSlots {
		doc := state.Documents[slot]
		assert.Equal(t, 100, doc.Progress)
		assert.True(t, strings.HasPrefix(doc.StorageRef, "mock://"+id))
		require.NotNil(t, doc.Verified)
		assert.True(t, *doc.Verified)
	}

	state = submitAll(t, svc, id, loanflow.ConfirmationToken)
	assert.Equal(t, loanflow.StepApprovalSuccess, state.CurrentStep)
	assert.Equal(t, loanflow.ApprovalApproved, state.ApprovalStatus)
	require.NotNil(t, state.SanctionLetter)
	assert.Equal(t, "Ravi Kumar", state.SanctionLetter.ApplicantName)
	assert.Equal(t, *state.LoanOffer, state.SanctionLetter.LoanDetails)
	assert.True(t, loanflow.VerifySanctionLetter(*state.SanctionLetter))

	state = submitAll(t, svc, id, "View Sanction Letter")
	assert.Equal(t, loanflow.StepComplete, state.CurrentStep)
	assert.True(t, loanflow.IsTerminal(state))

	_, err = svc.SubmitInput(ctx, id, "hello")
	assert.ErrorIs(t, err, ErrInputNotExpected)
}

func TestService_ValidationFailureKeepsStep(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	id := started.SessionID
	submitAll(t, svc, id, "Salaried")

	state, err := svc.SubmitInput(ctx, id, "5000")
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepMonthlyIncome, state.CurrentStep)
	assert.Equal(t, "Minimum monthly income should be ₹10,000", state.Error)
	assert.Equal(t, state.Error, lastAgentMessage(t, state))

	state, err = svc.SubmitInput(ctx, id, "not a number")
	require.NoError(t, err)
	assert.Equal(t, "Please enter a valid amount", state.Error)

	state = submitAll(t, svc, id, "75000")
	assert.Equal(t, loanflow.StepLoanAmount, state.CurrentStep)

	events, err := store.Events(ctx, id)
	require.NoError(t, err)
	rejected := 0
	for _, event := range events {
		if event.EventType == models.EventTypeInputRejected {
			rejected++
		}
	}
	assert.Equal(t, 2, rejected)
}

func TestService_LoanAmountBoundByIncome(t *testing.T) {
	svc, _ := newTestService(t, nil)
	started, err := svc.StartSession(context.Background())
	require.NoError(t, err)
	submitAll(t, svc, started.SessionID, "Salaried", "20000")

	state, err := svc.SubmitInput(context.Background(), started.SessionID, "1500000")
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepLoanAmount, state.CurrentStep)
	assert.Equal(t, "Loan amount too high for your income", state.Error)
}

func TestService_KYCDeclinedCloses(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	state := submitAll(t, svc, started.SessionID, append(applicantReplies, "No")...)

	assert.Equal(t, loanflow.StepClosed, state.CurrentStep)
	assert.Equal(t, loanflow.CloseKYCDeclined, state.CloseReason)
	assert.Contains(t, lastAgentMessage(t, state), "KYC consent is mandatory")
	assert.Nil(t, state.CreditEvaluation)

	_, err = svc.SubmitInput(ctx, started.SessionID, "Yes")
	assert.ErrorIs(t, err, ErrSessionClosed)

	back, err := svc.GoBack(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepClosed, back.CurrentStep)
}

func TestService_CreditRejectedCloses(t *testing.T) {
	svc, _ := newTestService(t, nil)

	started, err := svc.StartSession(context.Background())
	require.NoError(t, err)
	replies := append([]string{}, applicantReplies...)
	replies[1] = "20000"
	replies[2] = "100000"
	state := submitAll(t, svc, started.SessionID, append(replies, "Yes")...)

	assert.Equal(t, loanflow.StepClosed, state.CurrentStep)
	assert.Equal(t, loanflow.CloseCreditRejected, state.CloseReason)
	require.NotNil(t, state.CreditEvaluation)
	assert.Equal(t, loanflow.CreditRejected, state.CreditEvaluation.Status)
	assert.Equal(t, 640, state.CreditEvaluation.Score)
	assert.Nil(t, state.LoanOffer)
}

type flakyCredit struct {
	CreditEvaluator
	mu       sync.Mutex
	failures int
}

func (f *flakyCredit) EvaluateCredit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return CreditResult{}, errors.New("bureau timeout")
	}
	f.mu.Unlock()
	return f.CreditEvaluator.EvaluateCredit(ctx, req)
}

func TestService_CreditFailureThenRetry(t *testing.T) {
	svc, store := newTestService(t, func(c *Collaborators) {
		c.Credit = &flakyCredit{CreditEvaluator: c.Credit, failures: 1}
	})
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	id := started.SessionID
	submitAll(t, svc, id, applicantReplies...)

	state, err := svc.SubmitInput(ctx, id, "Yes")
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepCreditEvaluation, state.CurrentStep)
	assert.Equal(t, apologyMessage, state.Error)
	assert.Equal(t, apologyMessage, lastAgentMessage(t, state))
	assert.False(t, state.IsProcessing)
	assert.Nil(t, state.LoanOffer)

	state = submitAll(t, svc, id, "retry")
	assert.Equal(t, loanflow.StepLoanOffer, state.CurrentStep)
	assert.NotNil(t, state.LoanOffer)

	events, err := store.Events(ctx, id)
	require.NoError(t, err)
	var failed bool
	for _, event := range events {
		if event.EventType == models.EventTypeCollaboratorError {
			failed = true
			assert.Equal(t, stageCredit, event.EventData["stage"])
		}
	}
	assert.True(t, failed)
}

type rejectingOTP struct{}

func (rejectingOTP) VerifyOTP(ctx context.Context, sessionID, code string) (bool, error) {
	return code == "654321", nil
}

func TestService_OTPRejected(t *testing.T) {
	svc, _ := newTestService(t, func(c *Collaborators) { c.OTP = rejectingOTP{} })
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	state := submitAll(t, svc, started.SessionID, applicantReplies[:6]...)
	require.Equal(t, loanflow.StepOTPVerification, state.CurrentStep)

	state, err = svc.SubmitInput(ctx, started.SessionID, "12345")
	require.NoError(t, err)
	assert.Equal(t, "OTP must be 6 digits", state.Error)

	state, err = svc.SubmitInput(ctx, started.SessionID, "123456")
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepOTPVerification, state.CurrentStep)
	assert.Equal(t, "Invalid OTP. Please try again.", state.Error)
	assert.False(t, state.IsProcessing)

	state = submitAll(t, svc, started.SessionID, "654321")
	assert.Equal(t, loanflow.StepPersonalEmail, state.CurrentStep)
	assert.True(t, state.CollectedData.OTPVerified)
}

type blockingCredit struct {
	CreditEvaluator
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCredit) EvaluateCredit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	close(b.entered)
	<-b.release
	return b.CreditEvaluator.EvaluateCredit(ctx, req)
}

func TestService_BusyWhileStageRuns(t *testing.T) {
	blocker := &blockingCredit{entered: make(chan struct{}), release: make(chan struct{})}
	svc, _ := newTestService(t, func(c *Collaborators) {
		blocker.CreditEvaluator = c.Credit
		c.Credit = blocker
	})
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	id := started.SessionID
	submitAll(t, svc, id, applicantReplies...)

	result := make(chan loanflow.State, 1)
	go func() {
		state, err := svc.SubmitInput(ctx, id, "Yes")
		assert.NoError(t, err)
		result <- state
	}()
	<-blocker.entered

	_, err = svc.SubmitInput(ctx, id, "Yes")
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = svc.GoBack(ctx, id)
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = svc.Reset(ctx, id)
	assert.ErrorIs(t, err, ErrSessionBusy)

	snapshot, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, snapshot.IsProcessing)
	assert.Equal(t, loanflow.StepCreditEvaluation, snapshot.CurrentStep)
	require.NotNil(t, snapshot.CreditEvaluation)
	assert.Equal(t, loanflow.CreditEvaluating, snapshot.CreditEvaluation.Status)

	close(blocker.release)
	state := <-result
	assert.Equal(t, loanflow.StepLoanOffer, state.CurrentStep)
	assert.Equal(t, 0, svc.locks.size())
}

func reachDocumentUpload(t *testing.T, svc *Service) string {
	t.Helper()
	started, err := svc.StartSession(context.Background())
	require.NoError(t, err)
	submitAll(t, svc, started.SessionID, append(applicantReplies, "Yes", "Accept Offer")...)
	return started.SessionID
}

func TestService_ParallelUploads(t *testing.T) {
	svc, _ := newTestService(t, nil)
	id := reachDocumentUpload(t, svc)

	var wg sync.WaitGroup
	for _, slot := range loanflow.DocumentSlots {
		wg.Add(1)
		go func(slot loanflow.DocumentSlot) {
			defer wg.Done()
			_, err := svc.UploadDocument(context.Background(), id, slot, pdf(4096))
			assert.NoError(t, err)
		}(slot)
	}
	wg.Wait()

	state, err := svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepAwaitingUploadConfirmation, state.CurrentStep)
	assert.Equal(t, loanflow.UploadSummary{Total: 4, Uploaded: 4}, loanflow.SummarizeUploads(state))
}

func TestService_UploadValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	_, err = svc.UploadDocument(ctx, started.SessionID, loanflow.SlotSelfie, pdf(10))
	assert.ErrorIs(t, err, ErrUploadNotExpected)

	id := reachDocumentUpload(t, svc)

	_, err = svc.UploadDocument(ctx, id, "passport", pdf(10))
	assert.ErrorIs(t, err, ErrUnknownDocumentSlot)

	state, err := svc.UploadDocument(ctx, id, loanflow.SlotSelfie, DocumentFile{
		FileName: "selfie.gif", MIMEType: "image/gif", Size: 100, Content: strings.NewReader("gif"),
	})
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepDocumentUpload, state.CurrentStep)
	assert.Equal(t, loanflow.DocumentError, state.Documents[loanflow.SlotSelfie].Status)
	assert.Contains(t, state.Error, "Only JPG, PNG, and PDF files are allowed")

	state, err = svc.UploadDocument(ctx, id, loanflow.SlotSelfie, DocumentFile{
		FileName: "selfie.jpg", MIMEType: "image/jpg", Size: 11, Content: strings.NewReader("\xFF\xD8\xFF\xE0\x00\x10JFIF\x00"),
	})
	require.NoError(t, err)
	assert.Equal(t, loanflow.DocumentUploaded, state.Documents[loanflow.SlotSelfie].Status)
	assert.Empty(t, state.Error)
}

func TestService_UploadRejectsDisguisedContent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	id := reachDocumentUpload(t, svc)

	payload := "MZ\x90\x00\x03\x00\x00\x00" + strings.Repeat("\x00", 120)
	state, err := svc.UploadDocument(context.Background(), id, loanflow.SlotBankStatement, DocumentFile{
		FileName: "payload.exe",
		MIMEType: "application/pdf",
		Size:     int64(len(payload)),
		Content:  strings.NewReader(payload),
	})
	require.NoError(t, err)

	doc := state.Documents[loanflow.SlotBankStatement]
	assert.Equal(t, loanflow.DocumentError, doc.Status)
	assert.Contains(t, doc.VerificationNote, "does not match")
	assert.Contains(t, state.Error, "Your bank statement could not be accepted")
	assert.Equal(t, loanflow.StepDocumentUpload, state.CurrentStep)
}

func TestService_UploadPassesFullContentToUploader(t *testing.T) {
	var received []byte
	svc, _ := newTestService(t, func(c *Collaborators) {
		c.Uploader = uploaderFunc(func(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error) {
			var err error
			received, err = io.ReadAll(req.Content)
			return UploadResult{StorageRef: "docs/" + req.FileName}, err
		})
	})
	id := reachDocumentUpload(t, svc)

	file := pdf(loanflow.SniffLength * 2)
	want := "%PDF-1.4\n" + strings.Repeat("x", loanflow.SniffLength*2-9)
	_, err := svc.UploadDocument(context.Background(), id, loanflow.SlotSalarySlip, file)
	require.NoError(t, err)
	assert.Equal(t, want, string(received))
}

type uploaderFunc func(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error)

func (f uploaderFunc) UploadDocument(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error) {
	return f(ctx, req, progress)
}

type failingUploader struct{}

func (failingUploader) UploadDocument(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error) {
	progress(50)
	return UploadResult{}, errors.New("storage unavailable")
}

func TestService_UploadFailure(t *testing.T) {
	svc, _ := newTestService(t, func(c *Collaborators) { c.Uploader = failingUploader{} })
	id := reachDocumentUpload(t, svc)

	state, err := svc.UploadDocument(context.Background(), id, loanflow.SlotBankStatement, pdf(100))
	require.NoError(t, err)

	doc := state.Documents[loanflow.SlotBankStatement]
	assert.Equal(t, loanflow.DocumentError, doc.Status)
	assert.Equal(t, 50, doc.Progress)
	assert.Equal(t, apologyMessage, state.Error)
	assert.Equal(t, loanflow.StepDocumentUpload, state.CurrentStep)
}

func TestService_ConfirmationTokenRequired(t *testing.T) {
	svc, _ := newTestService(t, nil)
	id := reachDocumentUpload(t, svc)
	uploadAll(t, svc, id)

	state, err := svc.SubmitInput(context.Background(), id, "done")
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepAwaitingUploadConfirmation, state.CurrentStep)
	assert.Contains(t, state.Error, loanflow.ConfirmationToken)
	assert.False(t, state.UploadConfirmed)
}

func TestService_GoBack(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	id := started.SessionID

	back, err := svc.GoBack(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepEmploymentType, back.CurrentStep)

	submitAll(t, svc, id, "Salaried", "75000", "300000")
	back, err = svc.GoBack(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepLoanAmount, back.CurrentStep)
	assert.Equal(t, loanflow.PromptFor(loanflow.StepLoanAmount, back), lastAgentMessage(t, back))

	state := submitAll(t, svc, id, "250000")
	assert.Equal(t, loanflow.StepTenure, state.CurrentStep)
	assert.Equal(t, 250000.0, state.CollectedData.LoanAmount)
	assert.Equal(t, []loanflow.Step{
		loanflow.StepWelcome, loanflow.StepEmploymentType, loanflow.StepMonthlyIncome, loanflow.StepLoanAmount,
	}, state.StepHistory)
}

func TestService_GoBackFromUploadConfirmation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	id := reachDocumentUpload(t, svc)
	state := uploadAll(t, svc, id)
	require.Equal(t, loanflow.StepAwaitingUploadConfirmation, state.CurrentStep)

	back, err := svc.GoBack(ctx, id)
	require.NoError(t, err)
	require.Equal(t, loanflow.StepDocumentUpload, back.CurrentStep)

	state, err = svc.SubmitInput(ctx, id, loanflow.ConfirmationToken)
	require.NoError(t, err)
	assert.Empty(t, state.Error)
	assert.True(t, state.UploadConfirmed)
	assert.Equal(t, loanflow.StepApprovalSuccess, state.CurrentStep)
}

func TestService_GoBackToUploadPromptAfterUploads(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	id := reachDocumentUpload(t, svc)
	uploadAll(t, svc, id)

	for _, want := range []loanflow.Step{loanflow.StepDocumentUpload, loanflow.StepDocumentUploadPrompt} {
		back, err := svc.GoBack(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, back.CurrentStep)
	}

	state, err := svc.SubmitInput(ctx, id, "upload")
	require.NoError(t, err)
	assert.Empty(t, state.Error)
	assert.Equal(t, loanflow.StepAwaitingUploadConfirmation, state.CurrentStep)

	state, err = svc.SubmitInput(ctx, id, loanflow.ConfirmationToken)
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepApprovalSuccess, state.CurrentStep)
}

func TestService_Reset(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	submitAll(t, svc, started.SessionID, applicantReplies[:4]...)

	state, err := svc.Reset(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, started.SessionID, state.SessionID)
	assert.Equal(t, loanflow.StepEmploymentType, state.CurrentStep)
	assert.Equal(t, loanflow.CollectedData{}, state.CollectedData)
	assert.Len(t, state.Messages, 2)
}

func TestService_EndSession(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.EndSession(ctx, started.SessionID))

	_, err = svc.GetSession(ctx, started.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, svc.EndSession(ctx, started.SessionID), session.ErrNotFound)
	_, err = svc.SubmitInput(ctx, started.SessionID, "Salaried")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestService_StreamChat(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	started, err := svc.StartSession(ctx)
	require.NoError(t, err)

	var tokens []string
	state, err := svc.StreamChat(ctx, started.SessionID, "what rates do you offer?", func(event ChatEvent) {
		if event.Type == ChatEventToken {
			tokens = append(tokens, event.Token)
		}
	})
	require.NoError(t, err)

	require.NotEmpty(t, tokens)
	reply := lastAgentMessage(t, state)
	assert.Equal(t, strings.Join(tokens, ""), reply)
	assert.Equal(t, "Thanks for your message. You said: what rates do you offer?", reply)
	assert.False(t, state.IsProcessing)
	assert.Equal(t, loanflow.StepEmploymentType, state.CurrentStep)
}

func TestService_StreamChatRequiresUpload(t *testing.T) {
	svc, _ := newTestService(t, nil)
	started, err := svc.StartSession(context.Background())
	require.NoError(t, err)
	state := submitAll(t, svc, started.SessionID, append(applicantReplies, "Yes", "Accept Offer")...)
	require.Equal(t, loanflow.StepDocumentUploadPrompt, state.CurrentStep)

	var sawMeta bool
	state, err = svc.StreamChat(context.Background(), started.SessionID, "which documents do I upload?", func(event ChatEvent) {
		if event.Type == ChatEventMeta {
			sawMeta = event.Meta.RequiresUpload
		}
	})
	require.NoError(t, err)
	assert.True(t, sawMeta)
	assert.Equal(t, loanflow.StepDocumentUpload, state.CurrentStep)
}

type brokenChat struct{}

func (brokenChat) StreamChat(ctx context.Context, sessionID, message string) (<-chan ChatEvent, error) {
	events := make(chan ChatEvent, 3)
	events <- ChatEvent{Type: ChatEventToken, Token: "Our rates "}
	events <- ChatEvent{Type: ChatEventToken, Token: "start at"}
	events <- ChatEvent{Type: ChatEventError, Error: "model overloaded"}
	close(events)
	return events, nil
}

func TestService_StreamChatErrorKeepsPartialReply(t *testing.T) {
	svc, _ := newTestService(t, func(c *Collaborators) { c.Chat = brokenChat{} })
	started, err := svc.StartSession(context.Background())
	require.NoError(t, err)

	state, err := svc.StreamChat(context.Background(), started.SessionID, "rates?", nil)
	require.NoError(t, err)

	n := len(state.Messages)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, "Our rates start at", state.Messages[n-2].Content)
	assert.Equal(t, apologyMessage, state.Messages[n-1].Content)
	assert.Equal(t, apologyMessage, state.Error)
	assert.False(t, state.IsProcessing)
}

// stallingChat streams two tokens and then holds the stream open until the
// caller goes away
type stallingChat struct{}

func (stallingChat) StreamChat(ctx context.Context, sessionID, message string) (<-chan ChatEvent, error) {
	events := make(chan ChatEvent)
	go func() {
		defer close(events)
		for _, token := range []string{"Thanks", " for"} {
			select {
			case events <- ChatEvent{Type: ChatEventToken, Token: token}:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return events, nil
}

func TestService_StreamChatCancelKeepsPartialReply(t *testing.T) {
	svc, _ := newTestService(t, func(c *Collaborators) { c.Chat = stallingChat{} })
	started, err := svc.StartSession(context.Background())
	require.NoError(t, err)
	id := started.SessionID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tokens := 0
	state, err := svc.StreamChat(ctx, id, "what rates do you offer?", func(event ChatEvent) {
		if event.Type == ChatEventToken {
			if tokens++; tokens == 2 {
				cancel()
			}
		}
	})
	require.NoError(t, err)

	n := len(state.Messages)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, "what rates do you offer?", state.Messages[n-3].Content)
	assert.Equal(t, "Thanks for", state.Messages[n-2].Content)
	assert.Equal(t, apologyMessage, state.Messages[n-1].Content)
	assert.Equal(t, apologyMessage, state.Error)
	assert.False(t, state.IsProcessing)

	stored, err := svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.Messages, stored.Messages)
	assert.False(t, stored.IsProcessing)

	next, err := svc.SubmitInput(context.Background(), id, "Salaried")
	require.NoError(t, err)
	assert.Equal(t, loanflow.StepMonthlyIncome, next.CurrentStep)
	assert.Empty(t, next.Error)
}

// gatedChat holds its reply until release is closed
type gatedChat struct {
	started chan struct{}
	release chan struct{}
}

func (g gatedChat) StreamChat(ctx context.Context, sessionID, message string) (<-chan ChatEvent, error) {
	events := make(chan ChatEvent, 2)
	go func() {
		defer close(events)
		close(g.started)
		<-g.release
		events <- ChatEvent{Type: ChatEventToken, Token: "Hello"}
		events <- ChatEvent{Type: ChatEventDone}
	}()
	return events, nil
}

func TestService_ConcurrentWriterConflicts(t *testing.T) {
	chat := gatedChat{started: make(chan struct{}), release: make(chan struct{})}
	svc, store := newTestService(t, func(c *Collaborators) { c.Chat = chat })
	ctx := context.Background()
	started, err := svc.StartSession(ctx)
	require.NoError(t, err)
	id := started.SessionID

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.StreamChat(ctx, id, "hello", nil)
		errCh <- err
	}()
	<-chat.started

	// another replica writes while the reply is streaming
	other, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, other.IsProcessing)
	other.IsProcessing = false
	require.NoError(t, store.Save(ctx, &other))

	close(chat.release)
	err = <-errCh
	assert.ErrorIs(t, err, session.ErrConflict)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, other.Version, stored.Version)
	assert.Equal(t, other.Messages, stored.Messages)
}

func TestService_StreamChatUnavailable(t *testing.T) {
	svc, _ := newTestService(t, func(c *Collaborators) { c.Chat = nil })
	started, err := svc.StartSession(context.Background())
	require.NoError(t, err)

	_, err = svc.StreamChat(context.Background(), started.SessionID, "hi", nil)
	assert.ErrorIs(t, err, ErrChatUnavailable)
}

func TestSessionLocks(t *testing.T) {
	locks := newSessionLocks()

	release, ok := locks.tryAcquire("a")
	require.True(t, ok)
	_, ok = locks.tryAcquire("a")
	assert.False(t, ok)

	other, ok := locks.tryAcquire("b")
	require.True(t, ok)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := locks.acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, locks.size())
}
