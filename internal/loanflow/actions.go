package loanflow

import (
	"time"
)

// ActionKind names an action in the transition vocabulary
type ActionKind string

const (
	KindSetStep                   ActionKind = "SET_STEP"
	KindGoBack                    ActionKind = "GO_BACK"
	KindAddMessage                ActionKind = "ADD_MESSAGE"
	KindAppendAgentToken          ActionKind = "APPEND_AGENT_TOKEN"
	KindSetEmploymentType         ActionKind = "SET_EMPLOYMENT_TYPE"
	KindSetMonthlyIncome          ActionKind = "SET_MONTHLY_INCOME"
	KindSetLoanAmount             ActionKind = "SET_LOAN_AMOUNT"
	KindSetTenure                 ActionKind = "SET_TENURE"
	KindSetPersonalDetail         ActionKind = "SET_PERSONAL_DETAIL"
	KindSetOTPVerified            ActionKind = "SET_OTP_VERIFIED"
	KindSetKYCConsent             ActionKind = "SET_KYC_CONSENT"
	KindStartCreditEvaluation     ActionKind = "START_CREDIT_EVALUATION"
	KindSetCreditEvaluationResult ActionKind = "SET_CREDIT_EVALUATION"
	KindSetLoanOffer              ActionKind = "SET_LOAN_OFFER"
	KindSetOfferAccepted          ActionKind = "SET_OFFER_ACCEPTED"
	KindUploadDocument            ActionKind = "UPLOAD_DOCUMENT"
	KindUpdateDocumentProgress    ActionKind = "UPDATE_DOCUMENT_PROGRESS"
	KindSetDocumentStatus         ActionKind = "SET_DOCUMENT_STATUS"
	KindSetUploadConfirmation     ActionKind = "SET_UPLOAD_CONFIRMATION"
	KindStartApprovalProcessing   ActionKind = "START_APPROVAL_PROCESSING"
	KindSetApprovalStatus         ActionKind = "SET_APPROVAL_STATUS"
	KindGenerateSanctionLetter    ActionKind = "GENERATE_SANCTION_LETTER"
	KindSetProcessing             ActionKind = "SET_PROCESSING"
	KindSetError                  ActionKind = "SET_ERROR"
	KindClose                     ActionKind = "CLOSE"
	KindReset                     ActionKind = "RESET_FLOW"
)

// Action is a request to transition State. Only the types in this file implement it.
type Action interface {
	Kind() ActionKind
}

type SetStep struct{ Step Step }

type GoBack struct{}

// AddMessage appends to the transcript. An empty Step is filled with the current step.
type AddMessage struct{ Message Message }

// AppendAgentToken extends the last agent message with a streamed token. When
// the transcript does not end with an agent message a new one is started
// using MessageID and Timestamp.
type AppendAgentToken struct {
	Token     string
	MessageID string
	Timestamp time.Time
}

type SetEmploymentType struct{ Value EmploymentType }

type SetMonthlyIncome struct{ Value float64 }

type SetLoanAmount struct{ Value float64 }

type SetTenure struct{ Value Tenure }

type SetPersonalDetail struct {
	Field PersonalField
	Value string
}

type SetOTPVerified struct{ Verified bool }

type SetKYCConsent struct{ Consent bool }

type StartCreditEvaluation struct{}

type SetCreditEvaluationResult struct {
	Status      CreditStatus
	Score       int
	EvaluatedAt time.Time
}

type SetLoanOffer struct{ Offer LoanOffer }

type SetOfferAccepted struct{ Accepted bool }

// UploadDocument starts the upload lifecycle of one slot
type UploadDocument struct {
	Slot     DocumentSlot
	FileName string
	FileSize int64
	MIMEType string
}

type UpdateDocumentProgress struct {
	Slot     DocumentSlot
	Progress int
}

// SetDocumentStatus records the outcome of an upload. StorageRef, Verified and
// Note are only applied when set.
type SetDocumentStatus struct {
	Slot       DocumentSlot
	Status     DocumentStatus
	StorageRef string
	Verified   *bool
	Note       string
	At         time.Time
}

type SetUploadConfirmation struct{ Confirmed bool }

type StartApprovalProcessing struct{}

type SetApprovalStatus struct{ Status ApprovalStatus }

// GenerateSanctionLetter issues the letter from the current offer. The
// reference number and clock come from the caller so Reduce stays pure.
type GenerateSanctionLetter struct {
	ReferenceNumber string
	IssuedAt        time.Time
}

type SetProcessing struct{ Processing bool }

type SetError struct{ Message string }

// Close halts the application at StepClosed
type Close struct{ Reason CloseReason }

// Reset discards the session's data. Now becomes the new CreatedAt.
type Reset struct{ Now time.Time }

func (SetStep) Kind() ActionKind                   { return KindSetStep }
func (GoBack) Kind() ActionKind                    { return KindGoBack }
func (AddMessage) Kind() ActionKind                { return KindAddMessage }
func (AppendAgentToken) Kind() ActionKind          { return KindAppendAgentToken }
func (SetEmploymentType) Kind() ActionKind         { return KindSetEmploymentType }
func (SetMonthlyIncome) Kind() ActionKind          { return KindSetMonthlyIncome }
func (SetLoanAmount) Kind() ActionKind             { return KindSetLoanAmount }
func (SetTenure) Kind() ActionKind                 { return KindSetTenure }
func (SetPersonalDetail) Kind() ActionKind         { return KindSetPersonalDetail }
func (SetOTPVerified) Kind() ActionKind            { return KindSetOTPVerified }
func (SetKYCConsent) Kind() ActionKind             { return KindSetKYCConsent }
func (StartCreditEvaluation) Kind() ActionKind     { return KindStartCreditEvaluation }
func (SetCreditEvaluationResult) Kind() ActionKind { return KindSetCreditEvaluationResult }
func (SetLoanOffer) Kind() ActionKind              { return KindSetLoanOffer }
func (SetOfferAccepted) Kind() ActionKind          { return KindSetOfferAccepted }
func (UploadDocument) Kind() ActionKind            { return KindUploadDocument }
func (UpdateDocumentProgress) Kind() ActionKind    { return KindUpdateDocumentProgress }
func (SetDocumentStatus) Kind() ActionKind         { return KindSetDocumentStatus }
func (SetUploadConfirmation) Kind() ActionKind     { return KindSetUploadConfirmation }
func (StartApprovalProcessing) Kind() ActionKind   { return KindStartApprovalProcessing }
func (SetApprovalStatus) Kind() ActionKind         { return KindSetApprovalStatus }
func (GenerateSanctionLetter) Kind() ActionKind    { return KindGenerateSanctionLetter }
func (SetProcessing) Kind() ActionKind             { return KindSetProcessing }
func (SetError) Kind() ActionKind                  { return KindSetError }
func (Close) Kind() ActionKind                     { return KindClose }
func (Reset) Kind() ActionKind                     { return KindReset }
