package loanflow

import (
	"time"
)

// Step is a node in the loan application conversation graph
type Step string

const (
	StepWelcome                    Step = "welcome"
	StepEmploymentType             Step = "employment_type"
	StepMonthlyIncome              Step = "monthly_income"
	StepLoanAmount                 Step = "loan_amount"
	StepTenure                     Step = "tenure"
	StepPersonalName               Step = "personal_details_name"
	StepPersonalMobile             Step = "personal_details_mobile"
	StepOTPVerification            Step = "otp_verification"
	StepPersonalEmail              Step = "personal_details_email"
	StepPersonalPAN                Step = "personal_details_pan"
	StepPersonalAadhaar            Step = "personal_details_aadhaar"
	StepKYCConsent                 Step = "kyc_consent"
	StepCreditEvaluation           Step = "credit_evaluation"
	StepLoanOffer                  Step = "loan_offer"
	StepDocumentUploadPrompt       Step = "document_upload_prompt"
	StepDocumentUpload             Step = "document_upload"
	StepAwaitingUploadConfirmation Step = "awaiting_upload_confirmation"
	StepApprovalProcessing         Step = "approval_processing"
	StepApprovalSuccess            Step = "approval_success"
	StepComplete                   Step = "complete"
	// StepClosed halts an application that cannot go further.
	StepClosed Step = "closed"
)

// IsValid reports whether s is a member of the step table
func (s Step) IsValid() bool {
	_, ok := stepTable[s]
	return ok
}

// EmploymentType of the applicant
type EmploymentType string

const (
	EmploymentSalaried     EmploymentType = "Salaried"
	EmploymentSelfEmployed EmploymentType = "Self-Employed"
)

func (e EmploymentType) IsValid() bool {
	return e == EmploymentSalaried || e == EmploymentSelfEmployed
}

// Tenure is the loan term in months
type Tenure int

// Tenures lists the offered loan terms in display order
var Tenures = []Tenure{12, 24, 36, 48}

func (t Tenure) IsValid() bool {
	for _, allowed := range Tenures {
		if t == allowed {
			return true
		}
	}
	return false
}

// PersonalField names one entry of PersonalDetails
type PersonalField string

const (
	FieldFullName PersonalField = "fullName"
	FieldMobile   PersonalField = "mobile"
	FieldEmail    PersonalField = "email"
	FieldPAN      PersonalField = "pan"
	FieldAadhaar  PersonalField = "aadhaar"
)

// PersonalDetails holds identity fields; an empty string means not collected yet
type PersonalDetails struct {
	FullName string `json:"fullName,omitempty"`
	Mobile   string `json:"mobile,omitempty"`
	Email    string `json:"email,omitempty"`
	PAN      string `json:"pan,omitempty"`
	Aadhaar  string `json:"aadhaar,omitempty"`
}

// Get returns the value stored for field
func (p PersonalDetails) Get(field PersonalField) string {
	switch field {
	case FieldFullName:
		return p.FullName
	case FieldMobile:
		return p.Mobile
	case FieldEmail:
		return p.Email
	case FieldPAN:
		return p.PAN
	case FieldAadhaar:
		return p.Aadhaar
	}
	return ""
}

// CollectedData is everything the applicant has told us so far
type CollectedData struct {
	EmploymentType  EmploymentType  `json:"employmentType,omitempty"`
	MonthlyIncome   float64         `json:"monthlyIncome,omitempty"`
	LoanAmount      float64         `json:"loanAmount,omitempty"`
	Tenure          Tenure          `json:"tenure,omitempty"`
	PersonalDetails PersonalDetails `json:"personalDetails"`
	OTPVerified     bool            `json:"otpVerified"`
	KYCConsent      bool            `json:"kycConsent"`
}

// CreditStatus is the lifecycle of the credit evaluation stage
type CreditStatus string

const (
	CreditPending    CreditStatus = "pending"
	CreditEvaluating CreditStatus = "evaluating"
	CreditApproved   CreditStatus = "approved"
	CreditRejected   CreditStatus = "rejected"
)

// CreditEvaluation is the outcome reported by the credit evaluation service
type CreditEvaluation struct {
	Status      CreditStatus `json:"status"`
	Score       int          `json:"score,omitempty"`
	EvaluatedAt *time.Time   `json:"evaluatedAt,omitempty"`
}

// LoanOffer is derived from the loan request and the credit score. It is never
// mutated; recomputing produces a new value.
type LoanOffer struct {
	Amount        float64 `json:"amount"`
	InterestRate  float64 `json:"interestRate"`
	EMI           float64 `json:"emi"`
	Tenure        Tenure  `json:"tenure"`
	ProcessingFee float64 `json:"processingFee"`
	APR           float64 `json:"apr"`
	TotalInterest float64 `json:"totalInterest"`
	TotalPayable  float64 `json:"totalPayable"`
}

// DocumentSlot names one of the required documents
type DocumentSlot string

const (
	SlotSalarySlip    DocumentSlot = "salary_slip"
	SlotBankStatement DocumentSlot = "bank_statement"
	SlotAddressProof  DocumentSlot = "address_proof"
	SlotSelfie        DocumentSlot = "selfie"
)

// DocumentSlots lists the required documents in display order
var DocumentSlots = []DocumentSlot{SlotSalarySlip, SlotBankStatement, SlotAddressProof, SlotSelfie}

func (d DocumentSlot) IsValid() bool {
	for _, slot := range DocumentSlots {
		if d == slot {
			return true
		}
	}
	return false
}

// DocumentStatus is the upload lifecycle of one slot
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentUploading DocumentStatus = "uploading"
	DocumentUploaded  DocumentStatus = "uploaded"
	DocumentError     DocumentStatus = "error"
)

func (d DocumentStatus) IsValid() bool {
	switch d {
	case DocumentPending, DocumentUploading, DocumentUploaded, DocumentError:
		return true
	}
	return false
}

// Document tracks a single slot. Slots are independent of one another.
type Document struct {
	Status           DocumentStatus `json:"status"`
	Progress         int            `json:"progress"`
	FileName         string         `json:"fileName,omitempty"`
	FileSize         int64          `json:"fileSize,omitempty"`
	MIMEType         string         `json:"mimeType,omitempty"`
	StorageRef       string         `json:"storageRef,omitempty"`
	UploadedAt       *time.Time     `json:"uploadedAt,omitempty"`
	Verified         *bool          `json:"verified,omitempty"`
	VerificationNote string         `json:"verificationNote,omitempty"`
}

// ApprovalStatus is the outcome of the final approval stage
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// SanctionLetter is the immutable approval artifact. LoanDetails is a copy of
// the offer taken at generation time.
type SanctionLetter struct {
	ReferenceNumber string    `json:"referenceNumber"`
	ApplicantName   string    `json:"applicantName"`
	IssuedAt        time.Time `json:"issuedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	DocumentHash    string    `json:"documentHash"`
	LoanDetails     LoanOffer `json:"loanDetails"`
}

// Role of a chat transcript entry
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry of the append-only transcript
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Step      Step      `json:"step,omitempty"`
}

// CloseReason explains why an application was halted
type CloseReason string

const (
	CloseKYCDeclined      CloseReason = "kyc_declined"
	CloseCreditRejected   CloseReason = "credit_rejected"
	CloseOfferDeclined    CloseReason = "offer_declined"
	CloseApprovalRejected CloseReason = "approval_rejected"
)

func (c CloseReason) IsValid() bool {
	switch c {
	case CloseKYCDeclined, CloseCreditRejected, CloseOfferDeclined, CloseApprovalRejected:
		return true
	}
	return false
}

// State is the per-session application aggregate. It is only changed through
// Reduce.
type State struct {
	SessionID        string                    `json:"sessionId"`
	CurrentStep      Step                      `json:"currentStep"`
	StepHistory      []Step                    `json:"stepHistory"`
	CollectedData    CollectedData             `json:"collectedData"`
	CreditEvaluation *CreditEvaluation         `json:"creditEvaluation,omitempty"`
	LoanOffer        *LoanOffer                `json:"loanOffer,omitempty"`
	OfferAccepted    bool                      `json:"offerAccepted"`
	Documents        map[DocumentSlot]Document `json:"documents"`
	UploadConfirmed  bool                      `json:"uploadConfirmed"`
	ApprovalStatus   ApprovalStatus            `json:"approvalStatus,omitempty"`
	SanctionLetter   *SanctionLetter           `json:"sanctionLetter,omitempty"`
	Messages         []Message                 `json:"messages"`
	CloseReason      CloseReason               `json:"closeReason,omitempty"`
	IsProcessing     bool                      `json:"isProcessing"`
	Error            string                    `json:"error,omitempty"`
	CreatedAt        time.Time                 `json:"createdAt"`
	UpdatedAt        time.Time                 `json:"updatedAt"`
	// Version counts saves; stores reject a save made from an older version
	Version int64 `json:"version"`
}

// NewState returns the initial state for a fresh session
func NewState(sessionID string, now time.Time) State {
	docs := make(map[DocumentSlot]Document, len(DocumentSlots))
	for _, slot := range DocumentSlots {
		docs[slot] = Document{Status: DocumentPending}
	}
	return State{
		SessionID:   sessionID,
		CurrentStep: StepWelcome,
		StepHistory: []Step{},
		Documents:   docs,
		Messages:    []Message{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so the result shares no mutable memory with s
func (s State) Clone() State {
	out := s
	out.StepHistory = append([]Step{}, s.StepHistory...)
	out.Messages = append([]Message{}, s.Messages...)
	out.Documents = make(map[DocumentSlot]Document, len(s.Documents))
	for slot, doc := range s.Documents {
		if doc.Verified != nil {
			v := *doc.Verified
			doc.Verified = &v
		}
		if doc.UploadedAt != nil {
			t := *doc.UploadedAt
			doc.UploadedAt = &t
		}
		out.Documents[slot] = doc
	}
	if s.CreditEvaluation != nil {
		ce := *s.CreditEvaluation
		if ce.EvaluatedAt != nil {
			t := *ce.EvaluatedAt
			ce.EvaluatedAt = &t
		}
		out.CreditEvaluation = &ce
	}
	if s.LoanOffer != nil {
		offer := *s.LoanOffer
		out.LoanOffer = &offer
	}
	if s.SanctionLetter != nil {
		letter := *s.SanctionLetter
		out.SanctionLetter = &letter
	}
	return out
}
