package gateway

import (
	"time"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
)

// PersonalDetailsView is the applicant's details with identifiers masked
type PersonalDetailsView struct {
	FullName string `json:"fullName,omitempty"`
	Mobile   string `json:"mobile,omitempty"`
	Email    string `json:"email,omitempty"`
	PAN      string `json:"pan,omitempty"`
	Aadhaar  string `json:"aadhaar,omitempty"`
}

// CollectedDataView mirrors loanflow.CollectedData for API responses
type CollectedDataView struct {
	EmploymentType  loanflow.EmploymentType `json:"employmentType,omitempty"`
	MonthlyIncome   float64                 `json:"monthlyIncome,omitempty"`
	LoanAmount      float64                 `json:"loanAmount,omitempty"`
	Tenure          loanflow.Tenure         `json:"tenure,omitempty"`
	PersonalDetails PersonalDetailsView     `json:"personalDetails"`
	OTPVerified     bool                    `json:"otpVerified"`
	KYCConsent      bool                    `json:"kycConsent"`
}

// OfferView is a loan offer with rupee amounts formatted for display
type OfferView struct {
	loanflow.LoanOffer
	Formatted map[string]string `json:"formatted"`
}

// SanctionLetterView adds the integrity check result to a letter
type SanctionLetterView struct {
	loanflow.SanctionLetter
	Valid bool `json:"valid"`
}

// SessionView is the read-only snapshot returned by every session endpoint
type SessionView struct {
	SessionID            string                                      `json:"sessionId"`
	CurrentStep          loanflow.Step                               `json:"currentStep"`
	StepHistory          []loanflow.Step                             `json:"stepHistory"`
	Prompt               string                                      `json:"prompt"`
	InputKind            loanflow.InputKind                          `json:"inputKind"`
	Options              []string                                    `json:"options,omitempty"`
	CollectedData        CollectedDataView                           `json:"collectedData"`
	CreditEvaluation     *loanflow.CreditEvaluation                  `json:"creditEvaluation,omitempty"`
	RiskCategory         string                                      `json:"riskCategory,omitempty"`
	LoanOffer            *OfferView                                  `json:"loanOffer,omitempty"`
	OfferAccepted        bool                                        `json:"offerAccepted"`
	Documents            map[loanflow.DocumentSlot]loanflow.Document `json:"documents"`
	UploadSummary        loanflow.UploadSummary                      `json:"uploadSummary"`
	AllDocumentsUploaded bool                                        `json:"allDocumentsUploaded"`
	UploadConfirmed      bool                                        `json:"uploadConfirmed"`
	ApprovalStatus       loanflow.ApprovalStatus                     `json:"approvalStatus,omitempty"`
	SanctionLetter       *SanctionLetterView                         `json:"sanctionLetter,omitempty"`
	Messages             []loanflow.Message                          `json:"messages"`
	CloseReason          loanflow.CloseReason                        `json:"closeReason,omitempty"`
	Terminal             bool                                        `json:"terminal"`
	IsProcessing         bool                                        `json:"isProcessing"`
	Error                string                                      `json:"error,omitempty"`
	CreatedAt            time.Time                                   `json:"createdAt"`
	UpdatedAt            time.Time                                   `json:"updatedAt"`
}

func newOfferView(offer loanflow.LoanOffer) *OfferView {
	return &OfferView{
		LoanOffer: offer,
		Formatted: map[string]string{
			"amount":        loanflow.FormatCurrency(offer.Amount),
			"emi":           loanflow.FormatCurrency(offer.EMI),
			"processingFee": loanflow.FormatCurrency(offer.ProcessingFee),
			"totalInterest": loanflow.FormatCurrency(offer.TotalInterest),
			"totalPayable":  loanflow.FormatCurrency(offer.TotalPayable),
		},
	}
}

func newSessionView(s loanflow.State) SessionView {
	details := s.CollectedData.PersonalDetails
	view := SessionView{
		SessionID:   s.SessionID,
		CurrentStep: s.CurrentStep,
		StepHistory: s.StepHistory,
		Prompt:      loanflow.CurrentPrompt(s),
		CollectedData: CollectedDataView{
			EmploymentType: s.CollectedData.EmploymentType,
			MonthlyIncome:  s.CollectedData.MonthlyIncome,
			LoanAmount:     s.CollectedData.LoanAmount,
			Tenure:         s.CollectedData.Tenure,
			PersonalDetails: PersonalDetailsView{
				FullName: details.FullName,
				Mobile:   loanflow.MaskMobile(details.Mobile),
				Email:    details.Email,
				PAN:      loanflow.MaskPAN(details.PAN),
				Aadhaar:  loanflow.MaskAadhaar(details.Aadhaar),
			},
			OTPVerified: s.CollectedData.OTPVerified,
			KYCConsent:  s.CollectedData.KYCConsent,
		},
		CreditEvaluation:     s.CreditEvaluation,
		OfferAccepted:        s.OfferAccepted,
		Documents:            s.Documents,
		UploadSummary:        loanflow.SummarizeUploads(s),
		AllDocumentsUploaded: loanflow.AllDocumentsUploaded(s),
		UploadConfirmed:      s.UploadConfirmed,
		ApprovalStatus:       s.ApprovalStatus,
		Messages:             s.Messages,
		CloseReason:          s.CloseReason,
		Terminal:             loanflow.IsTerminal(s),
		IsProcessing:         s.IsProcessing,
		Error:                s.Error,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if cfg, ok := loanflow.ConfigFor(s.CurrentStep); ok {
		view.InputKind = cfg.Input
		view.Options = cfg.Options
	}
	if s.CreditEvaluation != nil && s.CreditEvaluation.Score > 0 {
		view.RiskCategory = loanflow.RiskCategory(s.CreditEvaluation.Score)
	}
	if s.LoanOffer != nil {
		view.LoanOffer = newOfferView(*s.LoanOffer)
	}
	if s.SanctionLetter != nil {
		view.SanctionLetter = &SanctionLetterView{
			SanctionLetter: *s.SanctionLetter,
			Valid:          loanflow.VerifySanctionLetter(*s.SanctionLetter),
		}
	}
	return view
}
