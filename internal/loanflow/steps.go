package loanflow

import (
	"fmt"
)

// InputKind is the modality a step expects from the applicant
type InputKind string

const (
	InputNone       InputKind = "none"
	InputButtons    InputKind = "buttons"
	InputText       InputKind = "text"
	InputNumeric    InputKind = "numeric"
	InputOTP        InputKind = "otp"
	InputFileUpload InputKind = "file_upload"
)

// ConfirmationToken must be typed verbatim to move past document upload
const ConfirmationToken = "DoneDoneDone"

// StepConfig describes one node of the conversation graph
type StepConfig struct {
	Step    Step
	Prompt  func(State) string
	Input   InputKind
	Options []string
	// Next is empty for terminal steps.
	Next Step
}

func literal(text string) func(State) string {
	return func(State) string { return text }
}

// stepOrder is the linear path through the graph; StepClosed sits outside it.
var stepOrder = []Step{
	StepWelcome,
	StepEmploymentType,
	StepMonthlyIncome,
	StepLoanAmount,
	StepTenure,
	StepPersonalName,
	StepPersonalMobile,
	StepOTPVerification,
	StepPersonalEmail,
	StepPersonalPAN,
	StepPersonalAadhaar,
	StepKYCConsent,
	StepCreditEvaluation,
	StepLoanOffer,
	StepDocumentUploadPrompt,
	StepDocumentUpload,
	StepAwaitingUploadConfirmation,
	StepApprovalProcessing,
	StepApprovalSuccess,
	StepComplete,
}

var stepTable = map[Step]StepConfig{
	StepWelcome: {
		Prompt: literal("Welcome to XYZ Finance!\n\nI'm here to help you get a personal loan quickly and easily.\n\nLet's get started!"),
		Input:  InputNone,
	},
	StepEmploymentType: {
		Prompt:  literal("First, let me know your employment type:"),
		Input:   InputButtons,
		Options: []string{string(EmploymentSalaried), string(EmploymentSelfEmployed)},
	},
	StepMonthlyIncome: {
		Prompt: literal("What is your monthly income? (in ₹)"),
		Input:  InputNumeric,
	},
	StepLoanAmount: {
		Prompt: func(s State) string {
			income := s.CollectedData.MonthlyIncome
			if income <= 0 {
				return "How much would you like to borrow? (in ₹)"
			}
			return fmt.Sprintf("How much would you like to borrow? (in ₹)\n\nMaximum loan amount: %s (%dx your monthly income)",
				FormatCurrency(MaxLoanAmountFor(income)), MaxIncomeMultiple)
		},
		Input: InputNumeric,
	},
	StepTenure: {
		Prompt:  literal("Select your preferred loan tenure:"),
		Input:   InputButtons,
		Options: []string{"12 months", "24 months", "36 months", "48 months"},
	},
	StepPersonalName: {
		Prompt: literal("Great! Now I need some personal details.\n\nWhat is your full name?"),
		Input:  InputText,
	},
	StepPersonalMobile: {
		Prompt: literal("Please enter your mobile number:"),
		Input:  InputText,
	},
	StepOTPVerification: {
		Prompt: func(s State) string {
			mobile := s.CollectedData.PersonalDetails.Mobile
			if mobile == "" {
				mobile = "your mobile"
			}
			return fmt.Sprintf("We've sent a 6-digit OTP to %s.\n\nPlease enter the OTP to verify:", mobile)
		},
		Input: InputOTP,
	},
	StepPersonalEmail: {
		Prompt: literal("What is your email address?"),
		Input:  InputText,
	},
	StepPersonalPAN: {
		Prompt: literal("Please enter your PAN number:"),
		Input:  InputText,
	},
	StepPersonalAadhaar: {
		Prompt: literal("Please enter your Aadhaar number:"),
		Input:  InputText,
	},
	StepKYCConsent: {
		Prompt:  literal("Do you consent to KYC verification and credit bureau checks?\n\nThis is required to process your loan application."),
		Input:   InputButtons,
		Options: []string{"Yes, I consent", "No"},
	},
	StepCreditEvaluation: {
		Prompt: literal("Evaluating your credit profile...\n\nThis will just take a moment."),
		Input:  InputNone,
	},
	StepLoanOffer: {
		Prompt: func(s State) string {
			if s.LoanOffer == nil {
				return "Great news! Your loan has been pre-approved.\n\nHere's your personalized offer:"
			}
			o := s.LoanOffer
			return fmt.Sprintf("Great news! Your loan has been pre-approved.\n\nHere's your personalized offer:\n"+
				"Amount: %s\nInterest rate: %.2f%%\nEMI: %s for %d months\nProcessing fee: %s\nAPR: %.2f%%",
				FormatCurrency(o.Amount), o.InterestRate, FormatCurrency(o.EMI), o.Tenure,
				FormatCurrency(o.ProcessingFee), o.APR)
		},
		Input:   InputButtons,
		Options: []string{"Accept Offer", "Reject Offer"},
	},
	StepDocumentUploadPrompt: {
		Prompt:  literal("Excellent! To proceed, please upload the required documents.\n\nType 'upload' when you're ready, or click the button below."),
		Input:   InputButtons,
		Options: []string{"Upload Documents"},
	},
	StepDocumentUpload: {
		Prompt: literal("Please upload all required documents: salary slip, bank statement, address proof and a selfie."),
		Input:  InputFileUpload,
	},
	StepAwaitingUploadConfirmation: {
		Prompt: literal(fmt.Sprintf("Documents uploaded successfully!\n\nPlease type '%s' to confirm and proceed with approval.", ConfirmationToken)),
		Input:  InputText,
	},
	StepApprovalProcessing: {
		Prompt: literal("Processing your application and documents...\n\nVerifying details..."),
		Input:  InputNone,
	},
	StepApprovalSuccess: {
		Prompt:  literal("Congratulations! Your loan has been approved!\n\nYour sanction letter is ready."),
		Input:   InputButtons,
		Options: []string{"View Sanction Letter", "Download PDF"},
	},
	StepComplete: {
		Prompt: literal("Thank you for choosing XYZ Finance!\n\nYour loan will be disbursed within 24 hours.\n\nIs there anything else I can help you with?"),
		Input:  InputNone,
	},
	StepClosed: {
		Prompt: closedPrompt,
		Input:  InputNone,
	},
}

func closedPrompt(s State) string {
	switch s.CloseReason {
	case CloseKYCDeclined:
		return "We're sorry, but KYC consent is mandatory to process your loan application.\n\nPlease reach out if you change your mind!"
	case CloseCreditRejected:
		return "We're sorry, but we couldn't approve your loan at this time based on your credit profile.\n\nPlease feel free to reapply after improving your credit score."
	case CloseOfferDeclined:
		return "We understand. Thank you for considering XYZ Finance.\n\nFeel free to reach out if you change your mind!"
	case CloseApprovalRejected:
		return "We're sorry, but your application could not be approved after document verification."
	}
	return "This application is closed."
}

func init() {
	for i, step := range stepOrder {
		cfg := stepTable[step]
		cfg.Step = step
		if i+1 < len(stepOrder) && step != StepComplete {
			cfg.Next = stepOrder[i+1]
		}
		stepTable[step] = cfg
	}
	closed := stepTable[StepClosed]
	closed.Step = StepClosed
	stepTable[StepClosed] = closed
}

// Steps returns the linear step order
func Steps() []Step {
	return append([]Step{}, stepOrder...)
}

// ConfigFor returns the table entry for step
func ConfigFor(step Step) (StepConfig, bool) {
	cfg, ok := stepTable[step]
	return cfg, ok
}

// PromptFor renders the agent prompt for step given the collected context
func PromptFor(step Step, s State) string {
	cfg, ok := stepTable[step]
	if !ok {
		return ""
	}
	return cfg.Prompt(s)
}

// NextStep returns the designated successor of step. Terminal steps return false.
func NextStep(step Step) (Step, bool) {
	cfg, ok := stepTable[step]
	if !ok || cfg.Next == "" {
		return "", false
	}
	return cfg.Next, true
}
