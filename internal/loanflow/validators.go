package loanflow

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

// Input limits
const (
	MinMonthlyIncome  = 10000
	MaxMonthlyIncome  = 10000000
	MinLoanAmount     = 10000
	MaxLoanAmount     = 5000000
	MaxIncomeMultiple = 60
	MinNameLength     = 3
	MaxFileSizeMB     = 5
	MaxFileSize       = MaxFileSizeMB * 1024 * 1024
)

// AllowedMIMETypes for document uploads
var AllowedMIMETypes = []string{"application/pdf", "image/jpeg", "image/png"}

var (
	validate = validator.New()

	nonDigit   = regexp.MustCompile(`\D`)
	whitespace = regexp.MustCompile(`\s`)
	panPattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	otpPattern = regexp.MustCompile(`^[0-9]{6}$`)
	// validator's email tag accepts dotless domains such as user@localhost
	emailTLD    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	namePattern = regexp.MustCompile(`^[a-zA-Z\s]+$`)
	amountNoise = regexp.MustCompile(`(?i)(^rs\.?|[₹,\s])`)
)

// ValidationResult is the outcome of a validator. Reason is set when Valid is false.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func pass() ValidationResult { return ValidationResult{Valid: true} }

func fail(reason string) ValidationResult { return ValidationResult{Reason: reason} }

func ValidateMobile(mobile string) ValidationResult {
	cleaned := nonDigit.ReplaceAllString(mobile, "")
	if len(cleaned) != 10 {
		return fail("Mobile number must be 10 digits")
	}
	if !strings.ContainsRune("6789", rune(cleaned[0])) {
		return fail("Mobile number must start with 6, 7, 8, or 9")
	}
	return pass()
}

func ValidateEmail(email string) ValidationResult {
	email = strings.TrimSpace(email)
	if err := validate.Var(email, "required,email"); err != nil || !emailTLD.MatchString(email) {
		return fail("Please enter a valid email address")
	}
	return pass()
}

// ValidatePAN checks the 10 character PAN shape after upper-casing
func ValidatePAN(pan string) ValidationResult {
	if !panPattern.MatchString(NormalizePAN(pan)) {
		return fail("PAN must be in format: ABCDE1234F")
	}
	return pass()
}

func ValidateAadhaar(aadhaar string) ValidationResult {
	cleaned := whitespace.ReplaceAllString(aadhaar, "")
	if len(cleaned) != 12 || nonDigit.MatchString(cleaned) {
		return fail("Aadhaar must be 12 digits")
	}
	return pass()
}

func ValidateOTP(otp string) ValidationResult {
	if !otpPattern.MatchString(strings.TrimSpace(otp)) {
		return fail("OTP must be 6 digits")
	}
	return pass()
}

func ValidateMonthlyIncome(income float64) ValidationResult {
	if math.IsNaN(income) || income < MinMonthlyIncome {
		return fail("Minimum monthly income should be ₹10,000")
	}
	if income > MaxMonthlyIncome {
		return fail("Please enter a valid income amount")
	}
	return pass()
}

// ValidateLoanAmount checks the absolute bounds and, when monthlyIncome is
// positive, the income multiple ceiling.
func ValidateLoanAmount(amount, monthlyIncome float64) ValidationResult {
	if math.IsNaN(amount) || amount < MinLoanAmount {
		return fail("Minimum loan amount is ₹10,000")
	}
	if amount > MaxLoanAmount {
		return fail("Maximum loan amount is ₹50,00,000")
	}
	if monthlyIncome > 0 && amount > MaxLoanAmountFor(monthlyIncome) {
		return fail("Loan amount too high for your income")
	}
	return pass()
}

func ValidateFullName(name string) ValidationResult {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < MinNameLength {
		return fail("Name must be at least 3 characters")
	}
	if !namePattern.MatchString(trimmed) {
		return fail("Name should only contain letters")
	}
	return pass()
}

// SniffLength is how many leading bytes DetectMIMEType needs
const SniffLength = 3072

// DetectMIMEType identifies a file from its leading bytes
func DetectMIMEType(head []byte) string {
	return mimetype.Detect(head).String()
}

// ValidateFileContent rejects uploads whose bytes do not match the declared type
func ValidateFileContent(mimeType string, head []byte) ValidationResult {
	detected := mimetype.Detect(head)
	if !detected.Is(normalizeMIMEType(mimeType)) {
		return fail("File content does not match its file type. Only JPG, PNG, and PDF files are allowed")
	}
	return pass()
}

func normalizeMIMEType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "image/jpg" {
		return "image/jpeg"
	}
	return mimeType
}

// ValidateFile checks upload metadata; ValidateFileContent covers the bytes
func ValidateFile(size int64, mimeType string) ValidationResult {
	if size <= 0 {
		return fail("File is empty")
	}
	if size > MaxFileSize {
		return fail(fmt.Sprintf("File size must be less than %dMB", MaxFileSizeMB))
	}
	mimeType = normalizeMIMEType(mimeType)
	for _, allowed := range AllowedMIMETypes {
		if mimeType == allowed {
			return pass()
		}
	}
	return fail("Only JPG, PNG, and PDF files are allowed")
}

// ValidatePersonalField dispatches to the validator for field
func ValidatePersonalField(field PersonalField, value string) ValidationResult {
	switch field {
	case FieldFullName:
		return ValidateFullName(value)
	case FieldMobile:
		return ValidateMobile(value)
	case FieldEmail:
		return ValidateEmail(value)
	case FieldPAN:
		return ValidatePAN(value)
	case FieldAadhaar:
		return ValidateAadhaar(value)
	}
	return fail(fmt.Sprintf("Unknown field %q", field))
}

// ValidateConfirmationToken guards the awaiting_upload_confirmation transition
func ValidateConfirmationToken(input string) ValidationResult {
	if strings.TrimSpace(input) != ConfirmationToken {
		return fail(fmt.Sprintf("Please type '%s' to confirm", ConfirmationToken))
	}
	return pass()
}

// NormalizePAN upper-cases and trims a PAN
func NormalizePAN(pan string) string {
	return strings.ToUpper(strings.TrimSpace(pan))
}

// NormalizeMobile keeps digits only
func NormalizeMobile(mobile string) string {
	return nonDigit.ReplaceAllString(mobile, "")
}

// NormalizeAadhaar strips whitespace
func NormalizeAadhaar(aadhaar string) string {
	return whitespace.ReplaceAllString(aadhaar, "")
}

// ParseAmount reads a rupee amount typed by the applicant. It accepts "₹",
// "Rs." prefixes, Indian or western comma grouping and surrounding spaces.
func ParseAmount(input string) (float64, bool) {
	cleaned := amountNoise.ReplaceAllString(strings.TrimSpace(input), "")
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseTenure accepts "36", "36 months" or "36 Months"
func ParseTenure(input string) (Tenure, bool) {
	fields := strings.Fields(strings.ToLower(input))
	if len(fields) == 0 || len(fields) > 2 {
		return 0, false
	}
	if len(fields) == 2 && fields[1] != "months" && fields[1] != "month" {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	t := Tenure(n)
	return t, t.IsValid()
}

// ParseEmploymentType matches button labels case-insensitively
func ParseEmploymentType(input string) (EmploymentType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.NewReplacer("-", "", " ", "", "_", "").Replace(normalized)
	switch normalized {
	case "salaried":
		return EmploymentSalaried, true
	case "selfemployed":
		return EmploymentSelfEmployed, true
	}
	return "", false
}

// ParseConsent interprets a yes/no reply. ok is false when the reply is neither.
func ParseConsent(input string) (consent bool, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	switch {
	case normalized == "yes" || normalized == "y" || strings.HasPrefix(normalized, "yes,") || strings.HasPrefix(normalized, "yes "):
		return true, true
	case normalized == "no" || normalized == "n" || strings.HasPrefix(normalized, "no,") || strings.HasPrefix(normalized, "no "):
		return false, true
	}
	return false, false
}
