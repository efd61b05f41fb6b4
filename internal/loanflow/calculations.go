package loanflow

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	processingFeePercent = 1.5
	minProcessingFee     = 1000
	maxProcessingFee     = 10000
	selfEmployedPremium  = 1.0
)

// rateBand maps a minimum credit score to an annual rate in percent
type rateBand struct {
	minScore int
	rate     float64
}

// Bands are ordered from best to worst; scores below the last band get fallbackRate.
var rateBands = []rateBand{
	{minScore: 800, rate: 10.5},
	{minScore: 750, rate: 11},
	{minScore: 700, rate: 11.5},
	{minScore: 650, rate: 12.5},
}

const fallbackRate = 14.0

// MinApprovableScore is the lowest credit score that can receive an offer
const MinApprovableScore = 650

func roundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// CalculateEMI returns the reducing-balance instalment rounded to the nearest
// rupee. A zero rate degenerates to principal/tenure.
func CalculateEMI(principal, annualRate float64, tenureMonths int) float64 {
	if principal <= 0 || tenureMonths <= 0 || annualRate < 0 {
		return 0
	}
	n := float64(tenureMonths)
	if annualRate == 0 {
		return roundTo(principal/n, 0)
	}
	r := annualRate / 12 / 100
	growth := math.Pow(1+r, n)
	return roundTo(principal*r*growth/(growth-1), 0)
}

// ProcessingFee is 1.5% of the amount clamped to [1000, 10000]
func ProcessingFee(amount float64) float64 {
	fee := decimal.NewFromFloat(amount).
		Mul(decimal.NewFromFloat(processingFeePercent)).
		Div(decimal.NewFromInt(100))
	fee = decimal.Max(fee, decimal.NewFromInt(minProcessingFee))
	fee = decimal.Min(fee, decimal.NewFromInt(maxProcessingFee))
	f, _ := fee.Round(0).Float64()
	return f
}

func TotalPayable(emi float64, tenureMonths int) float64 {
	return emi * float64(tenureMonths)
}

func TotalInterest(totalPayable, principal float64) float64 {
	return totalPayable - principal
}

// APR is a simplified annual cost: (interest + fee) / principal / years.
// It is not an IRR based effective rate.
func APR(principal, annualRate float64, tenureMonths int, fee float64) float64 {
	if principal <= 0 || tenureMonths <= 0 {
		return 0
	}
	emi := CalculateEMI(principal, annualRate, tenureMonths)
	interest := TotalInterest(TotalPayable(emi, tenureMonths), principal)
	years := float64(tenureMonths) / 12
	return roundTo((interest+fee)/principal/years*100, 2)
}

// InterestRate picks the annual rate for a credit score
func InterestRate(score int, employment EmploymentType) float64 {
	rate := fallbackRate
	for _, band := range rateBands {
		if score >= band.minScore {
			rate = band.rate
			break
		}
	}
	if employment == EmploymentSelfEmployed {
		rate += selfEmployedPremium
	}
	return rate
}

// Risk categories shown next to a credit score
const (
	RiskLow    = "Low Risk"
	RiskMedium = "Medium Risk"
	RiskHigh   = "High Risk"
)

// RiskCategory buckets a credit score for display
func RiskCategory(score int) string {
	switch {
	case score >= 750:
		return RiskLow
	case score >= MinApprovableScore:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// GenerateOffer composes the calculators. Identical inputs give identical offers.
func GenerateOffer(amount float64, tenure Tenure, score int, employment EmploymentType) LoanOffer {
	rate := InterestRate(score, employment)
	months := int(tenure)
	emi := CalculateEMI(amount, rate, months)
	fee := ProcessingFee(amount)
	total := TotalPayable(emi, months)
	return LoanOffer{
		Amount:        amount,
		InterestRate:  rate,
		EMI:           emi,
		Tenure:        tenure,
		ProcessingFee: fee,
		APR:           APR(amount, rate, months, fee),
		TotalInterest: TotalInterest(total, amount),
		TotalPayable:  total,
	}
}

// MaxLoanAmountFor is the income multiple ceiling, capped at MaxLoanAmount
func MaxLoanAmountFor(monthlyIncome float64) float64 {
	return math.Min(monthlyIncome*MaxIncomeMultiple, MaxLoanAmount)
}

// FormatCurrency renders whole rupees with Indian digit grouping, e.g. ₹5,00,000
func FormatCurrency(amount float64) string {
	return "₹" + FormatIndianNumber(amount)
}

// FormatIndianNumber groups the last three digits, then pairs: 12,34,567
func FormatIndianNumber(amount float64) string {
	digits := decimal.NewFromFloat(amount).Round(0).StringFixed(0)
	sign := ""
	if strings.HasPrefix(digits, "-") {
		sign, digits = "-", digits[1:]
	}
	if len(digits) <= 3 {
		return sign + digits
	}
	head, tail := digits[:len(digits)-3], digits[len(digits)-3:]
	var groups []string
	for len(head) > 2 {
		groups = append([]string{head[len(head)-2:]}, groups...)
		head = head[:len(head)-2]
	}
	if head != "" {
		groups = append([]string{head}, groups...)
	}
	return sign + strings.Join(append(groups, tail), ",")
}
