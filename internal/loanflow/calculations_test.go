package loanflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateEMI(t *testing.T) {
	tests := []struct {
		name      string
		principal float64
		rate      float64
		tenure    int
		want      float64
	}{
		{name: "product_sample", principal: 500000, rate: 10.5, tenure: 60, want: 10747},
		{name: "three_year", principal: 300000, rate: 11, tenure: 36, want: 9822},
		{name: "zero_rate", principal: 120000, rate: 0, tenure: 12, want: 10000},
		{name: "zero_tenure", principal: 120000, rate: 11, tenure: 0, want: 0},
		{name: "zero_principal", principal: 0, rate: 11, tenure: 12, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateEMI(tt.principal, tt.rate, tt.tenure))
		})
	}
}

func TestProcessingFee(t *testing.T) {
	assert.Equal(t, 1000.0, ProcessingFee(1))
	assert.Equal(t, 1000.0, ProcessingFee(50000))
	assert.Equal(t, 1500.0, ProcessingFee(100000))
	assert.Equal(t, 4500.0, ProcessingFee(300000))
	assert.Equal(t, 10000.0, ProcessingFee(100000000))

	t.Run("monotonic within bounds", func(t *testing.T) {
		prev := 0.0
		for amount := 10000.0; amount <= 1000000; amount += 7919 {
			fee := ProcessingFee(amount)
			assert.GreaterOrEqual(t, fee, prev)
			assert.GreaterOrEqual(t, fee, 1000.0)
			assert.LessOrEqual(t, fee, 10000.0)
			prev = fee
		}
	})
}

func TestInterestRate(t *testing.T) {
	tests := []struct {
		score      int
		employment EmploymentType
		want       float64
	}{
		{850, EmploymentSalaried, 10.5},
		{800, EmploymentSalaried, 10.5},
		{780, EmploymentSalaried, 11},
		{750, EmploymentSelfEmployed, 12},
		{700, EmploymentSalaried, 11.5},
		{650, EmploymentSalaried, 12.5},
		{649, EmploymentSalaried, 14},
		{600, EmploymentSelfEmployed, 15},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InterestRate(tt.score, tt.employment), "score %d %s", tt.score, tt.employment)
	}
}

func TestAPR(t *testing.T) {
	assert.Equal(t, 6.45, APR(300000, 11, 36, 4500))
	assert.Equal(t, 0.0, APR(0, 11, 36, 4500))
}

func TestRiskCategory(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{900, RiskLow},
		{750, RiskLow},
		{749, RiskMedium},
		{650, RiskMedium},
		{649, RiskHigh},
		{300, RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskCategory(tt.score), "score %d", tt.score)
	}
}

func TestGenerateOffer(t *testing.T) {
	offer := GenerateOffer(300000, 36, 780, EmploymentSalaried)

	assert.Equal(t, LoanOffer{
		Amount:        300000,
		InterestRate:  11,
		EMI:           9822,
		Tenure:        36,
		ProcessingFee: 4500,
		APR:           6.45,
		TotalInterest: 53592,
		TotalPayable:  353592,
	}, offer)

	t.Run("pure", func(t *testing.T) {
		assert.Equal(t, offer, GenerateOffer(300000, 36, 780, EmploymentSalaried))
	})
}

func TestFormatCurrency(t *testing.T) {
	tests := map[float64]string{
		0:        "₹0",
		999:      "₹999",
		1000:     "₹1,000",
		500000:   "₹5,00,000",
		1234567:  "₹12,34,567",
		10000000: "₹1,00,00,000",
		9821.6:   "₹9,822",
		-45000:   "₹-45,000",
	}
	for amount, want := range tests {
		assert.Equal(t, want, FormatCurrency(amount))
	}
}

func TestMaxLoanAmountFor(t *testing.T) {
	assert.Equal(t, 3600000.0, MaxLoanAmountFor(60000))
	assert.Equal(t, float64(MaxLoanAmount), MaxLoanAmountFor(200000))
}
