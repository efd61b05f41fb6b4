package loanflow

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// SanctionValidity is how long an issued letter stays valid
const SanctionValidity = 30 * 24 * time.Hour

const sanctionHashLength = 32

// NewSanctionLetter builds the letter for offer. The offer is copied by value.
func NewSanctionLetter(reference, applicant string, offer LoanOffer, issuedAt time.Time) SanctionLetter {
	issuedAt = issuedAt.UTC()
	return SanctionLetter{
		ReferenceNumber: reference,
		ApplicantName:   applicant,
		IssuedAt:        issuedAt,
		ExpiresAt:       issuedAt.Add(SanctionValidity),
		DocumentHash:    sanctionHash(reference, applicant, offer, issuedAt),
		LoanDetails:     offer,
	}
}

// NewSanctionReference returns a reference such as SL-20261019-3F2A9C1B
func NewSanctionReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("SL-%s-%s", now.UTC().Format("20060102"), suffix)
}

func sanctionHash(reference, applicant string, offer LoanOffer, issuedAt time.Time) string {
	payload := fmt.Sprintf("%s|%s|%s|%.2f|%.2f|%.2f|%d|%.2f|%.2f",
		reference, applicant, issuedAt.Format(time.RFC3339Nano),
		offer.Amount, offer.InterestRate, offer.EMI, offer.Tenure, offer.ProcessingFee, offer.APR)
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:sanctionHashLength]
}

// VerifySanctionLetter recomputes the content hash
func VerifySanctionLetter(letter SanctionLetter) bool {
	return letter.DocumentHash == sanctionHash(letter.ReferenceNumber, letter.ApplicantName, letter.LoanDetails, letter.IssuedAt)
}
