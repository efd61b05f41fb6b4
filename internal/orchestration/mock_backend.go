package orchestration

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
)

// MockBackend simulates the loan backend in process. Credit scores derive
// from monthly income, any well-formed OTP passes and approvals always succeed.
type MockBackend struct {
	Latency time.Duration
	Now     func() time.Time
}

var (
	_ Backend      = (*MockBackend)(nil)
	_ ChatStreamer = (*MockBackend)(nil)
)

// NewMockBackend creates a mock that waits latency before each reply
func NewMockBackend(latency time.Duration) *MockBackend {
	return &MockBackend{Latency: latency, Now: time.Now}
}

func (m *MockBackend) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MockCreditScore is the score the mock assigns to a monthly income
func MockCreditScore(monthlyIncome float64) int {
	boost := math.Min(monthlyIncome/50000, 2)
	return int(math.Min(850, math.Round(600+boost*100)))
}

func (m *MockBackend) EvaluateCredit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	if err := m.wait(ctx, m.Latency); err != nil {
		return CreditResult{}, fmt.Errorf("failed to evaluate credit: %w", err)
	}
	score := MockCreditScore(req.MonthlyIncome)
	status := loanflow.CreditRejected
	if score >= loanflow.MinApprovableScore {
		status = loanflow.CreditApproved
	}
	return CreditResult{Status: status, Score: score, EvaluatedAt: m.Now().UTC()}, nil
}

func (m *MockBackend) VerifyOTP(ctx context.Context, sessionID, code string) (bool, error) {
	if err := m.wait(ctx, m.Latency); err != nil {
		return false, fmt.Errorf("failed to verify otp: %w", err)
	}
	return loanflow.ValidateOTP(code).Valid, nil
}

func (m *MockBackend) UploadDocument(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error) {
	var read int64
	if req.Content != nil {
		n, err := io.Copy(io.Discard, req.Content)
		if err != nil {
			return UploadResult{}, fmt.Errorf("failed to read document: %w", err)
		}
		read = n
	}

	for _, percent := range []int{25, 50, 75, 100} {
		if err := m.wait(ctx, m.Latency/4); err != nil {
			return UploadResult{}, fmt.Errorf("failed to upload document: %w", err)
		}
		if progress != nil {
			progress(percent)
		}
	}

	verification := &Verification{Verified: read > 0}
	if read == 0 {
		verification.Reason = "document is empty"
	}
	return UploadResult{
		StorageRef:   fmt.Sprintf("mock://%s/%s/%s", req.SessionID, req.Slot, req.FileName),
		Verification: verification,
	}, nil
}

func (m *MockBackend) ProcessApproval(ctx context.Context, sessionID string) (loanflow.ApprovalStatus, error) {
	if err := m.wait(ctx, m.Latency); err != nil {
		return "", fmt.Errorf("failed to process approval: %w", err)
	}
	return loanflow.ApprovalApproved, nil
}

func (m *MockBackend) IsHealthy(ctx context.Context) bool {
	return true
}

// StreamChat echoes the message word by word. Mentioning documents or
// uploads adds a requires_upload meta event.
func (m *MockBackend) StreamChat(ctx context.Context, sessionID, message string) (<-chan ChatEvent, error) {
	reply := fmt.Sprintf("Thanks for your message. You said: %s", strings.TrimSpace(message))
	words := strings.Fields(reply)
	lower := strings.ToLower(message)
	wantsUpload := strings.Contains(lower, "upload") || strings.Contains(lower, "document")

	events := make(chan ChatEvent)
	go func() {
		defer close(events)
		send := func(event ChatEvent) bool {
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for i, word := range words {
			if err := m.wait(ctx, m.Latency/time.Duration(len(words))); err != nil {
				return
			}
			token := word
			if i > 0 {
				token = " " + word
			}
			if !send(ChatEvent{Type: ChatEventToken, Token: token}) {
				return
			}
		}
		if wantsUpload {
			required := make([]string, 0, len(loanflow.DocumentSlots))
			for _, slot := range loanflow.DocumentSlots {
				required = append(required, string(slot))
			}
			if !send(ChatEvent{Type: ChatEventMeta, Meta: &models.ChatMeta{RequiresUpload: true, RequiredDocuments: required}}) {
				return
			}
		}
		send(ChatEvent{Type: ChatEventDone})
	}()
	return events, nil
}
