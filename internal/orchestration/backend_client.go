package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
)

// ErrUpstreamUnavailable is returned while a collaborator's circuit breaker is open
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// BackendClient calls the loan automation backend over HTTP
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

var _ Backend = (*BackendClient)(nil)

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf(`{"level":"warn","message":"circuit breaker state changed","breaker":%q,"from":%q,"to":%q}`, name, from.String(), to.String())
		},
	})
}

// NewBackendClient creates a client for the backend at baseURL
func NewBackendClient(baseURL string, timeout time.Duration) *BackendClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer("loan-backend-client"),
		breaker:    newBreaker("loan-backend"),
	}
}

// execute runs fn through the circuit breaker and maps breaker rejections
// to ErrUpstreamUnavailable
func (c *BackendClient) execute(span trace.Span, fn func() (interface{}, error)) (interface{}, error) {
	result, err := c.breaker.Execute(fn)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	return result, nil
}

// postJSON sends body to path and decodes the JSON response into out
func (c *BackendClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	return c.do(httpReq, out)
}

func (c *BackendClient) do(httpReq *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("backend returned status %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// EvaluateCredit calls /loan/credit-evaluate
func (c *BackendClient) EvaluateCredit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	ctx, span := c.tracer.Start(ctx, "loan_backend.evaluate_credit")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", req.SessionID))

	result, err := c.execute(span, func() (interface{}, error) {
		var resp models.CreditEvaluateResponse
		err := c.postJSON(ctx, "/loan/credit-evaluate", models.CreditEvaluateRequest{
			PAN:           req.PAN,
			Aadhaar:       req.Aadhaar,
			MonthlyIncome: req.MonthlyIncome,
		}, &resp)
		return resp, err
	})
	if err != nil {
		return CreditResult{}, fmt.Errorf("failed to evaluate credit: %w", err)
	}

	resp := result.(models.CreditEvaluateResponse)
	span.SetAttributes(
		attribute.String("credit.status", resp.Status),
		attribute.Int("credit.score", resp.Score),
	)
	return CreditResult{
		Status:      loanflow.CreditStatus(resp.Status),
		Score:       resp.Score,
		EvaluatedAt: parseBackendTime(resp.EvaluatedAt),
	}, nil
}

// VerifyOTP calls /loan/verify-otp
func (c *BackendClient) VerifyOTP(ctx context.Context, sessionID, code string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "loan_backend.verify_otp")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))

	result, err := c.execute(span, func() (interface{}, error) {
		var resp models.VerifyOTPResponse
		err := c.postJSON(ctx, "/loan/verify-otp", models.VerifyOTPRequest{OTP: code, SessionID: sessionID}, &resp)
		return resp, err
	})
	if err != nil {
		return false, fmt.Errorf("failed to verify otp: %w", err)
	}

	valid := result.(models.VerifyOTPResponse).Valid
	span.SetAttributes(attribute.Bool("otp.valid", valid))
	return valid, nil
}

// ProcessApproval calls /loan/process-approval
func (c *BackendClient) ProcessApproval(ctx context.Context, sessionID string) (loanflow.ApprovalStatus, error) {
	ctx, span := c.tracer.Start(ctx, "loan_backend.process_approval")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))

	result, err := c.execute(span, func() (interface{}, error) {
		var resp models.ApprovalResponse
		err := c.postJSON(ctx, "/loan/process-approval", models.ApprovalRequest{SessionID: sessionID}, &resp)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to process approval: %w", err)
	}

	status := loanflow.ApprovalStatus(result.(models.ApprovalResponse).Status)
	span.SetAttributes(attribute.String("approval.status", string(status)))
	return status, nil
}

// UploadDocument posts the file to /loan/upload as multipart form data.
// Progress is reported as the body is streamed.
func (c *BackendClient) UploadDocument(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error) {
	ctx, span := c.tracer.Start(ctx, "loan_backend.upload_document")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("document.slot", string(req.Slot)),
		attribute.Int64("document.size", req.Size),
	)

	result, err := c.execute(span, func() (interface{}, error) {
		return c.uploadInternal(ctx, req, progress)
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to upload document: %w", err)
	}

	resp := result.(models.UploadResponse)
	out := UploadResult{StorageRef: resp.URL}
	if resp.Verification != nil {
		out.Verification = &Verification{Verified: resp.Verification.Verified, Reason: resp.Verification.Reason}
	}
	return out, nil
}

func (c *BackendClient) uploadInternal(ctx context.Context, req UploadRequest, progress ProgressFunc) (models.UploadResponse, error) {
	var resp models.UploadResponse

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(form, req, progress)
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loan/upload", pr)
	if err != nil {
		pr.CloseWithError(err)
		return resp, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	err = c.do(httpReq, &resp)
	pr.Close()
	return resp, err
}

func writeUploadForm(form *multipart.Writer, req UploadRequest, progress ProgressFunc) error {
	if err := form.WriteField("doc_type", string(req.Slot)); err != nil {
		return err
	}
	if err := form.WriteField("session_id", req.SessionID); err != nil {
		return err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.FileName))
	header.Set("Content-Type", req.MIMEType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(part, &progressReader{r: req.Content, total: req.Size, report: progress})
	return err
}

// progressReader reports percent read in 10% increments
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	reported int
	report   ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		percent := int(p.read * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent/10 > p.reported/10 {
			p.reported = percent
			p.report(percent)
		}
	}
	return n, err
}

// IsHealthy checks if the backend is healthy
func (c *BackendClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "loan_backend.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))
	return healthy
}

// parseBackendTime accepts RFC 3339 and naive ISO timestamps (assumed UTC)
func parseBackendTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
