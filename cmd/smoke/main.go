// Command smoke drives a complete loan application against a running API
// over HTTP and the chat WebSocket.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizmatters/loan-assistant/internal/gateway"
	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
)

const requestTimeout = 30 * time.Second

var applicantReplies = []string{
	"Salaried",
	"75000",
	"300000",
	"36 months",
	"Ravi Kumar",
	"9876543210",
	"123456",
	"ravi@example.com",
	"ABCDE1234F",
	"123456789012",
	"Yes",
}

type TestResult struct {
	TestName string
	Success  bool
	Error    error
	Details  string
}

type client struct {
	baseURL string
	http    *http.Client
	token   string
	id      string
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the loan assistant API")
	flag.Parse()

	log.Println("🚀 Starting loan assistant smoke test against", *baseURL)

	c := &client{
		baseURL: strings.TrimSuffix(*baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}

	// each step depends on the session state left by the previous one
	steps := []func() TestResult{
		c.testHealth,
		c.testCreateSession,
		c.testRejectsForeignToken,
		c.testValidationKeepsStep,
		c.testAnswerQuestions,
		c.testChat,
		c.testUploadDocuments,
		c.testApproval,
		c.testSanctionLetter,
		c.testEndSession,
	}

	var results []TestResult
	for _, step := range steps {
		result := step()
		results = append(results, result)
		if !result.Success {
			break
		}
	}

	if !printTestResults(results, len(steps)) {
		os.Exit(1)
	}
}

func (c *client) do(method, path string, body io.Reader, contentType string, out interface{}) (int, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(payload) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s %s: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 300 {
		var apiErr models.ErrorResponse
		_ = json.Unmarshal(payload, &apiErr)
		return resp.StatusCode, fmt.Errorf("%s %s returned %d: %s (%s)", method, path, resp.StatusCode, apiErr.Error, apiErr.Code)
	}
	return resp.StatusCode, nil
}

func (c *client) input(text string) (gateway.SessionView, error) {
	var view gateway.SessionView
	payload, _ := json.Marshal(gateway.SubmitInputRequest{Input: text})
	_, err := c.do(http.MethodPost, "/api/sessions/"+c.id+"/input", bytes.NewReader(payload), "application/json", &view)
	return view, err
}

func failed(name, details string, err error) TestResult {
	return TestResult{TestName: name, Success: false, Error: err, Details: details}
}

func passed(name, details string) TestResult {
	return TestResult{TestName: name, Success: true, Details: details}
}

func (c *client) testHealth() TestResult {
	const name = "Service Ready"
	log.Println("📋 Checking readiness")

	var body map[string]interface{}
	if _, err := c.do(http.MethodGet, "/ready", nil, "", &body); err != nil {
		return failed(name, "readiness probe failed", err)
	}
	return passed(name, fmt.Sprintf("backend mode %v, session store %v", body["backend_mode"], body["session_store"]))
}

func (c *client) testCreateSession() TestResult {
	const name = "Create Session"
	log.Println("📋 Creating session")

	var resp gateway.CreateSessionResponse
	status, err := c.do(http.MethodPost, "/api/sessions", nil, "", &resp)
	if err != nil {
		return failed(name, "session creation failed", err)
	}
	if status != http.StatusCreated || resp.Token == "" {
		return failed(name, "unexpected response", fmt.Errorf("status %d, token present %t", status, resp.Token != ""))
	}
	if resp.Session.CurrentStep != loanflow.StepEmploymentType {
		return failed(name, "wrong first step", fmt.Errorf("got %s", resp.Session.CurrentStep))
	}
	c.token, c.id = resp.Token, resp.Session.SessionID
	return passed(name, "session "+c.id)
}

func (c *client) testRejectsForeignToken() TestResult {
	const name = "Session Token Binding"
	log.Println("📋 Checking that a token only opens its own session")

	other := &client{baseURL: c.baseURL, http: c.http}
	if r := other.testCreateSession(); !r.Success {
		return failed(name, "could not create second session", r.Error)
	}
	defer func() { _, _ = other.do(http.MethodDelete, "/api/sessions/"+other.id, nil, "", nil) }()

	status, _ := other.do(http.MethodGet, "/api/sessions/"+c.id, nil, "", nil)
	if status != http.StatusForbidden {
		return failed(name, "foreign token accepted", fmt.Errorf("status %d", status))
	}
	return passed(name, "foreign token rejected with 403")
}

func (c *client) testValidationKeepsStep() TestResult {
	const name = "Input Validation"
	log.Println("📋 Submitting an invalid answer")

	view, err := c.input("Unemployed")
	if err != nil {
		return failed(name, "request failed", err)
	}
	if view.CurrentStep != loanflow.StepEmploymentType || view.Error == "" {
		return failed(name, "invalid answer was accepted", fmt.Errorf("step %s, error %q", view.CurrentStep, view.Error))
	}
	return passed(name, "rejected with: "+view.Error)
}

func (c *client) testAnswerQuestions() TestResult {
	const name = "Answer Questions"
	log.Println("📋 Answering the application questions")

	var view gateway.SessionView
	for _, reply := range applicantReplies {
		var err error
		view, err = c.input(reply)
		if err != nil {
			return failed(name, "input "+reply, err)
		}
		if view.Error != "" {
			return failed(name, "input "+reply, fmt.Errorf("%s", view.Error))
		}
	}
	if view.CurrentStep != loanflow.StepLoanOffer || view.LoanOffer == nil {
		return failed(name, "no loan offer", fmt.Errorf("step %s", view.CurrentStep))
	}
	return passed(name, fmt.Sprintf("offer %s at %.2f%%, EMI %s",
		view.LoanOffer.Formatted["amount"], view.LoanOffer.InterestRate, view.LoanOffer.Formatted["emi"]))
}

func (c *client) testChat() TestResult {
	const name = "Chat WebSocket"
	log.Println("📋 Streaming a chat reply")

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/ws/sessions/" + c.id + "/chat?token=" + c.token
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return failed(name, "failed to connect", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(gateway.ChatRequest{Message: "What happens after I accept the offer?"}); err != nil {
		return failed(name, "failed to send message", err)
	}

	tokens := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
			return failed(name, "deadline", err)
		}
		var frame struct {
			EventType string          `json:"event_type"`
			Data      json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return failed(name, "stream ended early", err)
		}
		switch frame.EventType {
		case gateway.FrameToken:
			tokens++
		case gateway.FrameError:
			return failed(name, "chat error", fmt.Errorf("%s", frame.Data))
		case gateway.FrameSession:
			return passed(name, fmt.Sprintf("received %d tokens", tokens))
		}
	}
}

func (c *client) upload(slot loanflow.DocumentSlot) (gateway.SessionView, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s.pdf"`, slot))
	header.Set("Content-Type", "application/pdf")
	part, err := form.CreatePart(header)
	if err != nil {
		return gateway.SessionView{}, err
	}
	if _, err := part.Write(bytes.Repeat([]byte("%PDF-1.4 smoke\n"), 200)); err != nil {
		return gateway.SessionView{}, err
	}
	if err := form.Close(); err != nil {
		return gateway.SessionView{}, err
	}

	var view gateway.SessionView
	_, err = c.do(http.MethodPost, "/api/sessions/"+c.id+"/documents/"+string(slot), body, form.FormDataContentType(), &view)
	return view, err
}

func (c *client) testUploadDocuments() TestResult {
	const name = "Upload Documents"
	log.Println("📋 Accepting the offer and uploading documents")

	for _, reply := range []string{"Accept Offer", "upload"} {
		if _, err := c.input(reply); err != nil {
			return failed(name, "input "+reply, err)
		}
	}

	type outcome struct {
		view gateway.SessionView
		err  error
	}
	results := make(chan outcome, len(loanflow.DocumentSlots))
	for _, slot := range loanflow.DocumentSlots {
		go func(slot loanflow.DocumentSlot) {
			view, err := c.upload(slot)
			results <- outcome{view, err}
		}(slot)
	}
	for range loanflow.DocumentSlots {
		if r := <-results; r.err != nil {
			return failed(name, "upload failed", r.err)
		}
	}

	var view gateway.SessionView
	if _, err := c.do(http.MethodGet, "/api/sessions/"+c.id, nil, "", &view); err != nil {
		return failed(name, "failed to reload session", err)
	}
	if !view.AllDocumentsUploaded || view.CurrentStep != loanflow.StepAwaitingUploadConfirmation {
		return failed(name, "documents incomplete", fmt.Errorf("step %s, uploaded %d/%d",
			view.CurrentStep, view.UploadSummary.Uploaded, view.UploadSummary.Total))
	}
	return passed(name, fmt.Sprintf("%d documents uploaded in parallel", view.UploadSummary.Uploaded))
}

func (c *client) testApproval() TestResult {
	const name = "Approval"
	log.Println("📋 Confirming uploads")

	view, err := c.input(loanflow.ConfirmationToken)
	if err != nil {
		return failed(name, "confirmation failed", err)
	}
	if view.CurrentStep != loanflow.StepApprovalSuccess || view.SanctionLetter == nil {
		return failed(name, "application not approved", fmt.Errorf("step %s, approval %q", view.CurrentStep, view.ApprovalStatus))
	}
	return passed(name, "sanction reference "+view.SanctionLetter.ReferenceNumber)
}

func (c *client) testSanctionLetter() TestResult {
	const name = "Sanction Letter"
	log.Println("📋 Fetching the sanction letter")

	var letter gateway.SanctionLetterView
	if _, err := c.do(http.MethodGet, "/api/sessions/"+c.id+"/sanction-letter", nil, "", &letter); err != nil {
		return failed(name, "request failed", err)
	}
	if !letter.Valid {
		return failed(name, "document hash mismatch", fmt.Errorf("reference %s", letter.ReferenceNumber))
	}
	return passed(name, fmt.Sprintf("%s for %s, valid until %s",
		loanflow.FormatCurrency(letter.LoanDetails.Amount), letter.ApplicantName, letter.ExpiresAt.Format("02 Jan 2006")))
}

func (c *client) testEndSession() TestResult {
	const name = "End Session"
	log.Println("📋 Ending the session")

	if _, err := c.do(http.MethodDelete, "/api/sessions/"+c.id, nil, "", nil); err != nil {
		return failed(name, "delete failed", err)
	}
	status, _ := c.do(http.MethodGet, "/api/sessions/"+c.id, nil, "", nil)
	if status != http.StatusNotFound {
		return failed(name, "session still readable", fmt.Errorf("status %d", status))
	}
	return passed(name, "session removed")
}

func printTestResults(results []TestResult, planned int) bool {
	log.Println("\n" + strings.Repeat("=", 80))
	log.Println("🧪 LOAN ASSISTANT SMOKE TEST RESULTS")
	log.Println(strings.Repeat("=", 80))

	successCount := 0
	for _, result := range results {
		status := "❌ FAILED"
		if result.Success {
			status = "✅ PASSED"
			successCount++
		}

		log.Printf("%s %s", status, result.TestName)
		if result.Details != "" {
			log.Printf("   Details: %s", result.Details)
		}
		if result.Error != nil {
			log.Printf("   Error: %v", result.Error)
		}
	}

	log.Println(strings.Repeat("-", 80))
	log.Printf("📊 SUMMARY: %d/%d checks passed", successCount, planned)

	ok := successCount == planned
	if ok {
		log.Println("🎉 ALL CHECKS PASSED!")
	} else {
		log.Println("⚠️  SOME CHECKS FAILED OR WERE SKIPPED. Review the results above.")
	}
	log.Println(strings.Repeat("=", 80))
	return ok
}
