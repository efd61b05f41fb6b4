package orchestration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/loan-assistant/internal/models"
)

const streamDoneSentinel = "[DONE]"

// ChatStreamClient reads streamed chat replies from POST /chat/stream.
// Each reply is a sequence of `data: {json}` lines ending with [DONE].
type ChatStreamClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

var _ ChatStreamer = (*ChatStreamClient)(nil)

// NewChatStreamClient creates a chat stream client for baseURL. The HTTP
// client has no overall timeout; streams are bounded by the caller's ctx.
func NewChatStreamClient(baseURL string) *ChatStreamClient {
	return &ChatStreamClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		tracer:     otel.Tracer("chat-stream-client"),
		breaker:    newBreaker("chat-stream"),
	}
}

// StreamChat opens the stream and returns a channel of events. Opening the
// stream goes through the circuit breaker; reading it does not.
func (c *ChatStreamClient) StreamChat(ctx context.Context, sessionID, message string) (<-chan ChatEvent, error) {
	ctx, span := c.tracer.Start(ctx, "chat_stream.open")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.open(ctx, sessionID, message)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("failed to open chat stream: %w", err)
	}

	body := result.(io.ReadCloser)
	events := make(chan ChatEvent)
	go func() {
		defer close(events)
		defer body.Close()
		readChatStream(ctx, body, events)
	}()
	return events, nil
}

func (c *ChatStreamClient) open(ctx context.Context, sessionID, message string) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(models.ChatStreamRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat stream returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp.Body, nil
}

// readChatStream converts data lines into events. It always emits a final
// done or error event unless ctx is cancelled first.
func readChatStream(ctx context.Context, body io.Reader, events chan<- ChatEvent) {
	send := func(event ChatEvent) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == streamDoneSentinel {
			send(ChatEvent{Type: ChatEventDone})
			return
		}

		event, ok := decodeChatFrame(data)
		if !ok {
			log.Printf(`{"level":"warn","message":"skipping malformed chat frame","data":%q}`, data)
			continue
		}
		if !send(event) {
			return
		}
		if event.Type == ChatEventDone || event.Type == ChatEventError {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ChatEvent{Type: ChatEventError, Error: fmt.Sprintf("chat stream interrupted: %v", err)})
		return
	}
	send(ChatEvent{Type: ChatEventError, Error: "chat stream ended unexpectedly"})
}

func decodeChatFrame(data string) (ChatEvent, bool) {
	var frame models.ChatStreamFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return ChatEvent{}, false
	}

	switch frame.Type {
	case "token":
		token := frame.Content
		if len(frame.Value) > 0 {
			var value string
			if err := json.Unmarshal(frame.Value, &value); err == nil {
				token = value
			}
		}
		return ChatEvent{Type: ChatEventToken, Token: token}, true
	case "meta":
		var meta models.ChatMeta
		if len(frame.Value) > 0 {
			if err := json.Unmarshal(frame.Value, &meta); err != nil {
				return ChatEvent{}, false
			}
		}
		return ChatEvent{Type: ChatEventMeta, Meta: &meta}, true
	case "error":
		message := frame.Message
		if message == "" {
			message = "chat backend reported an error"
		}
		return ChatEvent{Type: ChatEventError, Error: message}, true
	case "complete", "done":
		return ChatEvent{Type: ChatEventDone}, true
	default:
		return ChatEvent{}, false
	}
}
