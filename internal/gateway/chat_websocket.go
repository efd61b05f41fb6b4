package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/loan-assistant/internal/models"
	"github.com/bizmatters/loan-assistant/internal/orchestration"
)

// Frame event types written to chat clients
const (
	FrameToken   = "token"
	FrameMeta    = "meta"
	FrameError   = "error"
	FrameDone    = "done"
	FrameSession = "session"
)

const (
	chatReadLimit    = 64 << 10
	chatWriteTimeout = 10 * time.Second
)

// ChatFrame is one server-to-client WebSocket message
type ChatFrame struct {
	EventType string      `json:"event_type"`
	Data      interface{} `json:"data"`
}

// ChatRequest is one client-to-server WebSocket message
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatSocket streams free-form chat replies for a session over a WebSocket
type ChatSocket struct {
	service  *orchestration.Service
	tracer   trace.Tracer
	upgrader websocket.Upgrader
}

// NewChatSocket creates the chat WebSocket endpoint
func NewChatSocket(service *orchestration.Service) *ChatSocket {
	return &ChatSocket{
		service: service,
		tracer:  otel.Tracer("chat-websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// the session token, not the origin, authorises the connection
				log.Printf(`{"level":"debug","message":"WebSocket connection","origin":%q}`, r.Header.Get("Origin"))
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// StreamChat handles WebSocket /api/ws/sessions/:id/chat
// @Summary Chat with the loan assistant
// @Description WebSocket endpoint. Send {"message": "..."}; the reply streams back as token, meta and done frames followed by a session frame with the updated snapshot.
// @Tags chat
// @Param id path string true "Session ID"
// @Param token query string true "Session token"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /ws/sessions/{id}/chat [get]
func (cs *ChatSocket) StreamChat(c *gin.Context) {
	ctx, span := cs.tracer.Start(c.Request.Context(), "chat_websocket.stream_chat")
	defer span.End()

	sessionID := c.Param("id")
	span.SetAttributes(attribute.String("session.id", sessionID))

	if _, err := cs.service.GetSession(ctx, sessionID); err != nil {
		writeError(c, err)
		return
	}

	conn, err := cs.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"error","message":"Failed to upgrade connection","session_id":%q,"error":%q}`, sessionID, err.Error())
		return
	}
	defer conn.Close()
	conn.SetReadLimit(chatReadLimit)

	log.Printf(`{"level":"info","message":"Chat connection opened","session_id":%q}`, sessionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cs.serve(ctx, conn, sessionID)

	log.Printf(`{"level":"info","message":"Chat connection closed","session_id":%q}`, sessionID)
}

// serve runs one reader and one writer goroutine until either side stops.
// Only the writer touches conn for writes.
func (cs *ChatSocket) serve(ctx context.Context, conn *websocket.Conn, sessionID string) {
	requests := make(chan ChatRequest)
	errChan := make(chan error, 2)

	go func() {
		defer close(requests)
		for {
			var req ChatRequest
			if err := conn.ReadJSON(&req); err != nil {
				errChan <- err
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for req := range requests {
			if err := cs.reply(ctx, conn, sessionID, req); err != nil {
				errChan <- err
				return
			}
		}
	}()

	select {
	case err := <-errChan:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Printf(`{"level":"warn","message":"Chat connection error","session_id":%q,"error":%q}`, sessionID, err.Error())
		}
	case <-ctx.Done():
	}
}

// reply streams one chat answer. Service errors are reported to the client
// and keep the connection open; only write failures end it.
func (cs *ChatSocket) reply(ctx context.Context, conn *websocket.Conn, sessionID string, req ChatRequest) error {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return cs.sendError(conn, "Message must not be empty", models.ErrCodeInvalidRequest)
	}

	var writeErr error
	sink := func(event orchestration.ChatEvent) {
		if writeErr != nil {
			return
		}
		writeErr = cs.write(conn, eventFrame(event))
	}

	state, err := cs.service.StreamChat(ctx, sessionID, message, sink)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		_, code := errorStatus(err)
		return cs.sendError(conn, err.Error(), code)
	}
	return cs.write(conn, ChatFrame{EventType: FrameSession, Data: newSessionView(state)})
}

func eventFrame(event orchestration.ChatEvent) ChatFrame {
	switch event.Type {
	case orchestration.ChatEventToken:
		return ChatFrame{EventType: FrameToken, Data: gin.H{"token": event.Token}}
	case orchestration.ChatEventMeta:
		return ChatFrame{EventType: FrameMeta, Data: event.Meta}
	case orchestration.ChatEventError:
		return ChatFrame{EventType: FrameError, Data: gin.H{"error": event.Error}}
	}
	return ChatFrame{EventType: FrameDone, Data: gin.H{}}
}

func (cs *ChatSocket) write(conn *websocket.Conn, frame ChatFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(chatWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// sendError sends an error frame to the WebSocket client
func (cs *ChatSocket) sendError(conn *websocket.Conn, message, code string) error {
	err := cs.write(conn, ChatFrame{
		EventType: FrameError,
		Data:      gin.H{"error": message, "code": code},
	})
	if err != nil {
		log.Printf(`{"level":"warn","message":"Failed to send error to client","error":%q}`, err.Error())
	}
	return err
}
