package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relayworks/tokenrelay/internal/common"
	"github.com/relayworks/tokenrelay/internal/httpapi/middleware"
	"github.com/relayworks/tokenrelay/internal/stream"
	"github.com/relayworks/tokenrelay/internal/ws"
)

// wsClientMsg is what a connected client sends on the socket.
type wsClientMsg struct {
	Action  string `json:"action"`
	Prompt  string `json:"prompt"`
	Options struct {
		MaxTokens int `json:"max_tokens"`
	} `json:"options"`
}

type wsErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Connect upgrades the request into a registered websocket connection.
// WebSocket clients cannot set headers mid-handshake, so the credential
// rides the token query parameter instead of an Authorization header.
func (h *Handler) Connect(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
		return
	}
	principal, err := middleware.VerifyToken(h.Cfg.JWTSecret, token)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error
		log.Printf("[Connect] upgrade failed principal=%s err=%v", principal, err)
		return
	}

	connectionID := uuid.NewString()
	h.Registry.Add(connectionID, principal, conn)
	defer h.Registry.Remove(connectionID)

	for {
		var msg wsClientMsg
		if err := conn.ReadJSON(&msg); err != nil {
			// peer closed or the frame was unreadable; either way the
			// connection is done
			return
		}

		switch msg.Action {
		case "stream":
			if msg.Prompt == "" {
				h.Registry.Push(connectionID, wsErrorMsg{Type: "error", Message: "prompt is required"})
				continue
			}
			go h.runConnectionRelay(connectionID, principal, msg)
		default:
			h.Registry.Push(connectionID, wsErrorMsg{Type: "error", Message: "unknown action"})
		}
	}
}

// runConnectionRelay executes one relay run against the registered
// connection. It owns its session and delivery records; the read loop stays
// free to accept further messages.
func (h *Handler) runConnectionRelay(connectionID, principal string, msg wsClientMsg) {
	ctx := context.Background()

	sess, err := h.StreamSvc.CreateSession(ctx, principal, h.Cfg.AIProvider, "")
	if err != nil {
		log.Printf("[ws] create session failed conn=%s err=%v", connectionID, err)
		h.Registry.Push(connectionID, wsErrorMsg{Type: "error", Message: "failed to create session"})
		return
	}

	src, err := h.StreamSvc.SourceForSession(ctx, sess, msg.Prompt, msg.Options.MaxTokens)
	if err != nil {
		log.Printf("[ws] source failed session=%s err=%v", sess.SessionID, err)
		h.Registry.Push(connectionID, wsErrorMsg{Type: "error", Message: "failed to start generation"})
		return
	}

	requestID := uuid.NewString()
	if err := h.StreamSvc.BeginDelivery(ctx, &stream.Delivery{
		ID:        requestID,
		SessionID: sess.SessionID,
		Transport: "websocket",
		Prompt:    msg.Prompt,
	}); err != nil {
		log.Printf("[ws] record delivery failed session=%s err=%v", sess.SessionID, err)
	}

	start := time.Now()
	out := h.Relayer.Run(ctx, sess.SessionID, src, ws.NewSink(h.Registry, connectionID))
	log.Printf("[ws] relay session=%s status=%s fragments=%d cost=%s",
		sess.SessionID, out.Status, out.Fragments, time.Since(start))

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.StreamSvc.RecordOutcome(rctx, requestID, out); err != nil {
		log.Printf("[ws] record outcome failed session=%s err=%v", sess.SessionID, err)
	}
}
