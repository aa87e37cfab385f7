package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relayworks/tokenrelay/internal/common"
	"github.com/relayworks/tokenrelay/internal/relay"
	"github.com/relayworks/tokenrelay/internal/store/rabbitmq"
	"github.com/relayworks/tokenrelay/internal/stream"
)

type startStreamReq struct {
	Prompt   string `json:"prompt" binding:"required"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// optional: reuse an already-initiated session for the direct-stream
	// variant instead of allocating one
	SessionID string `json:"session_id"`
}

// StartStream is the session initiator for the broadcast variant: allocate
// a session, enqueue the relay trigger, return immediately. Clients then
// subscribe to the session's token channel.
func (h *Handler) StartStream(c *gin.Context) {
	principal, okk := principalFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req startStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.StreamSvc.CreateSession(c.Request.Context(), principal, req.Provider, req.Model)
	if err != nil {
		log.Printf("[StartStream] create session failed principal=%s err=%v", principal, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	requestID := uuid.NewString()
	trigger := rabbitmq.StreamRequest{
		Prompt:    req.Prompt,
		SessionID: sess.SessionID,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
	if err := h.Queue.PublishStream(c.Request.Context(), trigger); err != nil {
		log.Printf("[StartStream] enqueue failed session=%s err=%v", sess.SessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    50002,
			"message": "enqueue failed",
			"data": gin.H{
				"session_id": sess.SessionID,
				"status":     "error",
				"message":    "failed to initiate streaming",
			},
		})
		return
	}

	common.OK(c, gin.H{
		"session_id": sess.SessionID,
		"request_id": requestID,
		"status":     "started",
	})
}

// GetStreamStatus reports the latest delivery for a session.
func (h *Handler) GetStreamStatus(c *gin.Context) {
	principal, okk := principalFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.StreamSvc.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if sess.PrincipalID != principal {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
		return
	}

	d, err := h.StreamSvc.LatestDelivery(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.OK(c, gin.H{"session_id": sessionID, "status": "pending"})
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"session_id": sessionID,
		"request_id": d.ID,
		"transport":  d.Transport,
		"status":     d.Status,
		"fragments":  d.Fragments,
		"error":      d.Error,
		"updated_at": d.UpdatedAt,
	})
}

// sseSink writes fragments as SSE data events on the caller's response
// stream. A cancelled request context or a write failure means the peer
// closed the stream, which is the gone condition for this transport.
type sseSink struct {
	w       gin.ResponseWriter
	flusher http.Flusher
	reqCtx  context.Context
}

func (s *sseSink) Send(ctx context.Context, f relay.Fragment) error {
	if err := s.reqCtx.Err(); err != nil {
		return relay.ErrGone
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("sse marshal: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return relay.ErrGone
	}
	s.flusher.Flush()
	return nil
}

// StreamSSE is the direct-stream variant: the relay runs inline against the
// caller's open response stream.
func (h *Handler) StreamSSE(c *gin.Context) {
	principal, okk := principalFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req startStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	flusher, okf := c.Writer.(http.Flusher)
	if !okf {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	ctx := c.Request.Context()
	var (
		sess *stream.Session
		err  error
	)
	if req.SessionID != "" {
		sess, err = h.StreamSvc.GetSession(ctx, req.SessionID)
		if err != nil || sess.PrincipalID != principal {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
	} else {
		sess, err = h.StreamSvc.CreateSession(ctx, principal, req.Provider, req.Model)
		if err != nil {
			log.Printf("[StreamSSE] create session failed principal=%s err=%v", principal, err)
			common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
			return
		}
	}

	src, err := h.StreamSvc.SourceForSession(ctx, sess, req.Prompt, 0)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "failed to start generation")
		return
	}

	requestID := uuid.NewString()
	if err := h.StreamSvc.BeginDelivery(ctx, &stream.Delivery{
		ID:        requestID,
		SessionID: sess.SessionID,
		Transport: "sse",
		Prompt:    req.Prompt,
	}); err != nil {
		log.Printf("[StreamSSE] record delivery failed session=%s err=%v", sess.SessionID, err)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	out := h.Relayer.Run(ctx, sess.SessionID, src, &sseSink{w: c.Writer, flusher: flusher, reqCtx: ctx})

	// record against a background context: the request context is already
	// dead when the client disconnected
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.StreamSvc.RecordOutcome(rctx, requestID, out); err != nil {
		log.Printf("[StreamSSE] record outcome failed session=%s err=%v", sess.SessionID, err)
	}
}
