package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relayworks/tokenrelay/internal/config"
	"github.com/relayworks/tokenrelay/internal/httpapi/middleware"
	"github.com/relayworks/tokenrelay/internal/relay"
	"github.com/relayworks/tokenrelay/internal/store/rabbitmq"
	"github.com/relayworks/tokenrelay/internal/stream"
	"github.com/relayworks/tokenrelay/internal/ws"
)

// StreamPublisher is the queue side of the session initiator.
type StreamPublisher interface {
	PublishStream(ctx context.Context, req rabbitmq.StreamRequest) error
}

type Handler struct {
	Cfg       config.Config
	StreamSvc *stream.Service
	Relayer   *relay.Relayer
	Queue     StreamPublisher
	Registry  *ws.Registry
	upgrader  websocket.Upgrader
}

func NewHandler(cfg config.Config, svc *stream.Service, relayer *relay.Relayer, queue StreamPublisher, registry *ws.Registry) *Handler {
	return &Handler{
		Cfg:       cfg,
		StreamSvc: svc,
		Relayer:   relayer,
		Queue:     queue,
		Registry:  registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			// origin policy belongs to the edge proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}

func principalFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.PrincipalKey)
	if !ok {
		return "", false
	}
	p, ok := v.(string)
	return p, ok && p != ""
}
