package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relayworks/tokenrelay/internal/common"
	"github.com/relayworks/tokenrelay/internal/config"
	"github.com/relayworks/tokenrelay/internal/httpapi/handlers"
	"github.com/relayworks/tokenrelay/internal/httpapi/middleware"
	"github.com/relayworks/tokenrelay/internal/relay"
	"github.com/relayworks/tokenrelay/internal/stream"
	"github.com/relayworks/tokenrelay/internal/ws"
)

func NewRouter(cfg config.Config, svc *stream.Service, relayer *relay.Relayer, queue handlers.StreamPublisher, registry *ws.Registry) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, svc, relayer, queue, registry)

	r.GET("/ping", h.Ping)

	// websocket handshake authenticates via query token inside the handler
	r.GET("/v1/ws", h.Connect)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/v1/streams", h.StartStream)
	authGroup.POST("/v1/streams/sse", h.StreamSSE)
	authGroup.GET("/v1/streams/:session_id", h.GetStreamStatus)

	return r
}
