package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/config"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
)

// NewServer builds the HTTP server that bridges the call service to the UI.
// gatherer may be nil, in which case /metrics is not served.
func NewServer(svc *calls.Service, gatherer prometheus.Gatherer, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(svc, gatherer, cfg.Self.UserID, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewHandler serves /ws directly and everything else through the gin
// router. The websocket upgrade needs to hijack the connection, which gin's
// response writer refuses once the 101 is written.
func NewHandler(svc *calls.Service, gatherer prometheus.Gatherer, selfID string, logger *zerolog.Logger) stdhttp.Handler {
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(svc, selfID, logger))
	mux.Handle("/", NewRouter(svc, gatherer, logger))
	return mux
}

// NewRouter registers the REST routes on a fresh gin engine.
func NewRouter(svc *calls.Service, gatherer prometheus.Gatherer, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	h := NewCallsHandlers(svc, logger)
	api := router.Group("/api")
	{
		api.GET("/calls", h.ListCalls)
		api.POST("/calls", h.StartCall)
		api.GET("/calls/:id", h.GetCall)
		api.POST("/calls/:id/join", h.JoinCall)
		api.POST("/calls/:id/end", h.EndCall)
		api.POST("/calls/:id/leave", h.LeaveCall)
		api.POST("/calls/:id/mute", h.ToggleMute)
		api.POST("/calls/:id/camera", h.ToggleCamera)
		api.POST("/chats/:id/watch", h.WatchChat)
		api.DELETE("/chats/:id/watch", h.UnwatchChat)
	}
	return router
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
