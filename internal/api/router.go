package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gridwatch/internal/devices"
	"gridwatch/internal/pipeline"
	"gridwatch/internal/source"
	"gridwatch/internal/version"
)

// Monitor is the runtime loop the API reports on and controls.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	Reset()
	Status() source.Status
	Processor() *pipeline.Processor
	HandlePayload(ctx context.Context, p source.Payload) (source.Outcome, error)
}

// Deps are the collaborators served by the router.
type Deps struct {
	Monitor  Monitor
	Hub      *Hub
	Registry *devices.Registry
	// BaseContext parents monitors started over HTTP; request contexts end with the request.
	BaseContext context.Context
}

// NewRouter builds the gin engine exposing live stats, devices, alerts and the websocket.
func NewRouter(deps Deps, logger zerolog.Logger) *gin.Engine {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	l := logger.With().Str("component", "api").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(l))

	h := &handler{deps: deps, logger: l}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.Get(), "clients": deps.Hub.Clients()})
	})
	r.GET("/ws", func(c *gin.Context) {
		deps.Hub.ServeWS(c.Writer, c.Request)
	})

	api := r.Group("/api")
	{
		api.GET("/live", h.live)
		api.GET("/stats/:quantity", h.stats)
		api.GET("/devices", h.devices)
		api.GET("/alerts", h.alerts)
		api.GET("/alerts/report", h.report)
		api.GET("/alerts/export", h.exportCSV)

		api.POST("/ingest", h.ingest)
		api.POST("/monitor/start", h.start)
		api.POST("/monitor/stop", h.stop)
		api.POST("/monitor/reset", h.reset)
	}
	return r
}

// RequestLoggingMiddleware logs one line per request.
func RequestLoggingMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		c.Next()
		status := c.Writer.Status()

		ev := logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("method", method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
