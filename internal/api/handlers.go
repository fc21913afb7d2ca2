package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gridwatch/internal/alerting"
	"gridwatch/internal/monitor"
	"gridwatch/internal/pipeline"
	"gridwatch/internal/source"
	"gridwatch/internal/telemetry"
)

type handler struct {
	deps   Deps
	logger zerolog.Logger
}

type liveResponse struct {
	Status source.Status `json:"status"`
	pipeline.Snapshot
}

type statsResponse struct {
	Quantity telemetry.Quantity `json:"quantity"`
	Stats    telemetry.Stats    `json:"stats"`
	Values   []float64          `json:"values"`
}

func (h *handler) live(c *gin.Context) {
	c.JSON(http.StatusOK, liveResponse{
		Status:   h.deps.Monitor.Status(),
		Snapshot: h.deps.Monitor.Processor().Snapshot(),
	})
}

func (h *handler) stats(c *gin.Context) {
	q, ok := telemetry.ParseQuantity(c.Param("quantity"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be voltage or current"})
		return
	}
	proc := h.deps.Monitor.Processor()
	c.JSON(http.StatusOK, statsResponse{Quantity: q, Stats: proc.Stats(q), Values: proc.Values(q)})
}

func (h *handler) devices(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Registry.List())
}

func (h *handler) alerts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.deps.Hub.Alerts(limit))
}

func (h *handler) report(c *gin.Context) {
	c.JSON(http.StatusOK, alerting.Summarize(h.deps.Hub.Alerts(0)))
}

func (h *handler) exportCSV(c *gin.Context) {
	c.Header("Content-Disposition", `attachment; filename="alerts.csv"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if err := alerting.WriteCSV(c.Writer, h.deps.Hub.Alerts(0)); err != nil {
		h.logger.Error().Err(err).Msg("failed to write alerts csv")
	}
}

// ingest accepts one device payload pushed over HTTP.
func (h *handler) ingest(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}
	p, err := source.DecodePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot parse JSON"})
		return
	}
	if p == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty payload"})
		return
	}

	log := h.logger.Debug()
	if id, ok := p["deviceId"].(string); ok && id != "" && h.deps.Registry.Len() > 0 {
		d, found := h.deps.Registry.Lookup(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device", "deviceId": id})
			return
		}
		log = log.Str("device", d.ID).Str("location", d.Location)
	}

	outcome, err := h.deps.Monitor.HandlePayload(c.Request.Context(), p)
	if err != nil {
		if errors.Is(err, monitor.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error().Err(err).Msg("failed to ingest payload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest payload"})
		return
	}
	log.Str("outcome", outcome.String()).Msg("payload ingested")

	switch outcome {
	case source.Accepted:
		c.JSON(http.StatusAccepted, gin.H{"status": outcome.String()})
	case source.Throttled:
		c.JSON(http.StatusTooManyRequests, gin.H{"status": outcome.String()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"status": outcome.String()})
	}
}

func (h *handler) start(c *gin.Context) {
	if err := h.deps.Monitor.Start(h.deps.BaseContext); err != nil {
		if errors.Is(err, monitor.ErrRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error().Err(err).Msg("failed to start monitor")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start monitor"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.deps.Monitor.Status()})
}

func (h *handler) stop(c *gin.Context) {
	h.deps.Monitor.Stop()
	c.JSON(http.StatusOK, gin.H{"status": h.deps.Monitor.Status()})
}

func (h *handler) reset(c *gin.Context) {
	h.deps.Monitor.Reset()
	c.JSON(http.StatusOK, gin.H{"status": h.deps.Monitor.Status()})
}
