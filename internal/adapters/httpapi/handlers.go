package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

const (
	defaultFeedbackLimit = 100
	maxFeedbackLimit     = 1000
)

type eventRequest struct {
	Identifier   string    `json:"identifier" binding:"required"`
	SourceDevice string    `json:"source_device" binding:"required"`
	Timestamp    time.Time `json:"timestamp"`
}

type resolveRequest struct {
	By    string `json:"by" binding:"required"`
	Label string `json:"label" binding:"required"`
}

type deviceView struct {
	Health   domain.DeviceHealth   `json:"health"`
	Snapshot domain.SensorSnapshot `json:"snapshot"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitEvent handles POST /v1/events. A missing timestamp is stamped with
// the arrival time.
func (s *Server) submitEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := domain.IdentifierEvent{
		Identifier:   req.Identifier,
		SourceDevice: req.SourceDevice,
		Timestamp:    req.Timestamp,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}

	out, err := s.deps.Events.Submit(c.Request.Context(), ev)
	if err != nil {
		if ev.Validate() != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "record_id": out.Record.ID})
		return
	}
	if out.Debounced {
		c.JSON(http.StatusAccepted, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Devices.List())
}

func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")
	h, err := s.deps.Devices.Health(id)
	if err != nil {
		abort(c, err)
		return
	}
	view := deviceView{Health: h}
	if s.deps.Snapshots != nil {
		view.Snapshot = s.deps.Snapshots.Get(id)
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) enableDevice(c *gin.Context) {
	s.toggleDevice(c, s.deps.Devices.Enable)
}

func (s *Server) disableDevice(c *gin.Context) {
	s.toggleDevice(c, s.deps.Devices.Disable)
}

func (s *Server) toggleDevice(c *gin.Context, fn func(string) error) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		abort(c, err)
		return
	}
	h, err := s.deps.Devices.Health(id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// listFeedback handles GET /v1/feedback?limit=N, high priority first.
func (s *Server) listFeedback(c *gin.Context) {
	limit := defaultFeedbackLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxFeedbackLimit)
	}
	items, err := s.deps.Feedback.ListPending(c.Request.Context(), limit)
	if err != nil {
		abort(c, err)
		return
	}
	if items == nil {
		items = []domain.FeedbackItem{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) resolveFeedback(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, err := s.deps.Feedback.Resolve(c.Request.Context(), c.Param("id"), domain.Resolution{By: req.By, Label: req.Label})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// runtimeKeys handles GET /v1/context/runtime/:device?cursor=N and returns one
// SCAN page. A next_cursor of 0 ends the iteration.
func (s *Server) runtimeKeys(c *gin.Context) {
	if s.deps.Runtime == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "runtime key scanning is not configured"})
		return
	}
	var cursor uint64
	if raw := c.Query("cursor"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cursor must be an unsigned integer"})
			return
		}
		cursor = n
	}
	keys, next, err := s.deps.Runtime.RuntimeKeys(c.Request.Context(), c.Param("device"), cursor)
	if err != nil {
		abort(c, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "next_cursor": next})
}
