package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/pipeline"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// EventSubmitter runs one identifier event through the fusion pipeline.
type EventSubmitter interface {
	Submit(ctx context.Context, ev domain.IdentifierEvent) (pipeline.Outcome, error)
}

// DeviceRegistry is the slice of the device manager exposed over HTTP.
type DeviceRegistry interface {
	List() []domain.DeviceHealth
	Health(id string) (domain.DeviceHealth, error)
	Enable(id string) error
	Disable(id string) error
}

// RuntimeScanner pages through the runtime-state keys of one device.
type RuntimeScanner interface {
	RuntimeKeys(ctx context.Context, deviceID string, cursor uint64) ([]string, uint64, error)
}

type Deps struct {
	Events    EventSubmitter
	Devices   DeviceRegistry
	Snapshots ports.SnapshotStore
	Feedback  ports.FeedbackQueue
	Runtime   RuntimeScanner
	// Metrics defaults to the promhttp handler for the default registry.
	Metrics http.Handler
}

type Config struct {
	Addr string
	Mode string
}

// Server is the admin and ingress API. It has no authentication and is
// meant to be bound to localhost or a trusted plant network.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	obs        ports.Observability
	now        func() time.Time
}

func NewServer(cfg Config, deps Deps, obs ports.Observability) *Server {
	if cfg.Mode == "" {
		cfg.Mode = gin.ReleaseMode
	}
	gin.SetMode(cfg.Mode)
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(obs))

	s := &Server{
		router: router,
		deps:   deps,
		obs:    obs,
		now:    time.Now,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))

	v1 := s.router.Group("/v1")
	v1.POST("/events", s.submitEvent)

	devices := v1.Group("/devices")
	devices.GET("", s.listDevices)
	devices.GET("/:id", s.getDevice)
	devices.POST("/:id/enable", s.enableDevice)
	devices.POST("/:id/disable", s.disableDevice)

	v1.GET("/feedback", s.listFeedback)
	v1.POST("/feedback/:id/resolve", s.resolveFeedback)

	v1.GET("/context/runtime/:device", s.runtimeKeys)
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.obs.LogInfo("http_server_starting", ports.Field{Key: "addr", Value: s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(obs ports.Observability) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []ports.Field{
			{Key: "status", Value: status},
			{Key: "latency", Value: time.Since(start).String()},
			{Key: "client_ip", Value: c.ClientIP()},
			{Key: "method", Value: c.Request.Method},
			{Key: "path", Value: path},
		}
		switch {
		case status >= 500:
			obs.LogError("http_request", errors.New(http.StatusText(status)), fields...)
		case status >= 400:
			obs.LogWarn("http_request", fields...)
		default:
			obs.LogInfo("http_request", fields...)
		}
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound), errors.Is(err, domain.ErrFeedbackNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoFreshData),
		errors.Is(err, domain.ErrPersistence),
		errors.Is(err, domain.ErrContextUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
