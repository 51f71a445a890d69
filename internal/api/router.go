package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/gateway"
	"github.com/miradorstack/anomaly-hub/internal/services"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

// HealthInfo is the static part of the /health response.
type HealthInfo struct {
	ClickHouseConfigured bool   `json:"clickhouseConfigured"`
	InferenceConfigured  bool   `json:"inferenceConfigured"`
	InferenceProvider    string `json:"inferenceProvider"`
	CacheEnabled         bool   `json:"cacheEnabled"`
}

// RouterOptions wires the HTTP surface.
type RouterOptions struct {
	Service     *services.AnomalyService
	Gateway     *gateway.Gateway
	Health      HealthInfo
	Socket      config.GatewayConfig
	CORSOrigins []string
	ServiceName string
	Logger      *slog.Logger
}

// NewRouter builds the HTTP handler serving the REST API and the recommendation socket.
func NewRouter(opts RouterOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "anomaly-hub"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(requestLogger(opts.Logger))

	h := &handlers{svc: opts.Service, info: opts.Health, logger: opts.Logger}
	router.GET("/health", h.health)

	api := router.Group("/api")
	{
		api.GET("/anomalies", h.listAnomalies)
		api.POST("/anomalies", h.createAnomaly)
		api.GET("/anomalies/:id", h.getAnomaly)
		api.PATCH("/anomalies/:id/status", h.updateAnomalyStatus)
		api.GET("/anomalies/:id/explanation", h.explainAnomaly)

		dash := api.Group("/dashboard")
		dash.GET("/metrics", h.dashboardMetrics)
		dash.GET("/metrics/changes", h.dashboardMetricsWithChanges)
		dash.GET("/trends", h.trends)
		dash.GET("/breakdown/types", h.typeBreakdown)
		dash.GET("/breakdown/severity", h.severityBreakdown)
		dash.GET("/heatmap", h.heatmap)
		dash.GET("/top-sources", h.topSources)
		dash.GET("/health-score", h.healthScore)
		dash.GET("/algorithms", h.algorithms)

		api.GET("/files", h.listFiles)
		api.POST("/files", h.createFile)
		api.GET("/files/:id", h.getFile)
		api.PATCH("/files/:id/status", h.updateFile)

		api.GET("/sessions", h.listSessions)
		api.POST("/sessions", h.createSession)
		api.GET("/sessions/:id", h.getSession)
		api.POST("/sessions/:id/close", h.closeSession)

		api.GET("/metrics", h.listMetrics)
		api.POST("/metrics", h.recordMetric)
	}

	if opts.Gateway != nil {
		router.GET("/ws", recommendationSocket(opts.Gateway, opts.Socket, opts.Logger))
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}).Handler(router)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, utils.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": utils.Message(err)})
}
