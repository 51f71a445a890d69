package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/services"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

type handlers struct {
	svc    *services.AnomalyService
	info   HealthInfo
	logger *slog.Logger
}

type healthResponse struct {
	Status           string  `json:"status"`
	Backend          string  `json:"backend"`
	ReadLatencyP95Ms float64 `json:"readLatencyP95Ms"`
	HealthInfo
}

type statusRequest struct {
	Status models.Status `json:"status" binding:"required"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:           "healthy",
		Backend:          h.svc.Backend(),
		ReadLatencyP95Ms: float64(h.svc.LatencyP95().Microseconds()) / 1000,
		HealthInfo:       h.info,
	})
}

func (h *handlers) listAnomalies(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	view, err := h.svc.ListAnomalies(c.Request.Context(), models.AnomalyQuery{
		Limit:    limit,
		Offset:   offset,
		Type:     models.AnomalyType(c.Query("type")),
		Severity: models.Severity(c.Query("severity")),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) getAnomaly(c *gin.Context) {
	view, err := h.svc.GetAnomaly(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) createAnomaly(c *gin.Context) {
	var draft models.AnomalyDraft
	if !h.bind(c, &draft) {
		return
	}
	a, err := h.svc.CreateAnomaly(c.Request.Context(), draft)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": a})
}

func (h *handlers) updateAnomalyStatus(c *gin.Context) {
	var req statusRequest
	if !h.bind(c, &req) {
		return
	}
	a, err := h.svc.UpdateAnomalyStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}

func (h *handlers) explainAnomaly(c *gin.Context) {
	view, err := h.svc.ExplainAnomaly(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) dashboardMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.DashboardMetrics(c.Request.Context()))
}

func (h *handlers) dashboardMetricsWithChanges(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.DashboardMetricsWithChanges(c.Request.Context()))
}

func (h *handlers) trends(c *gin.Context) {
	days, ok := h.intQuery(c, "days", 7)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.AnomalyTrends(c.Request.Context(), days))
}

func (h *handlers) typeBreakdown(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.AnomalyTypeBreakdown(c.Request.Context()))
}

func (h *handlers) severityBreakdown(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.SeverityBreakdown(c.Request.Context()))
}

func (h *handlers) heatmap(c *gin.Context) {
	days, ok := h.intQuery(c, "days", 7)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.HourlyHeatmap(c.Request.Context(), days))
}

func (h *handlers) topSources(c *gin.Context) {
	limit, ok := h.intQuery(c, "limit", 10)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.TopAffectedSources(c.Request.Context(), limit))
}

func (h *handlers) healthScore(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.NetworkHealthScore(c.Request.Context()))
}

func (h *handlers) algorithms(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.AlgorithmPerformance(c.Request.Context()))
}

func (h *handlers) listFiles(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.ListFiles(c.Request.Context(), limit, offset))
}

func (h *handlers) getFile(c *gin.Context) {
	view, err := h.svc.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) createFile(c *gin.Context) {
	var draft models.FileDraft
	if !h.bind(c, &draft) {
		return
	}
	f, err := h.svc.RegisterFile(c.Request.Context(), draft)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": f})
}

func (h *handlers) updateFile(c *gin.Context) {
	var update models.FileUpdate
	if !h.bind(c, &update) {
		return
	}
	f, err := h.svc.UpdateFile(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": f})
}

func (h *handlers) listSessions(c *gin.Context) {
	limit, offset, ok := h.page(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.ListSessions(c.Request.Context(), limit, offset))
}

func (h *handlers) getSession(c *gin.Context) {
	view, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) createSession(c *gin.Context) {
	var draft models.SessionDraft
	if !h.bind(c, &draft) {
		return
	}
	s, err := h.svc.OpenSession(c.Request.Context(), draft)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": s})
}

func (h *handlers) closeSession(c *gin.Context) {
	var final models.SessionClose
	if !h.bind(c, &final) {
		return
	}
	s, err := h.svc.CloseSession(c.Request.Context(), c.Param("id"), final)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s})
}

func (h *handlers) listMetrics(c *gin.Context) {
	limit, ok := h.intQuery(c, "limit", 100)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.svc.ListMetrics(c.Request.Context(), c.Query("category"), limit))
}

func (h *handlers) recordMetric(c *gin.Context) {
	var draft models.MetricDraft
	if !h.bind(c, &draft) {
		return
	}
	m, err := h.svc.RecordMetric(c.Request.Context(), draft)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": m})
}

// bind decodes the JSON body into dst, answering 400 on failure.
func (h *handlers) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.fail(c, utils.KindError(utils.ErrMalformedRequest, "api.bind", "invalid request body: "+err.Error(), err))
		return false
	}
	return true
}

func (h *handlers) page(c *gin.Context) (limit, offset int, ok bool) {
	if limit, ok = h.intQuery(c, "limit", 0); !ok {
		return 0, 0, false
	}
	if offset, ok = h.intQuery(c, "offset", 0); !ok {
		return 0, 0, false
	}
	return limit, offset, true
}

func (h *handlers) intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		h.fail(c, utils.KindError(utils.ErrMalformedRequest, "api.query", fmt.Sprintf("%s must be a non-negative integer", name), err))
		return 0, false
	}
	return v, true
}
