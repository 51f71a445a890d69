package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/gateway"
	"github.com/miradorstack/anomaly-hub/internal/inference"
	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/services"
	"github.com/miradorstack/anomaly-hub/internal/store"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) (http.Handler, *store.Ephemeral) {
	t.Helper()
	ds, err := store.SampleDataset(testNow)
	require.NoError(t, err)
	s := store.NewEphemeral(store.WithClock(func() time.Time { return testNow }), store.WithLogger(utils.DiscardLogger()), store.WithDataset(ds))

	streamer := inference.StreamerFunc(func(ctx context.Context, p inference.Prompt, onChunk func(string) error) error {
		for _, chunk := range []string{"Inspect ", p.AnomalyID} {
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
		return nil
	})
	gw := gateway.New(s, streamer, gateway.Options{Logger: utils.DiscardLogger()})

	return NewRouter(RouterOptions{
		Service: services.NewAnomalyService(utils.DiscardLogger(), s),
		Gateway: gw,
		Health:  HealthInfo{InferenceProvider: "rules"},
		Socket:  config.GatewayConfig{WriteWait: time.Second},
		Logger:  utils.DiscardLogger(),
	}), s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	w := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["backend"])
	assert.Equal(t, "rules", body["inferenceProvider"])
	assert.Equal(t, false, body["clickhouseConfigured"])
	assert.Contains(t, body, "readLatencyP95Ms")
}

func TestListAnomaliesWithFilters(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodGet, "/api/anomalies?type=ue_event&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[models.View[[]models.Anomaly]](t, w)
	assert.False(t, body.Degraded)
	require.Len(t, body.Data, 1)
	assert.Equal(t, models.AnomalyTypeUEEvent, body.Data[0].Type)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/anomalies?limit=ten", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/anomalies?severity=urgent", "").Code)
}

func TestGetAnomalyStatusCodes(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodGet, "/api/anomalies/fh-001", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fh-001", decode[models.View[models.Anomaly]](t, w).Data.ID)

	w = do(t, h, http.MethodGet, "/api/anomalies/none", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "anomaly none not found", decode[map[string]string](t, w)["error"])
}

func TestCreateAnomaly(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodPost, "/api/anomalies", `{"type":"protocol","description":"bad section","severity":"high","source_file":"x.pcap"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]models.Anomaly](t, w)["data"]
	assert.Equal(t, models.StatusOpen, created.Status)
	assert.NotEmpty(t, created.ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/anomalies", `{"type":"backhaul","description":"x","severity":"high","source_file":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/anomalies", `{not json`).Code)
}

func TestUpdateAnomalyStatusTransitions(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodPatch, "/api/anomalies/fh-002/status", `{"status":"open"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPatch, "/api/anomalies/fh-001/status", `{"status":"dismissed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusDismissed, decode[map[string]models.Anomaly](t, w)["data"].Status)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPatch, "/api/anomalies/fh-001/status", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPatch, "/api/anomalies/zz/status", `{"status":"resolved"}`).Code)
}

func TestDashboardRoutes(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodGet, "/api/dashboard/breakdown/types", "")
	require.Equal(t, http.StatusOK, w.Code)
	types := decode[models.View[[]models.Breakdown]](t, w)
	require.Len(t, types.Data, 4)
	assert.Equal(t, models.Breakdown{Label: "fronthaul", Count: 3, Percentage: 37.5}, types.Data[0])

	w = do(t, h, http.MethodGet, "/api/dashboard/trends?days=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.View[[]models.TrendPoint]](t, w).Data, 3)

	w = do(t, h, http.MethodGet, "/api/dashboard/health-score", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 55, decode[models.View[models.NetworkHealth]](t, w).Data.Score)

	for _, path := range []string{
		"/api/dashboard/metrics",
		"/api/dashboard/metrics/changes",
		"/api/dashboard/breakdown/severity",
		"/api/dashboard/heatmap",
		"/api/dashboard/top-sources?limit=3",
		"/api/dashboard/algorithms",
		"/api/anomalies/fh-001/explanation",
		"/api/files",
		"/api/sessions",
		"/api/metrics?category=processing",
	} {
		w := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), `"degraded":false`, path)
	}
}

func TestFileSessionMetricRoutes(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodPost, "/api/files", `{"filename":"captures/n.pcap","file_type":"pcap","file_size":10}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	file := decode[map[string]models.ProcessedFile](t, w)["data"]

	w = do(t, h, http.MethodPatch, "/api/files/"+file.ID+"/status", `{"status":"processing"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodPatch, "/api/files/"+file.ID+"/status", `{"status":"pending"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, h, http.MethodPatch, "/api/files/"+file.ID+"/status", `{"status":"failed","error_message":"truncated"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodPatch, "/api/files/"+file.ID+"/status", `{"status":"processing"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/files/"+file.ID, "").Code)

	w = do(t, h, http.MethodPost, "/api/sessions", `{"session_name":"s","source_file":"captures/n.pcap"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sess := decode[map[string]models.Session](t, w)["data"]
	w = do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/close", `{"packets_analyzed":-5,"anomalies_detected":-3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	w = do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/close", `{"packets_analyzed":5,"anomalies_detected":1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/sessions/none", "").Code)

	w = do(t, h, http.MethodPost, "/api/metrics", `{"category":"processing","metric_name":"pps","metric_value":12.5}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/metrics", `{"category":"processing"}`).Code)
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/anomalies", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecommendationSocket(t *testing.T) {
	h, s := newTestRouter(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg gateway.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, gateway.TypeConnected, msg.Type)

	require.NoError(t, conn.WriteJSON(gateway.Request{Type: gateway.TypeGetRecommendations, AnomalyID: "mac-001"}))
	var got []gateway.Message
	for {
		var m gateway.Message
		require.NoError(t, conn.ReadJSON(&m))
		got = append(got, m)
		if m.Type != gateway.TypeRecommendationChunk {
			break
		}
	}
	assert.Equal(t, []gateway.Message{
		{Type: gateway.TypeRecommendationChunk, Data: "Inspect "},
		{Type: gateway.TypeRecommendationChunk, Data: "mac-001"},
		{Type: gateway.TypeRecommendationComplete},
	}, got)

	view, ok := s.GetAnomaly(context.Background(), "mac-001")
	require.True(t, ok)
	require.NotNil(t, view.Data.Recommendation)
	assert.Equal(t, "Inspect mac-001", *view.Data.Recommendation)
}
