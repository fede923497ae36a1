package httptransport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/apdarr/lace/internal/logger"
)

func TestRequestLoggingRecordsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	handler := WithRequestLogging(log, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/activities/a/match", nil))
	require.Equal(t, http.StatusConflict, rr.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	require.EqualValues(t, http.StatusConflict, entries[0].ContextMap()["status"])

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, 1, logs.Len(), "probes are not logged")
}

func TestMetricsServerServesRegistry(t *testing.T) {
	srv := NewMetricsServer(":0")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "go_goroutines")
}
