package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/workers/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.Post("/v1/fleet/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(ScrapePath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := map[string]float64{
		"202":       testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "202")),
		"200":       testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "200")),
		"unmatched": testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")),
		"scrape":    testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")),
	}

	requests := []struct{ method, path string }{
		{http.MethodGet, "/v1/workers/a"},
		{http.MethodGet, "/v1/workers/b"},
		{http.MethodPost, "/v1/fleet/shutdown"},
		{http.MethodGet, "/nowhere"},
		{http.MethodGet, ScrapePath},
	}
	for _, req := range requests {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(req.method, req.path, nil))
	}

	require.Equal(t, before["202"]+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "202")))
	require.Equal(t, before["200"]+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "200")))
	require.Equal(t, before["unmatched"]+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")))
	require.Equal(t, before["scrape"], testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")))
}

func TestStatusWriterDefaultsToOK(t *testing.T) {
	t.Parallel()

	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	require.Equal(t, http.StatusOK, sw.code())
	require.NotNil(t, sw.Unwrap())
}
