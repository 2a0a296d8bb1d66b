package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/dgram/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func newAdminRouter(node string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(node))
	r.Use(RequestMetrics(node))
	r.DELETE("/sessions/:slot", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestRequestMetricsLabelsRoutes(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	r := newAdminRouter("mw-metrics")

	for _, path := range []string{"/sessions/0", "/sessions/3", "/nope/1", "/nope/2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, path, nil))
	}

	routed := httpRequests.WithLabelValues("mw-metrics", http.MethodDelete, "/sessions/:slot", "204")
	if got := testutil.ToFloat64(routed); got != 2 {
		t.Fatalf("expected 2 routed requests, got %v", got)
	}
	unmatched := httpRequests.WithLabelValues("mw-metrics", http.MethodDelete, unmatchedRoute, "404")
	if got := testutil.ToFloat64(unmatched); got != 2 {
		t.Fatalf("expected 2 unmatched requests, got %v", got)
	}
}

func TestRequestLoggerTagsAdminFields(t *testing.T) {
	testlog.Start(t)
	if zerolog.GlobalLevel() > zerolog.InfoLevel {
		t.Skip("log level above info")
	}
	var out bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&out)
	defer func() { log.Logger = prev }()

	r := newAdminRouter("mw-log")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/2", nil))

	line := out.String()
	for _, want := range []string{
		`"component":"admin"`,
		`"node":"mw-log"`,
		`"slot":"2"`,
		`"route":"/sessions/:slot"`,
		`"status":204`,
		`"message":"admin request"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line missing %s: %s", want, line)
		}
	}
}
