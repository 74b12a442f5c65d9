package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOpFor(t *testing.T) {
	cases := []struct{ method, route, want string }{
		{"GET", "/kv/:key", "get_kv"},
		{"POST", "/membership/join", "post_membership_join"},
		{"GET", "/healthz", "get_healthz"},
		{"GET", "", "other"},
		{"GET", "/static/*path", "get_static"},
	}
	for _, c := range cases {
		if got := opFor(c.method, c.route); got != c.want {
			t.Errorf("opFor(%s, %s) = %s, want %s", c.method, c.route, got, c.want)
		}
	}
}

func TestInstrumentCountsByStatusClass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Instrument())
	r.GET("/kv/:key", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("get_kv", "4xx"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/kv/x", nil))
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("get_kv", "4xx"))
	if after-before != 1 {
		t.Fatalf("requests_total{get_kv,4xx} grew by %v", after-before)
	}
	if v := testutil.ToFloat64(InFlight.WithLabelValues("get_kv")); v != 0 {
		t.Fatalf("in flight = %v after request", v)
	}
}
