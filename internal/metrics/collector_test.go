package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_CounterIsShared(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "x", "")
	b := r.Counter("x_total", "x", "")
	a.Inc()
	b.Add(2)
	if a.Value() != 3 {
		t.Errorf("expected 3, got %d", a.Value())
	}
}

func TestRegistry_Render(t *testing.T) {
	r := NewRegistry()
	r.StatusCallback("Delivered").Inc()
	r.StatusCallback("Failed").Add(2)
	h := r.Histogram("lat_seconds", "latency", "", []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(0.7)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()

	for _, want := range []string{
		`wagate_status_callbacks_total{status="delivered"} 1`,
		`wagate_status_callbacks_total{status="failed"} 2`,
		`lat_seconds_bucket{le="0.5"} 1`,
		`lat_seconds_bucket{le="1"} 2`,
		"lat_seconds_count 2",
		"# TYPE wagate_uptime_seconds gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE wagate_status_callbacks_total counter") != 1 {
		t.Error("HELP/TYPE should be written once per metric name")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}
