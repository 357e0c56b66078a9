// Package metrics keeps process-wide delivery counters and renders them in
// the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewRegistry()

// Registry holds counters and histograms keyed by name and label set.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Counter only goes up.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Histogram tracks a distribution over fixed upper bounds.
type Histogram struct {
	name   string
	help   string
	labels string
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Since observes the seconds elapsed from start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the counter registered under name and labels, creating it.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: labels}
	r.counters[key] = c
	return c
}

// Histogram returns the histogram registered under name and labels, creating it.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	key := name + "{" + labels + "}"
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h := &Histogram{name: name, help: help, labels: labels, bounds: b, counts: make([]int64, len(b))}
	r.histograms[key] = h
	return h
}

// StatusCallback returns the callback counter for one status label.
func (r *Registry) StatusCallback(status string) *Counter {
	return r.Counter("wagate_status_callbacks_total", "Status callbacks applied, by status",
		fmt.Sprintf("status=%q", strings.ToLower(status)))
}

// WriteTo renders all metrics in Prometheus text format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP wagate_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE wagate_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "wagate_uptime_seconds %d\n", int64(time.Since(r.startTime).Seconds()))

	r.mu.RLock()
	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	histograms := make([]*Histogram, 0, len(r.histograms))
	for _, h := range r.histograms {
		histograms = append(histograms, h)
	}
	r.mu.RUnlock()

	sort.Slice(counters, func(i, j int) bool {
		if counters[i].name != counters[j].name {
			return counters[i].name < counters[j].name
		}
		return counters[i].labels < counters[j].labels
	})
	written := make(map[string]bool)
	for _, c := range counters {
		if !written[c.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
			written[c.name] = true
		}
		fmt.Fprintf(&sb, "%s%s %d\n", c.name, braces(c.labels), c.Value())
	}

	sort.Slice(histograms, func(i, j int) bool { return histograms[i].name < histograms[j].name })
	for _, h := range histograms {
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket%s %d\n", h.name, braces(joinLabels(h.labels, fmt.Sprintf("le=%q", bound))), h.counts[i])
		}
		fmt.Fprintf(&sb, "%s_count%s %d\n", h.name, braces(h.labels), h.count)
		fmt.Fprintf(&sb, "%s_sum%s %f\n", h.name, braces(h.labels), h.sum)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

var (
	SendsTotal      = Collector.Counter("wagate_sends_total", "Messages accepted by the provider", "")
	SendFailures    = Collector.Counter("wagate_send_failures_total", "Send attempts that failed before provider acceptance", "")
	WindowWarnings  = Collector.Counter("wagate_window_warnings_total", "Freeform sends issued outside the session window", "")
	InboundMessages = Collector.Counter("wagate_inbound_messages_total", "Inbound messages recorded", "")
	CallbackErrors  = Collector.Counter("wagate_callback_errors_total", "Webhook payloads that could not be processed", "")

	SendLatency = Collector.Histogram("wagate_send_latency_seconds", "Provider send latency in seconds", "",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30})
)
