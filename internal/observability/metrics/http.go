package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// latencyBuckets are upper bounds in seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram() *histogram {
	return &histogram{counts: make([]uint64, len(latencyBuckets))}
}

// observe updates the cumulative buckets; values past the last bound land in +Inf only.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	idx := sort.SearchFloat64s(latencyBuckets, value)
	for i := idx; i < len(h.counts); i++ {
		h.counts[i]++
	}
}

type route struct {
	handler string
	method  string
}

// series holds everything recorded for one route.
type series struct {
	codes   map[int]uint64
	errors  uint64
	latency *histogram
}

type httpMetrics struct {
	mu     sync.Mutex
	routes map[route]*series
}

var httpCollector = &httpMetrics{routes: make(map[route]*series)}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(route{handler: handler, method: method}, status, duration)
}

func (c *httpMetrics) observe(r route, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.routes[r]
	if s == nil {
		s = &series{codes: make(map[int]uint64), latency: newHistogram()}
		c.routes[r] = s
	}
	s.codes[status]++
	if status >= 500 {
		s.errors++
	}
	s.latency.observe(duration.Seconds())
}

func (c *httpMetrics) render(builder *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	routes := make([]route, 0, len(c.routes))
	for r := range c.routes {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].handler != routes[j].handler {
			return routes[i].handler < routes[j].handler
		}
		return routes[i].method < routes[j].method
	})

	builder.WriteString("# HELP escrowd_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE escrowd_http_requests_total counter\n")
	for _, r := range routes {
		s := c.routes[r]
		codes := make([]int, 0, len(s.codes))
		for code := range s.codes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(builder, "escrowd_http_requests_total{%s,code=\"%d\"} %d\n", r.labels(), code, s.codes[code])
		}
	}

	builder.WriteString("# HELP escrowd_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE escrowd_http_request_errors_total counter\n")
	for _, r := range routes {
		if s := c.routes[r]; s.errors > 0 {
			fmt.Fprintf(builder, "escrowd_http_request_errors_total{%s} %d\n", r.labels(), s.errors)
		}
	}

	builder.WriteString("# HELP escrowd_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE escrowd_http_request_duration_seconds histogram\n")
	for _, r := range routes {
		h := c.routes[r].latency
		labels := r.labels()
		for idx, bound := range latencyBuckets {
			fmt.Fprintf(builder, "escrowd_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(bound), h.counts[idx])
		}
		fmt.Fprintf(builder, "escrowd_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, h.count)
		fmt.Fprintf(builder, "escrowd_http_request_duration_seconds_sum{%s} %s\n", labels, formatFloat(h.sum))
		fmt.Fprintf(builder, "escrowd_http_request_duration_seconds_count{%s} %d\n", labels, h.count)
	}
}

func (r route) labels() string {
	return fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(r.handler), escape(r.method))
}
