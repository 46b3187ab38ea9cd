package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/torosent/dataloader/internal/ratelimit"
	"github.com/torosent/dataloader/internal/request"
)

// PrometheusObserver exports terminal request outcomes as Prometheus metrics.
type PrometheusObserver struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bytesTotal      *prometheus.CounterVec
}

// NewPrometheusObserver registers the data loader metrics on registry. An empty namespace defaults to "dataloader".
func NewPrometheusObserver(registry prometheus.Registerer, namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "dataloader"
	}
	factory := promauto.With(registry)
	return &PrometheusObserver{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests that reached a terminal outcome",
			},
			[]string{"service", "method", "outcome", "status_code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from first dispatch to terminal response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),
		bytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Bytes transferred across all attempts",
			},
			[]string{"service", "direction"},
		),
	}
}

// EndedRequest records one terminal response.
func (p *PrometheusObserver) EndedRequest(resp *request.Response, bytesDownloaded, bytesUploaded int64) {
	if resp == nil {
		return
	}
	service, method := "unknown", "unknown"
	if resp.Request != nil {
		method = resp.Request.Method
		if resp.Request.URL != nil {
			service = ratelimit.ServiceKey(resp.Request.URL)
		}
	}

	outcome := "failed"
	switch {
	case resp.Cancelled():
		outcome = "cancelled"
	case resp.Succeeded():
		outcome = "succeeded"
	}
	status := "none"
	if resp.HasStatus() {
		status = strconv.Itoa(resp.StatusCode)
	}

	p.requestsTotal.WithLabelValues(service, method, outcome, status).Inc()
	if outcome != "cancelled" && resp.RequestTime > 0 {
		p.requestDuration.WithLabelValues(service, method).Observe(resp.RequestTime.Seconds())
	}
	if bytesDownloaded > 0 {
		p.bytesTotal.WithLabelValues(service, "down").Add(float64(bytesDownloaded))
	}
	if bytesUploaded > 0 {
		p.bytesTotal.WithLabelValues(service, "up").Add(float64(bytesUploaded))
	}
}
