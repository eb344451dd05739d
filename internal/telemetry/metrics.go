package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PostsPublished       = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_published_total", Help: "Posts published successfully"})
	PostsRejected        = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_rejected_total", Help: "Posts permanently rejected by the provider"})
	PostsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_failed_total", Help: "Posts that reached a terminal failed state"})
	TransientRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_transient_retries_total", Help: "Publish attempts requeued after transient failure"})
	AuthWaitBounces      = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_auth_wait_total", Help: "Posts requeued pending account reconnection"})
	ClaimLosses          = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_claim_losses_total", Help: "Due posts already claimed by another worker"})
	TokenRefreshes       = prometheus.NewCounter(prometheus.CounterOpts{Name: "token_refreshes_total", Help: "Successful provider token refreshes"})
	TokenRefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "token_refresh_failures_total", Help: "Refreshes rejected by the provider"})
	RateLimitBounces     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_rate_limited_total", Help: "Publish attempts deferred by the per-owner rate limit"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "posts_inflight", Help: "Posts currently being published"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PostsPublished,
			PostsRejected,
			PostsFailed,
			TransientRetries,
			AuthWaitBounces,
			ClaimLosses,
			TokenRefreshes,
			TokenRefreshFailures,
			RateLimitBounces,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
