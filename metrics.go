package avrio

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type clientMetrics struct {
	requests       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	authChallenges *prometheus.CounterVec
}

// newClientMetrics creates the client metrics. A nil registerer leaves them
// unregistered, which is what promauto.With(nil) does.
func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	return &clientMetrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "avrio",
			Name:      "client_requests_total",
			Help:      "Total number of HTTP requests sent to the coordinator by method and status code.",
		}, []string{"method", "status_code"}),
		retries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "avrio",
			Name:      "client_retries_total",
			Help:      "Total number of retried requests by reason.",
		}, []string{"reason"}),
		authChallenges: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "avrio",
			Name:      "client_auth_challenges_total",
			Help:      "Total number of 401 challenges by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *clientMetrics) observeRequest(method string, statusCode int) {
	m.requests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
}
