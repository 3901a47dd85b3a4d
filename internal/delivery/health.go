package delivery

import (
	"fmt"
	"time"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	failureRateLimit = 0.5
	backlogLimit     = 1000
)

// Health summarises queue health for operators.
type Health struct {
	Status           string        `json:"status"`
	Pending          int           `json:"pending"`
	InFlight         int           `json:"in_flight"`
	Dead             int           `json:"dead"`
	FailureRate      float64       `json:"failure_rate"`
	OldestPendingAge time.Duration `json:"oldest_pending_age_ns"`
	Recommendations  []string      `json:"recommendations"`
}

// Health computes the failure rate over all attempts, the age of the oldest
// undelivered item and a list of operator recommendations.
func (q *Queue) Health() Health {
	q.mu.Lock()
	now := q.now()
	h := Health{
		Pending:  q.ready.Len() + q.delayed.Len(),
		InFlight: len(q.inflight),
		Dead:     len(q.dead),
	}
	if q.stats.Attempts > 0 {
		h.FailureRate = float64(q.stats.FailedAttempts) / float64(q.stats.Attempts)
	}
	var oldest time.Time
	visit := func(it *Item) {
		if oldest.IsZero() || it.CreatedAt.Before(oldest) {
			oldest = it.CreatedAt
		}
	}
	for _, it := range q.ready {
		visit(it)
	}
	for _, it := range q.delayed {
		visit(it)
	}
	for _, it := range q.inflight {
		visit(it)
	}
	if !oldest.IsZero() {
		h.OldestPendingAge = now.Sub(oldest)
	}
	q.mu.Unlock()

	h.Status = StatusHealthy
	h.Recommendations = []string{}

	if h.FailureRate > failureRateLimit {
		h.Status = StatusUnhealthy
		h.Recommendations = append(h.Recommendations,
			"failure rate exceeds 50%, check connectivity to the remote store")
	}
	if h.OldestPendingAge > q.cfg.StuckThreshold {
		if h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("items pending for %s, check for a stuck deliverer", h.OldestPendingAge.Round(time.Second)))
	}
	if h.Dead > 0 {
		if h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("%d items in the dead-letter set, inspect and replay them", h.Dead))
	}
	if h.Pending > backlogLimit {
		if h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
		h.Recommendations = append(h.Recommendations,
			"backlog is growing, consider raising delivery.workers")
	}
	return h
}
