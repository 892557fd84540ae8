package adapter

import (
	"sort"
	"sync"
	"time"
)

const (
	unhealthyAfterFails = 5
	minJudgedRequests   = 10
	minSuccessRate      = 0.5
	// weight of the newest sample in the latency average
	latencyAlpha = 0.2
)

// EndpointHealth is the observed health of the indexer or algod
type EndpointHealth struct {
	Endpoint         string        `json:"endpoint"`
	URL              string        `json:"url"`
	TotalRequests    int64         `json:"totalRequests"`
	FailedRequests   int64         `json:"failedRequests"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	LastError        string        `json:"lastError,omitempty"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

// endpointTracker folds request outcomes of one endpoint into an
// EndpointHealth. The latency is a moving average of successful calls.
type endpointTracker struct {
	mu    sync.Mutex
	state EndpointHealth
	now   func() time.Time
}

func newEndpointTracker(name, url string) *endpointTracker {
	return &endpointTracker{
		state: EndpointHealth{Endpoint: name, URL: url, IsHealthy: true},
		now:   time.Now,
	}
}

// RecordSuccess records a successful request that took d
func (t *endpointTracker) RecordSuccess(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.state
	if s.TotalRequests == s.FailedRequests {
		s.AverageLatency = d
	} else {
		s.AverageLatency = time.Duration(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(s.AverageLatency))
	}
	s.TotalRequests++
	s.LastSuccess = t.now()
	s.ConsecutiveFails = 0
	t.judge()
}

// RecordFailure records a failed request
func (t *endpointTracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.state
	s.TotalRequests++
	s.FailedRequests++
	s.ConsecutiveFails++
	s.LastFailure = t.now()
	if err != nil {
		s.LastError = err.Error()
	}
	t.judge()
}

// judge recomputes the success rate and health; t.mu is held
func (t *endpointTracker) judge() {
	s := &t.state
	s.SuccessRate = float64(s.TotalRequests-s.FailedRequests) / float64(s.TotalRequests)
	s.IsHealthy = s.ConsecutiveFails < unhealthyAfterFails &&
		(s.TotalRequests < minJudgedRequests || s.SuccessRate >= minSuccessRate)
}

// Health returns a copy of the current state
func (t *endpointTracker) Health() *EndpointHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.state
	return &h
}

// healthOf snapshots trackers ordered by endpoint name
func healthOf(trackers map[string]*endpointTracker) []*EndpointHealth {
	out := make([]*EndpointHealth, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
