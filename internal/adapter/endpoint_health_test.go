package adapter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpointTracker_ConsecutiveFailures(t *testing.T) {
	tr := newEndpointTracker(EndpointIndexer, "http://indexer")

	for i := 0; i < unhealthyAfterFails-1; i++ {
		tr.RecordFailure(errors.New("503"))
	}
	assert.True(t, tr.Health().IsHealthy)

	tr.RecordFailure(errors.New("503"))
	h := tr.Health()
	assert.False(t, h.IsHealthy)
	assert.Equal(t, "503", h.LastError)

	tr.RecordSuccess(10 * time.Millisecond)
	assert.True(t, tr.Health().IsHealthy, "a success clears the streak")
}

func TestEndpointTracker_SuccessRate(t *testing.T) {
	tr := newEndpointTracker(EndpointAlgod, "http://algod")

	// alternate so the streak never trips; rate drops below half
	for i := 0; i < 12; i++ {
		if i%3 == 0 {
			tr.RecordSuccess(time.Millisecond)
		} else {
			tr.RecordFailure(nil)
		}
	}
	h := tr.Health()
	assert.Equal(t, int64(12), h.TotalRequests)
	assert.Equal(t, int64(8), h.FailedRequests)
	assert.InDelta(t, 1.0/3, h.SuccessRate, 1e-9)
	assert.False(t, h.IsHealthy)
}

func TestEndpointTracker_LatencyAverage(t *testing.T) {
	tr := newEndpointTracker(EndpointIndexer, "")

	tr.RecordSuccess(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, tr.Health().AverageLatency)

	tr.RecordSuccess(200 * time.Millisecond)
	assert.InDelta(t, float64(120*time.Millisecond), float64(tr.Health().AverageLatency), float64(time.Microsecond))
}

func TestHealthOf_SortedByEndpoint(t *testing.T) {
	trackers := map[string]*endpointTracker{
		EndpointIndexer: newEndpointTracker(EndpointIndexer, ""),
		EndpointAlgod:   newEndpointTracker(EndpointAlgod, ""),
	}
	out := healthOf(trackers)
	assert.Equal(t, EndpointAlgod, out[0].Endpoint)
	assert.Equal(t, EndpointIndexer, out[1].Endpoint)
}
