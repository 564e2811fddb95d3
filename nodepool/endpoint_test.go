package nodepool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEndpoint() *endpoint {
	return &endpoint{
		url:                 "https://node.example",
		weight:              1,
		timeout:             time.Second,
		degradedErrorRate:   0.10,
		quarantineErrorRate: 0.40,
		degradedLatencyP95:  2 * time.Second,
		quarantineInitial:   5 * time.Second,
		quarantineMax:       60 * time.Second,
	}
}

func TestEndpointDegradesOnErrorRate(t *testing.T) {
	ep := newTestEndpoint()
	require.Equal(t, Healthy, ep.state)

	// a couple of failures push the EWMA over the 10% line
	ep.observe(10*time.Millisecond, true)
	ep.observe(10*time.Millisecond, true)

	state, _ := ep.currentState()
	require.Equal(t, Degraded, state)
}

func TestEndpointDegradesOnLatency(t *testing.T) {
	ep := newTestEndpoint()
	for i := 0; i < 10; i++ {
		ep.observe(3*time.Second, false)
	}
	state, _ := ep.currentState()
	require.Equal(t, Degraded, state)
}

func TestEndpointQuarantineOnConsecutiveFailures(t *testing.T) {
	ep := newTestEndpoint()
	for i := 0; i < 5; i++ {
		ep.observe(10*time.Millisecond, true)
	}
	state, until := ep.currentState()
	require.Equal(t, Quarantined, state)
	require.False(t, until.IsZero())
	require.True(t, until.After(time.Now()))
}

func TestEndpointQuarantineBackoffDoubles(t *testing.T) {
	ep := newTestEndpoint()
	now := time.Now()

	ep.mu.Lock()
	ep.quarantine(now)
	first := ep.quarBackoff
	ep.mu.Unlock()
	require.Equal(t, 5*time.Second, first)

	ep.mu.Lock()
	ep.quarantine(now)
	ep.quarantine(now)
	ep.quarantine(now)
	ep.quarantine(now)
	capped := ep.quarBackoff
	ep.mu.Unlock()
	require.Equal(t, 60*time.Second, capped)
}

func TestEndpointProbeReleasesQuarantine(t *testing.T) {
	ep := newTestEndpoint()
	for i := 0; i < 5; i++ {
		ep.observe(10*time.Millisecond, true)
	}
	state, until := ep.currentState()
	require.Equal(t, Quarantined, state)

	// probe success before the release time does nothing
	ep.probeResult(until.Add(-time.Second), 5*time.Millisecond, nil)
	state, _ = ep.currentState()
	require.Equal(t, Quarantined, state)

	// probe failure after release does not release either
	ep.probeResult(until.Add(time.Second), 5*time.Millisecond, errTest)
	state, _ = ep.currentState()
	require.Equal(t, Quarantined, state)

	// probe success past the release time restores the endpoint
	ep.probeResult(until.Add(time.Second), 5*time.Millisecond, nil)
	state, _ = ep.currentState()
	require.Equal(t, Healthy, state)
	require.Zero(t, ep.consecFails)
}

func TestEndpointRecoversFromDegraded(t *testing.T) {
	ep := newTestEndpoint()
	ep.observe(10*time.Millisecond, true)
	ep.observe(10*time.Millisecond, true)
	state, _ := ep.currentState()
	require.Equal(t, Degraded, state)

	for i := 0; i < 60; i++ {
		ep.observe(10*time.Millisecond, false)
	}
	state, _ = ep.currentState()
	require.Equal(t, Healthy, state)
}

func TestEndpointSnapshot(t *testing.T) {
	ep := newTestEndpoint()
	ep.observe(100*time.Millisecond, false)
	st := ep.snapshot(time.Now())
	require.Equal(t, "https://node.example", st.URL)
	require.Equal(t, "healthy", st.State)
	require.Equal(t, 100*time.Millisecond, st.LatencyP95)
	require.True(t, st.QuarantinedUntil.IsZero())
}
