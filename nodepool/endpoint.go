package nodepool

import (
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/heliolabs/bundler-node/metrics"
)

// State of an endpoint in the health machine. Transitions happen only inside
// observe/probeResult under the endpoint lock; everyone else reads snapshots.
type State uint8

const (
	Healthy State = iota
	Degraded
	Quarantined
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Quarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// EndpointStatus is the read-only view handed to selectors and the health
// report.
type EndpointStatus struct {
	URL              string        `json:"url"`
	Weight           float64       `json:"weight"`
	State            string        `json:"state"`
	ErrorRate        float64       `json:"errorRate"`
	LatencyP95       time.Duration `json:"latencyP95"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	QuarantinedUntil time.Time     `json:"quarantinedUntil,omitempty"`
}

const (
	// ewmaAlpha weighs one observation; at typical request rates the
	// resulting horizon is on the order of the 30s window the thresholds
	// are defined over.
	ewmaAlpha = 0.1

	latencyRingSize = 64
)

type endpoint struct {
	url     string
	weight  float64
	client  *rpc.Client
	timeout time.Duration

	mu               sync.Mutex
	state            State
	errRate          float64
	latencies        []time.Duration
	latencyNext      int
	consecFails      int
	quarantinedUntil time.Time
	quarBackoff      time.Duration

	degradedErrorRate   float64
	quarantineErrorRate float64
	degradedLatencyP95  time.Duration
	quarantineInitial   time.Duration
	quarantineMax       time.Duration
}

func (e *endpoint) observe(dur time.Duration, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics.RecordPoolAttempt(e.url, failed)

	x := 0.0
	if failed {
		x = 1.0
		e.consecFails++
	} else {
		e.consecFails = 0
		// a served request while quarantined means the release probe
		// already passed; nothing to do here
	}
	e.errRate = e.errRate*(1-ewmaAlpha) + x*ewmaAlpha

	if len(e.latencies) < latencyRingSize {
		e.latencies = append(e.latencies, dur)
	} else {
		e.latencies[e.latencyNext] = dur
		e.latencyNext = (e.latencyNext + 1) % latencyRingSize
	}

	e.transition(time.Now())
}

// transition applies the guarded state changes; callers hold the lock.
func (e *endpoint) transition(now time.Time) {
	switch e.state {
	case Healthy:
		if e.errRate >= e.degradedErrorRate || e.p95Locked() >= e.degradedLatencyP95 {
			e.state = Degraded
		}
	case Degraded:
		if e.errRate >= e.quarantineErrorRate || e.consecFails >= 3 {
			e.quarantine(now)
		} else if e.errRate < e.degradedErrorRate/2 && e.p95Locked() < e.degradedLatencyP95 {
			e.state = Healthy
		}
	case Quarantined:
		// released only by a successful probe past the release time
	}
}

func (e *endpoint) quarantine(now time.Time) {
	if e.quarBackoff == 0 {
		e.quarBackoff = e.quarantineInitial
	} else {
		e.quarBackoff *= 2
		if e.quarBackoff > e.quarantineMax {
			e.quarBackoff = e.quarantineMax
		}
	}
	e.state = Quarantined
	e.quarantinedUntil = now.Add(e.quarBackoff)
	metrics.IncEndpointQuarantines()
}

// probeResult records the outcome of a health probe. A success releases a
// quarantined endpoint whose release time has passed.
func (e *endpoint) probeResult(now time.Time, dur time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		if e.state != Quarantined {
			e.errRate = e.errRate*(1-ewmaAlpha) + ewmaAlpha
			e.consecFails++
			e.transition(now)
		}
		return
	}

	if e.state == Quarantined {
		if now.Before(e.quarantinedUntil) {
			return
		}
		e.state = Healthy
		e.errRate = 0
		e.consecFails = 0
		e.quarBackoff = 0
		return
	}

	e.errRate = e.errRate * (1 - ewmaAlpha)
	e.consecFails = 0
	if len(e.latencies) < latencyRingSize {
		e.latencies = append(e.latencies, dur)
	} else {
		e.latencies[e.latencyNext] = dur
		e.latencyNext = (e.latencyNext + 1) % latencyRingSize
	}
	e.transition(now)
}

func (e *endpoint) p95Locked() time.Duration {
	if len(e.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(e.latencies))
	copy(sorted, e.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * 95 / 100
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// snapshot returns a read-only view of the endpoint's current state.
func (e *endpoint) snapshot(now time.Time) EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EndpointStatus{
		URL:              e.url,
		Weight:           e.weight,
		State:            e.state.String(),
		ErrorRate:        e.errRate,
		LatencyP95:       e.p95Locked(),
		ConsecutiveFails: e.consecFails,
	}
	if e.state == Quarantined {
		st.QuarantinedUntil = e.quarantinedUntil
	}
	return st
}

func (e *endpoint) currentState() (State, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.quarantinedUntil
}

func (e *endpoint) p95() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p95Locked()
}
