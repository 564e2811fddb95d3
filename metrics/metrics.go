// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesReceived     = metrics.NewCounter("bundles_received_total")
	bundlesValid        = metrics.NewCounter("bundles_received_valid_total")
	draftsSubmitted     = metrics.NewCounter("drafts_submitted_total")
	feeBumps            = metrics.NewCounter("fee_bumps_total")
	endpointQuarantines = metrics.NewCounter("endpoint_quarantines_total")
	signingFailures     = metrics.NewCounter("signing_failures_total")
)

func IncBundlesReceived() {
	bundlesReceived.Inc()
}

func IncBundlesReceivedValid() {
	bundlesValid.Inc()
}

func IncBundleCompleted(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`bundles_completed_total{status=%q}`, status)).Inc()
}

func IncDraftsSubmitted() {
	draftsSubmitted.Inc()
}

func IncFeeBumps() {
	feeBumps.Inc()
}

func IncEndpointQuarantines() {
	endpointQuarantines.Inc()
}

func IncSigningFailures() {
	signingFailures.Inc()
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failures_total{method=%q}`, method)).Inc()
}

func RecordRPCCallDuration(method string, millis int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(millis))
}

func RecordBundleStageDuration(stage string, millis int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`bundle_stage_duration_milliseconds{stage=%q}`, stage)).Update(float64(millis))
}

func RecordBundleE2EDuration(millis int64) {
	metrics.GetOrCreateSummary("bundle_e2e_duration_milliseconds").Update(float64(millis))
}

func RecordPoolAttempt(endpoint string, failed bool) {
	if failed {
		metrics.GetOrCreateCounter(fmt.Sprintf(`pool_attempt_failures_total{endpoint=%q}`, endpoint)).Inc()
	} else {
		metrics.GetOrCreateCounter(fmt.Sprintf(`pool_attempts_total{endpoint=%q}`, endpoint)).Inc()
	}
}
