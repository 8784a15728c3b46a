// Package readiness tells the rest of the system whether the bridge can
// carry requests.
//
// Three surfaces share one list of Checks:
//   - Announcer publishes {success:true, result:"ready"} on the ready topic
//     when a transport (re)connects, and again on a ticker once a degraded
//     bridge recovers. In relay mode it also nudges while degraded so the
//     remote side resends its hub token.
//   - LivenessResponder answers pings on the broker with the hub state.
//   - HealthServer exposes /healthz and /readyz over HTTP.
package readiness
