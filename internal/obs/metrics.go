// Package obs holds Prometheus metrics for the authorization server.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_tokens_issued_total",
			Help: "Tokens issued, by grant type.",
		},
		[]string{"grant_type"},
	)

	grantFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_grant_failures_total",
			Help: "Token endpoint failures, by grant type and error code.",
		},
		[]string{"grant_type", "error"},
	)

	replaysDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_replays_detected_total",
			Help: "Replayed codes and rotated refresh tokens presented again.",
		},
		[]string{"credential"},
	)

	consentPrompts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_consent_prompts_total",
			Help: "Consent screen outcomes.",
		},
		[]string{"outcome"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(tokensIssued, grantFailures, replaysDetected, consentPrompts)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func TokenIssued(grantType string)       { tokensIssued.WithLabelValues(grantType).Inc() }
func GrantFailed(grantType, code string) { grantFailures.WithLabelValues(grantType, code).Inc() }
func ReplayDetected(credential string)   { replaysDetected.WithLabelValues(credential).Inc() }
func ConsentPrompt(outcome string)       { consentPrompts.WithLabelValues(outcome).Inc() }
