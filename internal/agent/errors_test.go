package agent

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		diagnostics string
		want        FailureKind
	}{
		{"empty", "", FailureNone},
		{"unrelated", "segmentation fault", FailureNone},
		{"invalid api key", "Error: Invalid API key provided", FailureAuth},
		{"401", "request failed with status 401", FailureAuth},
		{"403 forbidden", "403 Forbidden", FailureAuth},
		{"unauthorized", "Unauthorized access", FailureAuth},
		{"british spelling", "unauthorised", FailureAuth},
		{"connection refused", "connect ECONNREFUSED 10.0.0.1:443", FailureUnavailable},
		{"gateway timeout", "upstream returned 504", FailureUnavailable},
		{"rate limited", "429 rate limit exceeded", FailureUnavailable},
		{"dns failure", "getaddrinfo ENOTFOUND api.example.com", FailureUnavailable},
		{"timeout", "request timed out after 60s", FailureUnavailable},
		{"service down", "service unavailable, try again later", FailureUnavailable},
		{"auth wins over availability", "401 after connection error", FailureAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.diagnostics); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.diagnostics, got, tt.want)
			}
		})
	}
}
