package agent

import "strings"

// FailureKind is a coarse classification of agent run failures.
type FailureKind int

const (
	// FailureNone means the diagnostics match no known family. No fallback
	// message is sent; whatever partial output escaped stands on its own.
	FailureNone FailureKind = iota
	// FailureAuth covers credential and authorization problems.
	FailureAuth
	// FailureUnavailable covers transient upstream and network problems.
	FailureUnavailable
)

// Auth patterns are checked before availability patterns: a "401 timeout"
// style message is an auth problem first.
var authPatterns = []string{
	"invalid api key",
	"authentication",
	"unauthorized",
	"unauthorised",
	"401",
	"403",
	"forbidden",
}

var unavailablePatterns = []string{
	"upstream request timeout",
	"connection error",
	"504",
	"503",
	"502",
	"429",
	"timed out",
	"etimedout",
	"econnreset",
	"econnrefused",
	"enotfound",
	"network error",
	"service unavailable",
	"rate limit",
	"temporarily unavailable",
}

// Classify maps a failed run's diagnostic text to a failure kind. Empty or
// unrecognized input yields FailureNone.
func Classify(diagnostics string) FailureKind {
	if diagnostics == "" {
		return FailureNone
	}
	text := strings.ToLower(diagnostics)

	for _, p := range authPatterns {
		if strings.Contains(text, p) {
			return FailureAuth
		}
	}
	for _, p := range unavailablePatterns {
		if strings.Contains(text, p) {
			return FailureUnavailable
		}
	}
	return FailureNone
}
