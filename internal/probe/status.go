package probe

import (
	"fmt"
	"strings"
)

// Status is the state of one dependency, or of a whole report.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusRetry   Status = "retry"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

var statusDescriptions = map[Status]string{
	StatusPending: "Dependency has not been checked yet",
	StatusReady:   "Dependency accepted a connection and answered",
	StatusRetry:   "Dependency check failed transiently and will be retried",
	StatusFailed:  "Dependency check failed and retries are exhausted or the circuit is open",
	StatusSkipped: "Dependency was not checked because an earlier startup wave failed",
}

// Description returns a human readable explanation of s.
func (s Status) Description() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return "Unknown status"
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a string such as "ready" to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := statusDescriptions[s]; !ok {
		return "", fmt.Errorf("unknown probe status %q", v)
	}
	return s, nil
}
