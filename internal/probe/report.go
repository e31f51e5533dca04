package probe

import (
	"sort"
	"time"
)

// Result is the outcome for one dependency.
type Result struct {
	Service   string    `json:"service"`
	Role      string    `json:"role"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	LatencyMS int64     `json:"latency_ms"`
	Circuit   string    `json:"circuit,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report aggregates results. Status is ready only when every result is.
type Report struct {
	Status      Status     `json:"status"`
	Results     []Result   `json:"results"`
	Waves       [][]string `json:"waves,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
	DurationMS  int64      `json:"duration_ms"`
}

// NewReport sorts results by service and derives the overall status.
func NewReport(results []Result) Report {
	sort.Slice(results, func(i, j int) bool { return results[i].Service < results[j].Service })
	return Report{
		Status:      overall(results),
		Results:     results,
		GeneratedAt: time.Now().UTC(),
	}
}

func overall(results []Result) Status {
	if len(results) == 0 {
		return StatusPending
	}
	counts := map[Status]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	switch {
	case counts[StatusFailed] > 0 || counts[StatusSkipped] > 0:
		return StatusFailed
	case counts[StatusReady] == len(results):
		return StatusReady
	case counts[StatusRetry] > 0:
		return StatusRetry
	default:
		return StatusPending
	}
}

func (r Report) Ready() bool { return r.Status == StatusReady }

// Result looks up the result for service.
func (r Report) Result(service string) (Result, bool) {
	for _, res := range r.Results {
		if res.Service == service {
			return res, true
		}
	}
	return Result{}, false
}

// Count returns how many results have status s.
func (r Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}
