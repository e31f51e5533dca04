package cli

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialsense/stack/internal/probe"
)

func TestProgressBarCountsSettled(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(3, "waiting").SetWriter(&buf).SetWidth(10)
	start := pb.startTime
	pb.now = func() time.Time { return start.Add(90 * time.Second) }

	pb.Observe(probe.Result{Service: "postgres", Status: probe.StatusRetry, Attempts: 2})
	assert.Equal(t, 0, pb.Done())
	assert.Contains(t, buf.String(), "postgres retry (attempt 2)")

	pb.Observe(probe.Result{Service: "postgres", Status: probe.StatusReady})
	pb.Observe(probe.Result{Service: "redis", Status: probe.StatusReady})
	pb.Observe(probe.Result{Service: "redis", Status: probe.StatusReady})
	assert.Equal(t, 2, pb.Done())

	out := buf.String()
	assert.Contains(t, out, "[######----] 2/3")
	assert.Contains(t, out, "1m30s")
	assert.NotContains(t, out, ColorReset)

	pb.Finish()
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestProgressBarConcurrentObserve(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(50, "waiting").SetWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pb.Observe(probe.Result{Service: string(rune('a'+i%26)) + string(rune('a'+i/26)), Status: probe.StatusReady})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, pb.Done())
}

func TestPrintReport(t *testing.T) {
	report := probe.NewReport([]probe.Result{
		{Service: "redis", Role: "cache", Status: probe.StatusReady, Attempts: 1, LatencyMS: 3},
		{Service: "cassandra", Role: "widecolumn", Status: probe.StatusFailed, Attempts: 10, Error: "connection refused"},
	})

	var buf bytes.Buffer
	require.NoError(t, PrintReport(&buf, report))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "SERVICE"))
	assert.True(t, strings.HasPrefix(lines[1], "cassandra"))
	assert.Contains(t, lines[1], "connection refused")
	assert.Contains(t, lines[4], "status: failed")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "< 1s", formatDuration(500*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2h5m", formatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "plain", Colorize(&bytes.Buffer{}, "plain", ColorRed))
}
