// Package monitor re-probes the dependencies on a schedule and fans the
// latest report out to the status cache and to subscribers.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/socialsense/stack/internal/probe"
)

const (
	DefaultInterval = 5 * time.Minute
	// DefaultBuffer is the channel capacity handed to each subscriber.
	DefaultBuffer = 4
)

// Runner produces reports. *probe.Prober implements it.
type Runner interface {
	Run(ctx context.Context) probe.Report
	Pending() probe.Report
}

// Publisher stores the latest report. *cache.StatusCache implements it.
type Publisher interface {
	Put(ctx context.Context, v any) error
}

type Options struct {
	Interval time.Duration
	// RunTimeout bounds one scheduled probe round. Zero means Interval.
	RunTimeout time.Duration
	Logger     logrus.FieldLogger
}

// Monitor keeps the latest report.
type Monitor struct {
	runner    Runner
	publisher Publisher
	opts      Options
	log       logrus.FieldLogger
	cron      *cron.Cron

	mu     sync.RWMutex
	latest probe.Report
	seeded bool
	subs   map[int]chan probe.Report
	nextID int
}

// New builds a monitor. publisher may be nil.
func New(runner Runner, publisher Publisher, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = opts.Interval
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	logger := cronLogger{log: log}
	return &Monitor{
		runner:    runner,
		publisher: publisher,
		opts:      opts,
		log:       log,
		cron:      cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger))),
		latest:    runner.Pending(),
		subs:      make(map[int]chan probe.Report),
	}
}

// Spec returns the cron schedule, e.g. "@every 5m0s".
func (m *Monitor) Spec() string {
	return "@every " + m.opts.Interval.String()
}

// Start schedules periodic probing. The first scheduled run happens one
// interval from now; call RunNow or Set to seed the report earlier.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.AddFunc(m.Spec(), func() {
		runCtx, cancel := context.WithTimeout(ctx, m.opts.RunTimeout)
		defer cancel()
		m.RunNow(runCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule probes: %w", err)
	}
	m.cron.Start()
	m.log.WithField("schedule", m.Spec()).Info("dependency monitor started")
	return nil
}

// Stop halts the scheduler and waits for a running round, up to ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	return nil
}

// RunNow probes once and publishes the result.
func (m *Monitor) RunNow(ctx context.Context) probe.Report {
	report := m.runner.Run(ctx)
	m.Set(ctx, report)

	entry := m.log.WithFields(logrus.Fields{
		"status":      report.Status,
		"ready":       report.Count(probe.StatusReady),
		"total":       len(report.Results),
		"duration_ms": report.DurationMS,
	})
	if report.Ready() {
		entry.Debug("dependency probe finished")
	} else {
		entry.Warn("dependency probe finished")
	}
	return report
}

// Set records report as the latest, writes it to the publisher and
// notifies subscribers.
func (m *Monitor) Set(ctx context.Context, report probe.Report) {
	m.mu.Lock()
	m.latest = report
	m.seeded = true
	for id, ch := range m.subs {
		select {
		case ch <- report:
		default:
			m.log.WithField("subscriber", id).Debug("subscriber slow, report dropped")
		}
	}
	m.mu.Unlock()

	if m.publisher != nil {
		if err := m.publisher.Put(ctx, report); err != nil {
			m.log.WithError(err).Warn("publish status report")
		}
	}
}

// Latest returns the most recent report. ok is false until a probe round
// has completed or Set was called.
func (m *Monitor) Latest() (report probe.Report, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.seeded
}

// Subscribe returns a channel receiving every new report and a cancel
// function. Reports are dropped, never queued, when the buffer is full.
func (m *Monitor) Subscribe(buffer int) (<-chan probe.Report, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan probe.Report, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				close(c)
				delete(m.subs, id)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Monitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// cronLogger routes cron's logging through logrus.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
