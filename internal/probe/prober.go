package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/socialsense/stack/internal/retry"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Recorder receives probe outcomes. *metrics.Metrics implements it.
type Recorder interface {
	RecordProbe(service, role, status string, ready bool, duration time.Duration)
	SetBreakerState(service string, state int)
}

// Options configures a Prober.
type Options struct {
	Timeout time.Duration
	// Retry drives WaitInOrder. Nil means retry.DefaultConfig.
	Retry   *retry.Handler
	Breaker retry.BreakerConfig
	Metrics Recorder
	Logger  logrus.FieldLogger
	// Observer sees every intermediate result. It is called from several
	// goroutines at once.
	Observer func(Result)
}

// Prober runs the registered checkers.
type Prober struct {
	reg  *Registry
	opts Options
	log  logrus.FieldLogger

	mu       sync.Mutex
	breakers map[string]*retry.CircuitBreaker
}

func NewProber(reg *Registry, opts Options) (*Prober, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Retry == nil {
		h, err := retry.NewHandler(retry.DefaultConfig(), log)
		if err != nil {
			return nil, err
		}
		opts.Retry = h
	}
	return &Prober{
		reg:      reg,
		opts:     opts,
		log:      log,
		breakers: make(map[string]*retry.CircuitBreaker),
	}, nil
}

// Pending returns a report with every registered checker pending.
func (p *Prober) Pending() Report {
	checkers := p.reg.List()
	results := make([]Result, 0, len(checkers))
	for _, c := range checkers {
		results = append(results, Result{Service: c.Name(), Role: c.Role(), Status: StatusPending})
	}
	return NewReport(results)
}

// Run checks every registered checker once, concurrently. A checker whose
// circuit is open is reported failed without being called.
func (p *Prober) Run(ctx context.Context) Report {
	start := time.Now()
	checkers := p.reg.List()
	results := make([]Result, len(checkers))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			results[i] = p.runOnce(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := NewReport(results)
	report.DurationMS = time.Since(start).Milliseconds()
	return report
}

func (p *Prober) runOnce(ctx context.Context, c Checker) Result {
	cb := p.breaker(c.Name())
	res := Result{Service: c.Name(), Role: c.Role(), Attempts: 1, CheckedAt: time.Now().UTC()}

	if err := cb.Allow(); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		res.Attempts = 0
	} else {
		latency, err := p.check(ctx, c)
		res.LatencyMS = latency.Milliseconds()
		if err != nil {
			cb.RecordFailure(err)
			res.Error = err.Error()
			res.Status = StatusRetry
			if cb.State() == retry.CircuitOpen {
				res.Status = StatusFailed
			}
		} else {
			cb.RecordSuccess()
			res.Status = StatusReady
		}
		p.record(res, latency)
	}
	res.Circuit = cb.State().String()
	if p.opts.Metrics != nil {
		p.opts.Metrics.SetBreakerState(c.Name(), int(cb.State()))
	}
	return res
}

// WaitInOrder gates startup: waves run in order, and the checkers of one
// wave are retried concurrently until ready or out of attempts. When a wave
// fails, every later checker is reported skipped and an error is returned.
// Names without a registered checker are ignored.
func (p *Prober) WaitInOrder(ctx context.Context, waves [][]string) (Report, error) {
	start := time.Now()
	var (
		results []Result
		failed  []string
		kept    [][]string
	)

	for _, wave := range waves {
		checkers := p.waveCheckers(wave)
		if len(checkers) == 0 {
			continue
		}
		names := make([]string, len(checkers))
		for i, c := range checkers {
			names[i] = c.Name()
		}
		kept = append(kept, names)

		if len(failed) > 0 {
			for _, c := range checkers {
				res := Result{Service: c.Name(), Role: c.Role(), Status: StatusSkipped,
					Error: "earlier wave failed: " + strings.Join(failed, ", ")}
				p.observe(res)
				p.record(res, 0)
				results = append(results, res)
			}
			continue
		}

		waveResults := make([]Result, len(checkers))
		var g errgroup.Group
		for i, c := range checkers {
			i, c := i, c
			g.Go(func() error {
				waveResults[i] = p.waitFor(ctx, c)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range waveResults {
			if res.Status != StatusReady {
				failed = append(failed, res.Service)
			}
		}
		results = append(results, waveResults...)
	}

	report := NewReport(results)
	report.Waves = kept
	report.DurationMS = time.Since(start).Milliseconds()
	if len(failed) > 0 {
		return report, fmt.Errorf("dependencies not ready: %s", strings.Join(failed, ", "))
	}
	return report, nil
}

func (p *Prober) waitFor(ctx context.Context, c Checker) Result {
	res := Result{Service: c.Name(), Role: c.Role()}
	var latency time.Duration

	err := p.opts.Retry.Do(ctx, "probe "+c.Name(), func(ctx context.Context) error {
		res.Attempts++
		var err error
		latency, err = p.check(ctx, c)
		if err != nil {
			if ctx.Err() == nil {
				p.observe(Result{Service: c.Name(), Role: c.Role(), Status: StatusRetry,
					Error: err.Error(), Attempts: res.Attempts, LatencyMS: latency.Milliseconds(),
					CheckedAt: time.Now().UTC()})
			}
			return retry.Retryable(err)
		}
		return nil
	})

	res.CheckedAt = time.Now().UTC()
	res.LatencyMS = latency.Milliseconds()
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		p.log.WithFields(logrus.Fields{
			"service":  c.Name(),
			"attempts": res.Attempts,
		}).WithError(err).Error("dependency not ready")
	} else {
		res.Status = StatusReady
		p.log.WithFields(logrus.Fields{
			"service":  c.Name(),
			"attempts": res.Attempts,
		}).Info("dependency ready")
	}
	p.observe(res)
	p.record(res, latency)
	return res
}

func (p *Prober) check(ctx context.Context, c Checker) (time.Duration, error) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(cctx)
	elapsed := time.Since(start)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%s: check timed out after %v: %w", c.Name(), p.opts.Timeout, err)
	}
	return elapsed, err
}

// waveCheckers returns the registered checkers for the names in wave.
func (p *Prober) waveCheckers(wave []string) []Checker {
	var out []Checker
	for _, name := range wave {
		if c, ok := p.reg.Get(name); ok {
			out = append(out, c)
		}
	}
	return out
}

func (p *Prober) breaker(name string) *retry.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[name]
	if !ok {
		cfg := p.opts.Breaker
		user := cfg.OnStateChange
		cfg.OnStateChange = func(from, to retry.CircuitState) {
			p.log.WithFields(logrus.Fields{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
			if user != nil {
				user(from, to)
			}
		}
		cb = retry.NewCircuitBreaker(cfg)
		p.breakers[name] = cb
	}
	return cb
}

// BreakerState returns the circuit state for a service.
func (p *Prober) BreakerState(name string) retry.CircuitState {
	return p.breaker(name).State()
}

func (p *Prober) observe(res Result) {
	if p.opts.Observer != nil {
		p.opts.Observer(res)
	}
}

func (p *Prober) record(res Result, latency time.Duration) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordProbe(res.Service, res.Role, string(res.Status), res.Status == StatusReady, latency)
	}
}
