// Package runner drives a complete build in process, invoking the same steps
// the HTTP server exposes and doing the retry and polling an external
// orchestrator would otherwise do.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leonunix/kbsync/internal/ingest"
	"github.com/leonunix/kbsync/internal/lock"
	"github.com/leonunix/kbsync/internal/server"
	"github.com/leonunix/kbsync/internal/shared"
	"github.com/leonunix/kbsync/internal/status"
	"github.com/leonunix/kbsync/internal/step"
	"github.com/leonunix/kbsync/internal/store"
	"github.com/leonunix/kbsync/internal/util"
)

// Sweeper removes expired lock objects from stores that do not expire them
// on their own.
type Sweeper interface {
	Sweep(ttl time.Duration) (int, error)
}

// Progress tracks the data sources of a running build.
type Progress struct {
	ExecID    string
	Total     int
	Completed atomic.Int64
	StartTime time.Time
}

// Report summarizes a finished build.
type Report struct {
	ExecID      string        `json:"exec_id"`
	Status      string        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Tenants     int           `json:"tenants"`
	DataSources int           `json:"data_sources"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Runner runs builds one at a time under a named lock.
type Runner struct {
	steps server.Steps

	lockName         string
	owner            string
	pollInterval     time.Duration
	maxAttempts      int
	parallelism      int
	tenantPatterns   []string
	sweeper          Sweeper
	sweepTTL         time.Duration
	progressInterval time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
}

// Option configures optional Runner behavior.
type Option func(*Runner)

// WithLockName sets the lock serializing builds. Defaults to "embedding".
func WithLockName(name string) Option {
	return func(r *Runner) {
		r.lockName = name
	}
}

// WithOwner sets the lock owner. Defaults to the execution id of each build.
func WithOwner(owner string) Option {
	return func(r *Runner) {
		r.owner = owner
	}
}

// WithPollInterval sets the wait between two invocations of a step that
// asked to be retried. Defaults to 30s.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

// WithMaxAttempts bounds how often one step is retried. Defaults to 360.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		r.maxAttempts = n
	}
}

// WithParallelism sets how many data sources synchronize concurrently.
func WithParallelism(n int) Option {
	return func(r *Runner) {
		r.parallelism = n
	}
}

// WithTenantPatterns restricts queued tenants to ids matching one of the
// wildcard patterns.
func WithTenantPatterns(patterns []string) Option {
	return func(r *Runner) {
		r.tenantPatterns = patterns
	}
}

// WithSweeper sweeps lock objects older than ttl before every build.
func WithSweeper(s Sweeper, ttl time.Duration) Option {
	return func(r *Runner) {
		r.sweeper = s
		r.sweepTTL = ttl
	}
}

// New creates a Runner.
func New(steps server.Steps, opts ...Option) *Runner {
	r := &Runner{
		steps:            steps,
		lockName:         "embedding",
		pollInterval:     30 * time.Second,
		maxAttempts:      360,
		parallelism:      4,
		progressInterval: time.Minute,
		sleep:            sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.parallelism < 1 {
		r.parallelism = 1
	}
	return r
}

// Run executes one build. requested selects the tenants to build; nil builds
// every QUEUED tenant. Sync statuses are written for every tenant taking
// part. The returned error is non-nil only when the build could not even
// start or its final status could not be written.
func (r *Runner) Run(ctx context.Context, requested []shared.TenantRequest) (*Report, error) {
	execID := uuid.NewString()
	start := time.Now()
	owner := r.owner
	if owner == "" {
		owner = execID
	}

	if r.sweeper != nil {
		n, err := r.sweeper.Sweep(r.sweepTTL)
		if err != nil {
			slog.Warn("failed to sweep expired locks", "error", err)
		} else if n > 0 {
			slog.Info("swept expired locks", "count", n)
		}
	}

	var token lock.Token
	err := r.retry(ctx, "lock/acquire", func() error {
		var err error
		token, err = r.steps.Locker.Acquire(ctx, r.lockName, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring build lock %s: %w", r.lockName, err)
	}
	defer func() {
		// The build context may be cancelled already; release regardless.
		relCtx := context.WithoutCancel(ctx)
		if err := r.steps.Locker.Release(relCtx, r.lockName, token); err != nil {
			slog.Warn("failed to release build lock", "lock", r.lockName, "error", err)
		}
	}()

	var boot shared.BootstrapResult
	err = r.retry(ctx, "bootstrap", func() error {
		var err error
		boot, err = r.steps.Bootstrapper.Bootstrap(ctx, requested)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrapping build: %w", err)
	}
	bootstrapped := len(boot.QueuedTenants)
	boot.QueuedTenants = r.filter(boot.QueuedTenants)
	if bootstrapped > 0 && len(boot.QueuedTenants) == 0 {
		// Shared indexes were collected for tenants this runner does not own.
		slog.Info("every queued tenant excluded by pattern", "exec_id", execID, "queued", bootstrapped)
		boot.SharedKnowledgeBases = nil
	}

	if len(boot.QueuedTenants) == 0 && len(boot.SharedKnowledgeBases) == 0 {
		slog.Info("nothing to build", "exec_id", execID)
		return &Report{ExecID: execID, Status: store.SyncSucceeded, Elapsed: time.Since(start)}, nil
	}

	tenants := tenantRefs(boot.QueuedTenants)
	if _, err := r.propagate(ctx, tenants, store.SyncRunning, "", execID); err != nil {
		return nil, err
	}

	report := &Report{ExecID: execID, Tenants: len(tenants)}
	buildErr := r.build(ctx, execID, boot, report)

	report.Status = store.SyncSucceeded
	if buildErr != nil {
		report.Status = store.SyncFailed
		report.Reason = step.Classify(buildErr).Reason
	}
	// Final statuses are written even when the build was cancelled.
	if _, err := r.propagate(context.WithoutCancel(ctx), tenants, report.Status, report.Reason, execID); err != nil {
		return report, err
	}

	report.Elapsed = time.Since(start)
	slog.Info("build finished",
		"exec_id", execID,
		"status", report.Status,
		"reason", report.Reason,
		"tenants", report.Tenants,
		"data_sources", report.DataSources,
		"elapsed", report.Elapsed.Round(time.Second).String(),
	)
	return report, nil
}

func (r *Runner) build(ctx context.Context, execID string, boot shared.BootstrapResult, report *Report) error {
	var plan shared.Plan
	err := r.retry(ctx, "shared/finalize", func() error {
		var err error
		plan, err = r.steps.Coordinator.Coordinate(ctx, boot.QueuedTenants, boot.SharedKnowledgeBases)
		return err
	})
	if err != nil {
		return err
	}

	dataSources := plan.DataSources
	for _, t := range plan.Tenants {
		var plans []shared.DataSourcePlan
		err := r.retry(ctx, "dedicated/finalize", func() error {
			var err error
			plans, err = r.steps.Coordinator.FinalizeDedicated(ctx, t, t.DataSources)
			return err
		})
		if err != nil {
			return err
		}
		dataSources = append(dataSources, plans...)
	}
	report.DataSources = len(dataSources)

	progress := &Progress{ExecID: execID, Total: len(dataSources), StartTime: time.Now()}
	stopProgress := make(chan struct{})
	ticker := time.NewTicker(r.progressInterval)
	go r.reportProgress(progress, stopProgress, ticker.C)
	defer func() {
		close(stopProgress)
		ticker.Stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, ds := range dataSources {
		g.Go(func() error {
			if err := r.syncDataSource(gctx, ds); err != nil {
				return err
			}
			progress.Completed.Add(1)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) syncDataSource(ctx context.Context, ds shared.DataSourcePlan) error {
	var token ingest.Token
	err := r.retry(ctx, "ingest", func() error {
		var err error
		token, err = r.steps.Ingester.Ingest(ctx, ds.Ref, ds.FilesDiffs)
		return err
	})
	if err != nil {
		return err
	}

	err = r.retry(ctx, "check", func() error {
		out, err := r.steps.Poller.Poll(ctx, token)
		if err != nil {
			return err
		}
		return out.Err()
	})
	if err != nil {
		return err
	}
	slog.Info("data source synchronized", "data_source", ds.Ref.String(), "tenants", len(ds.FilesDiffs))
	return nil
}

// retry invokes fn until it returns anything other than a retry, sleeping
// pollInterval between attempts.
func (r *Runner) retry(ctx context.Context, name string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, step.ErrRetry) {
			return err
		}
		if r.maxAttempts > 0 && attempt >= r.maxAttempts {
			return fmt.Errorf("%s still pending after %d attempts: %s", name, attempt, err.Error())
		}
		slog.Debug("step pending", "step", name, "attempt", attempt, "reason", err)
		if sleepErr := r.sleep(ctx, r.pollInterval); sleepErr != nil {
			return fmt.Errorf("waiting for %s: %w", name, sleepErr)
		}
	}
}

func (r *Runner) propagate(ctx context.Context, tenants []status.TenantRef, s, reason, execID string) ([]status.SyncStatus, error) {
	if len(tenants) == 0 {
		return nil, nil
	}
	written, err := r.steps.Propagator.Propagate(ctx, status.Update{
		Tenants: tenants,
		Status:  s,
		Reason:  reason,
		ExecID:  execID,
	})
	if err != nil {
		return written, fmt.Errorf("propagating %s: %w", s, err)
	}
	return written, nil
}

func (r *Runner) filter(queued []shared.QueuedTenant) []shared.QueuedTenant {
	if len(r.tenantPatterns) == 0 {
		return queued
	}
	var out []shared.QueuedTenant
	for _, t := range queued {
		if util.MatchAny(r.tenantPatterns, t.TenantID) {
			out = append(out, t)
		} else {
			slog.Debug("tenant excluded by pattern", "tenant", t.TenantID)
		}
	}
	return out
}

func (r *Runner) reportProgress(progress *Progress, stop <-chan struct{}, tick <-chan time.Time) {
	for {
		select {
		case <-stop:
			return
		case <-tick:
			slog.Info("build progress",
				"exec_id", progress.ExecID,
				"completed", progress.Completed.Load(),
				"total", progress.Total,
				"elapsed", time.Since(progress.StartTime).Round(time.Second).String(),
			)
		}
	}
}

func tenantRefs(queued []shared.QueuedTenant) []status.TenantRef {
	refs := make([]status.TenantRef, 0, len(queued))
	for _, t := range queued {
		refs = append(refs, status.TenantRef{OwnerID: t.OwnerID, TenantID: t.TenantID})
	}
	return refs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
