// Package jobs runs the periodic background work: auto-release on review-window expiry,
// payout scheduling and confirmation, and reconciliation of external calls with an
// unknown outcome. Every job re-reads current state through the escrow service, so a
// transaction a human already moved is skipped.
package jobs

import (
	"context" // Cancellation
	"errors"  // Error matching
	"time"    // Clock

	"github.com/robfig/cron/v3"  // Periodic scheduling
	"github.com/sirupsen/logrus" // Structured logging
	"gorm.io/gorm"               // GORM ORM library

	"rift_escrow/internal/db"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/escrow"
	"rift_escrow/internal/metrics"
	"rift_escrow/internal/permission"
)

// Job names, also used as metric labels
const (
	JobAutoRelease = "auto_release"
	JobPayouts     = "payouts"
	JobReconcile   = "reconcile"
)

// Options tune the runner
type Options struct {
	PayoutHold time.Duration // Released deals wait this long before payout
	BatchSize  int           // Transactions handled per run and job
}

// Runner executes the jobs, either on demand or on a cron schedule
type Runner struct {
	db     *gorm.DB
	escrow *escrow.Service
	opts   Options
	now    func() time.Time
	cron   *cron.Cron
}

// NewRunner creates a runner over the escrow service
func NewRunner(gdb *gorm.DB, svc *escrow.Service, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Runner{db: gdb, escrow: svc, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = func() time.Time { return now().UTC() }
	return r
}

// Schedules are cron specs for each job; an empty spec disables the job
type Schedules struct {
	AutoRelease string
	Payouts     string
	Reconcile   string
}

// Start registers the jobs and starts the scheduler. Overlapping runs of the same job are skipped.
func (r *Runner) Start(ctx context.Context, s Schedules) error {
	logger := cronLogger{}
	r.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{JobAutoRelease, s.AutoRelease, r.AutoRelease},
		{JobPayouts, s.Payouts, r.Payouts},
		{JobReconcile, s.Reconcile, r.Reconcile},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		j := j
		if _, err := r.cron.AddFunc(j.spec, func() { r.run(ctx, j.name, j.run) }); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"job":      j.name, // Job name
			"schedule": j.spec, // Cron spec
		}).Info("Job scheduled")
	}
	r.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs or ctx
func (r *Runner) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Runner) run(ctx context.Context, name string, job func(context.Context) (int, error)) {
	start := time.Now()
	n, err := job(ctx)
	metrics.RecordJobRun(name, err == nil)
	fields := logrus.Fields{
		"job":      name,              // Job name
		"handled":  n,                 // Transactions moved
		"duration": time.Since(start), // Run time
	}
	if err != nil {
		logrus.WithFields(fields).WithError(err).Error("Job run failed")
		return
	}
	if n > 0 {
		logrus.WithFields(fields).Info("Job run finished")
	}
}

// skippable reports errors meaning the transaction moved on since it was selected
func skippable(err error) bool {
	var (
		ap *domain.AlreadyProcessedError
		pd *domain.PermissionDeniedError
		cm *domain.ConcurrentModificationError
		ve *domain.ValidationError
	)
	return errors.As(err, &ap) || errors.As(err, &pd) || errors.As(err, &cm) || errors.As(err, &ve) ||
		errors.Is(err, domain.ErrNotFound)
}

// each applies fn to every id. Skippable errors are logged and ignored; the others are
// joined into the returned error. The count is the number of ids fn handled.
func each(ctx context.Context, job string, ids []string, fn func(ctx context.Context, id string) error) (int, error) {
	var (
		handled int
		errs    []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := fn(ctx, id)
		switch {
		case err == nil:
			handled++
		case skippable(err):
			logrus.WithFields(logrus.Fields{
				"job":            job,         // Job name
				"transaction_id": id,          // Skipped transaction
				"reason":         err.Error(), // Why
			}).Debug("Transaction skipped")
		default:
			logrus.WithFields(logrus.Fields{
				"job":            job,         // Job name
				"transaction_id": id,          // Failed transaction
				"error":          err.Error(), // Cause
			}).Error("Job step failed")
			errs = append(errs, err)
		}
	}
	return handled, errors.Join(errs...)
}

// AutoRelease releases deals whose review window ended and milestones whose own window ended
func (r *Runner) AutoRelease(ctx context.Context) (int, error) {
	now := r.now()
	ids, err := db.DueForAutoRelease(r.db.WithContext(ctx),
		permission.StatusesAllowing(domain.RoleSystem, domain.ActionRelease),
		permission.StatusesAllowing(domain.RoleSystem, domain.ActionReleaseMilestone),
		now, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	return each(ctx, JobAutoRelease, ids, func(ctx context.Context, id string) error {
		t, err := db.FindTransaction(r.db.WithContext(ctx), id)
		if err != nil {
			return err
		}
		if t.ReviewWindowEndsAt != nil && !now.Before(*t.ReviewWindowEndsAt) &&
			permission.Allowed(t.Status, domain.RoleSystem, domain.ActionRelease) {
			_, err := r.escrow.Release(ctx, id, domain.SystemCaller)
			return err
		}
		released := 0
		for _, m := range t.Milestones {
			if m.Released || m.ReviewWindowEndsAt == nil || now.Before(*m.ReviewWindowEndsAt) {
				continue
			}
			if _, err := r.escrow.ReleaseMilestone(ctx, id, m.Index, domain.SystemCaller); err != nil {
				return err
			}
			released++
		}
		if released == 0 {
			return &domain.AlreadyProcessedError{Action: domain.ActionReleaseMilestone, Status: t.Status}
		}
		return nil
	})
}

// Payouts schedules payouts for deals released at least PayoutHold ago, then confirms
// scheduled payouts with the processor
func (r *Runner) Payouts(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.opts.PayoutHold)
	due, err := db.InStatus(r.db.WithContext(ctx),
		permission.StatusesAllowing(domain.RoleSystem, domain.ActionSchedulePayout), &cutoff, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	scheduled, schedErr := each(ctx, JobPayouts, due, func(ctx context.Context, id string) error {
		_, err := r.escrow.SchedulePayout(ctx, id)
		return err
	})

	pending, err := db.InStatus(r.db.WithContext(ctx),
		permission.StatusesAllowing(domain.RoleSystem, domain.ActionConfirmPayout), nil, r.opts.BatchSize)
	if err != nil {
		return scheduled, errors.Join(schedErr, err)
	}
	confirmed, confirmErr := each(ctx, JobPayouts, pending, func(ctx context.Context, id string) error {
		before, err := db.FindTransaction(r.db.WithContext(ctx), id)
		if err != nil {
			return err
		}
		t, err := r.escrow.ConfirmPayout(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == before.Status {
			return &domain.AlreadyProcessedError{Action: domain.ActionConfirmPayout, Status: t.Status} // Still pending
		}
		return nil
	})
	return scheduled + confirmed, errors.Join(schedErr, confirmErr)
}

// Reconcile re-issues flagged external calls and reports the remaining backlog
func (r *Runner) Reconcile(ctx context.Context) (int, error) {
	ids, err := db.NeedsReconcile(r.db.WithContext(ctx), r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	metrics.SetReconcilePending(len(ids))
	n, err := each(ctx, JobReconcile, ids, func(ctx context.Context, id string) error {
		t, err := r.escrow.Reconcile(ctx, id)
		if err != nil {
			return err
		}
		if t.ReconcileAction != "" {
			return &domain.AlreadyProcessedError{Action: domain.Action(t.ReconcileAction), Status: t.Status}
		}
		return nil
	})
	metrics.SetReconcilePending(len(ids) - n)
	return n, err
}

// cronLogger routes scheduler logs through logrus
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}
