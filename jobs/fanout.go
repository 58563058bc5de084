/*
Package jobs holds the scheduled reconciliation passes and the driver that
runs them over every tenant/branch partition.

PURPOSE:
  Each pass is idempotent and partition-local: AutoAttendance records
  yesterday's untouched sessions, ExpirationScanner rebuilds today's
  expiring-contracts summary. FanOut runs a pass concurrently on every
  branch and collects a Report; Scheduler triggers passes on cron
  expressions and persists the reports under jobRuns/{id}.

KEY CONCEPTS:
  Outcome:
    What a pass did in one partition (processed / skipped / failed).
    A partition can return an Outcome and an error together: the error
    aggregates per-item failures that did not stop the pass.

  Isolation:
    A failing or panicking partition never cancels its siblings. The
    next scheduled run picks up whatever was left behind.

SEE ALSO:
  - academy/attendance.go: SnapshotWrite, shared with the manual RPCs
  - scheduler.go: cron triggers, redislock lease, run history
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/logger"
	"golang.org/x/sync/errgroup"
)

// RunsCollection holds persisted run reports.
const RunsCollection = docstore.Path("jobRuns")

// =============================================================================
// REPORT
// =============================================================================

// Outcome counts what a pass did in one partition.
type Outcome struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (o Outcome) add(other Outcome) Outcome {
	return Outcome{
		Processed: o.Processed + other.Processed,
		Skipped:   o.Skipped + other.Skipped,
		Failed:    o.Failed + other.Failed,
	}
}

// PartitionResult is one partition's line in a Report.
type PartitionResult struct {
	Partition  docstore.Partition `json:"partition"`
	Outcome    Outcome            `json:"outcome"`
	Error      string             `json:"error,omitempty"`
	DurationMS int64              `json:"durationMs"`
}

// Report is the structured result of one fan-out run.
type Report struct {
	ID         string            `json:"id"`
	Job        string            `json:"job"`
	Status     string            `json:"status"` // completed | partial | failed
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Totals     Outcome           `json:"totals"`
	Partitions []PartitionResult `json:"partitions"`
	Failures   int               `json:"failures"` // partitions that returned an error
	Error      string            `json:"error,omitempty"`
}

// Failed lists the partitions that returned an error.
func (r Report) Failed() []PartitionResult {
	var out []PartitionResult
	for _, pr := range r.Partitions {
		if pr.Error != "" {
			out = append(out, pr)
		}
	}
	return out
}

func (r *Report) finish() {
	r.Totals = Outcome{}
	r.Failures = 0
	for _, pr := range r.Partitions {
		r.Totals = r.Totals.add(pr.Outcome)
		if pr.Error != "" {
			r.Failures++
		}
	}
	switch {
	case r.Error != "":
		r.Status = "failed"
	case r.Failures > 0:
		r.Status = "partial"
	default:
		r.Status = "completed"
	}
}

// =============================================================================
// FAN-OUT
// =============================================================================

// PartitionFunc runs one pass over one partition.
type PartitionFunc func(ctx context.Context, p docstore.Partition) (Outcome, error)

// FanOut runs a PartitionFunc on every branch of every tenant.
type FanOut struct {
	Store  docstore.Store
	Logger logrus.FieldLogger
	Limit  int // concurrent partitions; 0 = one goroutine per partition

	Now   func() time.Time // defaults to time.Now
	NewID func() string    // defaults to uuid.NewString
}

func (f *FanOut) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *FanOut) newID() string {
	if f.NewID != nil {
		return f.NewID()
	}
	return uuid.NewString()
}

// Partitions lists every tenant/branch pair with a branch document.
func (f *FanOut) Partitions(ctx context.Context) ([]docstore.Partition, error) {
	docs, err := f.Store.Query(ctx, docstore.Group("branches"))
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	partitions := make([]docstore.Partition, 0, len(docs))
	for _, doc := range docs {
		if p, ok := docstore.PartitionOf(doc.Path); ok && doc.Path == p.Root() {
			partitions = append(partitions, p)
		}
	}
	return partitions, nil
}

// ForEachBranch runs fn on every partition concurrently and waits for all
// of them. The returned Report always describes the run; it carries Error
// only when the partitions could not be listed.
func (f *FanOut) ForEachBranch(ctx context.Context, job string, fn PartitionFunc) Report {
	log := logger.Or(f.Logger).WithField("job", job)
	report := Report{ID: f.newID(), Job: job, StartedAt: f.now().UTC()}

	partitions, err := f.Partitions(ctx)
	if err != nil {
		logger.LogError(log, "jobs", "ForEachBranch", "list partitions", nil, err)
		report.Error = err.Error()
		report.FinishedAt = f.now().UTC()
		report.finish()
		return report
	}

	results := make([]PartitionResult, len(partitions))
	var g errgroup.Group
	if f.Limit > 0 {
		g.SetLimit(f.Limit)
	}
	for i, p := range partitions {
		g.Go(func() error {
			results[i] = f.runPartition(ctx, log, p, fn)
			return nil
		})
	}
	_ = g.Wait()

	report.Partitions = results
	report.FinishedAt = f.now().UTC()
	report.finish()

	log.WithFields(logrus.Fields{
		"run":        report.ID,
		"partitions": len(results),
		"processed":  report.Totals.Processed,
		"skipped":    report.Totals.Skipped,
		"failed":     report.Totals.Failed,
		"failures":   report.Failures,
		"elapsed":    report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("job run finished")
	return report
}

func (f *FanOut) runPartition(ctx context.Context, log logrus.FieldLogger, p docstore.Partition, fn PartitionFunc) (result PartitionResult) {
	start := time.Now()
	result.Partition = p
	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("panic: %v", r)
			log.WithFields(logrus.Fields{
				"tenant": p.TenantID,
				"branch": p.BranchID,
				"stack":  string(debug.Stack()),
			}).Error(result.Error)
		}
		result.DurationMS = time.Since(start).Milliseconds()
	}()

	outcome, err := fn(ctx, p)
	result.Outcome = outcome
	if err != nil {
		result.Error = err.Error()
		logger.LogError(log.WithFields(logrus.Fields{"tenant": p.TenantID, "branch": p.BranchID}),
			"jobs", "ForEachBranch", "partition failed", outcome, err)
	}
	return result
}

// =============================================================================
// RUN HISTORY
// =============================================================================

// RunStore persists reports as jobRuns/{id} documents.
type RunStore struct {
	Store docstore.Store
}

// Save overwrites the report document.
func (s *RunStore) Save(ctx context.Context, r Report) error {
	data, err := docstore.Encode(r)
	if err != nil {
		return err
	}
	if err := s.Store.Commit(ctx, docstore.Set(RunsCollection.Child(r.ID), data)); err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// Get returns one persisted report.
func (s *RunStore) Get(ctx context.Context, id string) (Report, error) {
	doc, err := s.Store.Get(ctx, RunsCollection.Child(id))
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := docstore.Decode(doc.Data, &r); err != nil {
		return Report{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return r, nil
}

// List returns the latest reports, newest first, optionally for one job.
func (s *RunStore) List(ctx context.Context, job string, limit int) ([]Report, error) {
	q := docstore.In(RunsCollection)
	if job != "" {
		q.Filters = append(q.Filters, docstore.Where("job", docstore.OpEq, job))
	}
	q.OrderBy = "startedAt"
	docs, err := s.Store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	reports := make([]Report, 0, len(docs))
	var errs []error
	for i := len(docs) - 1; i >= 0; i-- {
		var r Report
		if err := docstore.Decode(docs[i].Data, &r); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", docs[i].Path, err))
			continue
		}
		reports = append(reports, r)
		if limit > 0 && len(reports) == limit {
			break
		}
	}
	return reports, errors.Join(errs...)
}
