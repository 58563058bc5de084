/*
scheduler.go - Cron triggers for the reconciliation passes

PURPOSE:
  Runs each registered Job on its cron expression in the reference time
  zone, fans it out over every partition and persists the run Report.

DESIGN:
  - robfig/cron with a fixed location; overlapping runs of the same job
    in this process are skipped
  - When a redislock client is configured, a lease keyed by job and date
    keeps other replicas from running the same pass at the same time.
    The lease is best-effort: the passes are idempotent either way.
  - Every run gets Timeout; partitions not reached are picked up by the
    next run

USAGE:
  s := jobs.NewScheduler(fanout, runs, loc)
  s.Register("5 0 * * *", attendanceJob)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - fanout.go: ForEachBranch, Report, RunStore
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/logger"
)

const (
	defaultJobTimeout = 30 * time.Minute
	StatusSkipped     = "skipped"
)

// Job is one reconciliation pass.
type Job interface {
	Name() string
	ProcessBranch(ctx context.Context, p docstore.Partition) (Outcome, error)
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"nextRun,omitempty"`
	LastRun  time.Time `json:"lastRun,omitempty"`
}

type registration struct {
	job      Job
	schedule string
	entry    cron.EntryID
}

// Scheduler triggers jobs on cron expressions.
type Scheduler struct {
	FanOut   *FanOut
	Runs     *RunStore
	Locker   *redislock.Client // optional replica lease
	Location *time.Location
	Timeout  time.Duration
	Logger   logrus.FieldLogger
	Enabled  bool

	cron *cron.Cron
	jobs map[string]*registration
	mu   sync.Mutex
}

// NewScheduler creates an enabled scheduler with no jobs.
func NewScheduler(fanout *FanOut, runs *RunStore, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		FanOut:   fanout,
		Runs:     runs,
		Location: loc,
		Timeout:  defaultJobTimeout,
		Enabled:  true,
		jobs:     make(map[string]*registration),
	}
}

func (s *Scheduler) log() logrus.FieldLogger {
	return logger.Or(s.Logger).WithField("component", "scheduler")
}

func (s *Scheduler) cronInstance() *cron.Cron {
	if s.cron == nil {
		cl := cron.PrintfLogger(s.log())
		s.cron = cron.New(
			cron.WithLocation(s.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
	}
	return s.cron
}

// Register adds job on the standard five-field cron expression expr.
func (s *Scheduler) Register(expr string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	id, err := s.cronInstance().AddFunc(expr, func() {
		if _, err := s.run(context.Background(), job); err != nil {
			s.log().WithField("job", name).Warn(err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	s.jobs[name] = &registration{job: job, schedule: expr, entry: id}
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log().Info("disabled, not starting")
		return
	}
	s.cronInstance().Start()
	s.log().WithField("jobs", len(s.jobs)).Info("started")
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log().Info("stopped")
}

// Jobs lists registered jobs with their next trigger time.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, r := range s.jobs {
		info := JobInfo{Name: name, Schedule: r.schedule}
		if s.cron != nil {
			e := s.cron.Entry(r.entry)
			info.NextRun, info.LastRun = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow runs a registered job immediately (admin/testing).
func (s *Scheduler) RunNow(ctx context.Context, name string) (Report, error) {
	s.mu.Lock()
	r, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return Report{}, apperr.New(apperr.CodeNotFound, "unknown job %q", name)
	}
	return s.run(ctx, r.job)
}

// run executes one fan-out under the lease and persists its report.
func (s *Scheduler) run(ctx context.Context, job Job) (Report, error) {
	name := job.Name()
	log := s.log().WithField("job", name)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lease, err := s.obtainLease(ctx, name, timeout)
	if err != nil {
		return Report{Job: name, Status: StatusSkipped}, err
	}
	if lease != nil {
		defer func() {
			if err := lease.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warn("failed to release job lease: " + err.Error())
			}
		}()
	}

	log.Info("job run started")
	report := s.FanOut.ForEachBranch(ctx, name, job.ProcessBranch)

	if s.Runs != nil {
		// The run context may have expired; the report is still worth keeping.
		saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelSave()
		if err := s.Runs.Save(saveCtx, report); err != nil {
			logger.LogError(log, "jobs", "Scheduler.run", "save run report", report.ID, err)
		}
	}
	return report, nil
}

// obtainLease returns a nil lock when no locker is configured. Redis being
// unreachable does not stop the run.
func (s *Scheduler) obtainLease(ctx context.Context, job string, ttl time.Duration) (*redislock.Lock, error) {
	if s.Locker == nil {
		return nil, nil
	}
	key := fmt.Sprintf("lock:job:%s:%s", job, time.Now().In(s.Location).Format("2006-01-02"))
	lock, err := s.Locker.Obtain(ctx, key, ttl, nil)
	switch {
	case errors.Is(err, redislock.ErrNotObtained):
		return nil, apperr.New(apperr.CodeFailedPrecondition, "job %s is already running on another replica", job)
	case err != nil:
		s.log().WithField("job", job).Warn("error obtaining job lease; proceeding without it: " + err.Error())
		return nil, nil
	}
	return lock, nil
}
