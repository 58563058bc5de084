package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/academy"
	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/logger"
)

// SystemActor is recorded as recordedBy on automatic writes.
const SystemActor = "system"

const defaultRecordAttempts = 5

// AutoAttendance marks every enrolled client present in yesterday's
// sessions that staff never recorded. Running it twice for the same day
// writes nothing the second time.
type AutoAttendance struct {
	Store       docstore.Store
	Calendar    calendar.Calendar
	Logger      logrus.FieldLogger
	MaxAttempts int // commits per session before giving up; 0 = 5
}

func (j *AutoAttendance) Name() string { return "autoAttendance" }

// ProcessBranch records the partition's sessions of Calendar.Yesterday().
func (j *AutoAttendance) ProcessBranch(ctx context.Context, p docstore.Partition) (Outcome, error) {
	return j.ProcessDate(ctx, p, j.Calendar.Yesterday())
}

// ProcessDate records the partition's unrecorded sessions dated date.
func (j *AutoAttendance) ProcessDate(ctx context.Context, p docstore.Partition, date calendar.Date) (Outcome, error) {
	log := logger.Or(j.Logger).WithFields(logrus.Fields{
		"component": "autoAttendance",
		"tenant":    p.TenantID,
		"branch":    p.BranchID,
		"date":      date.String(),
	})
	dir := &academy.Directory{Store: j.Store}

	sessions, err := dir.SessionsOn(ctx, p, date)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	var errs []error
	for _, s := range sessions {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		sessionLog := log.WithField("session", s.ID)

		switch {
		case s.State.IsRecorded():
			out.Skipped++
			continue
		case s.ClassID == "":
			sessionLog.Warn("session has no classId, skipping")
			out.Skipped++
			continue
		}

		recorded, err := j.recordSession(ctx, p, dir, s)
		switch {
		case err != nil:
			out.Failed++
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			logger.LogError(sessionLog, "jobs", "AutoAttendance", "record session", s.ClassID, err)
		case !recorded:
			sessionLog.Info("session recorded by staff while processing, skipping")
			out.Skipped++
		default:
			out.Processed++
		}
	}

	if out.Processed > 0 || out.Failed > 0 {
		log.WithFields(logrus.Fields{
			"processed": out.Processed,
			"skipped":   out.Skipped,
			"failed":    out.Failed,
		}).Info("auto attendance done")
	}
	return out, errors.Join(errs...)
}

// recordSession commits the automatic snapshot. A version conflict re-reads
// the session: it reports false when someone recorded it in between,
// otherwise the snapshot is rebuilt and committed again.
func (j *AutoAttendance) recordSession(ctx context.Context, p docstore.Partition, dir *academy.Directory, s academy.Session) (bool, error) {
	attempts := j.MaxAttempts
	if attempts <= 0 {
		attempts = defaultRecordAttempts
	}
	for attempt := 1; ; attempt++ {
		entries, err := dir.AutoEntries(ctx, p, s)
		if err != nil {
			return false, err
		}
		sw := academy.SnapshotWrite{
			Session:    s,
			Entries:    entries,
			Auto:       true,
			RecordedBy: SystemActor,
			At:         j.Calendar.Instant(),
		}
		writes, err := sw.Writes(p)
		if err != nil {
			return false, err
		}
		err = j.Store.Commit(ctx, writes...)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return false, err
		}
		if attempt >= attempts {
			return false, fmt.Errorf("session kept changing after %d attempts: %w", attempts, err)
		}

		s, err = dir.Session(ctx, p, s.ID)
		if err != nil {
			return false, err
		}
		if s.State.IsRecorded() {
			return false, nil
		}
	}
}
