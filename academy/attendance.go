package academy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/logger"
)

const defaultAttendanceAttempts = 5

// =============================================================================
// SNAPSHOT WRITES - shared by the RPCs and the nightly pass
// =============================================================================

// SnapshotWrite describes one recording of a session's attendance.
type SnapshotWrite struct {
	Session    Session
	Entries    []AttendanceEntry // one per client
	Changed    []string          // clients whose record is rewritten; nil = all
	Auto       bool
	RecordedBy string
	At         time.Time
}

// Writes returns the batch for w: one merge per client attendance record
// plus a version-guarded update of the session. Committing the batch fails
// with docstore.ErrConflict if the session changed since it was read.
func (w SnapshotWrite) Writes(p docstore.Partition) ([]docstore.Write, error) {
	s := w.Session
	writes := make([]docstore.Write, 0, len(w.Entries)+1)
	present, absent := 0, 0
	for _, e := range w.Entries {
		if e.Status.Attended() {
			present++
		} else {
			absent++
		}
		if w.Changed != nil && !slices.Contains(w.Changed, e.ClientID) {
			continue
		}
		rec, err := docstore.Encode(w.record(e))
		if err != nil {
			return nil, err
		}
		writes = append(writes, docstore.Merge(clientAttendancePath(p, e.ClientID, s.ID), rec))
	}

	snapshot, err := encodeEntries(w.Entries)
	if err != nil {
		return nil, err
	}
	update := docstore.Data{
		"attendanceRecorded": true,
		"autoProcessed":      w.Auto,
		"attendanceSnapshot": snapshot,
		"adHocParticipants":  []any{},
		"presentCount":       present,
		"absentCount":        absent,
		"processedAt":        w.At.UTC().Format(time.RFC3339Nano),
	}
	if w.RecordedBy != "" {
		update["recordedBy"] = w.RecordedBy
	}
	writes = append(writes, docstore.Update(s.Path, s.Version, update))
	return writes, nil
}

func (w SnapshotWrite) record(e AttendanceEntry) AttendanceRecord {
	return AttendanceRecord{
		SessionID:     w.Session.ID,
		ClassID:       w.Session.ClassID,
		ActivityID:    w.Session.ActivityID,
		SessionDate:   w.Session.Date,
		Status:        e.Status,
		Type:          e.Type,
		Justification: e.Justification,
		RecordedBy:    w.RecordedBy,
		RecordedAt:    w.At.UTC(),
	}
}

func clientAttendancePath(p docstore.Partition, clientID, sessionID string) docstore.Path {
	return p.Doc("clients", clientID).Child("attendance", sessionID)
}

func encodeEntries(entries []AttendanceEntry) ([]any, error) {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := docstore.Encode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any(data))
	}
	return out, nil
}

// =============================================================================
// ATTENDANCE SERVICE - manual entry
// =============================================================================

// Attendance implements the staff-facing attendance operations. Every
// operation is a read, modify, version-guarded commit loop on the session.
type Attendance struct {
	Store       docstore.Store
	Calendar    calendar.Calendar
	Logger      logrus.FieldLogger
	MaxAttempts int
}

// RecordInput records one client's attendance for a session.
type RecordInput struct {
	SessionID     string
	ClientID      string
	Status        AttendanceStatus
	Justification string
	RecordedBy    string
}

// EntryInput is one line of a manual snapshot.
type EntryInput struct {
	ClientID      string
	Status        AttendanceStatus
	Justification string
}

// SnapshotInput replaces a session's whole snapshot.
type SnapshotInput struct {
	SessionID  string
	Entries    []EntryInput
	RecordedBy string
}

// ParticipantInput adds an ad-hoc participant to a session.
type ParticipantInput struct {
	SessionID  string
	ClientID   string
	RecordedBy string
}

func (a *Attendance) directory() *Directory { return &Directory{Store: a.Store} }

func (a *Attendance) log(p docstore.Partition, sessionID string) logrus.FieldLogger {
	return logger.Or(a.Logger).WithFields(logrus.Fields{
		"component": "attendance",
		"tenant":    p.TenantID,
		"branch":    p.BranchID,
		"session":   sessionID,
	})
}

// Record sets one client's entry in the session snapshot (adding it if
// absent) and writes the client's attendance record. The session counts as
// recorded by staff afterwards, so the nightly pass leaves it alone.
func (a *Attendance) Record(ctx context.Context, p docstore.Partition, in RecordInput) (Session, error) {
	if in.SessionID == "" {
		return Session{}, apperr.InvalidField("sessionId", "is required")
	}
	if in.ClientID == "" {
		return Session{}, apperr.InvalidField("clientId", "is required")
	}
	if !in.Status.Valid() {
		return Session{}, apperr.InvalidField("status", "unknown attendance status %q", in.Status)
	}

	var result Session
	err := a.retry(ctx, func() error {
		s, err := a.directory().Session(ctx, p, in.SessionID)
		if err != nil {
			return err
		}
		entry, err := a.entryFor(ctx, p, s, in.ClientID)
		if err != nil {
			return err
		}
		entry.Status = in.Status
		entry.Type = EntryManual
		entry.Justification = in.Justification

		entries := replaceEntry(s.Snapshot, entry)
		if s.State == Unrecorded {
			entries = mergeEntries(entries, s.AdHoc)
		}
		result, err = a.commitSnapshot(ctx, p, s, entries, in.RecordedBy, in.ClientID)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	a.log(p, in.SessionID).WithFields(logrus.Fields{"client": in.ClientID, "status": in.Status}).Info("attendance recorded")
	return result, nil
}

// SaveSnapshot replaces the session's snapshot with a manual one.
func (a *Attendance) SaveSnapshot(ctx context.Context, p docstore.Partition, in SnapshotInput) (Session, error) {
	if in.SessionID == "" {
		return Session{}, apperr.InvalidField("sessionId", "is required")
	}
	seen := make(map[string]bool, len(in.Entries))
	for i, e := range in.Entries {
		field := fmt.Sprintf("entries[%d]", i)
		if e.ClientID == "" {
			return Session{}, apperr.InvalidField(field+".clientId", "is required")
		}
		if seen[e.ClientID] {
			return Session{}, apperr.InvalidField(field+".clientId", "client %s listed twice", e.ClientID)
		}
		seen[e.ClientID] = true
		if !e.Status.Valid() {
			return Session{}, apperr.InvalidField(field+".status", "unknown attendance status %q", e.Status)
		}
	}

	var result Session
	err := a.retry(ctx, func() error {
		s, err := a.directory().Session(ctx, p, in.SessionID)
		if err != nil {
			return err
		}
		entries := make([]AttendanceEntry, 0, len(in.Entries))
		for _, e := range in.Entries {
			entry, err := a.entryFor(ctx, p, s, e.ClientID)
			if err != nil {
				return err
			}
			entry.Status = e.Status
			entry.Type = EntryManual
			entry.Justification = e.Justification
			entries = append(entries, entry)
		}
		result, err = a.commitSnapshot(ctx, p, s, entries, in.RecordedBy)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	a.log(p, in.SessionID).WithField("entries", len(in.Entries)).Info("attendance snapshot saved")
	return result, nil
}

// AddParticipant adds a client who is not enrolled in the class. Adding a
// client already listed is a no-op (added == false). A full session fails
// with failed-precondition.
//
// Before the snapshot exists the participant is kept in adHocParticipants
// and folded into the snapshot when it is recorded. Appending to a recorded
// snapshot keeps its autoProcessed flag.
func (a *Attendance) AddParticipant(ctx context.Context, p docstore.Partition, in ParticipantInput) (s Session, added bool, err error) {
	if in.SessionID == "" {
		return Session{}, false, apperr.InvalidField("sessionId", "is required")
	}
	if in.ClientID == "" {
		return Session{}, false, apperr.InvalidField("clientId", "is required")
	}

	err = a.retry(ctx, func() error {
		s, err = a.directory().Session(ctx, p, in.SessionID)
		if err != nil {
			return err
		}
		if s.Has(in.ClientID) {
			added = false
			return nil
		}

		occupied := len(s.Snapshot)
		if !s.State.IsRecorded() && s.ClassID != "" {
			enrolled, err := a.directory().ActiveEnrollments(ctx, p, s.ClassID)
			if err != nil {
				return err
			}
			occupied = len(uniqueClients(enrolled)) + len(s.AdHoc)
		}
		if s.Capacity > 0 && occupied >= s.Capacity {
			return apperr.New(apperr.CodeFailedPrecondition, "session %s is full (%d/%d)", s.ID, occupied, s.Capacity)
		}

		entry, err := a.entryFor(ctx, p, s, in.ClientID)
		if err != nil {
			return err
		}
		entry.Status = Present
		entry.Type = EntryAdHoc

		if s.State.IsRecorded() {
			s, err = a.commit(ctx, p, SnapshotWrite{
				Session:    s,
				Entries:    append(s.Snapshot, entry),
				Changed:    []string{in.ClientID},
				Auto:       s.Auto,
				RecordedBy: in.RecordedBy,
				At:         a.Calendar.Instant(),
			})
			added = err == nil
			return err
		}

		adHoc, err := encodeEntries(append(s.AdHoc, entry))
		if err != nil {
			return err
		}
		sw := SnapshotWrite{Session: s, RecordedBy: in.RecordedBy, At: a.Calendar.Instant()}
		rec, err := docstore.Encode(sw.record(entry))
		if err != nil {
			return err
		}
		err = a.Store.Commit(ctx,
			docstore.Merge(clientAttendancePath(p, in.ClientID, s.ID), rec),
			docstore.Update(s.Path, s.Version, docstore.Data{"adHocParticipants": adHoc}),
		)
		if err != nil {
			return err
		}
		s.AdHoc = append(s.AdHoc, entry)
		s.Version++
		added = true
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	if added {
		a.log(p, in.SessionID).WithField("client", in.ClientID).Info("participant added")
	}
	return s, added, nil
}

// commitSnapshot writes entries as the session's manual snapshot. changed
// limits which client records are rewritten; none given means all.
func (a *Attendance) commitSnapshot(ctx context.Context, p docstore.Partition, s Session, entries []AttendanceEntry, by string, changed ...string) (Session, error) {
	return a.commit(ctx, p, SnapshotWrite{Session: s, Entries: entries, Changed: changed, RecordedBy: by, At: a.Calendar.Instant()})
}

// commit applies sw and returns the session as written.
func (a *Attendance) commit(ctx context.Context, p docstore.Partition, sw SnapshotWrite) (Session, error) {
	writes, err := sw.Writes(p)
	if err != nil {
		return Session{}, err
	}
	if err := a.Store.Commit(ctx, writes...); err != nil {
		return Session{}, err
	}
	s := sw.Session
	s.Snapshot = sw.Entries
	s.AdHoc = nil
	s.State = Recorded
	s.Auto = sw.Auto
	s.Version++
	return s, nil
}

// entryFor starts an entry for clientID from the existing snapshot line or
// the client document. Unknown clients are rejected.
func (a *Attendance) entryFor(ctx context.Context, p docstore.Partition, s Session, clientID string) (AttendanceEntry, error) {
	for _, list := range [][]AttendanceEntry{s.Snapshot, s.AdHoc} {
		for _, e := range list {
			if e.ClientID == clientID {
				return e, nil
			}
		}
	}
	c, found, err := a.directory().Client(ctx, p, clientID)
	if err != nil {
		return AttendanceEntry{}, err
	}
	if !found {
		return AttendanceEntry{}, apperr.New(apperr.CodeNotFound, "client %s not found", clientID)
	}
	return AttendanceEntry{ClientID: c.ID, Name: c.Name, Photo: c.Photo}, nil
}

// retry runs op until it commits without a version conflict.
func (a *Attendance) retry(ctx context.Context, op func() error) error {
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttendanceAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return apperr.Wrap(apperr.CodeUnavailable, err, "session changed concurrently %d times", attempts)
}

// =============================================================================
// ENTRY LIST HELPERS
// =============================================================================

func replaceEntry(entries []AttendanceEntry, e AttendanceEntry) []AttendanceEntry {
	out := make([]AttendanceEntry, 0, len(entries)+1)
	replaced := false
	for _, cur := range entries {
		if cur.ClientID == e.ClientID {
			out = append(out, e)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, e)
	}
	return out
}

// mergeEntries appends extra entries whose client is not listed yet.
func mergeEntries(entries, extra []AttendanceEntry) []AttendanceEntry {
	for _, e := range extra {
		listed := false
		for _, cur := range entries {
			if cur.ClientID == e.ClientID {
				listed = true
				break
			}
		}
		if !listed {
			entries = append(entries, e)
		}
	}
	return entries
}

// uniqueClients keeps the first enrollment per client.
func uniqueClients(enrollments []Enrollment) []Enrollment {
	seen := make(map[string]bool, len(enrollments))
	out := make([]Enrollment, 0, len(enrollments))
	for _, e := range enrollments {
		if e.ClientID == "" || seen[e.ClientID] {
			continue
		}
		seen[e.ClientID] = true
		out = append(out, e)
	}
	return out
}

// AutoEntries builds the nightly snapshot: every actively enrolled client
// present, plus ad-hoc participants, one line per client. Display fields
// come from the client document, falling back to the enrollment.
func (d *Directory) AutoEntries(ctx context.Context, p docstore.Partition, s Session) ([]AttendanceEntry, error) {
	enrollments, err := d.ActiveEnrollments(ctx, p, s.ClassID)
	if err != nil {
		return nil, err
	}
	entries := make([]AttendanceEntry, 0, len(enrollments)+len(s.AdHoc))
	for _, e := range uniqueClients(enrollments) {
		c, found, err := d.Client(ctx, p, e.ClientID)
		if err != nil {
			return nil, err
		}
		name, photo := e.ClientName, e.ClientPhoto
		if found {
			name, photo = firstNonEmpty(c.Name, name), firstNonEmpty(c.Photo, photo)
		}
		entries = append(entries, AttendanceEntry{
			ClientID:      e.ClientID,
			Name:          name,
			Photo:         photo,
			EnrollmentID:  e.ID,
			Status:        Present,
			Type:          EntryAuto,
			Justification: AutoJustification,
		})
	}
	return mergeEntries(entries, s.AdHoc), nil
}
