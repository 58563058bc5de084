/*
Package academy models the operational records the scheduled jobs and the
attendance RPCs work on: clients, sessions, enrollments and client
contracts, all stored under tenants/{t}/branches/{b}.

KEY CONCEPTS:
  Session:
    One occurrence of a class on a calendar date. Its attendance snapshot
    is written once, either by staff (manual) or by the nightly pass
    (auto). RecordingState says which.

  RecordingState:
    Decided once, when the document is read:
      attendanceRecorded == true                     -> Recorded
      flag absent, snapshot non-empty or presentCount -> RecordedLegacy
      anything else                                  -> Unrecorded
    Sessions written before the flag existed are RecordedLegacy and must
    not be touched by the nightly pass.

  Enrollment:
    Who is expected at a class. Read-only here.

SEE ALSO:
  - attendance.go: the single writer of session snapshots
  - jobs/attendance.go: nightly pass
*/
package academy

import (
	"time"

	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/docstore"
)

// AutoJustification marks entries written by the nightly pass.
const AutoJustification = "Asistencia registrada automáticamente por el sistema"

// =============================================================================
// ATTENDANCE
// =============================================================================

type AttendanceStatus string

const (
	Present   AttendanceStatus = "present"
	Absent    AttendanceStatus = "absent"
	Late      AttendanceStatus = "late"
	Justified AttendanceStatus = "justified"
)

// Valid reports whether s is a known status.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case Present, Absent, Late, Justified:
		return true
	}
	return false
}

// Attended counts towards presentCount.
func (s AttendanceStatus) Attended() bool { return s == Present || s == Late }

type EntryType string

const (
	EntryAuto   EntryType = "auto"
	EntryManual EntryType = "manual"
	EntryAdHoc  EntryType = "adhoc"
)

// AttendanceEntry is one client's line in a session snapshot.
type AttendanceEntry struct {
	ClientID      string           `json:"clientId"`
	Name          string           `json:"name"`
	Photo         string           `json:"photo"`
	EnrollmentID  string           `json:"enrollmentId,omitempty"`
	Status        AttendanceStatus `json:"status"`
	Type          EntryType        `json:"type"`
	Justification string           `json:"justification,omitempty"`
}

// AttendanceRecord is a client's own attendance history document,
// clients/{c}/attendance/{sessionId}.
type AttendanceRecord struct {
	SessionID     string           `json:"sessionId"`
	ClassID       string           `json:"classId"`
	ActivityID    string           `json:"activityId,omitempty"`
	SessionDate   calendar.Date    `json:"sessionDate"`
	Status        AttendanceStatus `json:"status"`
	Type          EntryType        `json:"type"`
	Justification string           `json:"justification,omitempty"`
	RecordedBy    string           `json:"recordedBy,omitempty"`
	RecordedAt    time.Time        `json:"recordedAt"`
}

// =============================================================================
// SESSION
// =============================================================================

type RecordingState int

const (
	Unrecorded RecordingState = iota
	Recorded
	RecordedLegacy
)

func (s RecordingState) String() string {
	switch s {
	case Recorded:
		return "recorded"
	case RecordedLegacy:
		return "recorded-legacy"
	}
	return "unrecorded"
}

// IsRecorded is true for both recorded states.
func (s RecordingState) IsRecorded() bool { return s != Unrecorded }

// Session is a decoded session document.
type Session struct {
	ID         string
	ClassID    string
	ActivityID string
	Date       calendar.Date
	StartTime  string
	EndTime    string
	Capacity   int // 0 = unlimited
	State      RecordingState
	Auto       bool // snapshot written by the nightly pass
	Snapshot   []AttendanceEntry
	AdHoc      []AttendanceEntry // participants added before the snapshot exists
	Path       docstore.Path
	Version    int64
}

// RecordingStateOf resolves the tri-state from a raw session document.
func RecordingStateOf(data docstore.Data) RecordingState {
	if flag, present := data.Bool("attendanceRecorded"); present {
		if flag {
			return Recorded
		}
		return Unrecorded
	}
	if len(data.List("attendanceSnapshot")) > 0 || data.Int("presentCount") > 0 {
		return RecordedLegacy
	}
	return Unrecorded
}

// SessionOf decodes a session document. A missing or unreadable date
// leaves Date zero.
func SessionOf(doc docstore.Document) Session {
	d := doc.Data
	s := Session{
		ID:         doc.Path.ID(),
		ClassID:    d.Text("classId"),
		ActivityID: d.Text("activityId"),
		StartTime:  d.Text("startTime"),
		EndTime:    d.Text("endTime"),
		Capacity:   d.Int("capacity"),
		State:      RecordingStateOf(d),
		Snapshot:   entriesOf(d.List("attendanceSnapshot")),
		AdHoc:      entriesOf(d.List("adHocParticipants")),
		Path:       doc.Path,
		Version:    doc.Version,
	}
	s.Auto, _ = d.Bool("autoProcessed")
	if date, err := calendar.Parse(d.Text("sessionDate"), nil); err == nil {
		s.Date = date
	}
	return s
}

func entriesOf(list []any) []AttendanceEntry {
	entries := make([]AttendanceEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		data := docstore.Data(m)
		entries = append(entries, AttendanceEntry{
			ClientID:      data.Text("clientId"),
			Name:          data.Text("name"),
			Photo:         data.Text("photo"),
			EnrollmentID:  data.Text("enrollmentId"),
			Status:        AttendanceStatus(data.Text("status")),
			Type:          EntryType(data.Text("type")),
			Justification: data.Text("justification"),
		})
	}
	return entries
}

// Has reports whether the snapshot (or ad-hoc list) already lists clientID.
func (s Session) Has(clientID string) bool {
	for _, list := range [][]AttendanceEntry{s.Snapshot, s.AdHoc} {
		for _, e := range list {
			if e.ClientID == clientID {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// ENROLLMENT / CLIENT / CONTRACT
// =============================================================================

const StatusActive = "active"

type Enrollment struct {
	ID          string
	ClientID    string
	ClassID     string
	Status      string
	ClientName  string
	ClientPhoto string
}

func EnrollmentOf(doc docstore.Document) Enrollment {
	d := doc.Data
	return Enrollment{
		ID:          doc.Path.ID(),
		ClientID:    d.Text("clientId"),
		ClassID:     d.Text("classId"),
		Status:      d.Text("status"),
		ClientName:  firstNonEmpty(d.Text("clientName"), d.Text("name")),
		ClientPhoto: firstNonEmpty(d.Text("clientPhoto"), d.Text("photo")),
	}
}

// Client holds the display fields the jobs denormalize.
type Client struct {
	ID    string
	Name  string
	Photo string
}

func ClientOf(doc docstore.Document) Client {
	d := doc.Data
	name := d.Text("name")
	if name == "" {
		name = joinName(d.Text("firstName"), d.Text("lastName"))
	}
	return Client{
		ID:    doc.Path.ID(),
		Name:  name,
		Photo: firstNonEmpty(d.Text("photo"), d.Text("photoURL"), d.Text("photoUrl")),
	}
}

type ClientContract struct {
	ID            string
	ClientID      string
	ContractID    string
	Status        string
	StartDate     calendar.Date
	EndDate       calendar.Date
	ClientName    string
	ClientPhoto   string
	ContractTitle string
}

func ClientContractOf(doc docstore.Document) ClientContract {
	d := doc.Data
	cc := ClientContract{
		ID:            doc.Path.ID(),
		ClientID:      d.Text("clientId"),
		ContractID:    d.Text("contractId"),
		Status:        d.Text("status"),
		ClientName:    firstNonEmpty(d.Text("clientName"), d.Text("name")),
		ClientPhoto:   firstNonEmpty(d.Text("clientPhoto"), d.Text("photo")),
		ContractTitle: firstNonEmpty(d.Text("contractTitle"), d.Text("contractName")),
	}
	cc.StartDate, _ = calendar.Parse(d.Text("startDate"), nil)
	cc.EndDate, _ = calendar.Parse(d.Text("endDate"), nil)
	return cc
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}
