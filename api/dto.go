/*
dto.go - Request and response bodies of the RPC endpoints

PURPOSE:
  Defines the JSON structures for API communication. Every request body
  names its partition with idTenant and idBranch.

VALIDATION:
  Struct tags are checked with go-playground/validator before a handler
  runs. Field errors use the JSON name, so a missing idTenant is reported
  as {"code":"invalid-argument","field":"idTenant"}. Domain rules (amount
  greater than zero, session capacity) stay in the services.

SEE ALSO:
  - handlers.go: Uses these types
  - academy, ledger: the domain types returned in responses
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/academy-ledger/academy"
	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/docstore"
)

// =============================================================================
// REQUESTS
// =============================================================================

// PartitionRequest is embedded in every RPC body.
type PartitionRequest struct {
	TenantID string `json:"idTenant" validate:"required"`
	BranchID string `json:"idBranch" validate:"required"`
}

func (p PartitionRequest) Partition() docstore.Partition {
	return docstore.Partition{TenantID: p.TenantID, BranchID: p.BranchID}
}

type RecordAttendanceRequest struct {
	PartitionRequest
	SessionID     string `json:"sessionId" validate:"required"`
	ClientID      string `json:"clientId" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=present absent late justified"`
	Justification string `json:"justification"`
}

type AttendanceEntryRequest struct {
	ClientID      string `json:"clientId" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=present absent late justified"`
	Justification string `json:"justification"`
}

type SaveSessionAttendanceRequest struct {
	PartitionRequest
	SessionID string                   `json:"sessionId" validate:"required"`
	Entries   []AttendanceEntryRequest `json:"entries" validate:"dive"`
}

type AddParticipantRequest struct {
	PartitionRequest
	SessionID string `json:"sessionId" validate:"required"`
	ClientID  string `json:"clientId" validate:"required"`
}

// CreateReceivableRequest carries the raw receivable; the ledger builder
// normalizes it.
type CreateReceivableRequest struct {
	PartitionRequest
	Receivable map[string]any `json:"receivable" validate:"required"`
}

type PreviewPaymentRequest struct {
	PartitionRequest
	ClientID string          `json:"clientId" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

type ApplyPaymentRequest struct {
	PartitionRequest
	ClientID    string          `json:"clientId" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Method      string          `json:"method"`
	Date        string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Description string          `json:"description"`
}

type NextSequenceRequest struct {
	PartitionRequest
	Key string `json:"key" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// SessionDTO is a session after an attendance write.
type SessionDTO struct {
	ID                 string                    `json:"id"`
	ClassID            string                    `json:"classId"`
	SessionDate        calendar.Date             `json:"sessionDate"`
	AttendanceRecorded bool                      `json:"attendanceRecorded"`
	Snapshot           []academy.AttendanceEntry `json:"attendanceSnapshot"`
	AdHocParticipants  []academy.AttendanceEntry `json:"adHocParticipants"`
	PresentCount       int                       `json:"presentCount"`
	AbsentCount        int                       `json:"absentCount"`
}

func toSessionDTO(s academy.Session) SessionDTO {
	dto := SessionDTO{
		ID:                 s.ID,
		ClassID:            s.ClassID,
		SessionDate:        s.Date,
		AttendanceRecorded: s.State.IsRecorded(),
		Snapshot:           s.Snapshot,
		AdHocParticipants:  s.AdHoc,
	}
	if dto.Snapshot == nil {
		dto.Snapshot = []academy.AttendanceEntry{}
	}
	if dto.AdHocParticipants == nil {
		dto.AdHocParticipants = []academy.AttendanceEntry{}
	}
	for _, e := range s.Snapshot {
		if e.Status.Attended() {
			dto.PresentCount++
		} else {
			dto.AbsentCount++
		}
	}
	return dto
}

type AddParticipantResponse struct {
	Added   bool       `json:"added"`
	Session SessionDTO `json:"session"`
}

type NextSequenceResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
