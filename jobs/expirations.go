package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/academy"
	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/logger"
)

// ExpirationsKind names the summary document the scanner owns.
const ExpirationsKind = "expirations"

// ExpirationItem is one contract in the expirations summary.
type ExpirationItem struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"clientId"`
	Name          string        `json:"name"`
	Photo         string        `json:"photo"`
	ContractTitle string        `json:"contractTitle"`
	EndDate       calendar.Date `json:"endDate"`
}

// ExpirationSummary is operationalSummary/expirations.
type ExpirationSummary struct {
	Kind      string           `json:"kind"`
	Date      calendar.Date    `json:"date"`
	Items     []ExpirationItem `json:"items"`
	Count     int              `json:"count"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ExpirationScanner rebuilds the list of active contracts ending today.
// The summary is overwritten on every run, so a day without expirations
// leaves an empty list.
type ExpirationScanner struct {
	Store    docstore.Store
	Calendar calendar.Calendar
	Logger   logrus.FieldLogger
}

func (j *ExpirationScanner) Name() string { return "contractExpirations" }

// SummaryPath is the partition's expirations summary document.
func SummaryPath(p docstore.Partition, kind string) docstore.Path {
	return p.Doc("operationalSummary", kind)
}

// ProcessBranch writes the partition's summary for Calendar.Today().
func (j *ExpirationScanner) ProcessBranch(ctx context.Context, p docstore.Partition) (Outcome, error) {
	summary, err := j.Scan(ctx, p, j.Calendar.Today())
	if err != nil {
		return Outcome{}, err
	}
	data, err := docstore.Encode(summary)
	if err != nil {
		return Outcome{}, err
	}
	if err := j.Store.Commit(ctx, docstore.Set(SummaryPath(p, ExpirationsKind), data)); err != nil {
		return Outcome{}, fmt.Errorf("write expirations summary: %w", err)
	}

	logger.Or(j.Logger).WithFields(logrus.Fields{
		"component": "expirations",
		"tenant":    p.TenantID,
		"branch":    p.BranchID,
		"date":      summary.Date.String(),
		"count":     summary.Count,
	}).Info("expirations summary written")
	return Outcome{Processed: summary.Count}, nil
}

// Scan builds the summary without writing it.
func (j *ExpirationScanner) Scan(ctx context.Context, p docstore.Partition, today calendar.Date) (ExpirationSummary, error) {
	dir := &academy.Directory{Store: j.Store}
	contracts, err := dir.ActiveContractsEnding(ctx, p, today)
	if err != nil {
		return ExpirationSummary{}, err
	}

	items := make([]ExpirationItem, 0, len(contracts))
	for _, cc := range contracts {
		item := ExpirationItem{
			ID:            cc.ID,
			ClientID:      cc.ClientID,
			Name:          cc.ClientName,
			Photo:         cc.ClientPhoto,
			ContractTitle: cc.ContractTitle,
			EndDate:       cc.EndDate,
		}
		title, err := dir.ContractTitle(ctx, p, cc.ContractID)
		if err != nil {
			return ExpirationSummary{}, err
		}
		if title != "" {
			item.ContractTitle = title
		}
		c, found, err := dir.Client(ctx, p, cc.ClientID)
		if err != nil {
			return ExpirationSummary{}, err
		}
		if found {
			if c.Name != "" {
				item.Name = c.Name
			}
			if c.Photo != "" {
				item.Photo = c.Photo
			}
		}
		items = append(items, item)
	}

	return ExpirationSummary{
		Kind:      ExpirationsKind,
		Date:      today,
		Items:     items,
		Count:     len(items),
		UpdatedAt: j.Calendar.Instant().UTC(),
	}, nil
}
