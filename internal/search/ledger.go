package search

import (
	"context"
	"strings"

	"baseline/api/internal/store"
)

type ledgerReader interface {
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]store.ChangeRequest, error)
}

// LedgerScan searches the change request ledger directly in the store. It is
// the fallback when Meilisearch is not configured or unhealthy.
type LedgerScan struct {
	store ledgerReader
}

func NewLedgerScan(st ledgerReader) *LedgerScan {
	return &LedgerScan{store: st}
}

// Healthy is always true: if the store is down the whole app is down.
func (l *LedgerScan) Healthy() bool {
	return true
}

func (l *LedgerScan) Search(q Query) ([]Result, int, error) {
	return l.SearchContext(context.Background(), q)
}

func (l *LedgerScan) SearchContext(ctx context.Context, q Query) ([]Result, int, error) {
	requests, err := l.store.ListRequests(ctx, store.RequestFilter{ProjectID: q.ProjectID, Status: q.Status})
	if err != nil {
		return nil, 0, err
	}
	terms := strings.Fields(strings.ToLower(q.Text))
	matched := make([]Result, 0)
	for _, request := range requests {
		if matchesAll(request, terms) {
			matched = append(matched, resultFromRequest(request))
		}
	}

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 || offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func matchesAll(r store.ChangeRequest, terms []string) bool {
	haystack := strings.ToLower(strings.Join([]string{
		r.Field, r.FieldLabel, r.OldValue, r.NewValue, r.Justification,
		r.ApproverComments, r.RequestedBy, r.ApprovedBy,
	}, " "))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
