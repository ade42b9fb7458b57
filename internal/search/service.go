package search

import (
	"context"
	"log/slog"

	"baseline/api/internal/events"
	"baseline/api/internal/store"
)

type meiliIndex interface {
	Searcher
	IndexRequest(RequestRecord) error
	IndexRequests([]RequestRecord) error
}

// Service tries Meilisearch first and falls back to scanning the ledger.
type Service struct {
	meili    meiliIndex
	fallback *LedgerScan
	logger   *slog.Logger
}

// NewService creates a search service. m may be nil when Meilisearch is not
// configured.
func NewService(m *Meili, fallback *LedgerScan, logger *slog.Logger) *Service {
	s := &Service{fallback: fallback, logger: logger}
	if m != nil {
		s.meili = m
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to ledger scan", "err", err)
	}

	results, total, err := s.fallback.SearchContext(ctx, q)
	if err != nil {
		s.logger.Error("ledger scan", "err", err)
		return Response{Results: []Result{}, Query: q.Text, Backend: "ledger"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "ledger"}
}

// IndexRequest upserts a request into Meilisearch. It is a no-op while the
// index is unavailable; ReindexAll catches up.
func (s *Service) IndexRequest(request store.ChangeRequest) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexRequest(RecordFromRequest(request)); err != nil {
		s.logger.Warn("index change request", "request_id", request.ID, "err", err)
	}
}

// Attach keeps the index current from workflow events.
func (s *Service) Attach(bus *events.Bus) {
	bus.SubscribeFunc(events.RequestCreated, func(evt events.Event) {
		if data, ok := evt.Data.(events.RequestCreatedEvent); ok {
			s.IndexRequest(data.Request)
		}
	})
	bus.SubscribeFunc(events.RequestDecided, func(evt events.Event) {
		if data, ok := evt.Data.(events.RequestDecidedEvent); ok {
			s.IndexRequest(data.Request)
		}
	})
}

// ReindexAll pushes every change request into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, st ledgerReader) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	requests, err := st.ListRequests(ctx, store.RequestFilter{})
	if err != nil {
		s.logger.Warn("reindex load failed", "err", err)
		return
	}
	records := make([]RequestRecord, 0, len(requests))
	for _, request := range requests {
		records = append(records, RecordFromRequest(request))
	}
	if err := s.meili.IndexRequests(records); err != nil {
		s.logger.Warn("reindex change requests", "err", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
