package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"github.com/smallbiznis/gatekeeper/internal/usage/liveevents"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       usagedomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	LiveEvents *liveevents.Hub     `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       usagedomain.Repository
	obsMetrics *obsmetrics.Metrics
	liveEvents *liveevents.Hub
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
		liveEvents: p.LiveEvents,
	}
}

// Record stores the event and bumps its daily rollup in one transaction. A replay
// of a known id or idempotency key returns the stored event and changes nothing.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (usagedomain.RecordResult, error) {
	if req.ProjectID == 0 {
		return usagedomain.RecordResult{}, usagedomain.ErrInvalidProject
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return usagedomain.RecordResult{}, usagedomain.ErrInvalidEventType
	}
	idempotencyKey, err := normalizeIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return usagedomain.RecordResult{}, err
	}

	now := s.clock.Now().UTC()
	occurredAt := req.OccurredAt.UTC()
	if req.OccurredAt.IsZero() {
		occurredAt = now
	}

	id := req.ID
	if id == 0 {
		id = s.genID.Generate()
	}
	event := &usagedomain.UsageEvent{
		ID:             id,
		ProjectID:      req.ProjectID,
		EventType:      eventType,
		OccurredAt:     occurredAt,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	if req.Metadata != nil {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	var inserted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.InsertEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		inserted = true
		return s.repo.UpsertRollup(ctx, tx, event)
	})
	if err != nil {
		return usagedomain.RecordResult{}, err
	}

	if !inserted {
		existing, err := s.repo.FindDuplicate(ctx, s.db, req.ProjectID, id, idempotencyKey)
		if err != nil {
			return usagedomain.RecordResult{}, err
		}
		if existing == nil {
			return usagedomain.RecordResult{}, usagedomain.ErrEventIDConflict
		}
		result, err := s.replay(ctx, req.ProjectID, existing)
		if err != nil {
			return usagedomain.RecordResult{}, err
		}
		return *result, nil
	}

	s.obsMetrics.RecordUsage(ctx, eventType, false)
	s.emitLiveUsageEvent(event, liveevents.StatusAccepted)
	return usagedomain.RecordResult{Event: *event}, nil
}

// LookupDuplicate is read-only: it lets the write path answer a retry before the
// event is admitted against quota a second time.
func (s *Service) LookupDuplicate(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.RecordResult, error) {
	if req.ProjectID == 0 {
		return nil, usagedomain.ErrInvalidProject
	}
	idempotencyKey, err := normalizeIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if req.ID == 0 && idempotencyKey == nil {
		return nil, nil
	}
	existing, err := s.repo.FindDuplicate(ctx, s.db, req.ProjectID, req.ID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return s.replay(ctx, req.ProjectID, existing)
}

func (s *Service) replay(ctx context.Context, projectID snowflake.ID, existing *usagedomain.UsageEvent) (*usagedomain.RecordResult, error) {
	if existing.ProjectID != projectID {
		return nil, usagedomain.ErrEventIDConflict
	}
	s.obsMetrics.RecordUsage(ctx, existing.EventType, true)
	s.emitLiveUsageEvent(existing, liveevents.StatusDeduplicated)
	s.log.Debug("duplicate usage event ignored",
		zap.String("project_id", projectID.String()),
		zap.String("event_id", existing.ID.String()),
	)
	return &usagedomain.RecordResult{Event: *existing, Duplicate: true}, nil
}

func (s *Service) ListRollups(ctx context.Context, projectID snowflake.ID, from, to time.Time) ([]usagedomain.UsageRollup, error) {
	if projectID == 0 {
		return nil, usagedomain.ErrInvalidProject
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, usagedomain.ErrInvalidTimeRange
	}
	return s.repo.ListRollups(ctx, s.db, projectID, usagedomain.Day(from), usagedomain.Day(to))
}

func (s *Service) ListEvents(ctx context.Context, req usagedomain.ListEventsRequest) (usagedomain.ListEventsResponse, error) {
	if req.ProjectID == 0 {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidProject
	}

	var cursor *usagedomain.EventCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidPageToken
		}
		cursor = &usagedomain.EventCursor{ID: id, CreatedAt: createdAt.UTC()}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.ListEvents(ctx, s.db, usagedomain.EventFilter{
		ProjectID: req.ProjectID,
		EventType: strings.TrimSpace(req.EventType),
		Cursor:    cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return usagedomain.ListEventsResponse{}, err
	}
	return buildUsageListResponse(items, int32(pageSize)), nil
}

func (s *Service) emitLiveUsageEvent(record *usagedomain.UsageEvent, status string) {
	if s.liveEvents == nil || record == nil {
		return
	}
	event := liveevents.LiveEvent{
		EventID:    record.ID.String(),
		ProjectID:  record.ProjectID.String(),
		EventType:  record.EventType,
		OccurredAt: record.OccurredAt.UTC().Format(time.RFC3339Nano),
		Status:     status,
		Source:     liveevents.SourceAPI,
	}
	if record.IdempotencyKey != nil {
		event.IdempotencyKey = *record.IdempotencyKey
	}
	s.liveEvents.Publish(event.ProjectID, event)
}

func normalizeIdempotencyKey(key *string) (*string, error) {
	if key == nil {
		return nil, nil
	}
	value := strings.TrimSpace(*key)
	if value == "" {
		return nil, usagedomain.ErrInvalidIdempotencyKey
	}
	return &value, nil
}

func buildUsageListResponse(items []*usagedomain.UsageEvent, pageSize int32) usagedomain.ListEventsResponse {
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := usagedomain.ListEventsResponse{UsageEvents: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp
}
