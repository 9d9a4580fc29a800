package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   *config.EnforcementConfigHolder
	Repo     domain.Repository
	Projects projectdomain.Service
	Usage    usagedomain.Service
	AuditSvc auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      *config.EnforcementConfigHolder
	repo     domain.Repository
	projects projectdomain.Service
	usage    usagedomain.Service
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("anomaly.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		repo:     p.Repo,
		projects: p.Projects,
		usage:    p.Usage,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

func (s *Service) Scan(ctx context.Context, projectID snowflake.ID, now time.Time) ([]domain.Anomaly, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	now = now.UTC()
	cfg := s.cfg.Get().Anomaly

	var found []domain.Anomaly

	rollups, err := s.usage.ListRollups(ctx, projectID, now.AddDate(0, 0, -cfg.HistoryDays), now)
	if err != nil {
		return nil, err
	}
	day := usagedomain.Day(now)
	for _, sp := range detectSpikes(rollups, now, cfg) {
		candidate := &domain.Anomaly{
			ProjectID:       projectID,
			Reason:          domain.ReasonUsageSpike,
			WindowKey:       sp.EventType + "@" + day,
			Severity:        domain.SeverityHigh,
			SuggestedAction: domain.ActionInvestigateUsage,
			Details: datatypes.JSONMap{
				"recentQuantity":    sp.Recent,
				"historicalAverage": sp.HistoricalAverage,
				"multiplier":        cfg.SpikeMultiplier,
				"eventType":         sp.EventType,
			},
		}
		if ok, err := s.record(ctx, candidate, now); err != nil {
			return found, err
		} else if ok {
			found = append(found, *candidate)
		}
	}

	if cfg.RepeatedWarningThreshold > 0 && cfg.RepeatedWarningWindow > 0 {
		var lastUpgrade *time.Time
		upgrade, err := s.auditSvc.LatestAction(ctx, projectID, auditdomain.ActionPlanUpgrade)
		if err != nil {
			return found, err
		}
		if upgrade != nil {
			at := upgrade.CreatedAt.UTC()
			lastUpgrade = &at
		}
		since := warningWindow(now, cfg.RepeatedWarningWindow, lastUpgrade)
		count, err := s.auditSvc.CountSince(ctx, projectID, []string{auditdomain.ActionQuotaBlock, auditdomain.ActionQuotaWarning}, since)
		if err != nil {
			return found, err
		}
		if count > int64(cfg.RepeatedWarningThreshold) {
			candidate := &domain.Anomaly{
				ProjectID:       projectID,
				Reason:          domain.ReasonRepeatedQuotaPressure,
				WindowKey:       windowKey(now, cfg.RepeatedWarningWindow),
				Severity:        domain.SeverityMedium,
				SuggestedAction: domain.ActionUpgradePlan,
				Details: datatypes.JSONMap{
					"count":       count,
					"threshold":   cfg.RepeatedWarningThreshold,
					"windowStart": since.Format(time.RFC3339),
				},
			}
			if ok, err := s.record(ctx, candidate, now); err != nil {
				return found, err
			} else if ok {
				found = append(found, *candidate)
			}
		}
	}
	return found, nil
}

// ScanAll walks every project in id order. A failing project does not stop the walk.
func (s *Service) ScanAll(ctx context.Context, now time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	var (
		after    snowflake.ID
		detected int
		errs     []error
	)
	for {
		ids, err := s.projects.ListIDs(ctx, after, batch)
		if err != nil {
			return detected, err
		}
		for _, id := range ids {
			found, err := s.Scan(ctx, id, now)
			detected += len(found)
			if err != nil {
				errs = append(errs, fmt.Errorf("project %s: %w", id, err))
			}
		}
		if len(ids) < batch || ctx.Err() != nil {
			break
		}
		after = ids[len(ids)-1]
	}
	return detected, errors.Join(errs...)
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.ProjectID == 0 {
		return domain.ListResponse{}, domain.ErrInvalidProject
	}
	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		return domain.ListResponse{}, err
	}

	var cursor *domain.Cursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		detectedAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.Cursor{ID: id, DetectedAt: detectedAt.UTC()}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, req.ProjectID, cursor, pageSize)
	if err != nil {
		return domain.ListResponse{}, err
	}
	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *domain.Anomaly) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.DetectedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	resp := domain.ListResponse{Anomalies: make([]domain.Anomaly, 0, len(items))}
	for _, item := range items {
		if item != nil {
			resp.Anomalies = append(resp.Anomalies, *item)
		}
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) record(ctx context.Context, candidate *domain.Anomaly, now time.Time) (bool, error) {
	candidate.ID = s.genID.Generate()
	candidate.DetectedAt = now
	inserted, err := s.repo.InsertIfAbsent(ctx, s.db, candidate)
	if err != nil || !inserted {
		return false, err
	}

	s.metrics.RecordAnomaly(ctx, string(candidate.Reason), string(candidate.Severity))
	id := candidate.ID.String()
	_ = s.auditSvc.AuditLog(ctx, &candidate.ProjectID, "", nil, auditdomain.ActionAnomalyDetected, "anomaly", &id, map[string]any{
		"reason":     string(candidate.Reason),
		"severity":   string(candidate.Severity),
		"window_key": candidate.WindowKey,
	})
	s.log.Info("anomaly detected",
		zap.String("project_id", candidate.ProjectID.String()),
		zap.String("reason", string(candidate.Reason)),
		zap.String("window_key", candidate.WindowKey),
	)
	return true, nil
}
