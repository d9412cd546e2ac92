package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
	"gorm.io/gorm"
)

var _ port.DeployRepository = (*DeployRepo)(nil)

type DeployRepo struct {
	db *gorm.DB
}

func NewDeployRepo(db *gorm.DB) *DeployRepo {
	return &DeployRepo{db: db}
}

func (r *DeployRepo) Create(ctx context.Context, d *domain.Deploy) error {
	m := deployToModel(d)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if isForeignKeyError(err) {
			return domain.ErrReleaseNotFound
		}
		return err
	}
	d.ID = m.ID
	d.CreatedAt = m.CreatedAt
	return nil
}

func (r *DeployRepo) FindByID(ctx context.Context, id int64) (*domain.Deploy, error) {
	var m DeployModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDeployNotFound
		}
		return nil, result.Error
	}
	return modelToDeploy(&m), nil
}

func (r *DeployRepo) Transition(ctx context.Context, id int64, from, to domain.DeployStatus, upd port.DeployUpdate) error {
	if err := domain.CheckDeployTransition(from, to); err != nil {
		return err
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	updates := map[string]any{"status": string(to)}
	if to == domain.DeployStatusRunning {
		updates["started_at"] = at
		updates["heartbeat_at"] = at
	}
	if to.IsTerminal() {
		updates["finished_at"] = at
	}
	setIfNotEmpty(updates, "error_message", upd.ErrorMessage)
	setIfNotEmpty(updates, "runner_name", upd.RunnerName)
	setIfNotEmpty(updates, "pipeline_url", upd.PipelineURL)
	setIfNotEmpty(updates, "logs_url", upd.LogsURL)

	result := r.db.WithContext(ctx).Model(&DeployModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.staleOrMissing(ctx, id)
	}
	return nil
}

func (r *DeployRepo) Heartbeat(ctx context.Context, id int64, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&DeployModel{}).
		Where("id = ? AND status = ?", id, string(domain.DeployStatusRunning)).
		Update("heartbeat_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.staleOrMissing(ctx, id)
	}
	return nil
}

func (r *DeployRepo) ListByAppEnv(ctx context.Context, appID int64, env string, limit int) ([]*domain.Deploy, error) {
	query := r.db.WithContext(ctx).Where("app_id = ?", appID)
	if env != "" {
		query = query.Where("environment = ?", env)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []DeployModel
	if err := query.Order("id desc").Find(&models).Error; err != nil {
		return nil, err
	}
	return modelsToDeploys(models), nil
}

func (r *DeployRepo) ListByRelease(ctx context.Context, releaseID int64) ([]*domain.Deploy, error) {
	var models []DeployModel
	if err := r.db.WithContext(ctx).Where("release_id = ?", releaseID).Order("id desc").Find(&models).Error; err != nil {
		return nil, err
	}
	return modelsToDeploys(models), nil
}

func (r *DeployRepo) FindStaleRunning(ctx context.Context, before time.Time) ([]*domain.Deploy, error) {
	var models []DeployModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND COALESCE(heartbeat_at, started_at, created_at) < ?", string(domain.DeployStatusRunning), before).
		Order("id").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return modelsToDeploys(models), nil
}

func (r *DeployRepo) staleOrMissing(ctx context.Context, id int64) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&DeployModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrDeployNotFound
	}
	return fmt.Errorf("deploy %d: %w", id, domain.ErrStaleState)
}

func modelsToDeploys(models []DeployModel) []*domain.Deploy {
	deploys := make([]*domain.Deploy, 0, len(models))
	for i := range models {
		deploys = append(deploys, modelToDeploy(&models[i]))
	}
	return deploys
}

func deployToModel(d *domain.Deploy) *DeployModel {
	return &DeployModel{
		ID:            d.ID,
		AppID:         d.AppID,
		ReleaseID:     d.ReleaseID,
		Environment:   d.Environment,
		Status:        string(d.Status),
		TriggeredBy:   d.TriggeredBy,
		TargetCluster: d.Target.Cluster,
		TargetRegion:  d.Target.Region,
		RunnerName:    d.RunnerName,
		PipelineURL:   d.PipelineURL,
		LogsURL:       d.LogsURL,
		ErrorMessage:  d.ErrorMessage,
		CreatedAt:     d.CreatedAt,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
		HeartbeatAt:   d.HeartbeatAt,
	}
}

func modelToDeploy(m *DeployModel) *domain.Deploy {
	return &domain.Deploy{
		ID:           m.ID,
		AppID:        m.AppID,
		ReleaseID:    m.ReleaseID,
		Environment:  m.Environment,
		Status:       domain.DeployStatus(m.Status),
		TriggeredBy:  m.TriggeredBy,
		Target:       domain.DeployTarget{Cluster: m.TargetCluster, Region: m.TargetRegion},
		RunnerName:   m.RunnerName,
		PipelineURL:  m.PipelineURL,
		LogsURL:      m.LogsURL,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
		HeartbeatAt:  m.HeartbeatAt,
	}
}
