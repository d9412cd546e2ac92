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

var _ port.BuildRepository = (*BuildRepo)(nil)

type BuildRepo struct {
	db *gorm.DB
}

func NewBuildRepo(db *gorm.DB) *BuildRepo {
	return &BuildRepo{db: db}
}

func (r *BuildRepo) CreateWithSteps(ctx context.Context, job *domain.BuildJob, steps []*domain.BuildStep) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jm := buildToModel(job)
		if err := tx.Create(jm).Error; err != nil {
			if isForeignKeyError(err) {
				return domain.ErrAppNotFound
			}
			return err
		}
		job.ID = jm.ID
		job.CreatedAt = jm.CreatedAt

		for _, s := range steps {
			s.BuildID = jm.ID
			sm := stepToModel(s)
			if err := tx.Create(sm).Error; err != nil {
				if isUniqueConstraintError(err) {
					return fmt.Errorf("%w: duplicate step position %d", domain.ErrInvalidInput, s.Position)
				}
				return err
			}
			s.ID = sm.ID
			s.CreatedAt = sm.CreatedAt
		}
		return nil
	})
}

func (r *BuildRepo) FindByID(ctx context.Context, id int64) (*domain.BuildJob, error) {
	var m BuildJobModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBuildNotFound
		}
		return nil, result.Error
	}
	return modelToBuild(&m), nil
}

func (r *BuildRepo) ListRecentByApp(ctx context.Context, appID int64, limit int) ([]*domain.BuildJob, error) {
	query := r.db.WithContext(ctx).Where("app_id = ?", appID).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []BuildJobModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	builds := make([]*domain.BuildJob, 0, len(models))
	for i := range models {
		builds = append(builds, modelToBuild(&models[i]))
	}
	return builds, nil
}

func (r *BuildRepo) ListSteps(ctx context.Context, buildID int64) ([]*domain.BuildStep, error) {
	var models []BuildStepModel
	if err := r.db.WithContext(ctx).Where("build_id = ?", buildID).Order("position").Find(&models).Error; err != nil {
		return nil, err
	}
	steps := make([]*domain.BuildStep, 0, len(models))
	for i := range models {
		steps = append(steps, modelToStep(&models[i]))
	}
	return steps, nil
}

func (r *BuildRepo) TransitionJob(ctx context.Context, id int64, from, to domain.BuildStatus, upd port.JobUpdate) error {
	if err := domain.CheckBuildTransition(from, to); err != nil {
		return err
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	updates := map[string]any{"status": string(to)}
	if to == domain.BuildStatusRunning {
		updates["started_at"] = at
		updates["heartbeat_at"] = at
	}
	if to.IsTerminal() {
		updates["finished_at"] = at
	}
	setIfNotEmpty(updates, "error_message", upd.ErrorMessage)
	setIfNotEmpty(updates, "image_ref", upd.ImageRef)
	setIfNotEmpty(updates, "runner_type", upd.Runner.Type)
	setIfNotEmpty(updates, "runner_name", upd.Runner.Name)
	setIfNotEmpty(updates, "pipeline_url", upd.PipelineURL)
	setIfNotEmpty(updates, "logs_url", upd.LogsURL)

	result := r.db.WithContext(ctx).Model(&BuildJobModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.staleOrMissing(r.db.WithContext(ctx), id)
	}
	return nil
}

func (r *BuildRepo) TransitionStep(ctx context.Context, stepID int64, from, to domain.BuildStatus, upd port.StepUpdate) error {
	if err := domain.CheckBuildTransition(from, to); err != nil {
		return err
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step BuildStepModel
		if err := tx.First(&step, "id = ?", stepID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrStepNotFound
			}
			return err
		}

		updates := map[string]any{"status": string(to)}
		if to == domain.BuildStatusRunning {
			var job BuildJobModel
			if err := tx.Select("status").First(&job, "id = ?", step.BuildID).Error; err != nil {
				return err
			}
			if job.Status != string(domain.BuildStatusRunning) {
				return fmt.Errorf("build %d is %s: %w", step.BuildID, job.Status, domain.ErrStaleState)
			}
			var blocking int64
			if err := tx.Model(&BuildStepModel{}).
				Where("build_id = ? AND position < ? AND status IN ?", step.BuildID, step.Position,
					[]string{string(domain.BuildStatusPending), string(domain.BuildStatusRunning)}).
				Count(&blocking).Error; err != nil {
				return err
			}
			if blocking > 0 {
				return fmt.Errorf("step %q at position %d: %w", step.Name, step.Position, domain.ErrStepOutOfOrder)
			}
			updates["started_at"] = at
		}
		if to.IsTerminal() {
			updates["finished_at"] = at
		}
		setIfNotEmpty(updates, "error_message", upd.ErrorMessage)
		setIfNotEmpty(updates, "logs_url", upd.LogsURL)

		result := tx.Model(&BuildStepModel{}).
			Where("id = ? AND status = ?", stepID, string(from)).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("step %d is %s, expected %s: %w", stepID, step.Status, from, domain.ErrStaleState)
		}
		return nil
	})
}

// FailOrphan 在一个事务里把 running 的构建置为 failed 并一并解决它的步骤，
// 任何一步写入失败都整体回滚，下一轮对账仍能看到这个 running 构建。
func (r *BuildRepo) FailOrphan(ctx context.Context, buildID int64, message string, abandonPending bool) error {
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&BuildJobModel{}).
			Where("id = ? AND status = ?", buildID, string(domain.BuildStatusRunning)).
			Updates(map[string]any{
				"status":        string(domain.BuildStatusFailed),
				"finished_at":   now,
				"error_message": message,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.staleOrMissing(tx, buildID)
		}

		if err := tx.Model(&BuildStepModel{}).
			Where("build_id = ? AND status = ?", buildID, string(domain.BuildStatusRunning)).
			Updates(map[string]any{
				"status":        string(domain.BuildStatusFailed),
				"finished_at":   now,
				"error_message": message,
			}).Error; err != nil {
			return err
		}
		if !abandonPending {
			return nil
		}
		return tx.Model(&BuildStepModel{}).
			Where("build_id = ? AND status = ?", buildID, string(domain.BuildStatusPending)).
			Updates(map[string]any{
				"status":        string(domain.BuildStatusCanceled),
				"finished_at":   now,
				"error_message": domain.AbandonedStepMessage,
			}).Error
	})
}

func (r *BuildRepo) Heartbeat(ctx context.Context, id int64, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&BuildJobModel{}).
		Where("id = ? AND status = ?", id, string(domain.BuildStatusRunning)).
		Update("heartbeat_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.staleOrMissing(r.db.WithContext(ctx), id)
	}
	return nil
}

func (r *BuildRepo) FindStaleRunning(ctx context.Context, before time.Time) ([]*domain.BuildJob, error) {
	var models []BuildJobModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND COALESCE(heartbeat_at, started_at, created_at) < ?", string(domain.BuildStatusRunning), before).
		Order("id").
		Find(&models).Error; err != nil {
		return nil, err
	}
	builds := make([]*domain.BuildJob, 0, len(models))
	for i := range models {
		builds = append(builds, modelToBuild(&models[i]))
	}
	return builds, nil
}

func (r *BuildRepo) staleOrMissing(db *gorm.DB, id int64) error {
	var count int64
	if err := db.Model(&BuildJobModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrBuildNotFound
	}
	return fmt.Errorf("build %d: %w", id, domain.ErrStaleState)
}

func setIfNotEmpty(updates map[string]any, column, value string) {
	if value != "" {
		updates[column] = value
	}
}

func buildToModel(b *domain.BuildJob) *BuildJobModel {
	return &BuildJobModel{
		ID:           b.ID,
		AppID:        b.AppID,
		ReleaseID:    b.ReleaseID,
		Status:       string(b.Status),
		TriggerType:  string(b.Trigger),
		TriggeredBy:  b.TriggeredBy,
		CommitSHA:    b.Source.CommitSHA,
		Branch:       b.Source.Branch,
		Tag:          b.Source.Tag,
		ImageRef:     b.ImageRef,
		RunnerType:   b.Runner.Type,
		RunnerName:   b.Runner.Name,
		LogsURL:      b.LogsURL,
		PipelineURL:  b.PipelineURL,
		ErrorMessage: b.ErrorMessage,
		CreatedAt:    b.CreatedAt,
		StartedAt:    b.StartedAt,
		FinishedAt:   b.FinishedAt,
		HeartbeatAt:  b.HeartbeatAt,
	}
}

func modelToBuild(m *BuildJobModel) *domain.BuildJob {
	return &domain.BuildJob{
		ID:           m.ID,
		AppID:        m.AppID,
		ReleaseID:    m.ReleaseID,
		Status:       domain.BuildStatus(m.Status),
		Trigger:      domain.BuildTrigger(m.TriggerType),
		TriggeredBy:  m.TriggeredBy,
		Source:       domain.SourceRef{CommitSHA: m.CommitSHA, Branch: m.Branch, Tag: m.Tag},
		ImageRef:     m.ImageRef,
		Runner:       domain.Runner{Type: m.RunnerType, Name: m.RunnerName},
		LogsURL:      m.LogsURL,
		PipelineURL:  m.PipelineURL,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
		HeartbeatAt:  m.HeartbeatAt,
	}
}

func stepToModel(s *domain.BuildStep) *BuildStepModel {
	return &BuildStepModel{
		ID:           s.ID,
		BuildID:      s.BuildID,
		Position:     s.Position,
		Name:         s.Name,
		Status:       string(s.Status),
		LogsURL:      s.LogsURL,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
}

func modelToStep(m *BuildStepModel) *domain.BuildStep {
	return &domain.BuildStep{
		ID:           m.ID,
		BuildID:      m.BuildID,
		Position:     m.Position,
		Name:         m.Name,
		Status:       domain.BuildStatus(m.Status),
		LogsURL:      m.LogsURL,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
}
