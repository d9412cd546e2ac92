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

var _ port.ReleaseRepository = (*ReleaseRepo)(nil)

type ReleaseRepo struct {
	db *gorm.DB
}

func NewReleaseRepo(db *gorm.DB) *ReleaseRepo {
	return &ReleaseRepo{db: db}
}

func (r *ReleaseRepo) CreateForBuild(ctx context.Context, release *domain.Release, buildID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var build BuildJobModel
		if err := tx.First(&build, "id = ?", buildID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrBuildNotFound
			}
			return err
		}
		if build.Status != string(domain.BuildStatusSucceeded) {
			return fmt.Errorf("build %d is %s: %w", buildID, build.Status, domain.ErrReleaseNotReady)
		}
		if build.ReleaseID != nil {
			return fmt.Errorf("build %d already produced release %d: %w", buildID, *build.ReleaseID, domain.ErrAlreadyExists)
		}

		m := releaseToModel(release)
		m.Status = string(domain.ReleaseStatusPending)
		if err := tx.Create(m).Error; err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%q for app %d: %w", release.Version, release.AppID, domain.ErrVersionConflict)
			}
			return err
		}

		result := tx.Model(&BuildJobModel{}).
			Where("id = ? AND release_id IS NULL", buildID).
			Update("release_id", m.ID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("build %d release link: %w", buildID, domain.ErrStaleState)
		}

		release.ID = m.ID
		release.Status = domain.ReleaseStatusPending
		release.CreatedAt = m.CreatedAt
		release.UpdatedAt = m.UpdatedAt
		return nil
	})
}

func (r *ReleaseRepo) Finalize(ctx context.Context, id int64, to domain.ReleaseStatus, imageRef string) error {
	if err := domain.CheckReleaseTransition(domain.ReleaseStatusPending, to); err != nil {
		return err
	}
	updates := map[string]any{"status": string(to), "updated_at": time.Now()}
	if imageRef != "" {
		updates["image_ref"] = imageRef
	}
	result := r.db.WithContext(ctx).Model(&ReleaseModel{}).
		Where("id = ? AND status = ?", id, string(domain.ReleaseStatusPending)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("release %d already finalized: %w", id, domain.ErrStaleState)
	}
	return nil
}

func (r *ReleaseRepo) FindByID(ctx context.Context, id int64) (*domain.Release, error) {
	var m ReleaseModel
	result := r.db.WithContext(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReleaseNotFound
		}
		return nil, result.Error
	}
	return modelToRelease(&m), nil
}

func (r *ReleaseRepo) FindByAppVersion(ctx context.Context, appID int64, version string) (*domain.Release, error) {
	var m ReleaseModel
	result := r.db.WithContext(ctx).Where("app_id = ? AND version = ?", appID, version).First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReleaseNotFound
		}
		return nil, result.Error
	}
	return modelToRelease(&m), nil
}

func (r *ReleaseRepo) ListByApp(ctx context.Context, appID int64) ([]*domain.Release, error) {
	var models []ReleaseModel
	if err := r.db.WithContext(ctx).Where("app_id = ?", appID).Order("id desc").Find(&models).Error; err != nil {
		return nil, err
	}
	releases := make([]*domain.Release, 0, len(models))
	for i := range models {
		releases = append(releases, modelToRelease(&models[i]))
	}
	return releases, nil
}

// Delete 先在事务内检查引用，外键 RESTRICT 兜底并发插入的 Deploy。
func (r *ReleaseRepo) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Model(&DeployModel{}).Where("release_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("release %d has %d deploys: %w", id, refs, domain.ErrReleaseInUse)
		}
		if err := tx.Model(&BuildJobModel{}).Where("release_id = ?", id).Update("release_id", nil).Error; err != nil {
			return err
		}
		result := tx.Delete(&ReleaseModel{}, "id = ?", id)
		if result.Error != nil {
			if isForeignKeyError(result.Error) {
				return domain.ErrReleaseInUse
			}
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrReleaseNotFound
		}
		return nil
	})
}

func releaseToModel(r *domain.Release) *ReleaseModel {
	return &ReleaseModel{
		ID:        r.ID,
		AppID:     r.AppID,
		Version:   r.Version,
		CommitSHA: r.Source.CommitSHA,
		Branch:    r.Source.Branch,
		Tag:       r.Source.Tag,
		ImageRef:  r.ImageRef,
		Status:    string(r.Status),
		CreatedBy: r.CreatedBy,
		Changelog: r.Changelog,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func modelToRelease(m *ReleaseModel) *domain.Release {
	return &domain.Release{
		ID:        m.ID,
		AppID:     m.AppID,
		Version:   m.Version,
		Source:    domain.SourceRef{CommitSHA: m.CommitSHA, Branch: m.Branch, Tag: m.Tag},
		ImageRef:  m.ImageRef,
		Status:    domain.ReleaseStatus(m.Status),
		CreatedBy: m.CreatedBy,
		Changelog: m.Changelog,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
