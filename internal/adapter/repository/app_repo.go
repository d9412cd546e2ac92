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

var _ port.AppRepository = (*AppRepo)(nil)

type AppRepo struct {
	db *gorm.DB
}

func NewAppRepo(db *gorm.DB) *AppRepo {
	return &AppRepo{db: db}
}

func (r *AppRepo) Save(ctx context.Context, app *domain.App) error {
	m := appToModel(app)
	result := r.db.WithContext(ctx).Create(m)
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return domain.ErrSlugConflict
		}
		if isForeignKeyError(result.Error) {
			return fmt.Errorf("%w: organization %d or team does not exist", domain.ErrInvalidInput, app.OrganizationID)
		}
		return result.Error
	}
	app.ID = m.ID
	app.CreatedAt = m.CreatedAt
	app.UpdatedAt = m.UpdatedAt
	return nil
}

func (r *AppRepo) FindByID(ctx context.Context, id int64) (*domain.App, error) {
	var m AppModel
	result := r.db.WithContext(ctx).Where("deleted_at IS NULL").First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAppNotFound
		}
		return nil, result.Error
	}
	return modelToApp(&m), nil
}

func (r *AppRepo) FindBySlug(ctx context.Context, orgID int64, slug string) (*domain.App, error) {
	var m AppModel
	result := r.db.WithContext(ctx).
		Where("organization_id = ? AND slug = ? AND deleted_at IS NULL", orgID, slug).
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAppNotFound
		}
		return nil, result.Error
	}
	return modelToApp(&m), nil
}

func (r *AppRepo) FindAll(ctx context.Context, orgID int64) ([]*domain.App, error) {
	query := r.db.WithContext(ctx).Where("deleted_at IS NULL")
	if orgID != 0 {
		query = query.Where("organization_id = ?", orgID)
	}
	var models []AppModel
	if err := query.Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	apps := make([]*domain.App, 0, len(models))
	for i := range models {
		apps = append(apps, modelToApp(&models[i]))
	}
	return apps, nil
}

// SoftDelete 只设置 deleted_at，slug 唯一约束仍然占用。
func (r *AppRepo) SoftDelete(ctx context.Context, id int64) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&AppModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{"deleted_at": now, "updated_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAppNotFound
	}
	return nil
}

func appToModel(a *domain.App) *AppModel {
	return &AppModel{
		ID:             a.ID,
		OrganizationID: a.OrganizationID,
		TeamID:         a.TeamID,
		Name:           a.Name,
		Slug:           a.Slug,
		RepoURL:        a.RepoURL,
		CreatedBy:      a.CreatedBy,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		DeletedAt:      a.DeletedAt,
	}
}

func modelToApp(m *AppModel) *domain.App {
	return &domain.App{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		TeamID:         m.TeamID,
		Name:           m.Name,
		Slug:           m.Slug,
		RepoURL:        m.RepoURL,
		CreatedBy:      m.CreatedBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		DeletedAt:      m.DeletedAt,
	}
}
