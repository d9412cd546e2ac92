package repository

import (
	"context"
	"errors"

	"github.com/paastel-io/paastel/internal/port"
	"gorm.io/gorm"
)

var _ port.OrganizationRepository = (*OrganizationRepo)(nil)

// OrganizationRepo 只负责单机部署时引导默认组织，组织管理本身在外部完成。
type OrganizationRepo struct {
	db *gorm.DB
}

func NewOrganizationRepo(db *gorm.DB) *OrganizationRepo {
	return &OrganizationRepo{db: db}
}

func (r *OrganizationRepo) Ensure(ctx context.Context, slug, name string) (int64, error) {
	var m OrganizationModel
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&m).Error
	if err == nil {
		return m.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	m = OrganizationModel{Slug: slug, Name: name}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueConstraintError(err) {
			// 并发引导时另一方已创建。
			if err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&m).Error; err != nil {
				return 0, err
			}
			return m.ID, nil
		}
		return 0, err
	}
	return m.ID, nil
}
