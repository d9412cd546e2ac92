package service

import (
	"context"
	"log/slog"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

// ReleaseService 提供 Release 的查询与删除；创建只经由 BuildCoordinator。
type ReleaseService struct {
	appRepo     port.AppRepository
	releaseRepo port.ReleaseRepository
	authz       port.Authorizer
}

func NewReleaseService(appRepo port.AppRepository, releaseRepo port.ReleaseRepository, authz port.Authorizer) *ReleaseService {
	return &ReleaseService{appRepo: appRepo, releaseRepo: releaseRepo, authz: authz}
}

func (s *ReleaseService) GetRelease(ctx context.Context, id int64) (*domain.Release, error) {
	return s.releaseRepo.FindByID(ctx, id)
}

func (s *ReleaseService) GetReleaseByVersion(ctx context.Context, appID int64, version string) (*domain.Release, error) {
	return s.releaseRepo.FindByAppVersion(ctx, appID, version)
}

// ListReleases 按创建时间倒序返回。
func (s *ReleaseService) ListReleases(ctx context.Context, appID int64) ([]*domain.Release, error) {
	if _, err := s.appRepo.FindByID(ctx, appID); err != nil {
		return nil, err
	}
	return s.releaseRepo.ListByApp(ctx, appID)
}

// DeleteRelease 删除未被任何 Deploy 引用的 Release。
func (s *ReleaseService) DeleteRelease(ctx context.Context, id int64, actor *int64) error {
	release, err := s.releaseRepo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := authorize(ctx, s.authz, actor, release.AppID, port.ActionRelease); err != nil {
		return err
	}
	if err := s.releaseRepo.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("release deleted", "release_id", id, "app_id", release.AppID, "version", release.Version)
	return nil
}
