package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

// activeScanLimit 是删除前检查在途构建时扫描的最近记录数。
const activeScanLimit = 500

type AppService struct {
	appRepo    port.AppRepository
	buildRepo  port.BuildRepository
	deployRepo port.DeployRepository
	authz      port.Authorizer
	defaultOrg int64
}

func NewAppService(appRepo port.AppRepository, buildRepo port.BuildRepository, deployRepo port.DeployRepository, authz port.Authorizer, defaultOrg int64) *AppService {
	return &AppService{
		appRepo:    appRepo,
		buildRepo:  buildRepo,
		deployRepo: deployRepo,
		authz:      authz,
		defaultOrg: defaultOrg,
	}
}

type CreateAppRequest struct {
	OrganizationID int64  `json:"organization_id"`
	TeamID         *int64 `json:"team_id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	RepoURL        string `json:"repo_url"`
	CreatedBy      *int64 `json:"-"`
}

func (s *AppService) CreateApp(ctx context.Context, req CreateAppRequest) (*domain.App, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidInput)
	}
	if req.Slug == "" {
		req.Slug = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(req.Name), " ", "-"))
	}
	if err := domain.ValidateSlug(req.Slug); err != nil {
		return nil, err
	}
	if err := domain.ValidateRepoURL(req.RepoURL); err != nil {
		return nil, err
	}
	if req.OrganizationID == 0 {
		req.OrganizationID = s.defaultOrg
	}
	app := &domain.App{
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
		Name:           req.Name,
		Slug:           req.Slug,
		RepoURL:        req.RepoURL,
		CreatedBy:      req.CreatedBy,
	}
	if err := s.appRepo.Save(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *AppService) GetApp(ctx context.Context, id int64) (*domain.App, error) {
	return s.appRepo.FindByID(ctx, id)
}

// GetAppBySlug 在默认组织内按 slug 查找。
func (s *AppService) GetAppBySlug(ctx context.Context, slug string) (*domain.App, error) {
	return s.appRepo.FindBySlug(ctx, s.defaultOrg, slug)
}

func (s *AppService) ListApps(ctx context.Context, orgID int64) ([]*domain.App, error) {
	return s.appRepo.FindAll(ctx, orgID)
}

// DeleteApp 软删除 App。仍有未结束的构建或部署时拒绝。
func (s *AppService) DeleteApp(ctx context.Context, id int64, actor *int64) error {
	if _, err := s.appRepo.FindByID(ctx, id); err != nil {
		return err
	}
	if err := authorize(ctx, s.authz, actor, id, port.ActionAdmin); err != nil {
		return err
	}
	builds, err := s.buildRepo.ListRecentByApp(ctx, id, activeScanLimit)
	if err != nil {
		return err
	}
	for _, b := range builds {
		if !b.Status.IsTerminal() {
			return fmt.Errorf("build %d is %s: %w", b.ID, b.Status, domain.ErrCannotDelete)
		}
	}
	deploys, err := s.deployRepo.ListByAppEnv(ctx, id, "", activeScanLimit)
	if err != nil {
		return err
	}
	for _, d := range deploys {
		if !d.Status.IsTerminal() {
			return fmt.Errorf("deploy %d is %s: %w", d.ID, d.Status, domain.ErrCannotDelete)
		}
	}
	return s.appRepo.SoftDelete(ctx, id)
}
