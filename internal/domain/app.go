package domain

import "time"

// App 代表租户内的一个可部署单元，由 (OrganizationID, Slug) 唯一标识。
// 身份字段创建后不可修改；删除为软删除，软删除后对编排核心而言等同于不存在。
type App struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	TeamID         *int64     `json:"team_id,omitempty"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	RepoURL        string     `json:"repo_url,omitempty"`
	CreatedBy      *int64     `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

func (a *App) IsDeleted() bool {
	return a.DeletedAt != nil
}
