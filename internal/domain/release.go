package domain

import "time"

// ReleaseStatus 是 Release 的制品状态。built / failed 之后不可再变。
type ReleaseStatus string

const (
	ReleaseStatusPending ReleaseStatus = "pending"
	ReleaseStatusBuilt   ReleaseStatus = "built"
	ReleaseStatusFailed  ReleaseStatus = "failed"
)

func (s ReleaseStatus) IsFinal() bool {
	return s == ReleaseStatusBuilt || s == ReleaseStatusFailed
}

func (s ReleaseStatus) Valid() bool {
	return s == ReleaseStatusPending || s.IsFinal()
}

// Release 代表一个 App 的不可变版本化制品。
// 唯一约束：AppID + Version。被 Deploy 引用期间不可删除。
type Release struct {
	ID        int64         `json:"id"`
	AppID     int64         `json:"app_id"`
	Version   string        `json:"version"`
	Source    SourceRef     `json:"source"`
	ImageRef  string        `json:"image_ref,omitempty"`
	Status    ReleaseStatus `json:"status"`
	CreatedBy *int64        `json:"created_by,omitempty"`
	Changelog string        `json:"changelog,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Deployable 判断 Release 是否可以被部署：必须已 built 且带有镜像。
func (r *Release) Deployable() bool {
	return r.Status == ReleaseStatusBuilt && r.ImageRef != ""
}
