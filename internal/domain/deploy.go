package domain

import "time"

// DeployStatus 是 Deploy 的状态机枚举，取值与 BuildStatus 相同但独立演进。
type DeployStatus string

const (
	DeployStatusPending   DeployStatus = "pending"
	DeployStatusRunning   DeployStatus = "running"
	DeployStatusSucceeded DeployStatus = "succeeded"
	DeployStatusFailed    DeployStatus = "failed"
	DeployStatusCanceled  DeployStatus = "canceled"
)

func (s DeployStatus) IsTerminal() bool {
	return s == DeployStatusSucceeded || s == DeployStatusFailed || s == DeployStatusCanceled
}

func (s DeployStatus) Valid() bool {
	switch s {
	case DeployStatusPending, DeployStatusRunning, DeployStatusSucceeded, DeployStatusFailed, DeployStatusCanceled:
		return true
	}
	return false
}

// DeployTarget 是部署的目标集群与区域，均可为空（由后端决定默认值）。
type DeployTarget struct {
	Cluster string `json:"target_cluster,omitempty"`
	Region  string `json:"target_region,omitempty"`
}

// Deploy 代表一次将 Release 放入 (App, environment) 的尝试。
type Deploy struct {
	ID           int64        `json:"id"`
	AppID        int64        `json:"app_id"`
	ReleaseID    int64        `json:"release_id"`
	Environment  string       `json:"environment"`
	Status       DeployStatus `json:"status"`
	TriggeredBy  *int64       `json:"triggered_by,omitempty"`
	Target       DeployTarget `json:"target"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	HeartbeatAt  *time.Time   `json:"heartbeat_at,omitempty"`
	RunnerName   string       `json:"runner_name,omitempty"`
	PipelineURL  string       `json:"pipeline_url,omitempty"`
	LogsURL      string       `json:"logs_url,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

func (d *Deploy) CanCancel() bool {
	return d.Status == DeployStatusPending || d.Status == DeployStatusRunning
}
