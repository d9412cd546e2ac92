package repository

import "time"

// 表结构对应完整的平台 schema。身份、成员与密钥相关的表只建表不提供仓储，
// 由外部协作方读写；编排核心只操作 apps / build_* / releases / deploys。

type OrganizationModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:255;not null"`
	Slug      string `gorm:"size:63;not null;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (OrganizationModel) TableName() string { return "organizations" }

type UserModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Email        string `gorm:"size:255;not null;uniqueIndex"`
	Name         string `gorm:"size:255"`
	PasswordHash string `gorm:"size:255"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type OrganizationMembershipModel struct {
	ID             int64              `gorm:"primaryKey;autoIncrement"`
	OrganizationID int64              `gorm:"not null;uniqueIndex:idx_org_member"`
	Organization   *OrganizationModel `gorm:"constraint:OnDelete:CASCADE"`
	UserID         int64              `gorm:"not null;uniqueIndex:idx_org_member"`
	User           *UserModel         `gorm:"constraint:OnDelete:CASCADE"`
	Role           string             `gorm:"size:16;not null;check:chk_org_membership_role,role IN ('owner','admin','member')"`
	CreatedAt      time.Time
}

func (OrganizationMembershipModel) TableName() string { return "organization_memberships" }

type TeamModel struct {
	ID             int64              `gorm:"primaryKey;autoIncrement"`
	OrganizationID int64              `gorm:"not null;uniqueIndex:idx_team_org_slug"`
	Organization   *OrganizationModel `gorm:"constraint:OnDelete:CASCADE"`
	Name           string             `gorm:"size:255;not null"`
	Slug           string             `gorm:"size:63;not null;uniqueIndex:idx_team_org_slug"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (TeamModel) TableName() string { return "teams" }

type TeamMembershipModel struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	TeamID    int64      `gorm:"not null;uniqueIndex:idx_team_member"`
	Team      *TeamModel `gorm:"constraint:OnDelete:CASCADE"`
	UserID    int64      `gorm:"not null;uniqueIndex:idx_team_member"`
	User      *UserModel `gorm:"constraint:OnDelete:CASCADE"`
	Role      string     `gorm:"size:16;not null;check:chk_team_membership_role,role IN ('maintainer','member')"`
	CreatedAt time.Time
}

func (TeamMembershipModel) TableName() string { return "team_memberships" }

// AppModel 是 App 的数据库持久化模型。
type AppModel struct {
	ID             int64              `gorm:"primaryKey;autoIncrement"`
	OrganizationID int64              `gorm:"not null;uniqueIndex:idx_apps_org_slug"`
	Organization   *OrganizationModel `gorm:"constraint:OnDelete:RESTRICT"`
	TeamID         *int64             `gorm:"index"`
	Team           *TeamModel         `gorm:"constraint:OnDelete:SET NULL"`
	Name           string             `gorm:"size:255;not null"`
	Slug           string             `gorm:"size:63;not null;uniqueIndex:idx_apps_org_slug"`
	RepoURL        string             `gorm:"size:1024"`
	CreatedBy      *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time `gorm:"index"`
}

func (AppModel) TableName() string { return "apps" }

type AppMembershipModel struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	AppID     int64      `gorm:"not null;uniqueIndex:idx_app_member"`
	App       *AppModel  `gorm:"constraint:OnDelete:CASCADE"`
	UserID    int64      `gorm:"not null;uniqueIndex:idx_app_member"`
	User      *UserModel `gorm:"constraint:OnDelete:CASCADE"`
	Role      string     `gorm:"size:16;not null;check:chk_app_membership_role,role IN ('admin','deployer','viewer')"`
	CreatedAt time.Time
}

func (AppMembershipModel) TableName() string { return "app_memberships" }

// AppSecretModel 只存密文，加解密由密钥协作方负责。
type AppSecretModel struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	AppID          int64     `gorm:"not null;uniqueIndex:idx_app_secret_env_key"`
	App            *AppModel `gorm:"constraint:OnDelete:CASCADE"`
	Environment    string    `gorm:"size:63;not null;uniqueIndex:idx_app_secret_env_key"`
	Key            string    `gorm:"size:255;not null;uniqueIndex:idx_app_secret_env_key"`
	EncryptedValue []byte    `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (AppSecretModel) TableName() string { return "app_secrets" }

type ReleaseModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	AppID     int64     `gorm:"not null;uniqueIndex:idx_releases_app_version"`
	App       *AppModel `gorm:"constraint:OnDelete:CASCADE"`
	Version   string    `gorm:"size:128;not null;uniqueIndex:idx_releases_app_version"`
	CommitSHA string    `gorm:"size:64"`
	Branch    string    `gorm:"size:255"`
	Tag       string    `gorm:"size:255"`
	ImageRef  string    `gorm:"size:1024"`
	Status    string    `gorm:"size:16;not null;check:chk_releases_status,status IN ('pending','built','failed')"`
	CreatedBy *int64
	Changelog string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ReleaseModel) TableName() string { return "releases" }

type DeployModel struct {
	ID            int64         `gorm:"primaryKey;autoIncrement"`
	AppID         int64         `gorm:"not null;index:idx_deploys_app_env"`
	App           *AppModel     `gorm:"constraint:OnDelete:CASCADE"`
	ReleaseID     int64         `gorm:"not null;index"`
	Release       *ReleaseModel `gorm:"constraint:OnDelete:RESTRICT"`
	Environment   string        `gorm:"size:63;not null;index:idx_deploys_app_env"`
	Status        string        `gorm:"size:16;not null;index;check:chk_deploys_status,status IN ('pending','running','succeeded','failed','canceled')"`
	TriggeredBy   *int64
	TargetCluster string `gorm:"size:255"`
	TargetRegion  string `gorm:"size:255"`
	RunnerName    string `gorm:"size:255"`
	PipelineURL   string `gorm:"size:1024"`
	LogsURL       string `gorm:"size:1024"`
	ErrorMessage  string `gorm:"type:text"`
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	HeartbeatAt   *time.Time
}

func (DeployModel) TableName() string { return "deploys" }

// BuildJobModel 是 BuildJob 的数据库持久化模型。
type BuildJobModel struct {
	ID           int64         `gorm:"primaryKey;autoIncrement"`
	AppID        int64         `gorm:"not null;index"`
	App          *AppModel     `gorm:"constraint:OnDelete:CASCADE"`
	ReleaseID    *int64        `gorm:"index"`
	Release      *ReleaseModel `gorm:"constraint:OnDelete:SET NULL"`
	Status       string        `gorm:"size:16;not null;index;check:chk_build_jobs_status,status IN ('pending','running','succeeded','failed','canceled')"`
	TriggerType  string        `gorm:"size:16;not null;check:chk_build_jobs_trigger,trigger_type IN ('manual','git_push','api')"`
	TriggeredBy  *int64
	CommitSHA    string `gorm:"size:64"`
	Branch       string `gorm:"size:255"`
	Tag          string `gorm:"size:255"`
	ImageRef     string `gorm:"size:1024"`
	RunnerType   string `gorm:"size:32"`
	RunnerName   string `gorm:"size:255"`
	LogsURL      string `gorm:"size:1024"`
	PipelineURL  string `gorm:"size:1024"`
	ErrorMessage string `gorm:"type:text"`
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	HeartbeatAt  *time.Time
}

func (BuildJobModel) TableName() string { return "build_jobs" }

type BuildStepModel struct {
	ID           int64          `gorm:"primaryKey;autoIncrement"`
	BuildID      int64          `gorm:"not null;uniqueIndex:idx_build_steps_position"`
	Build        *BuildJobModel `gorm:"constraint:OnDelete:CASCADE"`
	Position     int            `gorm:"not null;uniqueIndex:idx_build_steps_position;check:chk_build_steps_position,position > 0"`
	Name         string         `gorm:"size:128;not null"`
	Status       string         `gorm:"size:16;not null;check:chk_build_steps_status,status IN ('pending','running','succeeded','failed','canceled')"`
	LogsURL      string         `gorm:"size:1024"`
	ErrorMessage string         `gorm:"type:text"`
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

func (BuildStepModel) TableName() string { return "build_steps" }

type BuildLogModel struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	BuildID    int64           `gorm:"not null;uniqueIndex:idx_build_logs_chunk"`
	Build      *BuildJobModel  `gorm:"constraint:OnDelete:CASCADE"`
	StepID     *int64          `gorm:"uniqueIndex:idx_build_logs_chunk"`
	Step       *BuildStepModel `gorm:"constraint:OnDelete:CASCADE"`
	ChunkIndex int             `gorm:"not null;uniqueIndex:idx_build_logs_chunk;check:chk_build_logs_index,chunk_index >= 0"`
	Content    string          `gorm:"type:text;not null"`
	CreatedAt  time.Time
}

func (BuildLogModel) TableName() string { return "build_logs" }
