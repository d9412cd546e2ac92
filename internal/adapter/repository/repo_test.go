package repository

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedApp(t *testing.T, db *gorm.DB, slug string) *domain.App {
	t.Helper()
	ctx := context.Background()
	orgID, err := NewOrganizationRepo(db).Ensure(ctx, "acme", "Acme")
	require.NoError(t, err)
	app := &domain.App{OrganizationID: orgID, Name: slug, Slug: slug}
	require.NoError(t, NewAppRepo(db).Save(ctx, app))
	return app
}

func seedBuild(t *testing.T, db *gorm.DB, appID int64, names ...string) (*domain.BuildJob, []*domain.BuildStep) {
	t.Helper()
	steps, err := domain.NewBuildSteps(names)
	require.NoError(t, err)
	job := &domain.BuildJob{
		AppID:   appID,
		Status:  domain.BuildStatusPending,
		Trigger: domain.BuildTriggerManual,
		Source:  domain.SourceRef{Branch: "main"},
	}
	require.NoError(t, NewBuildRepo(db).CreateWithSteps(context.Background(), job, steps))
	return job, steps
}

// succeedBuild drives a build and all of its steps to succeeded.
func succeedBuild(t *testing.T, repo *BuildRepo, job *domain.BuildJob, steps []*domain.BuildStep) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.TransitionJob(ctx, job.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{}))
	for _, s := range steps {
		require.NoError(t, repo.TransitionStep(ctx, s.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{}))
		require.NoError(t, repo.TransitionStep(ctx, s.ID, domain.BuildStatusRunning, domain.BuildStatusSucceeded, port.StepUpdate{}))
	}
	require.NoError(t, repo.TransitionJob(ctx, job.ID, domain.BuildStatusRunning, domain.BuildStatusSucceeded, port.JobUpdate{}))
}

func TestAppRepo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewAppRepo(db)
	app := seedApp(t, db, "web")
	assert.NotZero(t, app.ID)

	dup := &domain.App{OrganizationID: app.OrganizationID, Name: "Web", Slug: "web"}
	assert.ErrorIs(t, repo.Save(ctx, dup), domain.ErrConflict)

	orphan := &domain.App{OrganizationID: 9999, Name: "x", Slug: "x1"}
	assert.ErrorIs(t, repo.Save(ctx, orphan), domain.ErrInvalidInput)

	got, err := repo.FindBySlug(ctx, app.OrganizationID, "web")
	require.NoError(t, err)
	assert.Equal(t, app.ID, got.ID)

	require.NoError(t, repo.SoftDelete(ctx, app.ID))
	_, err = repo.FindByID(ctx, app.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	all, err := repo.FindAll(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.ErrorIs(t, repo.SoftDelete(ctx, app.ID), domain.ErrAppNotFound)
}

func TestOrganizationRepo_EnsureIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewOrganizationRepo(db)
	a, err := repo.Ensure(context.Background(), "acme", "Acme")
	require.NoError(t, err)
	b, err := repo.Ensure(context.Background(), "acme", "Acme Again")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildRepo_CreateWithSteps(t *testing.T) {
	db := newTestDB(t)
	app := seedApp(t, db, "web")
	job, steps := seedBuild(t, db, app.ID, "fetch", "build", "test")
	repo := NewBuildRepo(db)

	got, err := repo.ListSteps(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, i+1, s.Position)
		assert.Equal(t, steps[i].ID, s.ID)
		assert.Equal(t, domain.BuildStatusPending, s.Status)
	}

	orphanSteps, err := domain.NewBuildSteps([]string{"a"})
	require.NoError(t, err)
	orphan := &domain.BuildJob{AppID: 424242, Status: domain.BuildStatusPending, Trigger: domain.BuildTriggerAPI}
	assert.ErrorIs(t, repo.CreateWithSteps(context.Background(), orphan, orphanSteps), domain.ErrAppNotFound)
}

func TestBuildRepo_CreateWithStepsIsAtomic(t *testing.T) {
	db := newTestDB(t)
	app := seedApp(t, db, "web")
	repo := NewBuildRepo(db)
	job := &domain.BuildJob{AppID: app.ID, Status: domain.BuildStatusPending, Trigger: domain.BuildTriggerManual}
	steps := []*domain.BuildStep{
		{Position: 1, Name: "a", Status: domain.BuildStatusPending},
		{Position: 1, Name: "b", Status: domain.BuildStatusPending},
	}
	err := repo.CreateWithSteps(context.Background(), job, steps)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	builds, err := repo.ListRecentByApp(context.Background(), app.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, builds, "a failed step insert must roll back the job")
}

func TestBuildRepo_TransitionJobGuards(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, _ := seedBuild(t, db, app.ID, "fetch")
	repo := NewBuildRepo(db)

	require.NoError(t, repo.TransitionJob(ctx, job.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{
		Runner: domain.Runner{Type: "local", Name: "worker-1"},
	}))
	// the loser of a race sees StaleState
	err := repo.TransitionJob(ctx, job.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{})
	assert.ErrorIs(t, err, domain.ErrStaleState)

	err = repo.TransitionJob(ctx, job.ID, domain.BuildStatusSucceeded, domain.BuildStatusRunning, port.JobUpdate{})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	err = repo.TransitionJob(ctx, 9999, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{})
	assert.ErrorIs(t, err, domain.ErrBuildNotFound)

	got, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusRunning, got.Status)
	assert.Equal(t, "worker-1", got.Runner.Name)
	require.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.HeartbeatAt)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, repo.TransitionJob(ctx, job.ID, domain.BuildStatusRunning, domain.BuildStatusFailed, port.JobUpdate{ErrorMessage: "boom"}))
	got, err = repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.Before(*got.StartedAt))
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestBuildRepo_StepOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, steps := seedBuild(t, db, app.ID, "fetch", "build")
	repo := NewBuildRepo(db)

	// the job has not started yet
	err := repo.TransitionStep(ctx, steps[0].ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{})
	assert.ErrorIs(t, err, domain.ErrStaleState)

	require.NoError(t, repo.TransitionJob(ctx, job.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{}))

	err = repo.TransitionStep(ctx, steps[1].ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{})
	assert.ErrorIs(t, err, domain.ErrStepOutOfOrder)

	require.NoError(t, repo.TransitionStep(ctx, steps[0].ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{}))
	err = repo.TransitionStep(ctx, steps[1].ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{})
	assert.ErrorIs(t, err, domain.ErrStepOutOfOrder, "running sibling is not terminal")

	require.NoError(t, repo.TransitionStep(ctx, steps[0].ID, domain.BuildStatusRunning, domain.BuildStatusFailed, port.StepUpdate{ErrorMessage: "exit 1"}))
	require.NoError(t, repo.TransitionStep(ctx, steps[1].ID, domain.BuildStatusPending, domain.BuildStatusCanceled, port.StepUpdate{ErrorMessage: "abandoned"}))

	err = repo.TransitionStep(ctx, steps[1].ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{})
	assert.ErrorIs(t, err, domain.ErrStaleState)

	got, err := repo.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusFailed, got[0].Status)
	assert.Equal(t, "exit 1", got[0].ErrorMessage)
	assert.Equal(t, domain.BuildStatusCanceled, got[1].Status)
}

func TestBuildRepo_HeartbeatAndStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, _ := seedBuild(t, db, app.ID, "fetch")
	fresh, _ := seedBuild(t, db, app.ID, "fetch")
	repo := NewBuildRepo(db)

	assert.ErrorIs(t, repo.Heartbeat(ctx, job.ID, time.Now()), domain.ErrStaleState)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, repo.TransitionJob(ctx, job.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{At: old}))
	require.NoError(t, repo.TransitionJob(ctx, fresh.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{}))

	stale, err := repo.FindStaleRunning(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, job.ID, stale[0].ID)

	require.NoError(t, repo.Heartbeat(ctx, job.ID, time.Now()))
	stale, err = repo.FindStaleRunning(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestBuildRepo_FailOrphan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, steps := seedBuild(t, db, app.ID, "fetch", "build", "test")
	repo := NewBuildRepo(db)

	assert.ErrorIs(t, repo.FailOrphan(ctx, job.ID, "orphaned", true), domain.ErrStaleState, "pending builds are not orphans")
	assert.ErrorIs(t, repo.FailOrphan(ctx, 9999, "orphaned", true), domain.ErrBuildNotFound)

	require.NoError(t, repo.TransitionJob(ctx, job.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{}))
	require.NoError(t, repo.TransitionStep(ctx, steps[0].ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{}))
	require.NoError(t, repo.TransitionStep(ctx, steps[0].ID, domain.BuildStatusRunning, domain.BuildStatusSucceeded, port.StepUpdate{}))
	require.NoError(t, repo.TransitionStep(ctx, steps[1].ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{}))

	require.NoError(t, repo.FailOrphan(ctx, job.ID, "orphaned", true))

	got, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusFailed, got.Status)
	assert.Equal(t, "orphaned", got.ErrorMessage)
	assert.NotNil(t, got.FinishedAt)

	resolved, err := repo.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusSucceeded, resolved[0].Status)
	assert.Equal(t, domain.BuildStatusFailed, resolved[1].Status)
	assert.Equal(t, "orphaned", resolved[1].ErrorMessage)
	assert.Equal(t, domain.BuildStatusCanceled, resolved[2].Status)
	assert.Equal(t, domain.AbandonedStepMessage, resolved[2].ErrorMessage)

	assert.ErrorIs(t, repo.FailOrphan(ctx, job.ID, "orphaned", true), domain.ErrStaleState, "a second pass changes nothing")
}

func TestReleaseRepo_CreateForBuild(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	builds := NewBuildRepo(db)
	repo := NewReleaseRepo(db)

	job, steps := seedBuild(t, db, app.ID, "fetch")
	rel := &domain.Release{AppID: app.ID, Version: "v1", Source: job.Source}
	assert.ErrorIs(t, repo.CreateForBuild(ctx, rel, job.ID), domain.ErrReleaseNotReady)

	succeedBuild(t, builds, job, steps)
	require.NoError(t, repo.CreateForBuild(ctx, rel, job.ID))
	assert.Equal(t, domain.ReleaseStatusPending, rel.Status)

	got, err := builds.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReleaseID)
	assert.Equal(t, rel.ID, *got.ReleaseID)

	assert.ErrorIs(t, repo.CreateForBuild(ctx, &domain.Release{AppID: app.ID, Version: "v2"}, job.ID), domain.ErrAlreadyExists)

	require.NoError(t, repo.Finalize(ctx, rel.ID, domain.ReleaseStatusBuilt, "registry.example.com/web:v1"))
	assert.ErrorIs(t, repo.Finalize(ctx, rel.ID, domain.ReleaseStatusFailed, ""), domain.ErrStaleState)

	// a second build claiming the same version conflicts and leaves the first release untouched
	job2, steps2 := seedBuild(t, db, app.ID, "fetch")
	succeedBuild(t, builds, job2, steps2)
	err = repo.CreateForBuild(ctx, &domain.Release{AppID: app.ID, Version: "v1", ImageRef: "other"}, job2.ID)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.True(t, domain.IsConflict(err))

	existing, err := repo.FindByAppVersion(ctx, app.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, rel.ID, existing.ID)
	assert.Equal(t, domain.ReleaseStatusBuilt, existing.Status)
	assert.Equal(t, "registry.example.com/web:v1", existing.ImageRef)

	got2, err := builds.FindByID(ctx, job2.ID)
	require.NoError(t, err)
	assert.Nil(t, got2.ReleaseID)
	assert.Equal(t, domain.BuildStatusSucceeded, got2.Status)
}

func TestReleaseRepo_DeleteRestrictedByDeploys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, steps := seedBuild(t, db, app.ID, "fetch")
	succeedBuild(t, NewBuildRepo(db), job, steps)
	repo := NewReleaseRepo(db)
	rel := &domain.Release{AppID: app.ID, Version: "v1"}
	require.NoError(t, repo.CreateForBuild(ctx, rel, job.ID))

	deploys := NewDeployRepo(db)
	d := &domain.Deploy{AppID: app.ID, ReleaseID: rel.ID, Environment: "prod", Status: domain.DeployStatusPending}
	require.NoError(t, deploys.Create(ctx, d))

	assert.ErrorIs(t, repo.Delete(ctx, rel.ID), domain.ErrReleaseInUse)
	assert.ErrorIs(t, repo.Delete(ctx, rel.ID), domain.ErrCannotDelete)

	require.NoError(t, db.Delete(&DeployModel{}, "id = ?", d.ID).Error)
	require.NoError(t, repo.Delete(ctx, rel.ID))
	_, err := repo.FindByID(ctx, rel.ID)
	assert.ErrorIs(t, err, domain.ErrReleaseNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, rel.ID), domain.ErrReleaseNotFound)
}

func TestDeployRepo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, steps := seedBuild(t, db, app.ID, "fetch")
	succeedBuild(t, NewBuildRepo(db), job, steps)
	rel := &domain.Release{AppID: app.ID, Version: "v1"}
	require.NoError(t, NewReleaseRepo(db).CreateForBuild(ctx, rel, job.ID))

	repo := NewDeployRepo(db)
	assert.ErrorIs(t, repo.Create(ctx, &domain.Deploy{AppID: app.ID, ReleaseID: 999, Environment: "prod", Status: domain.DeployStatusPending}), domain.ErrReleaseNotFound)

	prod := &domain.Deploy{AppID: app.ID, ReleaseID: rel.ID, Environment: "prod", Status: domain.DeployStatusPending}
	staging := &domain.Deploy{AppID: app.ID, ReleaseID: rel.ID, Environment: "staging", Status: domain.DeployStatusPending}
	require.NoError(t, repo.Create(ctx, prod))
	require.NoError(t, repo.Create(ctx, staging))

	require.NoError(t, repo.Transition(ctx, prod.ID, domain.DeployStatusPending, domain.DeployStatusRunning, port.DeployUpdate{RunnerName: "w1"}))
	assert.ErrorIs(t, repo.Transition(ctx, prod.ID, domain.DeployStatusPending, domain.DeployStatusCanceled, port.DeployUpdate{}), domain.ErrStaleState)
	require.NoError(t, repo.Transition(ctx, prod.ID, domain.DeployStatusRunning, domain.DeployStatusSucceeded, port.DeployUpdate{}))
	assert.ErrorIs(t, repo.Heartbeat(ctx, prod.ID, time.Now()), domain.ErrStaleState)
	assert.ErrorIs(t, repo.Transition(ctx, 999, domain.DeployStatusPending, domain.DeployStatusRunning, port.DeployUpdate{}), domain.ErrDeployNotFound)

	got, err := repo.FindByID(ctx, prod.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeployStatusSucceeded, got.Status)
	assert.Equal(t, "w1", got.RunnerName)
	assert.NotNil(t, got.FinishedAt)

	onlyProd, err := repo.ListByAppEnv(ctx, app.ID, "prod", 0)
	require.NoError(t, err)
	require.Len(t, onlyProd, 1)
	all, err := repo.ListByAppEnv(ctx, app.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, staging.ID, all[0].ID, "newest first")

	byRelease, err := repo.ListByRelease(ctx, rel.ID)
	require.NoError(t, err)
	assert.Len(t, byRelease, 2)
}

func TestLogRepo_Append(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, steps := seedBuild(t, db, app.ID, "fetch", "build")
	sink := NewLogRepo(db)
	step := &steps[0].ID

	require.NoError(t, sink.AppendChunk(ctx, job.ID, step, 0, "cloning\n"))
	// replay of the same chunk is absorbed
	require.NoError(t, sink.AppendChunk(ctx, job.ID, step, 0, "cloning\n"))
	assert.ErrorIs(t, sink.AppendChunk(ctx, job.ID, step, 0, "different\n"), domain.ErrChunkConflict)

	err := sink.AppendChunk(ctx, job.ID, step, 2, "skipped ahead\n")
	assert.ErrorIs(t, err, domain.ErrChunkGap)
	assert.ErrorIs(t, err, domain.ErrRetryable)

	require.NoError(t, sink.AppendChunk(ctx, job.ID, step, 1, "done\n"))
	require.NoError(t, sink.AppendChunk(ctx, job.ID, step, 2, "skipped ahead\n"))

	// indexes are per (build, step)
	require.NoError(t, sink.AppendChunk(ctx, job.ID, &steps[1].ID, 0, "compiling\n"))
	require.NoError(t, sink.AppendChunk(ctx, job.ID, nil, 0, "build started\n"))

	chunks, err := sink.ReadRange(ctx, job.ID, step, 0, -1)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
	assert.Equal(t, "cloning\n", chunks[0].Content)

	window, err := sink.ReadRange(ctx, job.ID, step, 1, 2)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "done\n", window[0].Content)

	next, err := sink.NextIndex(ctx, job.ID, step)
	require.NoError(t, err)
	assert.Equal(t, 3, next)
	next, err = sink.NextIndex(ctx, job.ID, &steps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	all, err := sink.ListByBuild(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Nil(t, all[0].StepID, "build level chunks come first")

	assert.ErrorIs(t, sink.AppendChunk(ctx, 9999, nil, 0, "x"), domain.ErrBuildNotFound)
	assert.ErrorIs(t, sink.AppendChunk(ctx, job.ID, nil, -1, "x"), domain.ErrInvalidInput)
}

func TestLogRepo_AppendDoesNotLogMissingRows(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	db := newTestDB(t)
	ctx := context.Background()
	app := seedApp(t, db, "web")
	job, _ := seedBuild(t, db, app.ID, "fetch")
	sink := NewLogRepo(db)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.AppendChunk(ctx, job.ID, nil, i, fmt.Sprintf("line %d\n", i)))
	}
	_, err := NewBuildRepo(db).FindByID(ctx, 9999)
	require.ErrorIs(t, err, domain.ErrBuildNotFound)

	assert.NotContains(t, buf.String(), "record not found")
}
