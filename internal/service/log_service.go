package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

type LogService struct {
	buildRepo      port.BuildRepository
	logSink        port.LogSink
	logQuerier     port.LogQuerier
	buildNamespace string
}

// NewLogService 的 logQuerier 可以为 nil，此时只读 LogSink。
func NewLogService(buildRepo port.BuildRepository, logSink port.LogSink, logQuerier port.LogQuerier, buildNamespace string) *LogService {
	return &LogService{
		buildRepo:      buildRepo,
		logSink:        logSink,
		logQuerier:     logQuerier,
		buildNamespace: buildNamespace,
	}
}

// GetBuildLogs 返回某个步骤（stepID 为 nil 时为 build 级）中 from <= index < to 的 chunk。
func (s *LogService) GetBuildLogs(ctx context.Context, buildID int64, stepID *int64, from, to int) ([]*domain.LogChunk, error) {
	if from < 0 {
		return nil, fmt.Errorf("%w: from must not be negative", domain.ErrInvalidInput)
	}
	if to >= 0 && to < from {
		return nil, fmt.Errorf("%w: to must not be less than from", domain.ErrInvalidInput)
	}
	if _, err := s.buildRepo.FindByID(ctx, buildID); err != nil {
		return nil, err
	}
	if stepID != nil {
		if err := s.checkStep(ctx, buildID, *stepID); err != nil {
			return nil, err
		}
	}
	return s.logSink.ReadRange(ctx, buildID, stepID, from, to)
}

func (s *LogService) checkStep(ctx context.Context, buildID, stepID int64) error {
	steps, err := s.buildRepo.ListSteps(ctx, buildID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.ID == stepID {
			return nil
		}
	}
	return fmt.Errorf("%w: step %d of build %d", domain.ErrStepNotFound, stepID, buildID)
}

// GetBuildLogText 拼接整个构建的日志。LogSink 中没有任何 chunk 时，
// 若配置了 Loki 则回退查询构建 Pod 的日志。
func (s *LogService) GetBuildLogText(ctx context.Context, buildID int64) (string, error) {
	job, err := s.buildRepo.FindByID(ctx, buildID)
	if err != nil {
		return "", err
	}
	chunks, err := s.logSink.ListByBuild(ctx, buildID)
	if err != nil {
		return "", err
	}
	if len(chunks) > 0 || s.logQuerier == nil {
		var sb strings.Builder
		for _, c := range chunks {
			sb.WriteString(c.Content)
		}
		return sb.String(), nil
	}

	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	end := time.Now()
	if job.FinishedAt != nil {
		end = job.FinishedAt.Add(time.Minute)
	}
	text, err := s.logQuerier.QueryBuildLogs(ctx, s.buildNamespace, buildID, start, end)
	if err != nil {
		slog.Warn("loki fallback for build logs failed", "build_id", buildID, "error", err)
		return "", err
	}
	return text, nil
}
