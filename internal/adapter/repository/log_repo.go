package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
	"gorm.io/gorm"
)

var _ port.LogSink = (*LogRepo)(nil)

// LogRepo 把构建日志按 chunk 存在 build_logs 表里。
type LogRepo struct {
	db *gorm.DB
}

func NewLogRepo(db *gorm.DB) *LogRepo {
	return &LogRepo{db: db}
}

var errChunkRace = errors.New("chunk inserted concurrently")

func (r *LogRepo) AppendChunk(ctx context.Context, buildID int64, stepID *int64, index int, content string) error {
	if index < 0 {
		return fmt.Errorf("%w: chunk index %d", domain.ErrInvalidInput, index)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if done, err := sameChunk(tx, buildID, stepID, index, content); err != nil || done {
			return err
		}
		if index > 0 {
			var prev int64
			if err := stepKey(tx.Model(&BuildLogModel{}), stepID).
				Where("build_id = ? AND chunk_index = ?", buildID, index-1).
				Count(&prev).Error; err != nil {
				return err
			}
			if prev == 0 {
				return fmt.Errorf("build %d chunk %d: %w", buildID, index, domain.ErrChunkGap)
			}
		}
		m := &BuildLogModel{BuildID: buildID, StepID: stepID, ChunkIndex: index, Content: content}
		if err := tx.Create(m).Error; err != nil {
			if isUniqueConstraintError(err) {
				return errChunkRace
			}
			if isForeignKeyError(err) {
				return domain.ErrBuildNotFound
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errChunkRace) {
		// 另一写入方抢先写入同一 index，按内容判断是重放还是冲突。
		_, err = sameChunk(r.db.WithContext(ctx), buildID, stepID, index, content)
	}
	return err
}

// sameChunk 返回 (true, nil) 表示同内容 chunk 已存在，(false, nil) 表示尚不存在。
func sameChunk(db *gorm.DB, buildID int64, stepID *int64, index int, content string) (bool, error) {
	var existing BuildLogModel
	result := stepKey(db, stepID).
		Where("build_id = ? AND chunk_index = ?", buildID, index).
		Limit(1).
		Find(&existing)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if existing.Content != content {
		return false, fmt.Errorf("build %d chunk %d: %w", buildID, index, domain.ErrChunkConflict)
	}
	return true, nil
}

func (r *LogRepo) ReadRange(ctx context.Context, buildID int64, stepID *int64, from, to int) ([]*domain.LogChunk, error) {
	query := stepKey(r.db.WithContext(ctx), stepID).
		Where("build_id = ? AND chunk_index >= ?", buildID, from)
	if to >= 0 {
		query = query.Where("chunk_index < ?", to)
	}
	var models []BuildLogModel
	if err := query.Order("chunk_index").Find(&models).Error; err != nil {
		return nil, err
	}
	return modelsToChunks(models), nil
}

func (r *LogRepo) NextIndex(ctx context.Context, buildID int64, stepID *int64) (int, error) {
	var last int
	if err := stepKey(r.db.WithContext(ctx).Model(&BuildLogModel{}), stepID).
		Where("build_id = ?", buildID).
		Select("COALESCE(MAX(chunk_index), -1)").
		Scan(&last).Error; err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (r *LogRepo) ListByBuild(ctx context.Context, buildID int64) ([]*domain.LogChunk, error) {
	var models []BuildLogModel
	if err := r.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("step_id IS NOT NULL, step_id, chunk_index").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return modelsToChunks(models), nil
}

func modelsToChunks(models []BuildLogModel) []*domain.LogChunk {
	chunks := make([]*domain.LogChunk, 0, len(models))
	for i := range models {
		m := &models[i]
		chunks = append(chunks, &domain.LogChunk{
			ID:         m.ID,
			BuildID:    m.BuildID,
			StepID:     m.StepID,
			ChunkIndex: m.ChunkIndex,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
		})
	}
	return chunks
}
