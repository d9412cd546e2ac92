package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrStaleState        = errors.New("stale state")
	ErrRetryable         = errors.New("retryable")
	ErrOrphaned          = errors.New("orphaned: no progress within timeout")
	ErrCannotDelete      = errors.New("cannot delete")
	ErrCanceled          = errors.New("canceled")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrForbidden         = errors.New("forbidden")

	ErrAppNotFound     = fmt.Errorf("app %w", ErrNotFound)
	ErrBuildNotFound   = fmt.Errorf("build %w", ErrNotFound)
	ErrStepNotFound    = fmt.Errorf("build step %w", ErrNotFound)
	ErrReleaseNotFound = fmt.Errorf("release %w", ErrNotFound)
	ErrDeployNotFound  = fmt.Errorf("deploy %w", ErrNotFound)

	// ErrVersionConflict 表示 (app, version) 已存在 Release，调用方需换一个版本号。
	ErrVersionConflict = fmt.Errorf("release version %w", ErrConflict)
	ErrChunkConflict   = fmt.Errorf("log chunk %w", ErrConflict)
	ErrSlugConflict    = fmt.Errorf("app slug %w", ErrConflict)

	// ErrChunkGap 表示前一个 chunk_index 尚未写入，写入方应重试或缓冲。
	ErrChunkGap = fmt.Errorf("log chunk gap: %w", ErrRetryable)

	ErrReleaseNotReady = errors.New("release not ready")
	ErrReleaseInUse    = fmt.Errorf("release is referenced by deploys: %w", ErrCannotDelete)
	ErrStepOutOfOrder  = fmt.Errorf("earlier step not terminal: %w", ErrIllegalTransition)
)

// IsConflict reports whether err is a uniqueness violation surfaced to the caller.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}
