package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}

func isForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "violates foreign key constraint") ||
		strings.Contains(msg, "a foreign key constraint fails")
}

// stepKey 把可空的 step_id 转成查询条件。
func stepKey(db *gorm.DB, stepID *int64) *gorm.DB {
	if stepID == nil {
		return db.Where("step_id IS NULL")
	}
	return db.Where("step_id = ?", *stepID)
}
