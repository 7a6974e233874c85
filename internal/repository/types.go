package repository

import (
	"errors"

	"gorm.io/gorm"

	pkgErrors "edge-cd/pkg/responses"
)

type QueryOption func(*gorm.DB) *gorm.DB

// WithLimit 限制返回条数
func WithLimit(n int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if n <= 0 {
			return db
		}
		return db.Limit(n)
	}
}

// WithStatus 按状态筛选
func WithStatus(status string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if status == "" {
			return db
		}
		return db.Where("status = ?", status)
	}
}

func applyOptions(db *gorm.DB, opts []QueryOption) *gorm.DB {
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}

// wrapQueryErr gorm.ErrRecordNotFound 映射为 ErrRecordNotFound
func wrapQueryErr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgErrors.ErrRecordNotFound
	}
	return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, msg, err)
}
