// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// KnowledgeArticle model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
)

// CreateArticle inserts a new knowledge article. Slug must be unique.
func CreateArticle(ctx context.Context, db *gorm.DB, a *domain.KnowledgeArticle) (*domain.KnowledgeArticle, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetArticle fetches an article by ID, or ErrNotFound.
func GetArticle(ctx context.Context, db *gorm.DB, id string) (*domain.KnowledgeArticle, error) {
	var a domain.KnowledgeArticle
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetArticleBySlug fetches an article by its unique slug, or ErrNotFound.
func GetArticleBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.KnowledgeArticle, error) {
	var a domain.KnowledgeArticle
	if err := db.WithContext(ctx).Where("slug = ?", slug).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListPublished returns every published article. The in-memory ranking layer
// does language/role filtering and scoring; the published gate stays in SQL
// so drafts and archived articles never leave the store.
func ListPublished(ctx context.Context, db *gorm.DB) ([]domain.KnowledgeArticle, error) {
	var out []domain.KnowledgeArticle
	err := db.WithContext(ctx).
		Where("status = ?", domain.ArticlePublished).
		Order("updated_at DESC, id ASC").
		Find(&out).Error
	return out, err
}

// SetArticleStatus moves an article between draft, published, and archived.
func SetArticleStatus(ctx context.Context, db *gorm.DB, id string, status domain.ArticleStatus) error {
	res := db.WithContext(ctx).
		Model(&domain.KnowledgeArticle{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AddArticleCounters applies buffered counter deltas. Deltas are additive and
// never negative, keeping the counters monotonically non-decreasing. Called
// by the asynchronous flush, outside any read path.
func AddArticleCounters(ctx context.Context, db *gorm.DB, id string, views, helpful, notHelpful int64) error {
	if views < 0 || helpful < 0 || notHelpful < 0 {
		return gorm.ErrInvalidValue
	}
	if views == 0 && helpful == 0 && notHelpful == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.KnowledgeArticle{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"view_count":        gorm.Expr("view_count + ?", views),
			"helpful_count":     gorm.Expr("helpful_count + ?", helpful),
			"not_helpful_count": gorm.Expr("not_helpful_count + ?", notHelpful),
		}).Error
}
