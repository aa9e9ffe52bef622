package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/campushub/go-comms-backend/internal/domain"
)

func newArticleDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("article_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.KnowledgeArticle{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedArticle(t *testing.T, db *gorm.DB, slug string, status domain.ArticleStatus) *domain.KnowledgeArticle {
	t.Helper()
	a, err := CreateArticle(context.Background(), db, &domain.KnowledgeArticle{
		Slug: slug, Title: slug, Body: "body", Language: "en", Status: status,
	})
	if err != nil {
		t.Fatalf("CreateArticle(%s): %v", slug, err)
	}
	return a
}

func TestCreateArticle_SlugUnique(t *testing.T) {
	db := newArticleDB(t)
	seedArticle(t, db, "how-to", domain.ArticlePublished)
	if _, err := CreateArticle(context.Background(), db, &domain.KnowledgeArticle{
		Slug: "how-to", Title: "dup", Body: "x", Language: "en", Status: domain.ArticleDraft,
	}); err == nil {
		t.Fatalf("expected unique violation on slug")
	}
}

func TestGetArticleBySlug(t *testing.T) {
	db := newArticleDB(t)
	a := seedArticle(t, db, "how-to", domain.ArticlePublished)

	got, err := GetArticleBySlug(context.Background(), db, "how-to")
	if err != nil || got.ID != a.ID {
		t.Fatalf("GetArticleBySlug: %v", err)
	}
	if _, err := GetArticleBySlug(context.Background(), db, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPublished_GatesNonPublished(t *testing.T) {
	db := newArticleDB(t)
	pub := seedArticle(t, db, "published", domain.ArticlePublished)
	seedArticle(t, db, "draft", domain.ArticleDraft)
	seedArticle(t, db, "archived", domain.ArticleArchived)

	out, err := ListPublished(context.Background(), db)
	if err != nil {
		t.Fatalf("ListPublished: %v", err)
	}
	if len(out) != 1 || out[0].ID != pub.ID {
		t.Fatalf("expected only the published article, got %d", len(out))
	}
}

func TestSetArticleStatus(t *testing.T) {
	db := newArticleDB(t)
	a := seedArticle(t, db, "how-to", domain.ArticleDraft)

	if err := SetArticleStatus(context.Background(), db, a.ID, domain.ArticlePublished); err != nil {
		t.Fatalf("SetArticleStatus: %v", err)
	}
	got, _ := GetArticle(context.Background(), db, a.ID)
	if got.Status != domain.ArticlePublished {
		t.Fatalf("status not updated: %+v", got)
	}
	if err := SetArticleStatus(context.Background(), db, "missing", domain.ArticleArchived); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddArticleCounters(t *testing.T) {
	db := newArticleDB(t)
	a := seedArticle(t, db, "how-to", domain.ArticlePublished)
	ctx := context.Background()

	if err := AddArticleCounters(ctx, db, a.ID, 3, 2, 1); err != nil {
		t.Fatalf("AddArticleCounters: %v", err)
	}
	if err := AddArticleCounters(ctx, db, a.ID, 1, 0, 0); err != nil {
		t.Fatalf("AddArticleCounters second: %v", err)
	}
	got, _ := GetArticle(ctx, db, a.ID)
	if got.ViewCount != 4 || got.HelpfulCount != 2 || got.NotHelpfulCount != 1 {
		t.Fatalf("counters wrong: %+v", got)
	}

	// Negative deltas are rejected; zero deltas are a no-op.
	if err := AddArticleCounters(ctx, db, a.ID, -1, 0, 0); err == nil {
		t.Fatalf("expected error on negative delta")
	}
	if err := AddArticleCounters(ctx, db, a.ID, 0, 0, 0); err != nil {
		t.Fatalf("zero delta should be a no-op: %v", err)
	}
}
