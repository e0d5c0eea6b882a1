package services

import (
	"context"

	"github.com/conneroisu/strata/internal/cache"
	"github.com/conneroisu/strata/internal/categories"
	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/logging"
)

// CategoriesService reads and writes the category tree.
type CategoriesService struct {
	store  *categories.Store
	cache  ResponseCache
	logger logging.Logger
}

// NewCategoriesService creates a categories service.
func NewCategoriesService(store *categories.Store, c ResponseCache, logger logging.Logger) *CategoriesService {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CategoriesService{store: store, cache: c, logger: logger.WithComponent("categories")}
}

// Tree returns the cached JSON of the category tree.
func (s *CategoriesService) Tree(ctx context.Context) (*cache.Entry, error) {
	return s.cache.GetOrCompute(ctx, cache.KeyCategoryTree, func(ctx context.Context) (interface{}, error) {
		return s.store.Get(ctx)
	})
}

// Replace stores a new tree after backing up the current one.
func (s *CategoriesService) Replace(ctx context.Context, tree categories.Tree) (string, error) {
	backupID, err := s.store.Replace(ctx, tree)
	if err != nil {
		return "", err
	}
	s.invalidate(ctx)
	s.logger.Info(ctx, "Category tree replaced", "backup_id", backupID, "categories", tree.Count())
	return backupID, nil
}

// Update patches one category and returns the stored tree.
func (s *CategoriesService) Update(ctx context.Context, id int, patch categories.Patch) (categories.Tree, error) {
	if id <= 0 {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidCategory, "category id must be positive")
	}
	if patch.IsEmpty() {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidCategory, "updates must change at least one field")
	}

	tree, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	s.logger.Info(ctx, "Category updated", "id", id)
	return tree, nil
}

// Backups lists previous versions of the tree, newest first.
func (s *CategoriesService) Backups(ctx context.Context, limit int) ([]categories.Backup, error) {
	backups, err := s.store.Backups(ctx, limit)
	if err != nil {
		return nil, err
	}
	if backups == nil {
		backups = []categories.Backup{}
	}
	return backups, nil
}

// invalidate drops cached category and collection responses.
func (s *CategoriesService) invalidate(ctx context.Context) {
	for _, pattern := range []string{cache.PatternCategories, cache.PatternCollections} {
		if err := s.cache.Invalidate(ctx, pattern); err != nil {
			s.logger.Warn(ctx, err, "Cache invalidation failed", "pattern", pattern)
		}
	}
}
