// Package admin holds operator maintenance operations that run outside the
// request path.
package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/submission/model"
	"inloop/internal/submission/repository"
	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
)

// PruneResult summarizes a prune run.
type PruneResult struct {
	Deleted     int
	RemovedDirs int
	Failed      int
}

// Pruner deletes old submissions so each (user, task) keeps only its most
// recent ones.
type Pruner struct {
	db        db.Database
	repo      repository.SubmissionRepository
	cache     cache.BasicOps
	mediaRoot string
}

func NewPruner(database db.Database, repo repository.SubmissionRepository, cacheClient cache.BasicOps, mediaRoot string) (*Pruner, error) {
	if database == nil || repo == nil {
		return nil, fmt.Errorf("database and submission repository are required")
	}
	if !filepath.IsAbs(mediaRoot) {
		return nil, fmt.Errorf("media root must be an absolute path")
	}
	return &Pruner{db: database, repo: repo, cache: cacheClient, mediaRoot: mediaRoot}, nil
}

// Prune keeps the maxKeep latest submissions per (user, task) and removes
// the rest together with their solution directories. A failure on one
// submission is logged and counted; the run continues.
func (p *Pruner) Prune(ctx context.Context, maxKeep int) (PruneResult, error) {
	var result PruneResult
	if maxKeep < 0 {
		return result, fmt.Errorf("max_keep must not be negative")
	}
	ids, err := p.repo.ListBeyondLatest(ctx, nil, maxKeep)
	if err != nil {
		return result, fmt.Errorf("list prunable submissions: %w", err)
	}
	logger.Info(ctx, "pruning submissions", zap.Int("max_keep", maxKeep), zap.Int("candidates", len(ids)))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		dirs, err := p.deleteOne(ctx, id)
		if err != nil {
			result.Failed++
			logger.Warn(ctx, "prune submission failed", zap.Int64("submission_id", id), zap.Error(err))
			continue
		}
		result.Deleted++
		for _, dir := range dirs {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn(ctx, "remove solution directory failed", zap.String("dir", dir), zap.Error(err))
				continue
			}
			result.RemovedDirs++
		}
	}
	logger.Info(ctx, "prune finished",
		zap.Int("deleted", result.Deleted),
		zap.Int("removed_dirs", result.RemovedDirs),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// deleteOne removes the row and returns the directories its files lived in.
func (p *Pruner) deleteOne(ctx context.Context, id int64) ([]string, error) {
	var dirs []string
	remove := func(ctx context.Context) error {
		return p.db.Transaction(ctx, func(tx db.Transaction) error {
			submission, err := p.repo.GetByID(ctx, tx, id)
			if err != nil {
				return err
			}
			dirs = p.solutionDirs(submission.Files)
			return p.repo.Delete(ctx, tx, id)
		})
	}
	var err error
	if p.cache != nil {
		err = cache.DeleteCached(ctx, p.cache, repository.CacheKey(id), remove)
	} else {
		err = remove(ctx)
	}
	if errors.Is(err, repository.ErrSubmissionNotFound) {
		return nil, nil
	}
	return dirs, err
}

func (p *Pruner) solutionDirs(files []model.SubmissionFile) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, file := range files {
		dir := filepath.Dir(filepath.Clean(file.Path))
		rel, err := filepath.Rel(p.mediaRoot, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}
