// Package loader keeps the on-disk task repository and the task catalog in
// step with the configured upstream git repository.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"inloop/internal/common/db"
	"inloop/internal/common/signals"
	"inloop/internal/task/model"
	"inloop/internal/task/repository"
	"inloop/pkg/errors"
	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultBranch     = "main"
	defaultGitTimeout = 5 * time.Minute
	defaultRunTimeout = 30 * time.Minute
)

// Config holds the loader settings.
type Config struct {
	URL              string        `yaml:"url"`
	Branch           string        `yaml:"branch"`
	Dir              string        `yaml:"dir"`
	GitTimeout       time.Duration `yaml:"gitTimeout"`
	SSHCommand       string        `yaml:"sshCommand"`
	FailOnBuildError bool          `yaml:"failOnBuildError"`
	WebhookSecret    string        `yaml:"webhookSecret"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Branch == "" {
		c.Branch = defaultBranch
	}
	if c.GitTimeout == 0 {
		c.GitTimeout = defaultGitTimeout
	}
}

// Origin resolves the upstream URL and branch for a run.
type Origin interface {
	Origin(ctx context.Context) (url, branch string)
}

// OriginFunc adapts a function to Origin.
type OriginFunc func(ctx context.Context) (string, string)

func (f OriginFunc) Origin(ctx context.Context) (string, string) { return f(ctx) }

// StaticOrigin returns the configured URL and branch.
func StaticOrigin(cfg Config) Origin {
	return OriginFunc(func(context.Context) (string, string) { return cfg.URL, cfg.Branch })
}

// ImageBuilder builds the sandbox image from a repository directory.
type ImageBuilder interface {
	Build(ctx context.Context, repoDir string) error
}

// Result summarizes one loader run.
type Result struct {
	Loaded  []string
	Skipped []string
}

// Loader synchronizes the task repository and publishes its tasks.
type Loader struct {
	cfg     Config
	db      db.Database
	repo    repository.TaskRepository
	bus     *signals.Bus
	git     Git
	origin  Origin
	builder ImageBuilder
	now     func() time.Time

	mu      sync.Mutex
	running bool
	pending bool
	wg      sync.WaitGroup
}

// Option customizes a Loader.
type Option func(*Loader)

// WithGit replaces the git runner.
func WithGit(g Git) Option {
	return func(l *Loader) { l.git = g }
}

// WithOrigin resolves URL and branch per run instead of from Config.
func WithOrigin(o Origin) Option {
	return func(l *Loader) { l.origin = o }
}

// WithImageBuilder enables the synchronous build used when
// FailOnBuildError is set.
func WithImageBuilder(b ImageBuilder) Option {
	return func(l *Loader) { l.builder = b }
}

// NewLoader creates a loader.
func NewLoader(cfg Config, database db.Database, repo repository.TaskRepository, bus *signals.Bus, opts ...Option) *Loader {
	cfg.ApplyDefaults()
	l := &Loader{
		cfg:  cfg,
		db:   database,
		repo: repo,
		bus:  bus,
		git:  ExecGit{Timeout: cfg.GitTimeout, SSHCommand: cfg.SSHCommand},
		now:  time.Now,
	}
	l.origin = StaticOrigin(cfg)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the working copy directory.
func (l *Loader) Dir() string {
	return l.cfg.Dir
}

// Branch returns the branch the next run will use.
func (l *Loader) Branch(ctx context.Context) string {
	_, branch := l.resolveOrigin(ctx)
	return branch
}

// Run synchronizes the repository, publishes its tasks and emits
// repository_loaded.
func (l *Loader) Run(ctx context.Context) (Result, error) {
	_, branch := l.resolveOrigin(ctx)
	if err := l.Synchronize(ctx); err != nil {
		return Result{}, err
	}
	if l.cfg.FailOnBuildError && l.builder != nil {
		if err := l.builder.Build(ctx, l.cfg.Dir); err != nil {
			return Result{}, errors.Wrap(err, errors.ImageBuildFailed)
		}
	}
	res, err := l.LoadTasks(ctx)
	if err != nil {
		return Result{}, err
	}
	if l.bus != nil {
		l.bus.RepositoryLoaded.Send(ctx, signals.RepositoryLoaded{
			Path:        l.cfg.Dir,
			Branch:      branch,
			TasksLoaded: len(res.Loaded),
			LoadedAt:    l.now(),
		})
	}
	logger.Info(ctx, "task repository loaded",
		zap.String("branch", branch),
		zap.Int("loaded", len(res.Loaded)),
		zap.Strings("skipped", res.Skipped),
	)
	return res, nil
}

// Trigger runs the loader in the background. A trigger that arrives while a
// run is in progress schedules exactly one more run after it, so the newest
// upstream state is always picked up.
func (l *Loader) Trigger(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	l.mu.Lock()
	if l.running {
		l.pending = true
		l.mu.Unlock()
		logger.Info(bg, "task repository load queued behind running load")
		return
	}
	l.running = true
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		for {
			l.runOnce(bg)

			l.mu.Lock()
			if !l.pending {
				l.running = false
				l.mu.Unlock()
				return
			}
			l.pending = false
			l.mu.Unlock()
		}
	}()
}

func (l *Loader) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()
	if _, err := l.Run(runCtx); err != nil {
		logger.Error(ctx, "task repository load failed", zap.Error(err))
	}
}

// Wait blocks until triggered runs have finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Synchronize brings the working copy to origin/<branch>, cloning it first
// when it is not a git checkout yet.
func (l *Loader) Synchronize(ctx context.Context) error {
	url, branch := l.resolveOrigin(ctx)
	if url == "" {
		return errors.New(errors.RepositorySyncFailed).WithMessage("GITLOAD_URL is not configured")
	}
	if l.cfg.Dir == "" || !filepath.IsAbs(l.cfg.Dir) {
		return errors.Newf(errors.RepositorySyncFailed, "repository directory must be absolute: %q", l.cfg.Dir)
	}

	if _, err := os.Stat(filepath.Join(l.cfg.Dir, ".git")); err == nil {
		steps := [][]string{
			{"remote", "set-url", "origin", url},
			{"fetch", "--depth=1", "origin", fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)},
			{"stash"},
			{"reset", "--hard", "origin/" + branch},
		}
		for _, args := range steps {
			if err := l.git.Run(ctx, l.cfg.Dir, args...); err != nil {
				return errors.Wrap(err, errors.RepositorySyncFailed)
			}
		}
		return nil
	}

	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return errors.Wrapf(err, errors.RepositorySyncFailed, "create repository directory failed")
	}
	err := l.git.Run(ctx, filepath.Dir(l.cfg.Dir), "clone", "--depth=1", "--branch="+branch, url, l.cfg.Dir)
	if err != nil {
		return errors.Wrap(err, errors.RepositorySyncFailed)
	}
	return nil
}

// LoadTasks publishes every task directory of the working copy. Invalid
// tasks are logged and skipped; they never abort the run.
func (l *Loader) LoadTasks(ctx context.Context) (Result, error) {
	matches, err := filepath.Glob(filepath.Join(l.cfg.Dir, "*", "task.md"))
	if err != nil {
		return Result{}, errors.Wrap(err, errors.TaskLoadFailed)
	}
	sort.Strings(matches)

	var res Result
	for _, taskFile := range matches {
		taskDir := filepath.Dir(taskFile)
		systemName := filepath.Base(taskDir)
		loaded, err := l.loadTask(ctx, taskDir)
		if err != nil {
			logger.Error(ctx, "skip task", zap.String("task", systemName), zap.Error(err))
			res.Skipped = append(res.Skipped, systemName)
			continue
		}
		if loaded {
			res.Loaded = append(res.Loaded, systemName)
		}
	}
	return res, nil
}

func (l *Loader) loadTask(ctx context.Context, taskDir string) (bool, error) {
	systemName := filepath.Base(taskDir)
	metaData, err := os.ReadFile(filepath.Join(taskDir, "meta.json"))
	if err != nil {
		return false, errors.Wrapf(err, errors.TaskMetaInvalid, "read meta.json failed")
	}
	meta, err := model.ParseMeta(metaData)
	if err != nil {
		return false, errors.Wrap(err, errors.TaskMetaInvalid)
	}
	if meta.Disabled {
		logger.Info(ctx, "task disabled", zap.String("task", systemName))
		return false, nil
	}
	description, err := os.ReadFile(filepath.Join(taskDir, "task.md"))
	if err != nil {
		return false, errors.Wrapf(err, errors.TaskLoadFailed, "read task.md failed")
	}
	templates, err := readTemplates(filepath.Join(taskDir, "templates"))
	if err != nil {
		return false, errors.Wrapf(err, errors.TaskLoadFailed, "read templates failed")
	}

	task := &model.Task{
		SystemName:     systemName,
		Slug:           model.Slugify(systemName),
		Title:          meta.Title,
		CategoryName:   meta.Category,
		Pubdate:        meta.Pubdate,
		Deadline:       meta.Deadline,
		Description:    string(description),
		MaxSubmissions: meta.MaxSubmissions,
		Group:          meta.Group,
	}
	if task.Slug == "" {
		return false, errors.Newf(errors.TaskMetaInvalid, "cannot derive a slug from %q", systemName)
	}

	err = l.db.Transaction(ctx, func(tx db.Transaction) error {
		categoryID, err := l.repo.GetOrCreateCategory(ctx, tx, meta.Category)
		if err != nil {
			return fmt.Errorf("get or create category: %w", err)
		}
		task.CategoryID = categoryID
		taskID, err := l.repo.Upsert(ctx, tx, task)
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
		return l.repo.ReplaceTemplates(ctx, tx, taskID, templates)
	})
	if err != nil {
		return false, errors.Wrap(err, errors.TaskLoadFailed)
	}
	if err := l.repo.InvalidateCache(ctx, task.Slug); err != nil {
		logger.Warn(ctx, "invalidate task cache failed", zap.String("task", systemName), zap.Error(err))
	}
	return true, nil
}

// readTemplates returns the regular files directly inside dir, by name.
func readTemplates(dir string) ([]model.FileTemplate, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var templates []model.FileTemplate
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		templates = append(templates, model.FileTemplate{Name: entry.Name(), Contents: string(data)})
	}
	return templates, nil
}

func (l *Loader) resolveOrigin(ctx context.Context) (string, string) {
	url, branch := l.origin.Origin(ctx)
	if branch == "" {
		branch = l.cfg.Branch
	}
	return url, branch
}
