package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inloop/internal/common/db"
	"inloop/internal/common/signals"
	"inloop/internal/submission/model"
	"inloop/internal/submission/repository"
	taskModel "inloop/internal/task/model"
	taskRepo "inloop/internal/task/repository"
	appErr "inloop/pkg/errors"
	"inloop/pkg/utils/logger"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

const (
	scopeUniqueKey  = "uk_submissions_scope"
	createAttempts  = 2
	maxFilenameSize = 255
	dirPerm         = 0o755
	filePerm        = 0o644
)

// Limits are the submission rules that operators may change at runtime.
type Limits struct {
	// MaxSubmissions caps attempts per (user, task); <= 0 disables the cap.
	MaxSubmissions    int
	DeadlineTolerance time.Duration
	// AllowedExtensions is a comma-separated list such as ".java, .kt".
	AllowedExtensions string
}

// LimitsSource returns the limits in effect for a request.
type LimitsSource interface {
	SubmissionLimits(ctx context.Context) Limits
}

// LimitsFunc adapts a function to LimitsSource.
type LimitsFunc func(ctx context.Context) Limits

func (f LimitsFunc) SubmissionLimits(ctx context.Context) Limits { return f(ctx) }

// StaticLimits always returns l.
func StaticLimits(l Limits) LimitsSource {
	return LimitsFunc(func(context.Context) Limits { return l })
}

// Config holds submission service dependencies and settings.
type Config struct {
	DB             db.Database
	SubmissionRepo repository.SubmissionRepository
	TaskRepo       taskRepo.TaskRepository
	Bus            *signals.Bus
	Limits         LimitsSource
	// MediaRoot is the directory submission files are stored under.
	MediaRoot string
	Now       func() time.Time
}

// SubmissionService records new attempts.
type SubmissionService struct {
	db             db.Database
	submissionRepo repository.SubmissionRepository
	taskRepo       taskRepo.TaskRepository
	bus            *signals.Bus
	limits         LimitsSource
	mediaRoot      string
	now            func() time.Time
}

// UploadedFile is one file of a submission request.
type UploadedFile struct {
	Name    string
	Content []byte
}

// SubmitInput describes a submission request.
type SubmitInput struct {
	UserID   int64
	Groups   []string
	Staff    bool
	TaskSlug string
	Files    []UploadedFile
}

// Viewer identifies who reads a submission.
type Viewer struct {
	UserID int64
	Staff  bool
}

// NewSubmissionService creates a new submission service.
func NewSubmissionService(cfg Config) (*SubmissionService, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.SubmissionRepo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.TaskRepo == nil {
		return nil, fmt.Errorf("task repository is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("signal bus is required")
	}
	if cfg.MediaRoot == "" || !filepath.IsAbs(cfg.MediaRoot) {
		return nil, fmt.Errorf("media root must be an absolute path")
	}
	if cfg.Limits == nil {
		cfg.Limits = StaticLimits(Limits{MaxSubmissions: -1})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SubmissionService{
		db:             cfg.DB,
		submissionRepo: cfg.SubmissionRepo,
		taskRepo:       cfg.TaskRepo,
		bus:            cfg.Bus,
		limits:         cfg.Limits,
		mediaRoot:      cfg.MediaRoot,
		now:            cfg.Now,
	}, nil
}

// Submit validates the request, stores the files and records a new attempt.
// SubmissionSubmitted is sent once the record is committed.
func (s *SubmissionService) Submit(ctx context.Context, input SubmitInput) (model.Submission, error) {
	if input.UserID <= 0 {
		return model.Submission{}, appErr.ValidationError("user_id", "required")
	}
	if strings.TrimSpace(input.TaskSlug) == "" {
		return model.Submission{}, appErr.ValidationError("task", "required")
	}

	task, err := s.taskRepo.GetBySlug(ctx, nil, input.TaskSlug)
	if err != nil {
		if errors.Is(err, taskRepo.ErrTaskNotFound) {
			return model.Submission{}, appErr.New(appErr.TaskNotFound)
		}
		return model.Submission{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	if !input.Staff && !task.VisibleTo(input.Groups) {
		return model.Submission{}, appErr.New(appErr.TaskNotFound)
	}

	now := s.now().UTC()
	limits := s.limits.SubmissionLimits(ctx)
	if !task.IsPublished(now) {
		return model.Submission{}, appErr.New(appErr.TaskNotPublished)
	}
	if task.IsExpired(now, limits.DeadlineTolerance) {
		return model.Submission{}, appErr.New(appErr.DeadlineExceeded)
	}
	if len(input.Files) == 0 {
		return model.Submission{}, appErr.New(appErr.NoFiles)
	}
	if err := validateFilenames(input.Files, limits.AllowedExtensions); err != nil {
		return model.Submission{}, err
	}

	limit := task.SubmissionLimit(limits.MaxSubmissions)
	var submission model.Submission
	for attempt := 1; ; attempt++ {
		submission, err = s.create(ctx, task, input, now, limit)
		if err == nil {
			break
		}
		if !isScopeCollision(err) {
			return model.Submission{}, err
		}
		if attempt >= createAttempts {
			logger.Warn(ctx, "submission scope collision persisted",
				zap.Int64("user_id", input.UserID),
				zap.Int64("task_id", task.ID),
			)
			return model.Submission{}, appErr.Wrap(err, appErr.ConcurrentSubmission).
				WithMessage(appErr.ConcurrentSubmission.Message())
		}
		logger.Debug(ctx, "retrying submission after scope collision", zap.Int64("task_id", task.ID))
	}

	ctx = logger.WithSubmission(ctx, submission.ID)
	logger.Info(ctx, "submission created",
		zap.Int64("user_id", submission.UserID),
		zap.String("task", task.SystemName),
		zap.Int("scoped_id", submission.ScopedID),
		zap.Int("files", len(submission.Files)),
	)

	paths := make([]string, 0, len(submission.Files))
	for _, f := range submission.Files {
		paths = append(paths, f.Path)
	}
	s.bus.SubmissionSubmitted.Send(ctx, signals.SubmissionSubmitted{
		SubmissionID:   submission.ID,
		UserID:         submission.UserID,
		TaskID:         task.ID,
		TaskSystemName: task.SystemName,
		ScopedID:       submission.ScopedID,
		SubmittedAt:    submission.SubmissionDate,
		Files:          paths,
	})
	return submission, nil
}

// create writes the submission row, its files on disk and its file rows in
// one transaction. The directory is removed if the transaction fails.
func (s *SubmissionService) create(ctx context.Context, task taskModel.Task, input SubmitInput, now time.Time, limit int) (model.Submission, error) {
	var (
		submission model.Submission
		dir        string
	)
	err := s.db.Transaction(ctx, func(tx db.Transaction) error {
		if limit > 0 {
			count, err := s.submissionRepo.CountByUserTask(ctx, tx, input.UserID, task.ID)
			if err != nil {
				return appErr.Wrap(err, appErr.DatabaseError)
			}
			if count >= limit {
				return appErr.New(appErr.SubmissionLimitReached).WithDetail("limit", limit)
			}
		}

		scopedID, err := s.submissionRepo.NextScopedID(ctx, tx, input.UserID, task.ID)
		if err != nil {
			return appErr.Wrap(err, appErr.DatabaseError)
		}
		submission = model.Submission{
			UserID:         input.UserID,
			TaskID:         task.ID,
			SubmissionDate: now,
			ScopedID:       scopedID,
		}
		if err := s.submissionRepo.Create(ctx, tx, &submission); err != nil {
			if isScopeCollision(err) {
				return err
			}
			return appErr.Wrap(err, appErr.DatabaseError)
		}

		dir = SolutionDir(s.mediaRoot, now.Year(), task.Slug, input.UserID, submission.ID)
		files, err := writeFiles(dir, input.Files)
		if err != nil {
			return appErr.Wrap(err, appErr.SubmissionCreateFailed)
		}
		if err := s.submissionRepo.CreateFiles(ctx, tx, submission.ID, files); err != nil {
			return appErr.Wrap(err, appErr.DatabaseError)
		}
		submission.Files = files
		return nil
	})
	if err != nil {
		if dir != "" {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				logger.Warn(ctx, "remove submission directory failed", zap.String("dir", dir), zap.Error(rmErr))
			}
		}
		return model.Submission{}, err
	}
	return submission, nil
}

// Get returns a submission the viewer may see.
func (s *SubmissionService) Get(ctx context.Context, viewer Viewer, id int64) (model.Submission, error) {
	if id <= 0 {
		return model.Submission{}, appErr.ValidationError("id", "must be positive")
	}
	submission, err := s.submissionRepo.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return model.Submission{}, appErr.New(appErr.SubmissionNotFound)
		}
		return model.Submission{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	if !viewer.Staff && submission.UserID != viewer.UserID {
		return model.Submission{}, appErr.New(appErr.SubmissionNotFound)
	}
	return submission, nil
}

// List returns the viewer's own submissions for a task, newest first.
func (s *SubmissionService) List(ctx context.Context, viewer Viewer, taskSlug string) ([]model.Submission, error) {
	task, err := s.taskRepo.GetBySlug(ctx, nil, taskSlug)
	if err != nil {
		if errors.Is(err, taskRepo.ErrTaskNotFound) {
			return nil, appErr.New(appErr.TaskNotFound)
		}
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	submissions, err := s.submissionRepo.ListByUserTask(ctx, nil, viewer.UserID, task.ID)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return submissions, nil
}

// Task returns the task a submission belongs to.
func (s *SubmissionService) Task(ctx context.Context, submission model.Submission) (taskModel.Task, error) {
	task, err := s.taskRepo.GetByID(ctx, nil, submission.TaskID)
	if err != nil {
		if errors.Is(err, taskRepo.ErrTaskNotFound) {
			return taskModel.Task{}, appErr.New(appErr.TaskNotFound)
		}
		return taskModel.Task{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	return task, nil
}

func isScopeCollision(err error) bool {
	key, ok := db.UniqueViolation(err)
	return ok && strings.HasSuffix(key, scopeUniqueKey)
}

// ParseExtensions turns ".java, KT ,.py" into {".java", ".kt", ".py"}.
func ParseExtensions(list string) mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, item := range strings.Split(list, ",") {
		ext := strings.ToLower(strings.TrimSpace(item))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set.Add(ext)
	}
	return set
}

// validateFilenames rejects names that are not plain basenames, repeat
// another name or carry an extension outside the allow-list. An empty
// allow-list accepts every extension.
func validateFilenames(files []UploadedFile, allowedList string) error {
	allowed := ParseExtensions(allowedList)
	seen := mapset.NewThreadUnsafeSet[string]()
	var invalid []string
	for _, f := range files {
		name := f.Name
		switch {
		case !isPlainBasename(name):
			invalid = append(invalid, name)
		case !seen.Add(name):
			invalid = append(invalid, name)
		case allowed.Cardinality() > 0 && !allowed.Contains(strings.ToLower(filepath.Ext(name))):
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return appErr.New(appErr.InvalidFilenames).WithDetail("filenames", invalid)
	}
	return nil
}

func isPlainBasename(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > maxFilenameSize {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func writeFiles(dir string, uploads []UploadedFile) ([]model.SubmissionFile, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	files := make([]model.SubmissionFile, 0, len(uploads))
	for _, upload := range uploads {
		path := filepath.Join(dir, upload.Name)
		if err := os.WriteFile(path, upload.Content, filePerm); err != nil {
			return nil, err
		}
		files = append(files, model.SubmissionFile{Name: upload.Name, Path: path})
	}
	return files, nil
}
