// Package service runs submitted solutions through the sandbox and records
// their results.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"inloop/internal/checker/repository"
	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/common/signals"
	"inloop/internal/sandbox"
	"inloop/internal/submission/model"
	submissionRepo "inloop/internal/submission/repository"
	taskRepo "inloop/internal/task/repository"
	appErr "inloop/pkg/errors"
	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers        = 2
	defaultQueueSize      = 256
	defaultPersistTimeout = 30 * time.Second
)

// Runner executes a check in the sandbox.
type Runner interface {
	CheckTask(ctx context.Context, taskName, inputDir string) (sandbox.Output, error)
}

// Config holds dispatcher dependencies and settings.
type Config struct {
	DB             db.Database
	SubmissionRepo submissionRepo.SubmissionRepository
	ResultRepo     repository.ResultRepository
	TaskRepo       taskRepo.TaskRepository
	Cache          cache.BasicOps
	Runner         Runner
	Bus            *signals.Bus

	Workers        int
	QueueSize      int
	PersistTimeout time.Duration
	Now            func() time.Time
}

// Dispatcher consumes submission ids from a bounded queue and checks each
// one exactly once.
type Dispatcher struct {
	db             db.Database
	submissionRepo submissionRepo.SubmissionRepository
	resultRepo     repository.ResultRepository
	taskRepo       taskRepo.TaskRepository
	cache          cache.BasicOps
	runner         Runner
	bus            *signals.Bus

	workers        int
	persistTimeout time.Duration
	now            func() time.Time

	queue    chan int64
	mu       sync.RWMutex
	stopped  bool
	inflight sync.Map
}

// NewDispatcher creates a dispatcher. Call Run to start its workers.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.SubmissionRepo == nil || cfg.ResultRepo == nil || cfg.TaskRepo == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("signal bus is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		db:             cfg.DB,
		submissionRepo: cfg.SubmissionRepo,
		resultRepo:     cfg.ResultRepo,
		taskRepo:       cfg.TaskRepo,
		cache:          cfg.Cache,
		runner:         cfg.Runner,
		bus:            cfg.Bus,
		workers:        cfg.Workers,
		persistTimeout: cfg.PersistTimeout,
		now:            cfg.Now,
		queue:          make(chan int64, cfg.QueueSize),
	}, nil
}

// Enqueue schedules a check without blocking. It fails with CheckQueueFull
// when the queue is at capacity.
func (d *Dispatcher) Enqueue(ctx context.Context, submissionID int64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("check dispatcher is stopped")
	}
	select {
	case d.queue <- submissionID:
		return nil
	default:
		return appErr.New(appErr.CheckQueueFull)
	}
}

// HandleSubmissionSubmitted enqueues the submitted id. A full queue leaves
// the submission pending until it is reported as lost.
func (d *Dispatcher) HandleSubmissionSubmitted(ctx context.Context, ev signals.SubmissionSubmitted) {
	if err := d.Enqueue(ctx, ev.SubmissionID); err != nil {
		logger.Error(ctx, "enqueue check failed", zap.Int64("submission_id", ev.SubmissionID), zap.Error(err))
	}
}

// Run starts the workers and blocks until ctx is done. Jobs still queued at
// that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			d.work(ctx, worker)
			return nil
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	if dropped := len(d.queue); dropped > 0 {
		logger.Warn(context.Background(), "check queue dropped on shutdown", zap.Int("jobs", dropped))
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			jobCtx := logger.WithSubmission(ctx, id)
			if _, err := d.Check(jobCtx, id); err != nil {
				logCheckError(jobCtx, worker, err)
			}
		}
	}
}

func logCheckError(ctx context.Context, worker int, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn(ctx, "check interrupted", zap.Int("worker", worker), zap.Error(err))
	case appErr.Is(err, appErr.SubmissionFinalized):
		logger.Info(ctx, "submission already checked", zap.Int("worker", worker))
	default:
		logger.Error(ctx, "check failed", zap.Int("worker", worker), zap.Error(err))
	}
}

// Check runs the sandbox for one submission and persists its result. It
// refuses submissions that already have a result. Sandbox failures are
// recorded with return code 125; only a cancelled ctx leaves the submission
// without a result.
func (d *Dispatcher) Check(ctx context.Context, submissionID int64) (model.TestResult, error) {
	if _, busy := d.inflight.LoadOrStore(submissionID, struct{}{}); busy {
		return model.TestResult{}, appErr.New(appErr.SubmissionFinalized).WithMessage("submission is being checked")
	}
	defer d.inflight.Delete(submissionID)

	submission, err := d.submissionRepo.GetByID(ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, submissionRepo.ErrSubmissionNotFound) {
			return model.TestResult{}, appErr.New(appErr.SubmissionNotFound)
		}
		return model.TestResult{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	finalized, err := d.resultRepo.ExistsForSubmission(ctx, nil, submissionID)
	if err != nil {
		return model.TestResult{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	if finalized {
		return model.TestResult{}, appErr.New(appErr.SubmissionFinalized)
	}

	task, err := d.taskRepo.GetByID(ctx, nil, submission.TaskID)
	if err != nil {
		if errors.Is(err, taskRepo.ErrTaskNotFound) {
			return model.TestResult{}, appErr.New(appErr.TaskNotFound)
		}
		return model.TestResult{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	inputDir, ok := submission.InputDir()
	if !ok {
		return model.TestResult{}, appErr.Newf(appErr.InvalidArgument, "submission %d has no files", submissionID)
	}

	out, err := d.runner.CheckTask(ctx, task.SystemName, inputDir)
	if err != nil {
		if ctx.Err() != nil {
			return model.TestResult{}, ctx.Err()
		}
		logger.Error(ctx, "sandbox invocation failed", zap.String("task", task.SystemName), zap.Error(err))
		out = sandbox.Output{ReturnCode: model.ReturnCodeDaemonError, Stderr: err.Error()}
	}

	result := model.TestResult{
		SubmissionID: submissionID,
		CreatedAt:    d.now().UTC(),
		Stdout:       out.Stdout,
		Stderr:       out.Stderr,
		ReturnCode:   out.ReturnCode,
		TimeTaken:    out.Duration,
		Outputs:      outputsOf(out.Files),
	}
	if err := d.persist(ctx, &result); err != nil {
		return model.TestResult{}, err
	}

	status := result.Status()
	fields := []zap.Field{
		zap.String("task", task.SystemName),
		zap.Int("return_code", result.ReturnCode),
		zap.String("status", string(status)),
		zap.Duration("duration", result.TimeTaken),
	}
	switch status {
	case model.StatusError:
		logger.Error(ctx, "sandbox failure recorded", fields...)
	case model.StatusKilled:
		logger.Warn(ctx, "check timed out", fields...)
	default:
		logger.Info(ctx, "check finished", fields...)
	}

	d.bus.SubmissionChecked.Send(ctx, signals.SubmissionChecked{
		SubmissionID:   submissionID,
		UserID:         submission.UserID,
		TaskSystemName: task.SystemName,
		ReturnCode:     result.ReturnCode,
		Status:         string(status),
		Passed:         result.ReturnCode == 0,
		CheckedAt:      result.CreatedAt,
	})
	return result, nil
}

// persist writes the result, its outputs and the passed flag in one
// transaction, then drops the cached submission. The sandbox run has
// already happened, so the write outlives a cancelled ctx.
func (d *Dispatcher) persist(ctx context.Context, result *model.TestResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.persistTimeout)
	defer cancel()

	write := func(ctx context.Context) error {
		return d.db.Transaction(ctx, func(tx db.Transaction) error {
			if err := d.resultRepo.Create(ctx, tx, result); err != nil {
				if errors.Is(err, repository.ErrResultExists) {
					return appErr.New(appErr.SubmissionFinalized)
				}
				return appErr.Wrap(err, appErr.CheckPersistFailed)
			}
			if err := d.submissionRepo.SetPassed(ctx, tx, result.SubmissionID, result.ReturnCode == 0); err != nil {
				return appErr.Wrap(err, appErr.CheckPersistFailed)
			}
			return nil
		})
	}
	if d.cache == nil {
		return write(ctx)
	}
	return cache.UpdateCached(ctx, d.cache, submissionRepo.CacheKey(result.SubmissionID), write)
}

func outputsOf(files map[string]string) []model.TestOutput {
	if len(files) == 0 {
		return nil
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	outputs := make([]model.TestOutput, 0, len(names))
	for _, name := range names {
		outputs = append(outputs, model.TestOutput{Name: name, Output: files[name]})
	}
	return outputs
}
