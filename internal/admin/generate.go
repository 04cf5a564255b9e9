package admin

import (
	"context"
	"fmt"
	"strings"

	"inloop/internal/submission/model"
	"inloop/internal/submission/service"
	taskModel "inloop/internal/task/model"
	taskRepo "inloop/internal/task/repository"
	appErr "inloop/pkg/errors"
	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
)

const placeholderSource = "public class Solution {\n    public static void main(String[] args) {\n    }\n}\n"

// Submitter records a submission.
type Submitter interface {
	Submit(ctx context.Context, input service.SubmitInput) (model.Submission, error)
}

// GenerateOptions controls demo data generation.
type GenerateOptions struct {
	UserIDs []int64
	PerTask int
}

// GenerateResult counts what a run created or skipped.
type GenerateResult struct {
	Created      int
	SkippedTasks []string
}

// Generator creates demo submissions from task templates through the
// regular submission path.
type Generator struct {
	tasks  taskRepo.TaskRepository
	submit Submitter
}

func NewGenerator(tasks taskRepo.TaskRepository, submit Submitter) *Generator {
	return &Generator{tasks: tasks, submit: submit}
}

// Generate submits PerTask attempts per user for every task. Tasks that
// refuse submissions (unpublished, expired, limit reached) are skipped.
func (g *Generator) Generate(ctx context.Context, opts GenerateOptions) (GenerateResult, error) {
	var result GenerateResult
	if len(opts.UserIDs) == 0 {
		return result, fmt.Errorf("at least one user id is required")
	}
	if opts.PerTask <= 0 {
		opts.PerTask = 1
	}
	tasks, err := g.tasks.List(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("list tasks: %w", err)
	}

	for _, task := range tasks {
		files, err := g.files(ctx, task)
		if err != nil {
			return result, err
		}
		created, skipErr := g.generateTask(ctx, task, files, opts)
		result.Created += created
		if skipErr != nil {
			if !skippable(skipErr) {
				return result, skipErr
			}
			result.SkippedTasks = append(result.SkippedTasks, task.Slug)
			logger.Info(ctx, "skipping task", zap.String("task", task.Slug), zap.String("reason", skipErr.Error()))
		}
	}
	logger.Info(ctx, "demo submissions generated",
		zap.Int("created", result.Created),
		zap.Int("skipped_tasks", len(result.SkippedTasks)),
	)
	return result, nil
}

func (g *Generator) generateTask(ctx context.Context, task taskModel.Task, files []service.UploadedFile, opts GenerateOptions) (int, error) {
	created := 0
	for _, userID := range opts.UserIDs {
		for i := 0; i < opts.PerTask; i++ {
			if err := ctx.Err(); err != nil {
				return created, err
			}
			_, err := g.submit.Submit(ctx, service.SubmitInput{
				UserID:   userID,
				Staff:    true,
				TaskSlug: task.Slug,
				Files:    files,
			})
			if err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}

func (g *Generator) files(ctx context.Context, task taskModel.Task) ([]service.UploadedFile, error) {
	templates, err := g.tasks.ListTemplates(ctx, nil, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list templates of %s: %w", task.Slug, err)
	}
	files := make([]service.UploadedFile, 0, len(templates))
	for _, tpl := range templates {
		if strings.Contains(tpl.Name, "/") {
			continue
		}
		files = append(files, service.UploadedFile{Name: tpl.Name, Content: []byte(tpl.Contents)})
	}
	if len(files) == 0 {
		files = append(files, service.UploadedFile{Name: "Solution.java", Content: []byte(placeholderSource)})
	}
	return files, nil
}

func skippable(err error) bool {
	switch appErr.GetCode(err) {
	case appErr.TaskNotPublished, appErr.DeadlineExceeded, appErr.SubmissionLimitReached,
		appErr.InvalidFilenames, appErr.TaskNotFound:
		return true
	}
	return false
}
