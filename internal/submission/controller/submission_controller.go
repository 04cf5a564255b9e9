package controller

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	checkerRepo "inloop/internal/checker/repository"
	"inloop/internal/common/http/middleware"
	"inloop/internal/report"
	"inloop/internal/submission/model"
	"inloop/internal/submission/service"
	appErr "inloop/pkg/errors"
	"inloop/pkg/utils/logger"
	"inloop/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultMaxUploadBytes = 8 << 20
	filesFormField        = "files"
)

// Config holds controller settings.
type Config struct {
	// LostTimeout is how long a submission may stay without result before
	// it is shown as lost.
	LostTimeout time.Duration
	// InputMount is where the sandbox mounts the submission files; report
	// paths are shown relative to it.
	InputMount     string
	MaxUploadBytes int64
}

// SubmissionController handles submission HTTP endpoints.
type SubmissionController struct {
	service *service.SubmissionService
	results checkerRepo.ResultRepository
	cfg     Config
	now     func() time.Time
}

// NewSubmissionController creates a new SubmissionController.
func NewSubmissionController(svc *service.SubmissionService, results checkerRepo.ResultRepository, cfg Config) *SubmissionController {
	if cfg.LostTimeout <= 0 {
		cfg.LostTimeout = model.DefaultLostTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &SubmissionController{service: svc, results: results, cfg: cfg, now: time.Now}
}

// Create accepts a multipart upload of the solution files for a task.
func (h *SubmissionController) Create(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errUnauthenticated())
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.ErrorWithCode(c, appErr.InvalidParams, "upload is too large")
			return
		}
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			response.BadRequest(c, "multipart form expected")
			return
		}
		response.BadRequest(c, "invalid upload")
		return
	}

	files, err := readUploads(form.File[filesFormField])
	if err != nil {
		response.BadRequest(c, "invalid upload")
		return
	}
	submission, err := h.service.Submit(c.Request.Context(), service.SubmitInput{
		UserID:   principal.ID,
		Groups:   principal.Groups,
		Staff:    principal.IsStaff(),
		TaskSlug: c.Param("slug"),
		Files:    files,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, h.view(submission, nil))
}

// List returns the caller's submissions for a task.
func (h *SubmissionController) List(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errUnauthenticated())
		return
	}
	ctx := c.Request.Context()
	submissions, err := h.service.List(ctx, viewerOf(principal), c.Param("slug"))
	if err != nil {
		response.Error(c, err)
		return
	}
	ids := make([]int64, len(submissions))
	for i, s := range submissions {
		ids[i] = s.ID
	}
	codes, err := h.results.ReturnCodes(ctx, nil, ids)
	if err != nil {
		response.Error(c, appErr.Wrap(err, appErr.DatabaseError))
		return
	}
	out := make([]SubmissionView, 0, len(submissions))
	for _, s := range submissions {
		var result *model.TestResult
		if rc, ok := codes[s.ID]; ok {
			result = &model.TestResult{SubmissionID: s.ID, ReturnCode: rc}
		}
		out = append(out, h.view(s, result))
	}
	response.Success(c, out)
}

// Get returns one submission with its derived status.
func (h *SubmissionController) Get(c *gin.Context) {
	submission, ok := h.load(c)
	if !ok {
		return
	}
	result, err := h.result(c, submission.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	view := h.view(submission, result)
	if result != nil {
		view.Result = &ResultView{
			ReturnCode: result.ReturnCode,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			TimeTaken:  result.TimeTaken.Seconds(),
			CreatedAt:  result.CreatedAt,
		}
	}
	response.Success(c, view)
}

// Report returns the parsed test and style reports of a checked submission.
// Unparseable reports yield an empty report.
func (h *SubmissionController) Report(c *gin.Context) {
	submission, ok := h.load(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	result, err := h.result(c, submission.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if result == nil {
		response.Success(c, report.Report{})
		return
	}

	outputs := make(map[string]string, len(result.Outputs))
	for _, o := range result.Outputs {
		outputs[o.Name] = o.Output
	}
	sources := make(map[string]string, len(submission.Files))
	for _, f := range submission.Files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			logger.Warn(ctx, "read submission file failed", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		sources[f.Name] = string(data)
	}

	rep, err := report.Parse(outputs, sources, h.cfg.InputMount)
	if err != nil {
		logger.Warn(ctx, "report parse failed", zap.Int64("submission_id", submission.ID), zap.Error(err))
		rep = report.Report{}
	}
	response.Success(c, rep)
}

func (h *SubmissionController) load(c *gin.Context) (model.Submission, bool) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errUnauthenticated())
		return model.Submission{}, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return model.Submission{}, false
	}
	submission, err := h.service.Get(c.Request.Context(), viewerOf(principal), id)
	if err != nil {
		response.Error(c, err)
		return model.Submission{}, false
	}
	return submission, true
}

func (h *SubmissionController) result(c *gin.Context, submissionID int64) (*model.TestResult, error) {
	result, err := h.results.GetBySubmission(c.Request.Context(), nil, submissionID)
	if err != nil {
		if errors.Is(err, checkerRepo.ErrResultNotFound) {
			return nil, nil
		}
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return &result, nil
}

func (h *SubmissionController) view(s model.Submission, result *model.TestResult) SubmissionView {
	files := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		files = append(files, f.Name)
	}
	return SubmissionView{
		ID:             s.ID,
		ScopedID:       s.ScopedID,
		TaskID:         s.TaskID,
		SubmissionDate: s.SubmissionDate,
		Passed:         s.Passed,
		Status:         string(s.Status(result, h.now(), h.cfg.LostTimeout)),
		Files:          files,
	}
}

func readUploads(headers []*multipart.FileHeader) ([]service.UploadedFile, error) {
	files := make([]service.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, service.UploadedFile{Name: fh.Filename, Content: data})
	}
	return files, nil
}

func viewerOf(p middleware.Principal) service.Viewer {
	return service.Viewer{UserID: p.ID, Staff: p.IsStaff()}
}

func errUnauthenticated() error {
	return appErr.New(appErr.Unauthorized)
}

// SubmissionView is the API shape of a submission.
type SubmissionView struct {
	ID             int64       `json:"id"`
	ScopedID       int         `json:"scoped_id"`
	TaskID         int64       `json:"task_id"`
	SubmissionDate time.Time   `json:"submission_date"`
	Passed         bool        `json:"passed"`
	Status         string      `json:"status"`
	Files          []string    `json:"files"`
	Result         *ResultView `json:"result,omitempty"`
}

// ResultView summarizes a check result.
type ResultView struct {
	ReturnCode int       `json:"return_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	TimeTaken  float64   `json:"time_taken"`
	CreatedAt  time.Time `json:"created_at"`
}
