package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/submission/model"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 5 * time.Minute
	submissionCacheKeyPrefix       = "submission:"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

// SubmissionRepository defines submission persistence.
type SubmissionRepository interface {
	NextScopedID(ctx context.Context, tx db.Transaction, userID, taskID int64) (int, error)
	CountByUserTask(ctx context.Context, tx db.Transaction, userID, taskID int64) (int, error)
	Create(ctx context.Context, tx db.Transaction, submission *model.Submission) error
	CreateFiles(ctx context.Context, tx db.Transaction, submissionID int64, files []model.SubmissionFile) error
	GetByID(ctx context.Context, tx db.Transaction, id int64) (model.Submission, error)
	ListByUserTask(ctx context.Context, tx db.Transaction, userID, taskID int64) ([]model.Submission, error)
	SetPassed(ctx context.Context, tx db.Transaction, id int64, passed bool) error
	ListBeyondLatest(ctx context.Context, tx db.Transaction, keep int) ([]int64, error)
	Delete(ctx context.Context, tx db.Transaction, id int64) error
	InvalidateCache(ctx context.Context, id int64) error
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionRepository creates a submission repository with defaults.
func NewSubmissionRepository(database db.Database, cacheClient cache.Cache) SubmissionRepository {
	return NewSubmissionRepositoryWithTTL(database, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewSubmissionRepositoryWithTTL creates a submission repository with custom TTL.
func NewSubmissionRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) SubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const submissionColumns = "id, user_id, task_id, submission_date, scoped_id, passed"

// NextScopedID returns the attempt number the next submission of the user
// for the task gets. Concurrent callers may see the same value; the unique
// key on (user_id, task_id, scoped_id) rejects the second insert.
func (r *MySQLSubmissionRepository) NextScopedID(ctx context.Context, tx db.Transaction, userID, taskID int64) (int, error) {
	var next int
	err := db.GetQuerier(r.db, tx).QueryRow(ctx,
		"SELECT COALESCE(MAX(scoped_id), 0) + 1 FROM submissions WHERE user_id = ? AND task_id = ?",
		userID, taskID,
	).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *MySQLSubmissionRepository) CountByUserTask(ctx context.Context, tx db.Transaction, userID, taskID int64) (int, error) {
	var count int
	err := db.GetQuerier(r.db, tx).QueryRow(ctx,
		"SELECT COUNT(*) FROM submissions WHERE user_id = ? AND task_id = ?",
		userID, taskID,
	).Scan(&count)
	return count, err
}

// Create inserts a submission and sets its ID.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, tx db.Transaction, submission *model.Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.UserID <= 0 {
		return errors.New("userID is required")
	}
	if submission.TaskID <= 0 {
		return errors.New("taskID is required")
	}
	if submission.ScopedID <= 0 {
		return errors.New("scopedID is required")
	}

	query := `
		INSERT INTO submissions (user_id, task_id, submission_date, scoped_id, passed)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query,
		submission.UserID,
		submission.TaskID,
		submission.SubmissionDate.UTC(),
		submission.ScopedID,
		submission.Passed,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	submission.ID = id
	return nil
}

func (r *MySQLSubmissionRepository) CreateFiles(ctx context.Context, tx db.Transaction, submissionID int64, files []model.SubmissionFile) error {
	if len(files) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(files)*3)
	for _, f := range files {
		args = append(args, submissionID, f.Name, f.Path)
	}
	query := "INSERT INTO submission_files (submission_id, name, path) VALUES " + db.Placeholders(len(files), 3)
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, args...)
	return err
}

// GetByID returns a submission with its files. Reads outside a transaction
// go through the cache.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, tx db.Transaction, id int64) (model.Submission, error) {
	if r.cache == nil || tx != nil {
		return r.getByID(ctx, tx, id)
	}
	submission, err := cache.GetWithCached[model.Submission](
		ctx,
		r.cache,
		CacheKey(id),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(s model.Submission) bool { return s.ID == 0 },
		marshalSubmission,
		unmarshalSubmission,
		func(ctx context.Context) (model.Submission, error) {
			s, err := r.getByID(ctx, nil, id)
			if errors.Is(err, ErrSubmissionNotFound) {
				return model.Submission{}, nil
			}
			return s, err
		},
	)
	if err != nil {
		return model.Submission{}, err
	}
	if submission.ID == 0 {
		return model.Submission{}, ErrSubmissionNotFound
	}
	return submission, nil
}

func (r *MySQLSubmissionRepository) getByID(ctx context.Context, tx db.Transaction, id int64) (model.Submission, error) {
	q := db.GetQuerier(r.db, tx)
	submission, err := scanSubmission(q.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ?", id))
	if err != nil {
		if db.IsNoRows(err) {
			return model.Submission{}, ErrSubmissionNotFound
		}
		return model.Submission{}, err
	}

	rows, err := q.Query(ctx, "SELECT id, submission_id, name, path FROM submission_files WHERE submission_id = ? ORDER BY name", id)
	if err != nil {
		return model.Submission{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var f model.SubmissionFile
		if err := rows.Scan(&f.ID, &f.SubmissionID, &f.Name, &f.Path); err != nil {
			return model.Submission{}, err
		}
		submission.Files = append(submission.Files, f)
	}
	return submission, rows.Err()
}

// ListByUserTask returns the user's submissions for a task, newest first,
// without files.
func (r *MySQLSubmissionRepository) ListByUserTask(ctx context.Context, tx db.Transaction, userID, taskID int64) ([]model.Submission, error) {
	rows, err := db.GetQuerier(r.db, tx).Query(ctx,
		"SELECT "+submissionColumns+" FROM submissions WHERE user_id = ? AND task_id = ? ORDER BY scoped_id DESC",
		userID, taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var submissions []model.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, s)
	}
	return submissions, rows.Err()
}

func (r *MySQLSubmissionRepository) SetPassed(ctx context.Context, tx db.Transaction, id int64, passed bool) error {
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, "UPDATE submissions SET passed = ? WHERE id = ?", passed, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		// MySQL reports 0 when the value is unchanged, so only a missing row is an error.
		var exists int
		if scanErr := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT 1 FROM submissions WHERE id = ?", id).Scan(&exists); db.IsNoRows(scanErr) {
			return ErrSubmissionNotFound
		}
	}
	return nil
}

// ListBeyondLatest returns the ids of submissions that are not among the
// keep most recent ones of their (user, task).
func (r *MySQLSubmissionRepository) ListBeyondLatest(ctx context.Context, tx db.Transaction, keep int) ([]int64, error) {
	if keep < 0 {
		return nil, errors.New("keep must not be negative")
	}
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, `
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY user_id, task_id ORDER BY scoped_id DESC) AS rn
			FROM submissions
		) ranked
		WHERE ranked.rn > ?
		ORDER BY id`, keep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a submission; files and results cascade.
func (r *MySQLSubmissionRepository) Delete(ctx context.Context, tx db.Transaction, id int64) error {
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, "DELETE FROM submissions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

func (r *MySQLSubmissionRepository) InvalidateCache(ctx context.Context, id int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, CacheKey(id))
}

// CacheKey returns the cache key of a submission.
func CacheKey(id int64) string {
	return submissionCacheKeyPrefix + strconv.FormatInt(id, 10)
}

func scanSubmission(scanner db.Scanner) (model.Submission, error) {
	var s model.Submission
	if err := scanner.Scan(&s.ID, &s.UserID, &s.TaskID, &s.SubmissionDate, &s.ScopedID, &s.Passed); err != nil {
		return model.Submission{}, err
	}
	s.SubmissionDate = s.SubmissionDate.UTC()
	return s, nil
}

func marshalSubmission(s model.Submission) string {
	payload, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalSubmission(data string) (model.Submission, error) {
	var s model.Submission
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return model.Submission{}, err
	}
	return s, nil
}
