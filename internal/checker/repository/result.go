package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"inloop/internal/common/db"
	"inloop/internal/submission/model"
)

var (
	ErrResultNotFound = errors.New("test result not found")
	// ErrResultExists is returned when a submission already has a result.
	ErrResultExists = errors.New("test result already exists")
)

const resultUniqueKey = "uk_test_results_submission"

// ResultRepository persists check results.
type ResultRepository interface {
	Create(ctx context.Context, tx db.Transaction, result *model.TestResult) error
	GetBySubmission(ctx context.Context, tx db.Transaction, submissionID int64) (model.TestResult, error)
	ExistsForSubmission(ctx context.Context, tx db.Transaction, submissionID int64) (bool, error)
	// ReturnCodes returns the return code of each listed submission that has a
	// result, without loading outputs.
	ReturnCodes(ctx context.Context, tx db.Transaction, submissionIDs []int64) (map[int64]int, error)
}

// MySQLResultRepository implements ResultRepository with MySQL.
type MySQLResultRepository struct {
	db db.Database
}

func NewResultRepository(database db.Database) ResultRepository {
	return &MySQLResultRepository{db: database}
}

// Create inserts the result row and bulk-inserts its outputs.
func (r *MySQLResultRepository) Create(ctx context.Context, tx db.Transaction, result *model.TestResult) error {
	if result == nil {
		return errors.New("result is nil")
	}
	if result.SubmissionID <= 0 {
		return errors.New("submissionID is required")
	}
	q := db.GetQuerier(r.db, tx)
	res, err := q.Exec(ctx, `
		INSERT INTO test_results (submission_id, created_at, stdout, stderr, return_code, time_taken)
		VALUES (?, ?, ?, ?, ?, ?)`,
		result.SubmissionID,
		result.CreatedAt.UTC(),
		result.Stdout,
		result.Stderr,
		result.ReturnCode,
		result.TimeTaken.Seconds(),
	)
	if err != nil {
		if key, ok := db.UniqueViolation(err); ok && strings.HasSuffix(key, resultUniqueKey) {
			return ErrResultExists
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	result.ID = id

	if len(result.Outputs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(result.Outputs)*3)
	for i := range result.Outputs {
		result.Outputs[i].TestResultID = id
		args = append(args, id, result.Outputs[i].Name, result.Outputs[i].Output)
	}
	_, err = q.Exec(ctx, "INSERT INTO test_outputs (test_result_id, name, output) VALUES "+db.Placeholders(len(result.Outputs), 3), args...)
	return err
}

// GetBySubmission returns the result of a submission with its outputs.
func (r *MySQLResultRepository) GetBySubmission(ctx context.Context, tx db.Transaction, submissionID int64) (model.TestResult, error) {
	q := db.GetQuerier(r.db, tx)
	var (
		result    model.TestResult
		timeTaken float64
	)
	err := q.QueryRow(ctx, `
		SELECT id, submission_id, created_at, stdout, stderr, return_code, time_taken
		FROM test_results WHERE submission_id = ?`, submissionID,
	).Scan(&result.ID, &result.SubmissionID, &result.CreatedAt, &result.Stdout, &result.Stderr, &result.ReturnCode, &timeTaken)
	if err != nil {
		if db.IsNoRows(err) {
			return model.TestResult{}, ErrResultNotFound
		}
		return model.TestResult{}, err
	}
	result.CreatedAt = result.CreatedAt.UTC()
	result.TimeTaken = time.Duration(timeTaken * float64(time.Second))

	rows, err := q.Query(ctx, "SELECT id, test_result_id, name, output FROM test_outputs WHERE test_result_id = ? ORDER BY name", result.ID)
	if err != nil {
		return model.TestResult{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var out model.TestOutput
		if err := rows.Scan(&out.ID, &out.TestResultID, &out.Name, &out.Output); err != nil {
			return model.TestResult{}, err
		}
		result.Outputs = append(result.Outputs, out)
	}
	return result, rows.Err()
}

func (r *MySQLResultRepository) ExistsForSubmission(ctx context.Context, tx db.Transaction, submissionID int64) (bool, error) {
	var one int
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT 1 FROM test_results WHERE submission_id = ? LIMIT 1", submissionID).Scan(&one)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *MySQLResultRepository) ReturnCodes(ctx context.Context, tx db.Transaction, submissionIDs []int64) (map[int64]int, error) {
	codes := make(map[int64]int, len(submissionIDs))
	if len(submissionIDs) == 0 {
		return codes, nil
	}
	args := make([]interface{}, len(submissionIDs))
	for i, id := range submissionIDs {
		args[i] = id
	}
	rows, err := db.GetQuerier(r.db, tx).Query(ctx,
		"SELECT submission_id, return_code FROM test_results WHERE submission_id IN "+db.Placeholders(1, len(submissionIDs)),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id int64
			rc int
		)
		if err := rows.Scan(&id, &rc); err != nil {
			return nil, err
		}
		codes[id] = rc
	}
	return codes, rows.Err()
}
