package model

import (
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Status is the derived state of a submission.
type Status string

const (
	StatusPending Status = "pending"
	StatusLost    Status = "lost"
	StatusSuccess Status = "success"
	StatusKilled  Status = "killed"
	StatusError   Status = "error"
	StatusFailure Status = "failure"
)

// DefaultLostTimeout is how long a submission may wait for its result before
// it is reported as lost.
const DefaultLostTimeout = 5 * time.Minute

// Return codes with a fixed meaning.
const (
	ReturnCodeKilled         = int(unix.SIGKILL)
	ReturnCodeKilledShell    = 128 + int(unix.SIGKILL)
	ReturnCodeDaemonError    = 125
	ReturnCodeCannotInvoke   = 126
	ReturnCodeCommandMissing = 127
)

// Submission is one attempt of a user at a task.
type Submission struct {
	ID             int64            `json:"id"`
	UserID         int64            `json:"user_id"`
	TaskID         int64            `json:"task_id"`
	SubmissionDate time.Time        `json:"submission_date"`
	ScopedID       int              `json:"scoped_id"`
	Passed         bool             `json:"passed"`
	Files          []SubmissionFile `json:"files,omitempty"`
}

// SubmissionFile is a stored file of a submission. Path is absolute.
type SubmissionFile struct {
	ID           int64  `json:"id"`
	SubmissionID int64  `json:"submission_id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
}

// TestResult is the outcome of one check run.
type TestResult struct {
	ID           int64         `json:"id"`
	SubmissionID int64         `json:"submission_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ReturnCode   int           `json:"return_code"`
	TimeTaken    time.Duration `json:"time_taken"`
	Outputs      []TestOutput  `json:"outputs,omitempty"`
}

// TestOutput is a file harvested from the sandbox storage directory.
type TestOutput struct {
	ID           int64  `json:"id"`
	TestResultID int64  `json:"test_result_id"`
	Name         string `json:"name"`
	Output       string `json:"output"`
}

// Status derives the result status from its return code.
func (r TestResult) Status() Status {
	return ReturnCodeStatus(r.ReturnCode)
}

// IsSandboxError reports whether the return code signals a broken sandbox
// rather than a failing solution.
func IsSandboxError(rc int) bool {
	return rc == ReturnCodeDaemonError || rc == ReturnCodeCannotInvoke || rc == ReturnCodeCommandMissing
}

// ReturnCodeStatus maps a sandbox return code to a status.
func ReturnCodeStatus(rc int) Status {
	switch {
	case rc == 0:
		return StatusSuccess
	case rc == ReturnCodeKilled, rc == ReturnCodeKilledShell:
		return StatusKilled
	case IsSandboxError(rc):
		return StatusError
	default:
		return StatusFailure
	}
}

// Status derives the submission status. Without a result the submission is
// pending until lostTimeout has passed since it was made.
func (s Submission) Status(result *TestResult, now time.Time, lostTimeout time.Duration) Status {
	if result != nil {
		return result.Status()
	}
	if lostTimeout <= 0 {
		lostTimeout = DefaultLostTimeout
	}
	if now.After(s.SubmissionDate.Add(lostTimeout)) {
		return StatusLost
	}
	return StatusPending
}

// InputDir returns the directory shared by the submission files.
func (s Submission) InputDir() (string, bool) {
	if len(s.Files) == 0 || s.Files[0].Path == "" {
		return "", false
	}
	return filepath.Dir(s.Files[0].Path), true
}
