package signals

import "time"

// SubmissionSubmitted is sent after a submission has been committed.
type SubmissionSubmitted struct {
	SubmissionID   int64
	UserID         int64
	TaskID         int64
	TaskSystemName string
	ScopedID       int
	SubmittedAt    time.Time
	// Files are absolute paths of the stored submission files.
	Files []string
}

// RepositoryLoaded is sent after the task repository has been synchronized
// and its tasks published.
type RepositoryLoaded struct {
	Path        string
	Branch      string
	TasksLoaded int
	LoadedAt    time.Time
}

// SubmissionChecked is sent after a check result has been committed.
type SubmissionChecked struct {
	SubmissionID   int64
	UserID         int64
	TaskSystemName string
	ReturnCode     int
	Status         string
	Passed         bool
	CheckedAt      time.Time
}

// Bus groups the pipeline signals. Receivers are connected once at process start.
type Bus struct {
	SubmissionSubmitted *Signal[SubmissionSubmitted]
	RepositoryLoaded    *Signal[RepositoryLoaded]
	SubmissionChecked   *Signal[SubmissionChecked]
}

// NewBus creates a bus with no receivers.
func NewBus() *Bus {
	return &Bus{
		SubmissionSubmitted: New[SubmissionSubmitted]("submission_submitted"),
		RepositoryLoaded:    New[RepositoryLoaded]("repository_loaded"),
		SubmissionChecked:   New[SubmissionChecked]("submission_checked"),
	}
}
