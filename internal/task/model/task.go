package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Category groups tasks in the catalog.
type Category struct {
	ID   int64
	Name string
	Slug string
}

// Task is one exercise loaded from the task repository.
type Task struct {
	ID             int64      `json:"id"`
	SystemName     string     `json:"system_name"`
	Slug           string     `json:"slug"`
	Title          string     `json:"title"`
	CategoryID     int64      `json:"category_id"`
	CategoryName   string     `json:"category"`
	Pubdate        time.Time  `json:"pubdate"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Description    string     `json:"description"`
	MaxSubmissions *int       `json:"max_submissions,omitempty"`
	Group          string     `json:"group,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsPublished reports whether the task is visible at now.
func (t Task) IsPublished(now time.Time) bool {
	return !t.Pubdate.After(now)
}

// IsExpired reports whether now lies past deadline+tolerance. A submission at
// exactly the tolerated deadline is still in time.
func (t Task) IsExpired(now time.Time, tolerance time.Duration) bool {
	if t.Deadline == nil {
		return false
	}
	return now.After(t.Deadline.Add(tolerance))
}

// VisibleTo reports whether a principal with groups may see the task.
// Tasks without a group are visible to everyone.
func (t Task) VisibleTo(groups []string) bool {
	if t.Group == "" {
		return true
	}
	for _, g := range groups {
		if g == t.Group {
			return true
		}
	}
	return false
}

// SubmissionLimit returns the effective per-user limit: the task's own
// positive value if set, else global. A result <= 0 means unlimited.
func (t Task) SubmissionLimit(global int) int {
	if t.MaxSubmissions != nil && *t.MaxSubmissions > 0 {
		return *t.MaxSubmissions
	}
	return global
}

// FileTemplate is a starter file shipped with a task.
type FileTemplate struct {
	ID       int64  `json:"id"`
	TaskID   int64  `json:"task_id"`
	Name     string `json:"name"`
	Contents string `json:"contents"`
}

// Slugify lowercases s, folds it to ASCII and joins the alphanumeric runs
// with hyphens: "Übung 1: Fibonacci" becomes "ubung-1-fibonacci".
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range norm.NFKD.String(s) {
		if r > unicode.MaxASCII {
			continue
		}
		r = unicode.ToLower(r)
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}
