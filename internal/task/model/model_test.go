package model

import (
	"testing"
	"time"

	"inloop/internal/testutil"
)

func TestParseMeta(t *testing.T) {
	meta, err := ParseMeta([]byte(`{"title":"Fib","category":"Basics","pubdate":"2024-01-01T00:00:00Z"}`))
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, meta.Title, "Fib")
	testutil.AssertEqual(t, meta.Category, "Basics")
	testutil.AssertEqual(t, meta.Pubdate, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	testutil.AssertTrue(t, meta.Deadline == nil, "deadline is optional")
	testutil.AssertFalse(t, meta.Disabled, "tasks are enabled by default")

	meta, err = ParseMeta([]byte(`{"title":"Fib","category":"Basics","pubdate":"2024-01-01 08:00:00+02:00",
		"deadline":"2024-02-01 12:00:00","disabled":true,"max_submissions":3,"group":"tutors"}`))
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, meta.Pubdate, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC))
	testutil.AssertEqual(t, *meta.Deadline, time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC))
	testutil.AssertTrue(t, meta.Disabled, "disabled flag")
	testutil.AssertEqual(t, *meta.MaxSubmissions, 3)
	testutil.AssertEqual(t, meta.Group, "tutors")
}

func TestParseMetaRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "malformed", data: `{"title":`},
		{name: "missing title", data: `{"category":"Basics","pubdate":"2024-01-01"}`},
		{name: "missing category", data: `{"title":"Fib","pubdate":"2024-01-01"}`},
		{name: "missing pubdate", data: `{"title":"Fib","category":"Basics"}`},
		{name: "bad pubdate", data: `{"title":"Fib","category":"Basics","pubdate":"yesterday"}`},
		{name: "bad deadline", data: `{"title":"Fib","category":"Basics","pubdate":"2024-01-01","deadline":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMeta([]byte(tt.data))
			testutil.AssertNotNil(t, err)
		})
	}
}

func TestTaskDeadlineBoundary(t *testing.T) {
	deadline := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task := Task{Deadline: &deadline}
	tolerance := 30 * time.Second

	testutil.AssertFalse(t, task.IsExpired(deadline.Add(29*time.Second), tolerance), "29s after deadline is accepted")
	testutil.AssertFalse(t, task.IsExpired(deadline.Add(30*time.Second), tolerance), "exactly at tolerance is accepted")
	testutil.AssertTrue(t, task.IsExpired(deadline.Add(31*time.Second), tolerance), "31s after deadline is rejected")
	testutil.AssertFalse(t, Task{}.IsExpired(time.Now(), 0), "no deadline never expires")
}

func TestTaskVisibilityAndLimit(t *testing.T) {
	now := time.Now()
	testutil.AssertTrue(t, Task{Pubdate: now}.IsPublished(now), "pubdate == now is published")
	testutil.AssertFalse(t, Task{Pubdate: now.Add(time.Minute)}.IsPublished(now), "future pubdate")

	testutil.AssertTrue(t, Task{}.VisibleTo(nil), "no group")
	testutil.AssertTrue(t, Task{Group: "a"}.VisibleTo([]string{"b", "a"}), "member")
	testutil.AssertFalse(t, Task{Group: "a"}.VisibleTo([]string{"b"}), "non-member")

	five := 5
	zero := 0
	testutil.AssertEqual(t, Task{}.SubmissionLimit(-1), -1)
	testutil.AssertEqual(t, Task{MaxSubmissions: &five}.SubmissionLimit(10), 5)
	testutil.AssertEqual(t, Task{MaxSubmissions: &zero}.SubmissionLimit(10), 10)
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Fibonacci":           "fibonacci",
		"Übung 1: Fibonacci":  "ubung-1-fibonacci",
		"  hello__world  ":    "hello-world",
		"already-a-slug":      "already-a-slug",
		"":                    "",
	}
	for in, want := range tests {
		testutil.AssertEqual(t, Slugify(in), want)
	}
}
