package model

import (
	"testing"
	"time"

	"inloop/internal/testutil"
)

func TestReturnCodeStatus(t *testing.T) {
	tests := []struct {
		rc   int
		want Status
	}{
		{rc: 0, want: StatusSuccess},
		{rc: 9, want: StatusKilled},
		{rc: 137, want: StatusKilled},
		{rc: 125, want: StatusError},
		{rc: 126, want: StatusError},
		{rc: 127, want: StatusError},
		{rc: 1, want: StatusFailure},
		{rc: 2, want: StatusFailure},
		{rc: 124, want: StatusFailure},
	}
	for _, tt := range tests {
		testutil.AssertEqual(t, ReturnCodeStatus(tt.rc), tt.want)
	}
}

func TestSubmissionStatus(t *testing.T) {
	submitted := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sub := Submission{SubmissionDate: submitted}

	testutil.AssertEqual(t, sub.Status(nil, submitted.Add(time.Minute), 5*time.Minute), StatusPending)
	testutil.AssertEqual(t, sub.Status(nil, submitted.Add(5*time.Minute), 5*time.Minute), StatusPending)
	testutil.AssertEqual(t, sub.Status(nil, submitted.Add(5*time.Minute+time.Second), 5*time.Minute), StatusLost)
	testutil.AssertEqual(t, sub.Status(nil, submitted.Add(6*time.Minute), 0), StatusLost)

	result := &TestResult{ReturnCode: 0}
	testutil.AssertEqual(t, sub.Status(result, submitted.Add(time.Hour), time.Minute), StatusSuccess)
	result.ReturnCode = 1
	testutil.AssertEqual(t, sub.Status(result, submitted, time.Minute), StatusFailure)
}

func TestInputDir(t *testing.T) {
	_, ok := Submission{}.InputDir()
	testutil.AssertFalse(t, ok, "no files, no input dir")

	sub := Submission{Files: []SubmissionFile{
		{Name: "Fibonacci.java", Path: "/media/solutions/2024/fib/q/7/Fibonacci.java"},
		{Name: "Util.java", Path: "/media/solutions/2024/fib/q/7/Util.java"},
	}}
	dir, ok := sub.InputDir()
	testutil.AssertTrue(t, ok, "input dir found")
	testutil.AssertEqual(t, dir, "/media/solutions/2024/fib/q/7")
}
