package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inloop/internal/checker/repository"
	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/common/signals"
	"inloop/internal/report"
	"inloop/internal/sandbox"
	"inloop/internal/submission/model"
	submissionRepo "inloop/internal/submission/repository"
	taskModel "inloop/internal/task/model"
	taskRepo "inloop/internal/task/repository"
	"inloop/internal/testutil"
	"inloop/internal/testutil/fakedb"
	appErr "inloop/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const fibonacciReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="FibonacciTest" tests="5" failures="0" errors="0" skipped="0" time="0.12">
  <testcase classname="FibonacciTest" name="zero" time="0.01"/>
  <testcase classname="FibonacciTest" name="one" time="0.01"/>
  <testcase classname="FibonacciTest" name="two" time="0.01"/>
  <testcase classname="FibonacciTest" name="ten" time="0.01"/>
  <testcase classname="FibonacciTest" name="twenty" time="0.08"/>
</testsuite>`

type fakeSubmissions struct {
	submissionRepo.SubmissionRepository

	mu       sync.Mutex
	rows     map[int64]model.Submission
	failPass error
}

func (r *fakeSubmissions) GetByID(ctx context.Context, tx db.Transaction, id int64) (model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return model.Submission{}, submissionRepo.ErrSubmissionNotFound
	}
	return s, nil
}

func (r *fakeSubmissions) SetPassed(ctx context.Context, tx db.Transaction, id int64, passed bool) error {
	if r.failPass != nil {
		return r.failPass
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.rows[id]
	prev := s.Passed
	s.Passed = passed
	r.rows[id] = s
	tx.(*fakedb.Tx).OnRollback(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		s := r.rows[id]
		s.Passed = prev
		r.rows[id] = s
	})
	return nil
}

type fakeResults struct {
	repository.ResultRepository

	mu      sync.Mutex
	results map[int64]model.TestResult
	nextID  int64
}

func (r *fakeResults) Create(ctx context.Context, tx db.Transaction, result *model.TestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[result.SubmissionID]; ok {
		return repository.ErrResultExists
	}
	r.nextID++
	result.ID = r.nextID
	r.results[result.SubmissionID] = *result
	id := result.SubmissionID
	tx.(*fakedb.Tx).OnRollback(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.results, id)
	})
	return nil
}

func (r *fakeResults) ExistsForSubmission(ctx context.Context, tx db.Transaction, submissionID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.results[submissionID]
	return ok, nil
}

func (r *fakeResults) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type fakeTasks struct {
	taskRepo.TaskRepository
}

func (fakeTasks) GetByID(ctx context.Context, tx db.Transaction, id int64) (taskModel.Task, error) {
	if id != 1 {
		return taskModel.Task{}, taskRepo.ErrTaskNotFound
	}
	return taskModel.Task{ID: 1, SystemName: "Fibonacci", Slug: "fibonacci"}, nil
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	output sandbox.Output
	err    error
	block  chan struct{}
}

func (r *fakeRunner) CheckTask(ctx context.Context, taskName, inputDir string) (sandbox.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, taskName+"@"+inputDir)
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return sandbox.Output{}, ctx.Err()
		}
	}
	return r.output, r.err
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type harness struct {
	dispatcher  *Dispatcher
	db          *fakedb.Database
	submissions *fakeSubmissions
	results     *fakeResults
	runner      *fakeRunner
	cache       cache.Cache
	mr          *miniredis.Miniredis
	checked     chan signals.SubmissionChecked
}

func newHarness(t *testing.T, queueSize int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	testutil.MustNoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	h := &harness{
		db: fakedb.New(),
		submissions: &fakeSubmissions{rows: map[int64]model.Submission{
			7: {
				ID:             7,
				UserID:         42,
				TaskID:         1,
				ScopedID:       1,
				SubmissionDate: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
				Files:          []model.SubmissionFile{{Name: "Fibonacci.java", Path: "/media/solutions/2024/fibonacci/q/7/Fibonacci.java"}},
			},
		}},
		results: &fakeResults{results: make(map[int64]model.TestResult)},
		runner:  &fakeRunner{},
		cache:   c,
		mr:      mr,
		checked: make(chan signals.SubmissionChecked, 8),
	}
	bus := signals.NewBus()
	bus.SubmissionChecked.Connect("test", func(ctx context.Context, e signals.SubmissionChecked) {
		h.checked <- e
	})
	d, err := NewDispatcher(Config{
		DB:             h.db,
		SubmissionRepo: h.submissions,
		ResultRepo:     h.results,
		TaskRepo:       fakeTasks{},
		Cache:          c,
		Runner:         h.runner,
		Bus:            bus,
		Workers:        2,
		QueueSize:      queueSize,
		Now:            func() time.Time { return time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC) },
	})
	testutil.MustNoError(t, err)
	h.dispatcher = d
	return h
}

func TestCheckHappyPath(t *testing.T) {
	h := newHarness(t, 4)
	h.runner.output = sandbox.Output{
		ReturnCode: 0,
		Stdout:     "BUILD SUCCESSFUL",
		Duration:   1500 * time.Millisecond,
		Files:      map[string]string{"TEST-Fibonacci.xml": fibonacciReport, "checkstyle.txt": "ok"},
	}
	ctx := context.Background()
	testutil.MustNoError(t, h.cache.Set(ctx, submissionRepo.CacheKey(7), "stale", time.Hour))

	result, err := h.dispatcher.Check(ctx, 7)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, result.ReturnCode, 0)
	testutil.AssertEqual(t, result.Status(), model.StatusSuccess)
	testutil.AssertEqual(t, result.TimeTaken, 1500*time.Millisecond)
	testutil.AssertEqual(t, len(result.Outputs), 2)
	testutil.AssertEqual(t, result.Outputs[0].Name, "TEST-Fibonacci.xml")
	testutil.AssertEqual(t, h.runner.calls, []string{"Fibonacci@/media/solutions/2024/fibonacci/q/7"})

	sub, _ := h.submissions.GetByID(ctx, nil, 7)
	testutil.AssertTrue(t, sub.Passed, "passed after rc 0")
	testutil.AssertEqual(t, h.db.Commits(), 1)
	testutil.AssertFalse(t, h.mr.Exists(submissionRepo.CacheKey(7)), "cached submission dropped")

	ev := <-h.checked
	testutil.AssertEqual(t, ev.SubmissionID, int64(7))
	testutil.AssertEqual(t, ev.UserID, int64(42))
	testutil.AssertEqual(t, ev.Status, "success")
	testutil.AssertTrue(t, ev.Passed, "event reports passed")

	outputs := make(map[string]string)
	for _, o := range result.Outputs {
		outputs[o.Name] = o.Output
	}
	rep, err := report.Parse(outputs, nil, "/checker/input")
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, len(rep.TestSuites), 1)
	testutil.AssertEqual(t, rep.TestSuites[0].Passed, 5)
}

func TestCheckStatuses(t *testing.T) {
	tests := []struct {
		name   string
		output sandbox.Output
		err    error
		rc     int
		status model.Status
	}{
		{name: "timeout", output: sandbox.Output{ReturnCode: 9, Stderr: "killed"}, rc: 9, status: model.StatusKilled},
		{name: "test failure", output: sandbox.Output{ReturnCode: 1}, rc: 1, status: model.StatusFailure},
		{name: "image missing", output: sandbox.Output{ReturnCode: 125}, rc: 125, status: model.StatusError},
		{name: "runner error", err: errors.New("mount failed"), rc: 125, status: model.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 4)
			h.runner.output = tt.output
			h.runner.err = tt.err

			result, err := h.dispatcher.Check(context.Background(), 7)
			testutil.MustNoError(t, err)
			testutil.AssertEqual(t, result.ReturnCode, tt.rc)
			testutil.AssertEqual(t, result.Status(), tt.status)

			sub, _ := h.submissions.GetByID(context.Background(), nil, 7)
			testutil.AssertFalse(t, sub.Passed, "not passed")
			testutil.AssertEqual(t, h.results.count(), 1)
			ev := <-h.checked
			testutil.AssertEqual(t, ev.Status, string(tt.status))
		})
	}
}

func TestCheckRefusesFinalized(t *testing.T) {
	h := newHarness(t, 4)
	_, err := h.dispatcher.Check(context.Background(), 7)
	testutil.MustNoError(t, err)

	_, err = h.dispatcher.Check(context.Background(), 7)
	testutil.AssertTrue(t, appErr.Is(err, appErr.SubmissionFinalized), "second check is refused")
	testutil.AssertEqual(t, h.runner.callCount(), 1)
	testutil.AssertEqual(t, h.results.count(), 1)
}

func TestCheckUnknownSubmission(t *testing.T) {
	h := newHarness(t, 4)
	_, err := h.dispatcher.Check(context.Background(), 99)
	testutil.AssertTrue(t, appErr.Is(err, appErr.SubmissionNotFound), "unknown submission")
	testutil.AssertEqual(t, h.runner.callCount(), 0)
}

func TestCheckCancelledLeavesNoResult(t *testing.T) {
	h := newHarness(t, 4)
	h.runner.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.dispatcher.Check(ctx, 7)
		done <- err
	}()
	for h.runner.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-done
	testutil.AssertTrue(t, errors.Is(err, context.Canceled), "cancellation is returned")
	testutil.AssertEqual(t, h.results.count(), 0)
	testutil.AssertEqual(t, h.db.Commits(), 0)
}

func TestCheckPersistFailureRollsBack(t *testing.T) {
	h := newHarness(t, 4)
	h.submissions.failPass = errors.New("deadlock found")

	_, err := h.dispatcher.Check(context.Background(), 7)
	testutil.AssertTrue(t, appErr.Is(err, appErr.CheckPersistFailed), "persist failure is reported")
	testutil.AssertEqual(t, h.results.count(), 0)
	testutil.AssertEqual(t, h.db.Rollbacks(), 1)
	testutil.AssertEqual(t, len(h.checked), 0)
}

func TestEnqueueQueueFull(t *testing.T) {
	h := newHarness(t, 1)
	testutil.MustNoError(t, h.dispatcher.Enqueue(context.Background(), 7))
	err := h.dispatcher.Enqueue(context.Background(), 8)
	testutil.AssertTrue(t, appErr.Is(err, appErr.CheckQueueFull), "queue full")
}

func TestRunProcessesSubmittedEvents(t *testing.T) {
	h := newHarness(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- h.dispatcher.Run(ctx) }()

	h.dispatcher.HandleSubmissionSubmitted(ctx, signals.SubmissionSubmitted{SubmissionID: 7})
	select {
	case ev := <-h.checked:
		testutil.AssertEqual(t, ev.SubmissionID, int64(7))
	case <-time.After(5 * time.Second):
		t.Fatal("submission was not checked")
	}

	cancel()
	testutil.MustNoError(t, <-stopped)
	err := h.dispatcher.Enqueue(context.Background(), 7)
	testutil.AssertTrue(t, appErr.Is(err, appErr.ServiceUnavailable), "stopped dispatcher refuses jobs")
}

func TestOutputsOfSorted(t *testing.T) {
	outputs := outputsOf(map[string]string{"b.txt": "B", "a.txt": "A"})
	testutil.AssertEqual(t, outputs, []model.TestOutput{{Name: "a.txt", Output: "A"}, {Name: "b.txt", Output: "B"}})
	testutil.AssertEqual(t, len(outputsOf(nil)), 0)
}
