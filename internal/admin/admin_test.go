package admin

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/submission/model"
	"inloop/internal/submission/repository"
	"inloop/internal/submission/service"
	taskModel "inloop/internal/task/model"
	taskRepo "inloop/internal/task/repository"
	"inloop/internal/testutil"
	"inloop/internal/testutil/fakedb"
	appErr "inloop/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type pruneRepo struct {
	repository.SubmissionRepository

	rows map[int64]model.Submission
}

func (r *pruneRepo) ListBeyondLatest(ctx context.Context, tx db.Transaction, keep int) ([]int64, error) {
	type scope struct{ user, task int64 }
	byScope := make(map[scope][]model.Submission)
	for _, s := range r.rows {
		k := scope{s.UserID, s.TaskID}
		byScope[k] = append(byScope[k], s)
	}
	var ids []int64
	for _, list := range byScope {
		sort.Slice(list, func(i, j int) bool { return list[i].ScopedID > list[j].ScopedID })
		for i := keep; i < len(list); i++ {
			ids = append(ids, list[i].ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *pruneRepo) GetByID(ctx context.Context, tx db.Transaction, id int64) (model.Submission, error) {
	s, ok := r.rows[id]
	if !ok {
		return model.Submission{}, repository.ErrSubmissionNotFound
	}
	return s, nil
}

func (r *pruneRepo) Delete(ctx context.Context, tx db.Transaction, id int64) error {
	s, ok := r.rows[id]
	if !ok {
		return repository.ErrSubmissionNotFound
	}
	delete(r.rows, id)
	tx.(*fakedb.Tx).OnRollback(func() { r.rows[id] = s })
	return nil
}

func seedSubmission(t *testing.T, root string, repo *pruneRepo, id, userID int64, scopedID int) string {
	t.Helper()
	dir := service.SolutionDir(root, 2024, "fibonacci", userID, id)
	testutil.MustNoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "Fibonacci.java")
	testutil.MustNoError(t, os.WriteFile(path, []byte("class Fibonacci {}"), 0o644))
	repo.rows[id] = model.Submission{
		ID:       id,
		UserID:   userID,
		TaskID:   1,
		ScopedID: scopedID,
		Files:    []model.SubmissionFile{{SubmissionID: id, Name: "Fibonacci.java", Path: path}},
	}
	return dir
}

func TestPruneKeepsLatestPerScope(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	repo := &pruneRepo{rows: make(map[int64]model.Submission)}

	dirs := map[int64]string{
		1: seedSubmission(t, root, repo, 1, 10, 1),
		2: seedSubmission(t, root, repo, 2, 10, 2),
		3: seedSubmission(t, root, repo, 3, 10, 3),
		4: seedSubmission(t, root, repo, 4, 11, 1),
	}

	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	testutil.MustNoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	testutil.MustNoError(t, mr.Set(repository.CacheKey(1), "{}"))
	testutil.MustNoError(t, mr.Set(repository.CacheKey(3), "{}"))

	database := fakedb.New()
	pruner, err := NewPruner(database, repo, c, root)
	testutil.MustNoError(t, err)

	result, err := pruner.Prune(ctx, 1)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, result.Deleted, 2)
	testutil.AssertEqual(t, result.RemovedDirs, 2)
	testutil.AssertEqual(t, result.Failed, 0)
	testutil.AssertEqual(t, database.Commits(), 2)

	_, kept3 := repo.rows[3]
	_, kept4 := repo.rows[4]
	testutil.AssertTrue(t, kept3 && kept4, "latest submissions must survive")
	testutil.AssertEqual(t, len(repo.rows), 2)

	for id, dir := range dirs {
		_, statErr := os.Stat(dir)
		if id == 1 || id == 2 {
			testutil.AssertTrue(t, os.IsNotExist(statErr), "pruned directory must be removed")
		} else {
			testutil.AssertNil(t, statErr)
		}
	}
	testutil.AssertFalse(t, mr.Exists(repository.CacheKey(1)), "pruned submission must leave the cache")
	testutil.AssertTrue(t, mr.Exists(repository.CacheKey(3)), "kept submission stays cached")
}

func TestPruneIgnoresPathsOutsideMediaRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	repo := &pruneRepo{rows: map[int64]model.Submission{
		1: {ID: 1, UserID: 1, TaskID: 1, ScopedID: 1, Files: []model.SubmissionFile{{Path: filepath.Join(outside, "A.java")}}},
		2: {ID: 2, UserID: 1, TaskID: 1, ScopedID: 2},
	}}
	pruner, err := NewPruner(fakedb.New(), repo, nil, root)
	testutil.MustNoError(t, err)

	result, err := pruner.Prune(context.Background(), 1)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, result.Deleted, 1)
	testutil.AssertEqual(t, result.RemovedDirs, 0)
	_, statErr := os.Stat(outside)
	testutil.AssertNil(t, statErr)
}

func TestPruneRejectsNegativeKeep(t *testing.T) {
	pruner, err := NewPruner(fakedb.New(), &pruneRepo{}, nil, t.TempDir())
	testutil.MustNoError(t, err)
	_, err = pruner.Prune(context.Background(), -1)
	testutil.AssertNotNil(t, err)
}

type listTasks struct {
	taskRepo.TaskRepository

	tasks     []taskModel.Task
	templates map[int64][]taskModel.FileTemplate
}

func (r *listTasks) List(ctx context.Context, tx db.Transaction) ([]taskModel.Task, error) {
	return r.tasks, nil
}

func (r *listTasks) ListTemplates(ctx context.Context, tx db.Transaction, taskID int64) ([]taskModel.FileTemplate, error) {
	return r.templates[taskID], nil
}

type recordingSubmitter struct {
	inputs []service.SubmitInput
	refuse map[string]error
}

func (s *recordingSubmitter) Submit(ctx context.Context, input service.SubmitInput) (model.Submission, error) {
	if err := s.refuse[input.TaskSlug]; err != nil {
		return model.Submission{}, err
	}
	s.inputs = append(s.inputs, input)
	return model.Submission{ID: int64(len(s.inputs)), UserID: input.UserID}, nil
}

func TestGenerateSubmitsTemplates(t *testing.T) {
	tasks := &listTasks{
		tasks: []taskModel.Task{
			{ID: 1, Slug: "fibonacci"},
			{ID: 2, Slug: "hello-world"},
			{ID: 3, Slug: "old-task"},
		},
		templates: map[int64][]taskModel.FileTemplate{
			1: {{Name: "Fibonacci.java", Contents: "class Fibonacci {}"}},
		},
	}
	submitter := &recordingSubmitter{refuse: map[string]error{
		"old-task": appErr.New(appErr.DeadlineExceeded),
	}}

	result, err := NewGenerator(tasks, submitter).Generate(context.Background(), GenerateOptions{
		UserIDs: []int64{1, 2},
		PerTask: 2,
	})
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, result.Created, 8)
	testutil.AssertEqual(t, len(result.SkippedTasks), 1)
	testutil.AssertEqual(t, result.SkippedTasks[0], "old-task")

	first := submitter.inputs[0]
	testutil.AssertEqual(t, first.TaskSlug, "fibonacci")
	testutil.AssertEqual(t, first.Files[0].Name, "Fibonacci.java")
	testutil.AssertTrue(t, first.Staff, "generated submissions bypass group visibility")

	last := submitter.inputs[len(submitter.inputs)-1]
	testutil.AssertEqual(t, last.TaskSlug, "hello-world")
	testutil.AssertEqual(t, last.Files[0].Name, "Solution.java")
}

func TestGenerateStopsOnUnexpectedError(t *testing.T) {
	tasks := &listTasks{tasks: []taskModel.Task{{ID: 1, Slug: "fibonacci"}}}
	submitter := &recordingSubmitter{refuse: map[string]error{
		"fibonacci": appErr.New(appErr.DatabaseError),
	}}
	_, err := NewGenerator(tasks, submitter).Generate(context.Background(), GenerateOptions{UserIDs: []int64{1}})
	testutil.AssertTrue(t, appErr.Is(err, appErr.DatabaseError), "database errors abort the run")
}

func TestGenerateRequiresUsers(t *testing.T) {
	_, err := NewGenerator(&listTasks{}, &recordingSubmitter{}).Generate(context.Background(), GenerateOptions{})
	testutil.AssertNotNil(t, err)
}
