package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/task/model"
)

const (
	defaultTaskTTL      = 10 * time.Minute
	defaultTaskEmptyTTL = time.Minute
	taskSlugKeyPrefix   = "task:slug:"
)

var (
	ErrTaskNotFound = errors.New("task not found")
)

// TaskRepository persists the task catalog.
type TaskRepository interface {
	GetOrCreateCategory(ctx context.Context, tx db.Transaction, name string) (int64, error)
	Upsert(ctx context.Context, tx db.Transaction, task *model.Task) (int64, error)
	ReplaceTemplates(ctx context.Context, tx db.Transaction, taskID int64, templates []model.FileTemplate) error
	GetBySlug(ctx context.Context, tx db.Transaction, slug string) (model.Task, error)
	GetByID(ctx context.Context, tx db.Transaction, id int64) (model.Task, error)
	List(ctx context.Context, tx db.Transaction) ([]model.Task, error)
	ListTemplates(ctx context.Context, tx db.Transaction, taskID int64) ([]model.FileTemplate, error)
	InvalidateCache(ctx context.Context, slug string) error
}

type MySQLTaskRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewTaskRepository(database db.Database, cacheClient cache.Cache) TaskRepository {
	return &MySQLTaskRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      defaultTaskTTL,
		emptyTTL: defaultTaskEmptyTTL,
	}
}

const taskColumns = `
	t.id, t.system_name, t.slug, t.title, t.category_id, c.name, t.pubdate, t.deadline,
	t.description, t.max_submissions, t.group_name, t.created_at, t.updated_at`

const taskFrom = ` FROM tasks t JOIN categories c ON c.id = t.category_id`

func (r *MySQLTaskRepository) GetOrCreateCategory(ctx context.Context, tx db.Transaction, name string) (int64, error) {
	q := db.GetQuerier(r.db, tx)
	if _, err := q.Exec(ctx, "INSERT IGNORE INTO categories (name, slug) VALUES (?, ?)", name, model.Slugify(name)); err != nil {
		return 0, err
	}
	var id int64
	if err := q.QueryRow(ctx, "SELECT id FROM categories WHERE name = ?", name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Upsert inserts or updates the task keyed by system_name and returns its id.
func (r *MySQLTaskRepository) Upsert(ctx context.Context, tx db.Transaction, task *model.Task) (int64, error) {
	if task == nil {
		return 0, errors.New("task is nil")
	}
	query := `
		INSERT INTO tasks (system_name, slug, title, category_id, pubdate, deadline, description, max_submissions, group_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			slug = VALUES(slug),
			title = VALUES(title),
			category_id = VALUES(category_id),
			pubdate = VALUES(pubdate),
			deadline = VALUES(deadline),
			description = VALUES(description),
			max_submissions = VALUES(max_submissions),
			group_name = VALUES(group_name)`
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query,
		task.SystemName,
		task.Slug,
		task.Title,
		task.CategoryID,
		task.Pubdate.UTC(),
		nullTime(task.Deadline),
		task.Description,
		nullInt(task.MaxSubmissions),
		nullString(task.Group),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	task.ID = id
	return id, nil
}

// ReplaceTemplates deletes the task's templates and inserts the given ones.
func (r *MySQLTaskRepository) ReplaceTemplates(ctx context.Context, tx db.Transaction, taskID int64, templates []model.FileTemplate) error {
	q := db.GetQuerier(r.db, tx)
	if _, err := q.Exec(ctx, "DELETE FROM file_templates WHERE task_id = ?", taskID); err != nil {
		return err
	}
	if len(templates) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(templates)*3)
	for _, tpl := range templates {
		args = append(args, taskID, tpl.Name, tpl.Contents)
	}
	query := "INSERT INTO file_templates (task_id, name, contents) VALUES " + db.Placeholders(len(templates), 3)
	_, err := q.Exec(ctx, query, args...)
	return err
}

func (r *MySQLTaskRepository) GetBySlug(ctx context.Context, tx db.Transaction, slug string) (model.Task, error) {
	if r.cache != nil && tx == nil {
		task, err := cache.GetWithCached[model.Task](
			ctx,
			r.cache,
			taskSlugKeyPrefix+slug,
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(t model.Task) bool { return t.ID == 0 },
			marshalTask,
			unmarshalTask,
			func(ctx context.Context) (model.Task, error) {
				task, err := r.getOne(ctx, nil, "t.slug = ?", slug)
				if errors.Is(err, ErrTaskNotFound) {
					return model.Task{}, nil
				}
				return task, err
			},
		)
		if err != nil {
			return model.Task{}, err
		}
		if task.ID == 0 {
			return model.Task{}, ErrTaskNotFound
		}
		return task, nil
	}
	return r.getOne(ctx, tx, "t.slug = ?", slug)
}

func (r *MySQLTaskRepository) GetByID(ctx context.Context, tx db.Transaction, id int64) (model.Task, error) {
	return r.getOne(ctx, tx, "t.id = ?", id)
}

func (r *MySQLTaskRepository) List(ctx context.Context, tx db.Transaction) ([]model.Task, error) {
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, "SELECT"+taskColumns+taskFrom+" ORDER BY c.name, t.pubdate, t.title")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *MySQLTaskRepository) ListTemplates(ctx context.Context, tx db.Transaction, taskID int64) ([]model.FileTemplate, error) {
	rows, err := db.GetQuerier(r.db, tx).Query(ctx,
		"SELECT id, task_id, name, contents FROM file_templates WHERE task_id = ? ORDER BY name", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []model.FileTemplate
	for rows.Next() {
		var tpl model.FileTemplate
		if err := rows.Scan(&tpl.ID, &tpl.TaskID, &tpl.Name, &tpl.Contents); err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (r *MySQLTaskRepository) InvalidateCache(ctx context.Context, slug string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, taskSlugKeyPrefix+slug)
}

func (r *MySQLTaskRepository) getOne(ctx context.Context, tx db.Transaction, where string, arg interface{}) (model.Task, error) {
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT"+taskColumns+taskFrom+" WHERE "+where, arg)
	task, err := scanTask(row)
	if err != nil {
		if db.IsNoRows(err) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, err
	}
	return task, nil
}

func scanTask(scanner db.Scanner) (model.Task, error) {
	var (
		task           model.Task
		deadline       sql.NullTime
		maxSubmissions sql.NullInt64
		group          sql.NullString
	)
	err := scanner.Scan(
		&task.ID,
		&task.SystemName,
		&task.Slug,
		&task.Title,
		&task.CategoryID,
		&task.CategoryName,
		&task.Pubdate,
		&deadline,
		&task.Description,
		&maxSubmissions,
		&group,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}
	if deadline.Valid {
		d := deadline.Time.UTC()
		task.Deadline = &d
	}
	if maxSubmissions.Valid {
		n := int(maxSubmissions.Int64)
		task.MaxSubmissions = &n
	}
	task.Group = group.String
	task.Pubdate = task.Pubdate.UTC()
	return task, nil
}

func marshalTask(task model.Task) string {
	payload, err := json.Marshal(task)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalTask(data string) (model.Task, error) {
	var task model.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
