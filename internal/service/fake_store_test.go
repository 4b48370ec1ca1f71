package service_test

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/store"
)

// fakeTaskRepo is an in-memory TaskRepository. It has no database handle;
// a single mutex keeps each operation atomic, and the service's per-task
// lock covers the load-mutate-save window in place of row locks.
type fakeTaskRepo struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[string]*domain.Task
	logs   map[int64][]*domain.TaskLog

	createErr error
	saveErr   error
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{
		nextID: 1,
		tasks:  make(map[string]*domain.Task),
		logs:   make(map[int64][]*domain.TaskLog),
	}
}

func (f *fakeTaskRepo) DB() *sql.DB { return nil }

func (f *fakeTaskRepo) WithTx(tx *sql.Tx) store.TaskStore { return f }

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	return &c
}

func (f *fakeTaskRepo) Create(ctx context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.tasks[task.TaskID]; ok {
		return store.ErrTaskIDExists
	}
	task.ID = f.nextID
	f.nextID++
	f.tasks[task.TaskID] = copyTask(task)
	return nil
}

func (f *fakeTaskRepo) CreateBatch(ctx context.Context, tasks []*domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, task := range tasks {
		if _, ok := f.tasks[task.TaskID]; ok {
			return store.ErrTaskIDExists
		}
	}
	for _, task := range tasks {
		task.ID = f.nextID
		f.nextID++
		f.tasks[task.TaskID] = copyTask(task)
	}
	return nil
}

func (f *fakeTaskRepo) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (f *fakeTaskRepo) GetForUpdate(ctx context.Context, taskID string) (*domain.Task, error) {
	return f.Get(ctx, taskID)
}

func (f *fakeTaskRepo) Save(ctx context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if _, ok := f.tasks[task.TaskID]; !ok {
		return store.ErrTaskNotFound
	}
	f.tasks[task.TaskID] = copyTask(task)
	return nil
}

func (f *fakeTaskRepo) Delete(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	delete(f.logs, task.ID)
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeTaskRepo) List(ctx context.Context, filter store.TaskFilter, limit, offset int, includeCount bool) (*store.TaskPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := make([]*domain.Task, 0, len(f.tasks))
	for _, task := range f.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.ProjectID != nil {
			if task.ProjectID == nil || *task.ProjectID != *filter.ProjectID {
				continue
			}
		}
		matched = append(matched, copyTask(task))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return &store.TaskPage{Tasks: matched, Total: total, ExactCount: includeCount}, nil
}

func (f *fakeTaskRepo) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, task := range f.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (f *fakeTaskRepo) ListByStatus(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[domain.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []*domain.Task
	for _, task := range f.tasks {
		if wanted[task.Status] {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTaskRepo) ListRecentTerminal(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Task
	for _, task := range f.tasks {
		if task.Status == status {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTaskRepo) AppendLog(ctx context.Context, entry *domain.TaskLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.logs[entry.TaskID]) + 1)
	c := *entry
	f.logs[entry.TaskID] = append(f.logs[entry.TaskID], &c)
	return nil
}

func (f *fakeTaskRepo) ListLogs(ctx context.Context, taskID int64, limit, offset int) ([]*domain.TaskLog, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.logs[taskID]
	out := make([]*domain.TaskLog, len(entries))
	for i, e := range entries {
		c := *e
		out[len(entries)-1-i] = &c
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// fakeProjectStore is an in-memory store.ProjectStore.
type fakeProjectStore struct {
	mu       sync.Mutex
	nextID   int64
	projects map[int64]*domain.Project
}

func newFakeProjectStore() *fakeProjectStore {
	return &fakeProjectStore{nextID: 1, projects: make(map[int64]*domain.Project)}
}

func (f *fakeProjectStore) WithTx(tx *sql.Tx) store.ProjectStore { return f }

func (f *fakeProjectStore) Create(ctx context.Context, project *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project.ID = f.nextID
	f.nextID++
	c := *project
	f.projects[project.ID] = &c
	return nil
}

func (f *fakeProjectStore) Get(ctx context.Context, id int64) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[id]
	if !ok {
		return nil, store.ErrProjectNotFound
	}
	c := *project
	return &c, nil
}

func (f *fakeProjectStore) Save(ctx context.Context, project *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[project.ID]; !ok {
		return store.ErrProjectNotFound
	}
	c := *project
	f.projects[project.ID] = &c
	return nil
}

func (f *fakeProjectStore) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return store.ErrProjectNotFound
	}
	delete(f.projects, id)
	return nil
}

func (f *fakeProjectStore) List(ctx context.Context, limit, offset int) ([]*domain.Project, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Project, 0, len(f.projects))
	for _, p := range f.projects {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}
