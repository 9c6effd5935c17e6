package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"contractai-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// TaskStatus is the lifecycle state of a managed task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// TaskFunc is the body of a task. Periodic tasks run it once per tick.
type TaskFunc func(ctx context.Context) error

// TaskInfo is a point-in-time copy of a task's state.
type TaskInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	Runs        int        `json:"runs"`
	Failures    int        `json:"failures"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// TaskManager owns process-lifetime tasks such as the key pool warmer.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{tasks: make(map[string]*task), ctx: ctx, cancel: cancel, now: time.Now}
}

// Start runs fn once in its own goroutine. Names are unique.
func (tm *TaskManager) Start(name, description string, fn TaskFunc) error {
	return tm.launch(name, description, func(ctx context.Context, t *task) error {
		err := fn(ctx)
		if err == nil || ctx.Err() == nil {
			tm.recordRun(t, err)
		}
		return err
	})
}

// StartPeriodic runs fn immediately and then on every tick until stopped.
// A failing run is logged and counted; it does not end the task.
func (tm *TaskManager) StartPeriodic(name, description string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	return tm.launch(name, description, func(ctx context.Context, t *task) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("task", name).Warn("periodic run failed")
				tm.recordRun(t, err)
			} else if ctx.Err() == nil {
				tm.recordRun(t, nil)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func (tm *TaskManager) launch(name, description string, body func(context.Context, *task) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, exists := tm.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}
	ctx, cancel := context.WithCancel(tm.ctx)
	t := &task{
		info:   TaskInfo{Name: name, Description: description, Status: TaskStatusRunning, StartedAt: tm.now()},
		cancel: cancel,
	}
	tm.tasks[name] = t

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer cancel()
		log.WithField("task", name).Debug("task started")
		err := tm.protect(ctx, t, body)
		tm.finish(ctx, t, err)
	}()
	return nil
}

func (tm *TaskManager) protect(ctx context.Context, t *task, body func(context.Context, *task) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"task": t.info.Name, "panic": r}).Error("task panicked")
			err = fmt.Errorf("panic: %v", r)
			tm.recordRun(t, err)
		}
	}()
	return body(ctx, t)
}

func (tm *TaskManager) recordRun(t *task, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitoring.BackgroundTaskRuns.WithLabelValues(t.info.Name, outcome).Inc()

	now := tm.now()
	tm.mu.Lock()
	t.info.Runs++
	t.info.LastRunAt = &now
	if err != nil {
		t.info.Failures++
		t.info.LastError = err.Error()
	}
	tm.mu.Unlock()
}

func (tm *TaskManager) finish(ctx context.Context, t *task, err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	switch {
	case err == nil:
		t.info.Status = TaskStatusStopped
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		t.info.Status = TaskStatusCanceled
	default:
		t.info.Status = TaskStatusFailed
		t.info.LastError = err.Error()
		log.WithError(err).WithField("task", t.info.Name).Error("task failed")
	}
}

// Stop cancels one task. Unknown names are ignored.
func (tm *TaskManager) Stop(name string) {
	tm.mu.RLock()
	t := tm.tasks[name]
	tm.mu.RUnlock()
	if t != nil {
		t.cancel()
	}
}

// StopAll cancels every task; Wait blocks until they return.
func (tm *TaskManager) StopAll() { tm.cancel() }

func (tm *TaskManager) Wait() { tm.wg.Wait() }

// Task returns a copy of the named task's state.
func (tm *TaskManager) Task(name string) (TaskInfo, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.tasks[name]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info, true
}

// Tasks lists all tasks sorted by name.
func (tm *TaskManager) Tasks() []TaskInfo {
	tm.mu.RLock()
	out := make([]TaskInfo, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		out = append(out, t.info)
	}
	tm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
