package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Task is one scheduled agent task. Ephemeral tasks live only in memory;
// everything else goes through the persistence hook on change.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Schedule    string `json:"schedule"`
	Description string `json:"description,omitempty"`
	Task        string `json:"task"`
	Enabled     bool   `json:"enabled"`
	// Notify lists the addresses the task's result is announced to; an empty
	// list defers to the platform-wide notification targets.
	Notify    []models.ChannelAddress `json:"notify,omitempty"`
	Ephemeral bool                    `json:"ephemeral,omitempty"`

	// Scheduler bookkeeping, reported by cron.list.
	NextRun   time.Time `json:"nextRun,omitempty"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Publisher emits bus events; satisfied by the bus client.
type Publisher interface {
	Emit(event string, payload any) error
}

// PersistFunc receives the full non-ephemeral table after every mutation.
type PersistFunc func(ctx context.Context, tasks []Task) error

// Scheduler ticks the task table and emits cron.trigger for due tasks.
type Scheduler struct {
	publisher    Publisher
	persist      PersistFunc
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	tasks   map[string]*Task
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithPersistence sets the hook called after non-ephemeral table changes.
func WithPersistence(persist PersistFunc) Option {
	return func(s *Scheduler) { s.persist = persist }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds a scheduler over an initial task table.
func NewScheduler(publisher Publisher, initial []Task, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		publisher:    publisher,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
		tasks:        make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, task := range initial {
		task := task
		if err := s.prepare(&task, now); err != nil {
			s.logger.Warn("cron task skipped", "id", task.ID, "error", err)
			continue
		}
		s.tasks[task.ID] = &task
	}
	return s, nil
}

// prepare validates a task and computes its next fire instant.
func (s *Scheduler) prepare(task *Task, now time.Time) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("task id required")
	}
	if strings.TrimSpace(task.Task) == "" {
		return fmt.Errorf("task prompt required")
	}
	next, err := NextRun(task.Schedule, now)
	if err != nil {
		return err
	}
	if task.Enabled {
		task.NextRun = next
	} else {
		task.NextRun = time.Time{}
	}
	return nil
}

// Start ticks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	}()
}

// Stop waits for the tick loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunDue fires every task whose next run has arrived. Returns the number of
// tasks fired.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	count := 0

	s.mu.Lock()
	var due []*Task
	for _, task := range s.tasks {
		if task.Enabled && !task.NextRun.IsZero() && !now.Before(task.NextRun) {
			due = append(due, task)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.fire(ctx, task, now)
		count++
	}
	return count
}

// Fire triggers one task immediately, regardless of its schedule.
func (s *Scheduler) Fire(ctx context.Context, id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron task not found: %s", id)
	}
	s.fire(ctx, task, s.now())
	return nil
}

// fire emits the trigger event and rolls the schedule forward.
func (s *Scheduler) fire(_ context.Context, task *Task, now time.Time) {
	sessionKey := fmt.Sprintf("cron:%s:%d", task.ID, now.UTC().Unix())

	var fireErr error
	if s.publisher != nil {
		fireErr = s.publisher.Emit("cron.trigger", map[string]any{
			"taskId":     task.ID,
			"task":       task.Task,
			"name":       task.Name,
			"sessionKey": sessionKey,
			"notify":     task.Notify,
		})
	}
	if fireErr != nil {
		s.logger.Warn("cron trigger emit failed", "id", task.ID, "error", fireErr)
	}

	next, nextErr := NextRun(task.Schedule, now)

	s.mu.Lock()
	task.LastRun = now
	if fireErr != nil {
		task.LastError = fireErr.Error()
	} else {
		task.LastError = ""
	}
	if nextErr != nil {
		task.LastError = nextErr.Error()
		task.NextRun = time.Time{}
		task.Enabled = false
	} else {
		task.NextRun = next
	}
	s.mu.Unlock()
}

// Add inserts a task. A task with an existing id is rejected.
func (s *Scheduler) Add(ctx context.Context, task Task) error {
	if err := s.prepare(&task, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("cron task already exists: %s", task.ID)
	}
	s.tasks[task.ID] = &task
	s.mu.Unlock()
	return s.persistIfNeeded(ctx, task.Ephemeral)
}

// Update replaces a task in place, recomputing its schedule.
func (s *Scheduler) Update(ctx context.Context, task Task) error {
	if err := s.prepare(&task, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	old, exists := s.tasks[task.ID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("cron task not found: %s", task.ID)
	}
	task.LastRun = old.LastRun
	s.tasks[task.ID] = &task
	s.mu.Unlock()
	return s.persistIfNeeded(ctx, task.Ephemeral && old.Ephemeral)
}

// Remove deletes a task.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	task, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("cron task not found: %s", id)
	}
	ephemeral := task.Ephemeral
	delete(s.tasks, id)
	s.mu.Unlock()
	return s.persistIfNeeded(ctx, ephemeral)
}

// Tasks returns a sorted snapshot of the table.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// persistIfNeeded writes the non-ephemeral table through the hook. Mutations
// touching only ephemeral tasks skip persistence.
func (s *Scheduler) persistIfNeeded(ctx context.Context, ephemeralOnly bool) error {
	if s.persist == nil || ephemeralOnly {
		return nil
	}
	var durable []Task
	for _, task := range s.Tasks() {
		if !task.Ephemeral {
			durable = append(durable, task)
		}
	}
	if err := s.persist(ctx, durable); err != nil {
		return fmt.Errorf("persist cron table: %w", err)
	}
	return nil
}
