package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/pkg/bus"
)

// Publisher is how fired tasks reach the rest of the system. Satisfied by
// *bus.Bus.
type Publisher interface {
	PublishInbound(msg bus.InboundMessage) error
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage)
}

// ActivityRecorder receives task lifecycle events for the activity log.
type ActivityRecorder interface {
	LogEvent(kind, detail string) error
}

// Service manages scheduled tasks: persistence, wake-up registration with
// the backend, and delivery when a wake-up fires. The registry file is the
// source of truth; backend wake-ups are recomputed from it on startup.
type Service struct {
	storePath string
	backend   Backend
	publisher Publisher
	activity  ActivityRecorder
	logger    zerolog.Logger

	tasks   map[string]*Task
	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewService creates the task service and schedules every persisted task.
func NewService(storePath string, backend Backend, publisher Publisher, activity ActivityRecorder, logger zerolog.Logger) (*Service, error) {
	observability.EnsureRegistered()

	if storePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	s := &Service{
		storePath: storePath,
		backend:   backend,
		publisher: publisher,
		activity:  activity,
		logger:    logger.With().Str("component", "cron").Logger(),
		tasks:     make(map[string]*Task),
		done:      make(chan struct{}),
	}

	if err := s.loadTasks(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load tasks, starting with empty registry")
	}

	s.scheduleAll()

	s.wg.Add(1)
	go s.fireLoop()

	s.logger.Info().Int("task_count", len(s.tasks)).Msg("Task service initialized")
	return s, nil
}

// Add creates a new scheduled task.
func (s *Service) Add(params AddParams) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}
	if params.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if params.Message == "" {
		return nil, fmt.Errorf("task message is required")
	}
	if params.Mode != DeliverDirect && params.Mode != DeliverAgent {
		return nil, fmt.Errorf("unknown delivery mode: %s", params.Mode)
	}

	nextRun, err := NextRun(params.Schedule, time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	now := time.Now()
	task := &Task{
		ID:         uuid.New().String(),
		Name:       params.Name,
		Message:    params.Message,
		Mode:       params.Mode,
		SessionKey: params.SessionKey,
		Channel:    params.Channel,
		ChatID:     params.ChatID,
		Schedule:   params.Schedule,
		CreatedAt:  now,
		UpdatedAt:  now,
		State:      TaskState{NextRunAt: &nextRun},
	}

	s.tasks[task.ID] = task

	if err := s.persistLocked(); err != nil {
		delete(s.tasks, task.ID)
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	if err := s.backend.Schedule(task.ID, nextRun); err != nil {
		delete(s.tasks, task.ID)
		if persistErr := s.persistLocked(); persistErr != nil {
			s.logger.Error().Err(persistErr).Msg("Failed to persist after rollback")
		}
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	observability.SetScheduledTasks(len(s.tasks))
	s.logger.Info().
		Str("task_id", task.ID).
		Str("name", task.Name).
		Str("mode", string(task.Mode)).
		Time("next_run", nextRun).
		Msg("Task created")

	return task, nil
}

// List returns all tasks sorted by creation time.
func (s *Service) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Get returns a task by ID, or nil.
func (s *Service) Get(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

// Remove withdraws a task. Removing an ID that is already gone is a no-op:
// a cancel racing a fire must not fail the caller.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}

	task, exists := s.tasks[id]
	if !exists {
		s.logger.Debug().Str("task_id", id).Msg("Remove for unknown task, ignoring")
		return nil
	}

	if err := s.backend.Cancel(id); err != nil {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to cancel backend wake-up")
	}
	delete(s.tasks, id)

	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("failed to persist task removal: %w", err)
	}

	observability.SetScheduledTasks(len(s.tasks))
	s.logger.Info().Str("task_id", id).Str("name", task.Name).Msg("Task removed")
	return nil
}

// Stop shuts down the fire loop and the backend.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	err := s.backend.Close()
	s.wg.Wait()

	s.mu.Lock()
	persistErr := s.persistLocked()
	s.mu.Unlock()
	if persistErr != nil {
		s.logger.Error().Err(persistErr).Msg("Failed to persist state on shutdown")
	}

	s.logger.Info().Msg("Task service stopped")
	return err
}

// fireLoop turns backend wake-ups into deliveries.
func (s *Service) fireLoop() {
	defer s.wg.Done()

	for {
		select {
		case taskID, ok := <-s.backend.Fires():
			if !ok {
				return
			}
			s.fire(taskID)
		case <-s.done:
			return
		}
	}
}

// fire delivers one task and reschedules or retires it.
func (s *Service) fire(taskID string) {
	s.mu.Lock()
	task, exists := s.tasks[taskID]
	if !exists {
		s.mu.Unlock()
		s.logger.Debug().Str("task_id", taskID).Msg("Fire for withdrawn task, ignoring")
		return
	}
	// Work on a copy so delivery happens without the lock held.
	snapshot := *task
	s.mu.Unlock()

	s.logger.Info().
		Str("task_id", taskID).
		Str("name", snapshot.Name).
		Str("mode", string(snapshot.Mode)).
		Msg("Task fired")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch snapshot.Mode {
	case DeliverDirect:
		// Straight to the channel; no provider round trip.
		s.publisher.PublishOutbound(ctx, bus.OutboundMessage{
			SessionKey: snapshot.SessionKey,
			Channel:    snapshot.Channel,
			ChatID:     snapshot.ChatID,
			Content:    "Reminder: " + snapshot.Message,
			CreatedAt:  time.Now(),
		})
	case DeliverAgent:
		err = s.publisher.PublishInbound(bus.InboundMessage{
			ID:         uuid.New().String(),
			Channel:    snapshot.Channel,
			SenderID:   "scheduler",
			ChatID:     snapshot.ChatID,
			Content:    snapshot.Message,
			ReceivedAt: time.Now(),
			Metadata: map[string]string{
				"origin":  "task",
				"task_id": snapshot.ID,
			},
		})
	}

	observability.RecordTaskFire(string(snapshot.Mode), err == nil)
	if s.activity != nil {
		detail := fmt.Sprintf("task=%s name=%s mode=%s", snapshot.ID, snapshot.Name, snapshot.Mode)
		if logErr := s.activity.LogEvent("task_fired", detail); logErr != nil {
			s.logger.Warn().Err(logErr).Msg("Failed to record activity")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists = s.tasks[taskID]
	if !exists {
		return
	}

	now := time.Now()
	task.State.LastRunAt = &now
	if err != nil {
		task.State.LastStatus = "error"
		task.State.LastError = err.Error()
		task.State.ConsecutiveErrors++
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Task delivery failed")
	} else {
		task.State.LastStatus = "ok"
		task.State.LastError = ""
		task.State.ConsecutiveErrors = 0
	}

	if !task.Schedule.Recurring() {
		delete(s.tasks, taskID)
		observability.SetScheduledTasks(len(s.tasks))
	} else {
		nextRun, calcErr := NextRun(task.Schedule, now)
		if calcErr != nil {
			s.logger.Error().Err(calcErr).Str("task_id", taskID).Msg("Failed to calculate next run")
		} else {
			task.State.NextRunAt = &nextRun
			task.UpdatedAt = now
			if schedErr := s.backend.Schedule(taskID, nextRun); schedErr != nil {
				s.logger.Error().Err(schedErr).Str("task_id", taskID).Msg("Failed to reschedule task")
			}
		}
	}

	if persistErr := s.persistLocked(); persistErr != nil {
		s.logger.Error().Err(persistErr).Msg("Failed to persist task state")
	}
}

// scheduleAll registers wake-ups for every persisted task. Past-due tasks
// fire immediately.
func (s *Service) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, task := range s.tasks {
		fireAt := now
		if task.State.NextRunAt != nil && task.State.NextRunAt.After(now) {
			fireAt = *task.State.NextRunAt
		}
		if err := s.backend.Schedule(task.ID, fireAt); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to schedule task")
		}
	}
	observability.SetScheduledTasks(len(s.tasks))
}

// loadTasks reads the registry file.
func (s *Service) loadTasks() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read task registry: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to parse task registry: %w", err)
	}

	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return nil
}

// persistLocked writes the registry atomically. Must hold the lock.
func (s *Service) persistLocked() error {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.storePath), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmpPath := s.storePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write task registry: %w", err)
	}
	if err := os.Rename(tmpPath, s.storePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace task registry: %w", err)
	}
	return nil
}
