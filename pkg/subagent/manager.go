package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/bus"
)

// Runner executes a prompt in an isolated session. Satisfied by
// *agent.Loop.
type Runner interface {
	RunIsolated(ctx context.Context, sessionKey, prompt string) (string, error)
}

// Announcer injects the completion notice back into the parent session.
// Satisfied by *bus.Bus.
type Announcer interface {
	PublishInbound(msg bus.InboundMessage) error
}

// Status of one background run.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Run is one background execution record.
type Run struct {
	ID               string     `json:"id"`
	ParentSessionKey string     `json:"parent_session_key"`
	Task             string     `json:"task"`
	Status           Status     `json:"status"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// delayPattern catches task descriptions that are really schedules in
// disguise. Those must go through the task scheduler, which survives
// restarts; a sleeping goroutine does not.
var delayPattern = regexp.MustCompile(`(?i)\b(in \d+ (second|minute|hour|day)s?|at \d{1,2}(:\d{2})?\s*(am|pm)?|every (\d+ )?(second|minute|hour|day|week|month)s?|tomorrow|tonight)\b`)

// Manager spawns and tracks background agent runs. Each run gets its own
// isolated session; results are announced back to the parent session as an
// inbound message so the parent agent phrases the hand-off itself.
type Manager struct {
	registryPath string
	runner       Runner
	announcer    Announcer
	logger       zerolog.Logger
	slots        chan struct{}

	runs map[string]*Run
	mu   sync.Mutex
	wg   sync.WaitGroup
}

// NewManager creates the subagent manager.
func NewManager(registryPath string, runner Runner, announcer Announcer, maxConcurrent int, logger zerolog.Logger) (*Manager, error) {
	observability.EnsureRegistered()

	if registryPath == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if announcer == nil {
		return nil, fmt.Errorf("announcer is required")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	m := &Manager{
		registryPath: registryPath,
		runner:       runner,
		announcer:    announcer,
		logger:       logger.With().Str("component", "subagent").Logger(),
		slots:        make(chan struct{}, maxConcurrent),
		runs:         make(map[string]*Run),
	}

	if err := m.loadRegistry(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load subagent registry, starting empty")
	}

	// Runs left "running" by a previous process are stale.
	m.mu.Lock()
	for _, run := range m.runs {
		if run.Status == StatusRunning {
			run.Status = StatusFailed
			run.Error = "interrupted by restart"
		}
	}
	if err := m.persistLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to persist registry cleanup")
	}
	m.mu.Unlock()

	return m, nil
}

// Spawn starts a background run for the parent session. Task descriptions
// that look like deferred schedules are rejected with a hint toward the
// scheduler.
func (m *Manager) Spawn(ctx context.Context, parentSessionKey, task string) (*Run, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task description cannot be empty")
	}
	if delayPattern.MatchString(task) {
		return nil, fmt.Errorf("task looks time-based (%q); use schedule_task instead so it survives restarts", delayPattern.FindString(task))
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	run := &Run{
		ID:               id,
		ParentSessionKey: parentSessionKey,
		Task:             task,
		Status:           StatusRunning,
		CreatedAt:        time.Now(),
	}

	m.mu.Lock()
	m.runs[id] = run
	if err := m.persistLocked(); err != nil {
		delete(m.runs, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(run)

	m.logger.Info().
		Str("run_id", id).
		Str("parent", parentSessionKey).
		Msg("Background run spawned")
	return run, nil
}

// List returns all known runs.
func (m *Manager) List() []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	return runs
}

// Get returns a run by ID, or nil.
func (m *Manager) Get(id string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// Wait blocks until all in-flight runs finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) execute(run *Run) {
	defer m.wg.Done()

	// Concurrency cap: excess runs queue here, not in the provider.
	m.slots <- struct{}{}
	defer func() { <-m.slots }()

	ctx := tracing.NewRequestContext(context.Background())
	sessionKey := "spawn:" + run.ID

	result, err := m.runner.RunIsolated(ctx, sessionKey, run.Task)

	m.mu.Lock()
	now := time.Now()
	run.FinishedAt = &now
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	} else {
		run.Status = StatusDone
		run.Result = result
	}
	if persistErr := m.persistLocked(); persistErr != nil {
		m.logger.Error().Err(persistErr).Msg("Failed to persist run result")
	}
	m.mu.Unlock()

	observability.RecordSubagentRun(string(run.Status))

	if err != nil {
		m.logger.Error().Err(err).Str("run_id", run.ID).Msg("Background run failed")
	} else {
		m.logger.Info().Str("run_id", run.ID).Msg("Background run finished")
	}

	m.announce(ctx, run)
}

// announce feeds the outcome back to the parent session as an inbound
// message, so the parent agent summarizes it for the user in its own voice.
func (m *Manager) announce(ctx context.Context, run *Run) {
	channel, chatID, ok := strings.Cut(run.ParentSessionKey, ":")
	if !ok {
		m.logger.Warn().Str("run_id", run.ID).Msg("Cannot announce, malformed parent session key")
		return
	}

	content := fmt.Sprintf("Background task %q finished:\n%s\nRelay the outcome to the user in one or two sentences.", run.Task, run.Result)
	if run.Status == StatusFailed {
		content = fmt.Sprintf("Background task %q failed: %s\nLet the user know briefly.", run.Task, run.Error)
	}

	err := m.announcer.PublishInbound(bus.InboundMessage{
		ID:         uuid.New().String(),
		Channel:    channel,
		SenderID:   "subagent",
		ChatID:     chatID,
		Content:    content,
		ReceivedAt: time.Now(),
		Metadata: map[string]string{
			"origin": "subagent",
			"run_id": run.ID,
		},
	})
	if err != nil {
		m.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to announce run outcome")
	}
}

func (m *Manager) loadRegistry() error {
	data, err := os.ReadFile(m.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read subagent registry: %w", err)
	}

	var runs []*Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("failed to parse subagent registry: %w", err)
	}
	for _, run := range runs {
		m.runs[run.ID] = run
	}
	return nil
}

// persistLocked writes the registry atomically. Must hold the lock.
func (m *Manager) persistLocked() error {
	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal runs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.registryPath), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmpPath := m.registryPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write subagent registry: %w", err)
	}
	if err := os.Rename(tmpPath, m.registryPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace subagent registry: %w", err)
	}
	return nil
}
