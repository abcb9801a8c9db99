package cron

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Backend owns the actual wake-ups. The service only knows "fire task X at
// time T"; whether that wake-up comes from an in-process timer or from the
// host's at(1) queue is the backend's business.
type Backend interface {
	// Schedule arranges for the task ID to appear on Fires at fireAt.
	// Scheduling the same ID again replaces the previous wake-up.
	Schedule(taskID string, fireAt time.Time) error

	// Cancel withdraws a pending wake-up. Unknown IDs are a no-op.
	Cancel(taskID string) error

	// Fires delivers task IDs as their wake-ups come due.
	Fires() <-chan string

	// Close releases all pending wake-ups.
	Close() error
}

// TimerBackend fires through in-process timers. Wake-ups do not survive a
// restart; the service recomputes them from the task registry on startup.
type TimerBackend struct {
	timers map[string]*time.Timer
	fires  chan string
	mu     sync.Mutex
	closed bool
}

// NewTimerBackend creates the in-process backend.
func NewTimerBackend() *TimerBackend {
	return &TimerBackend{
		timers: make(map[string]*time.Timer),
		fires:  make(chan string, 64),
	}
}

func (b *TimerBackend) Schedule(taskID string, fireAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("backend is closed")
	}

	if timer, exists := b.timers[taskID]; exists {
		timer.Stop()
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	b.timers[taskID] = time.AfterFunc(delay, func() {
		// The closed check and the send stay under one critical section so
		// Close cannot slip in between and close the channel mid-send. The
		// send never blocks, so holding the lock here is safe.
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, taskID)
		if b.closed {
			return
		}
		select {
		case b.fires <- taskID:
		default:
			// Fire channel full; the service is wedged and a dropped
			// wake-up is recoverable on restart.
		}
	})

	return nil
}

func (b *TimerBackend) Cancel(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if timer, exists := b.timers[taskID]; exists {
		timer.Stop()
		delete(b.timers, taskID)
	}
	return nil
}

func (b *TimerBackend) Fires() <-chan string {
	return b.fires
}

func (b *TimerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
	close(b.fires)
	return nil
}

// HostBackend delegates wake-ups to the host's at(1) queue. Each scheduled
// task submits an at job that appends the task ID to a spool file; the
// running process watches the spool and turns appended lines into fires.
// Because the at queue lives in the host, wake-ups survive process restarts.
type HostBackend struct {
	spoolPath string
	logger    zerolog.Logger
	watcher   *fsnotify.Watcher
	fires     chan string
	pending   map[string]bool
	offset    int64
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
}

// NewHostBackend creates the at(1)-based backend spooling through spoolPath.
func NewHostBackend(spoolPath string, logger zerolog.Logger) (*HostBackend, error) {
	if _, err := exec.LookPath("at"); err != nil {
		return nil, fmt.Errorf("at(1) not available on host: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(spoolPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	file, err := os.OpenFile(spoolPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	file.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create spool watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(spoolPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch spool directory: %w", err)
	}

	b := &HostBackend{
		spoolPath: spoolPath,
		logger:    logger.With().Str("component", "cron-host").Logger(),
		watcher:   watcher,
		fires:     make(chan string, 64),
		pending:   make(map[string]bool),
		done:      make(chan struct{}),
	}

	// Fires spooled while the process was down are picked up immediately.
	if err := b.drainSpool(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to read spool backlog")
	}

	go b.run()
	return b, nil
}

func (b *HostBackend) Schedule(taskID string, fireAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("backend is closed")
	}

	// at(1) has minute granularity and rejects times in the past.
	spec := fireAt.Format("15:04 2006-01-02")
	if !fireAt.After(time.Now().Add(time.Minute)) {
		spec = "now"
	}

	cmd := exec.Command("at", spec)
	cmd.Stdin = strings.NewReader(fmt.Sprintf("echo %s >> %s\n", taskID, b.spoolPath))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to submit at job: %w: %s", err, strings.TrimSpace(string(output)))
	}

	b.pending[taskID] = true
	b.logger.Debug().Str("task_id", taskID).Time("fire_at", fireAt).Msg("Wake-up handed to host scheduler")
	return nil
}

// Cancel drops the pending mark so a later spool line for the ID is ignored.
// The at job itself is left to run; it only touches the spool file.
func (b *HostBackend) Cancel(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pending, taskID)
	return nil
}

func (b *HostBackend) Fires() <-chan string {
	return b.fires
}

func (b *HostBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	err := b.watcher.Close()
	close(b.fires)
	return err
}

func (b *HostBackend) run() {
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Name != b.spoolPath || !event.Has(fsnotify.Write) {
				continue
			}
			if err := b.drainSpool(); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to drain spool")
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Error().Err(err).Msg("Spool watcher error")

		case <-b.done:
			return
		}
	}
}

// drainSpool reads task IDs appended since the last read and emits fires
// for the ones still pending.
func (b *HostBackend) drainSpool() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.Open(b.spoolPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Seek(b.offset, io.SeekStart); err != nil {
		return err
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		taskID := strings.TrimSpace(scanner.Text())
		if taskID == "" {
			continue
		}
		if !b.pending[taskID] {
			b.logger.Debug().Str("task_id", taskID).Msg("Ignoring fire for withdrawn task")
			continue
		}
		delete(b.pending, taskID)
		if !b.closed {
			select {
			case b.fires <- taskID:
			default:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	pos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	b.offset = pos
	return nil
}
