package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Turn is one role-tagged entry in a session's log.
type Turn struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// ToolCall records a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult records the outcome of one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CorruptionHandler is notified when a session file contains lines that
// cannot be parsed. The load continues with whatever was readable.
type CorruptionHandler func(sessionKey string, line int, err error)

// Store persists sessions as append-only JSONL, one file per session key.
// Turns are never rewritten; the only destructive operation is Reset.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	lastStamp  map[string]time.Time
	onCorrupt  CorruptionHandler
	mu         sync.Mutex
}

// New creates a session store rooted at dir.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".kurir", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		lastStamp:  make(map[string]time.Time),
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")
	s.updateActiveSessionsMetric()

	return s, nil
}

// SetCorruptionHandler installs the callback invoked for unreadable lines.
func (s *Store) SetCorruptionHandler(h CorruptionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCorrupt = h
}

func validateSessionKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (s *Store) sessionPath(sessionKey string) string {
	// Session keys carry a channel prefix like "direct:chat-1"; the colon is
	// fine on the filesystems we target.
	return filepath.Join(s.dir, sessionKey+".jsonl")
}

func (s *Store) lockFor(sessionKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.writeLocks[sessionKey]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[sessionKey] = lock
	return lock
}

func (s *Store) updateActiveSessionsMetric() {
	sessions, err := s.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

// stamp assigns a strictly increasing timestamp within a session.
func (s *Store) stamp(sessionKey string, t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IsZero() {
		t = time.Now()
	}
	if last, ok := s.lastStamp[sessionKey]; ok && !t.After(last) {
		t = last.Add(time.Nanosecond)
	}
	s.lastStamp[sessionKey] = t
	return t
}

// Append appends one turn to the session's log.
func (s *Store) Append(ctx context.Context, sessionKey string, turn Turn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		tracing.WithSessionKey(ctx, sessionKey),
		"kurir.session",
		"session.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", turn.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionAppend(time.Since(start))
	}()

	if err := validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		return err
	}
	if turn.Role == "" {
		return fmt.Errorf("turn role cannot be empty")
	}

	turn.Timestamp = s.stamp(sessionKey, turn.Timestamp)

	lock := s.lockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.sessionPath(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(turn)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write turn: %w", err)
	}
	if err := file.Sync(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to sync session file: %w", err)
	}

	logger.Debug().Str("role", turn.Role).Msg("Turn appended")
	return nil
}

// Load reads all turns for a session. Unparseable lines are skipped and
// reported through the corruption handler; a damaged log never fails the
// caller's turn.
func (s *Store) Load(ctx context.Context, sessionKey string) ([]Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		tracing.WithSessionKey(ctx, sessionKey),
		"kurir.session",
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		return nil, err
	}

	path := s.sessionPath(sessionKey)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []Turn{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	s.mu.Lock()
	onCorrupt := s.onCorrupt
	s.mu.Unlock()

	var turns []Turn
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Skipping corrupt session line")
			if onCorrupt != nil {
				onCorrupt(sessionKey, lineNum, err)
			}
			continue
		}
		if turn.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Skipping turn with empty role")
			if onCorrupt != nil {
				onCorrupt(sessionKey, lineNum, fmt.Errorf("empty role"))
			}
			continue
		}

		turns = append(turns, turn)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().Int("turns", len(turns)).Msg("Session loaded")
	return turns, nil
}

// Reset truncates a session and starts a fresh file. This is the only way
// turns are ever removed.
func (s *Store) Reset(sessionKey string) error {
	if err := validateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := s.lockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.sessionPath(sessionKey), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to reset session file: %w", err)
	}
	file.Close()

	s.mu.Lock()
	delete(s.lastStamp, sessionKey)
	s.mu.Unlock()

	log.Info().Str("session_key", sessionKey).Msg("Session reset")
	return nil
}

// List returns all session keys present on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// Close releases in-memory bookkeeping.
func (s *Store) Close() error {
	s.mu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.lastStamp = make(map[string]time.Time)
	s.mu.Unlock()
	return nil
}
