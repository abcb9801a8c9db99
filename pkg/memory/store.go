package memory

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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/kurir/internal/tracing"
)

const (
	factsFileName    = "MEMORY.md"
	activityFileName = "activity.log"
)

// Entry is one record in the activity log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
}

// Store is the two-layer memory: a small fact document injected verbatim
// into every prompt, and an append-only activity log that is only consulted
// through Search. Facts are cheap to read on every turn; the log can grow
// without bloating the context.
type Store struct {
	dir     string
	logger  zerolog.Logger
	watcher *FileWatcher

	cacheMu    sync.RWMutex
	factsCache string
	factsDirty bool

	writeMu sync.Mutex
}

// New creates a memory store rooted at <baseDir>/memory. The fact document
// is watched for out-of-band edits so a user editing it in a text editor is
// picked up on the next turn.
func New(baseDir string, logger zerolog.Logger) (*Store, error) {
	dir := filepath.Join(baseDir, "memory")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		logger:     logger.With().Str("component", "memory").Logger(),
		factsDirty: true,
	}

	watcher, err := NewFileWatcher(s.logger, s.invalidateFacts)
	if err != nil {
		s.logger.Warn().Err(err).Msg("File watcher unavailable; fact edits require restart")
	} else {
		if err := watcher.Watch(dir); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to watch memory directory")
			watcher.Stop()
		} else {
			s.watcher = watcher
		}
	}

	log.Info().Str("dir", dir).Msg("Memory store initialized")
	return s, nil
}

// Dir returns the memory directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) factsPath() string {
	return filepath.Join(s.dir, factsFileName)
}

func (s *Store) activityPath() string {
	return filepath.Join(s.dir, activityFileName)
}

func (s *Store) invalidateFacts() {
	s.cacheMu.Lock()
	s.factsDirty = true
	s.cacheMu.Unlock()
}

// ReadFacts returns the fact document. A missing file is an empty document,
// not an error. The content is cached until the file changes on disk.
func (s *Store) ReadFacts() (string, error) {
	s.cacheMu.RLock()
	if !s.factsDirty {
		cached := s.factsCache
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	data, err := os.ReadFile(s.factsPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.cacheMu.Lock()
			s.factsCache = ""
			s.factsDirty = false
			s.cacheMu.Unlock()
			return "", nil
		}
		return "", fmt.Errorf("failed to read facts: %w", err)
	}

	content := string(data)
	s.cacheMu.Lock()
	s.factsCache = content
	s.factsDirty = false
	s.cacheMu.Unlock()

	return content, nil
}

// WriteFacts replaces the fact document atomically. Concurrent writers are
// last-write-wins: the document is small and regenerated wholesale, so the
// race is tolerated rather than coordinated.
func (s *Store) WriteFacts(content string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tmpPath := s.factsPath() + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write facts: %w", err)
	}
	if err := os.Rename(tmpPath, s.factsPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace facts: %w", err)
	}

	s.cacheMu.Lock()
	s.factsCache = content
	s.factsDirty = false
	s.cacheMu.Unlock()

	s.logger.Debug().Int("bytes", len(content)).Msg("Facts updated")
	return nil
}

// AppendFact adds one line to the fact document, creating it if needed.
func (s *Store) AppendFact(fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("fact cannot be empty")
	}

	current, err := s.ReadFacts()
	if err != nil {
		return err
	}

	if current != "" && !strings.HasSuffix(current, "\n") {
		current += "\n"
	}
	return s.WriteFacts(current + "- " + fact + "\n")
}

// LogEvent appends one entry to the activity log.
func (s *Store) LogEvent(kind, detail string) error {
	if kind == "" {
		return fmt.Errorf("event kind cannot be empty")
	}

	entry := Entry{
		Timestamp: time.Now(),
		Kind:      kind,
		Detail:    detail,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal activity entry: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	file, err := os.OpenFile(s.activityPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append activity entry: %w", err)
	}
	return nil
}

// Query narrows an activity log search. Zero Since/Until mean unbounded.
type Query struct {
	Text  string
	Since time.Time
	Until time.Time
	Limit int
}

// Search scans the activity log for entries in the query's time range whose
// kind or detail contains the text, case-insensitively, and returns the
// newest matches first.
func (s *Store) Search(ctx context.Context, q Query) ([]Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := tracing.StartSpan(ctx, "kurir.memory", "memory.search")
	defer span.End()

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	file, err := os.Open(s.activityPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	defer file.Close()

	needle := strings.ToLower(q.Text)
	var matches []Entry

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping corrupt activity entry")
			continue
		}

		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && entry.Timestamp.After(q.Until) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(entry.Kind), needle) &&
			!strings.Contains(strings.ToLower(entry.Detail), needle) {
			continue
		}
		matches = append(matches, entry)
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read activity log: %w", err)
	}

	// Newest first, capped.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}
