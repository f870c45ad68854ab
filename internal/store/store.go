// Package store implements the Durable Event Log: session metadata in
// an embedded relational database plus one append-only JSONL file of
// normalized events per session.
package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kandev/agentsupervisor/internal/common/apperr"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"go.uber.org/zap"
)

// Store is the durable event log described by the supervisor's
// persistence model: metadata rows plus per-session JSONL files, with a
// debounced updated_at flush so a fast token stream doesn't hammer the
// relational store with one UPDATE per event.
type Store struct {
	dir              string
	maxSessionEvents int
	flushDelay       time.Duration

	meta   *metadataStore
	logger *logger.Logger

	mu          sync.Mutex
	eventFiles  map[string]*eventFile
	pendingTouch map[string]*time.Timer
}

// Open opens (creating if absent) the store rooted at dir, migrating a
// legacy sessions/<id>.json layout first if one is found.
func Open(dir string, maxSessionEvents int, flushDelay time.Duration, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.DiskError("create store directory", err)
	}

	meta, err := newMetadataStore(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:              dir,
		maxSessionEvents: maxSessionEvents,
		flushDelay:       flushDelay,
		meta:             meta,
		logger:           log.WithFields(zap.String("component", "store")),
		eventFiles:       make(map[string]*eventFile),
		pendingTouch:     make(map[string]*time.Timer),
	}

	if err := s.migrateLegacy(context.Background()); err != nil {
		s.logger.Error("legacy migration failed", zap.Error(err))
	}

	return s, nil
}

// Close releases the metadata database handle.
func (s *Store) Close() error {
	return s.meta.close()
}

func (s *Store) fileFor(sessionID string) *eventFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.eventFiles[sessionID]
	if !ok {
		f = newEventFile(s.dir, sessionID, s.logger)
		s.eventFiles[sessionID] = f
	}
	return f
}

// SaveSession upserts metadata and, if initialEvents is non-empty,
// writes them to the session's event file.
func (s *Store) SaveSession(ctx context.Context, meta SessionMeta, initialEvents []events.AgentEvent) error {
	if err := s.meta.saveSession(ctx, meta); err != nil {
		return err
	}
	f := s.fileFor(meta.ID)
	for _, evt := range initialEvents {
		if err := f.append(evt); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent appends one event directly to the session's log and
// schedules the debounced updated_at flush. Callers that want
// coalescing should route through internal/coalescer first and call
// AppendEvent from its sink.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, evt events.AgentEvent) error {
	f := s.fileFor(sessionID)
	if err := f.append(evt); err != nil {
		s.logger.Error("append failed", zap.String("session_id", sessionID), zap.Error(err))
		errEvt := events.NewError(evt.ClientID, sessionID, "disk_error", err.Error())
		_ = f.append(errEvt)
		_ = s.meta.updateStatus(ctx, sessionID, SessionError)
		return err
	}
	s.scheduleTouch(sessionID)
	return nil
}

// scheduleTouch arms (or rearms) the debounced updated_at timer for a
// session; an explicit metadata mutation (updateStatus etc.) cancels and
// supersedes it since touch() already bumps updated_at itself.
func (s *Store) scheduleTouch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pendingTouch[sessionID]; ok {
		t.Stop()
	}
	s.pendingTouch[sessionID] = time.AfterFunc(s.flushDelay, func() {
		s.mu.Lock()
		delete(s.pendingTouch, sessionID)
		s.mu.Unlock()
		if err := s.meta.touchUpdatedAt(context.Background(), sessionID); err != nil {
			s.logger.Warn("debounced updated_at flush failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

func (s *Store) cancelPendingTouch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pendingTouch[sessionID]; ok {
		t.Stop()
		delete(s.pendingTouch, sessionID)
	}
}

// LoadSession returns session metadata, or nil if not found.
func (s *Store) LoadSession(ctx context.Context, id string) (*SessionMeta, error) {
	return s.meta.loadSession(ctx, id)
}

// LoadAllSessions returns every session's metadata, newest-first.
func (s *Store) LoadAllSessions(ctx context.Context) ([]SessionMeta, error) {
	return s.meta.loadAllSessions(ctx)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	s.cancelPendingTouch(id)
	return s.meta.updateStatus(ctx, id, status)
}

func (s *Store) UpdateName(ctx context.Context, id, name string) error {
	s.cancelPendingTouch(id)
	return s.meta.updateName(ctx, id, name)
}

func (s *Store) UpdateMode(ctx context.Context, id, modeID string) error {
	s.cancelPendingTouch(id)
	return s.meta.updateMode(ctx, id, modeID)
}

func (s *Store) UpdateProjectContext(ctx context.Context, id string, pc ProjectContext) error {
	s.cancelPendingTouch(id)
	return s.meta.updateProjectContext(ctx, id, pc)
}

// TailEvents returns at most maxN of the session's most recent events,
// in chronological order, capped at the store's MAX_SESSION_EVENTS
// ceiling regardless of what the caller asks for.
func (s *Store) TailEvents(sessionID string, maxN int) ([]events.AgentEvent, error) {
	if maxN <= 0 || maxN > s.maxSessionEvents {
		maxN = s.maxSessionEvents
	}
	return s.fileFor(sessionID).tail(maxN)
}

// DeleteSession removes metadata, the event file, and any pending
// debounce timer for a session. It does not touch the coalescer; the
// caller (Session Manager) is responsible for flushing/discarding the
// coalescer buffer first so no write lands after deletion.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.cancelPendingTouch(id)

	s.mu.Lock()
	f, ok := s.eventFiles[id]
	delete(s.eventFiles, id)
	s.mu.Unlock()

	if !ok {
		f = newEventFile(s.dir, id, s.logger)
	}
	if err := f.delete(); err != nil {
		return err
	}
	return s.meta.deleteSession(ctx, id)
}

// Flush writes a session's pending debounced updated_at touch now, if
// one is scheduled. The store has no in-memory event buffer of its own
// (that's the coalescer's job); the debounce timer is all it holds.
func (s *Store) Flush(sessionID string) {
	s.mu.Lock()
	t, ok := s.pendingTouch[sessionID]
	delete(s.pendingTouch, sessionID)
	s.mu.Unlock()
	if ok {
		t.Stop()
		_ = s.meta.touchUpdatedAt(context.Background(), sessionID)
	}
}

// FlushAll drains every pending debounced updated_at write. Called on
// graceful shutdown.
func (s *Store) FlushAll() {
	s.mu.Lock()
	sessionIDs := make([]string, 0, len(s.pendingTouch))
	for id := range s.pendingTouch {
		sessionIDs = append(sessionIDs, id)
	}
	s.mu.Unlock()

	for _, id := range sessionIDs {
		s.Flush(id)
	}
}

// eventFilePath is exposed for tests.
func (s *Store) eventFilePath(sessionID string) string {
	return filepath.Join(s.dir, "events", sessionID+".jsonl")
}
