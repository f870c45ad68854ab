// Package manager implements the Session Manager: the process-wide
// registry of live agent clients and the sessions they host, spawn
// deduplication, and the cleanup sweep for sessions whose client
// disappeared.
package manager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentsupervisor/internal/agent/broker"
	"github.com/kandev/agentsupervisor/internal/agent/client"
	"github.com/kandev/agentsupervisor/internal/agent/registry"
	"github.com/kandev/agentsupervisor/internal/agent/runtime"
	"github.com/kandev/agentsupervisor/internal/coalescer"
	"github.com/kandev/agentsupervisor/internal/common/apperr"
	"github.com/kandev/agentsupervisor/internal/common/config"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/natsmirror"
	"github.com/kandev/agentsupervisor/internal/pathutil"
	"github.com/kandev/agentsupervisor/internal/pubsub"
	"github.com/kandev/agentsupervisor/internal/store"
	"github.com/kandev/agentsupervisor/pkg/acp/protocol"
)

// sessionEntry is the Manager's in-memory ownership index; the durable
// record lives in the Store.
type sessionEntry struct {
	clientID string
	kind     registry.Kind
	cwd      string
}

// Manager is the process-wide registry and orchestrator described by
// the supervisor's component design: it exclusively owns the Client and
// Session maps, and routes every session-scoped operation through the
// Client that owns it.
type Manager struct {
	cfg      config.AgentConfig
	registry *registry.Registry
	launcher runtime.Launcher

	store     *store.Store
	coalescer *coalescer.Coalescer
	broker    *broker.Broker
	hub       *pubsub.Hub
	mirror    *natsmirror.Mirror
	logger    *logger.Logger

	spawnGroup singleflight.Group

	mu         sync.RWMutex
	clients    map[string]*client.Client
	sessions   map[string]*sessionEntry
	byKindCwd  map[string]string // pathutil.ClientKey(kind, canonical-cwd) -> clientID, for ready/starting clients only

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// New creates a Manager wired to its collaborators. The Coalescer is
// attached afterwards with SetCoalescer, built with the returned
// Manager's Sink method as its flush target.
func New(
	cfg config.AgentConfig,
	reg *registry.Registry,
	launcher runtime.Launcher,
	st *store.Store,
	b *broker.Broker,
	hub *pubsub.Hub,
	mirror *natsmirror.Mirror,
	log *logger.Logger,
) *Manager {
	m := &Manager{
		cfg:             cfg,
		registry:        reg,
		launcher:        launcher,
		store:           st,
		broker:          b,
		hub:             hub,
		mirror:          mirror,
		logger:          log.WithFields(zap.String("component", "session-manager")),
		clients:         make(map[string]*client.Client),
		sessions:        make(map[string]*sessionEntry),
		byKindCwd:       make(map[string]string),
		cleanupInterval: 30 * time.Second,
		stopCh:          make(chan struct{}),
	}
	b.SetOnCreate(m.handleApprovalCreated)
	return m
}

// handleApprovalCreated is the Approval Broker's onCreate hook: it
// broadcasts the new request over the Pub/Sub Hub and transitions the
// request's session to waiting-approval, matching the persist-then-
// publish pattern Sink uses for normalized events.
func (m *Manager) handleApprovalCreated(req *broker.Request) {
	m.hub.PublishApproval(req)
	m.transitionIfNotTerminal(context.Background(), req.SessionID, store.SessionWaitingApproval)
}

// SetCoalescer wires the Write Coalescer the Manager feeds events
// through. Split from New because the Coalescer's sink is this Manager's
// own persist-and-publish method.
func (m *Manager) SetCoalescer(c *coalescer.Coalescer) {
	m.coalescer = c
}

// Sink is the coalescer's flush target: persist, fan out, and derive any
// status transition the event implies.
func (m *Manager) Sink(evt events.AgentEvent) {
	if err := m.store.AppendEvent(context.Background(), evt.SessionID, evt); err != nil {
		m.logger.Error("append event failed", zap.String("session_id", evt.SessionID), zap.Error(err))
	}
	m.hub.PublishEvent(evt)
	m.mirror.Publish(evt)
	m.applyStatusTransition(evt)
}

func (m *Manager) applyStatusTransition(evt events.AgentEvent) {
	ctx := context.Background()
	switch evt.Type {
	case events.TypeComplete:
		m.transitionIfNotTerminal(ctx, evt.SessionID, store.SessionCompleted)
	case events.TypeError:
		m.transitionIfNotTerminal(ctx, evt.SessionID, store.SessionError)
	}
}

func (m *Manager) transitionIfNotTerminal(ctx context.Context, sessionID string, status store.SessionStatus) {
	meta, err := m.store.LoadSession(ctx, sessionID)
	if err != nil || meta == nil || meta.Status.Terminal() {
		return
	}
	if err := m.store.UpdateStatus(ctx, sessionID, status); err != nil {
		m.logger.Warn("status transition failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Start launches the background cleanup sweep.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.cleanupLoop(ctx)
}

// Stop halts the cleanup sweep and gracefully stops every live client.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.RLock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.StopClient(ctx, id); err != nil {
			m.logger.Warn("client stop failed during shutdown", zap.String("client_id", id), zap.Error(err))
		}
	}

	if m.coalescer != nil {
		m.coalescer.FlushAll()
	}
	m.store.FlushAll()
}

func spawnKey(kind registry.Kind, canonicalCwd string) string {
	return pathutil.ClientKey(string(kind), canonicalCwd)
}

// FindOrSpawnClient returns the live ready-or-starting Client for
// (kind, cwd), spawning one if none exists. Concurrent callers asking
// for the same tuple share one spawn via singleflight.
func (m *Manager) FindOrSpawnClient(ctx context.Context, kind registry.Kind, cwd string) (*client.Client, error) {
	canonical, err := pathutil.Canonicalize(cwd)
	if err != nil {
		return nil, apperr.InvalidArgument(fmt.Sprintf("resolve cwd: %v", err))
	}
	key := spawnKey(kind, canonical)

	if c, ok := m.lookupByKindCwd(key); ok {
		return c, nil
	}

	v, err, _ := m.spawnGroup.Do(key, func() (interface{}, error) {
		if c, ok := m.lookupByKindCwd(key); ok {
			return c, nil
		}
		return m.spawnClient(ctx, kind, canonical, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*client.Client), nil
}

// SpawnClient always launches a fresh agent process for (kind, cwd),
// bypassing the reuse index FindOrSpawnClient consults. Its own spawn
// still registers in that index, so a later FindOrSpawnClient call may
// hand this same Client back out.
func (m *Manager) SpawnClient(ctx context.Context, kind registry.Kind, cwd string) (*client.Client, error) {
	canonical, err := pathutil.Canonicalize(cwd)
	if err != nil {
		return nil, apperr.InvalidArgument(fmt.Sprintf("resolve cwd: %v", err))
	}
	return m.spawnClient(ctx, kind, canonical, spawnKey(kind, canonical))
}

func (m *Manager) lookupByKindCwd(key string) (*client.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKindCwd[key]
	if !ok {
		return nil, false
	}
	c, ok := m.clients[id]
	if !ok {
		return nil, false
	}
	if c.Status() != client.StatusReady && c.Status() != client.StatusStarting {
		return nil, false
	}
	return c, true
}

func (m *Manager) spawnClient(ctx context.Context, kind registry.Kind, canonicalCwd, key string) (*client.Client, error) {
	cfg, ok := m.registry.Get(kind)
	if !ok {
		return nil, apperr.InvalidArgument(fmt.Sprintf("unknown agent kind: %s", kind))
	}

	env, err := m.registry.ResolveEnv(kind)
	if err != nil {
		return nil, apperr.SpawnFailure("resolve agent credentials", err)
	}

	envSlice := os.Environ()
	envSlice = append(envSlice, "PATH="+m.registry.ResolvePath())
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	proc, err := m.launcher.Launch(ctx, runtime.Spec{
		Executable: cfg.Executable,
		Args:       cfg.Args,
		Env:        envSlice,
		WorkingDir: canonicalCwd,
	})
	if err != nil {
		return nil, apperr.SpawnFailure("launch agent process", err)
	}

	id := uuid.New().String()
	c := client.New(id, kind, canonicalCwd, proc, m.broker, m.ingestClientEvent, m.handleClientStopped, m.logger)

	m.mu.Lock()
	m.clients[id] = c
	m.byKindCwd[key] = id
	m.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.SpawnTimeout())
	defer cancel()
	if err := c.Start(startCtx); err != nil {
		m.mu.Lock()
		delete(m.byKindCwd, key)
		m.mu.Unlock()
		return nil, apperr.InitializeFailure("initialize agent client", err)
	}

	return c, nil
}

func (m *Manager) ingestClientEvent(evt events.AgentEvent) {
	if m.coalescer != nil {
		m.coalescer.Add(evt)
	} else {
		m.Sink(evt)
	}
}

// handleClientStopped is wired as the Client's onStopped callback: every
// session the client owned transitions to killed unless already
// terminal, and the client is dropped from the spawn-dedup index so a
// fresh one can be spawned for the same (kind, cwd).
func (m *Manager) handleClientStopped(clientID string, _ error) {
	m.mu.Lock()
	var ownedSessions []string
	for sessionID, entry := range m.sessions {
		if entry.clientID == clientID {
			ownedSessions = append(ownedSessions, sessionID)
		}
	}
	for key, id := range m.byKindCwd {
		if id == clientID {
			delete(m.byKindCwd, key)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range ownedSessions {
		m.transitionIfNotTerminal(context.Background(), sessionID, store.SessionKilled)
	}
}

// StopClient gracefully shuts a client down. Idempotent: stopping an
// unknown or already-stopped client id is a no-op.
func (m *Manager) StopClient(ctx context.Context, clientID string) error {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace())
	defer cancel()
	err := c.Stop(stopCtx)
	m.handleClientStopped(clientID, err)
	return err
}

// CreateSession opens a new session against a ready client.
func (m *Manager) CreateSession(ctx context.Context, clientID, cwd string) (*store.SessionMeta, error) {
	c, ok := m.getClient(clientID)
	if !ok {
		return nil, apperr.NotFound("client", clientID)
	}
	if c.Status() != client.StatusReady {
		return nil, apperr.Conflict(fmt.Sprintf("client %q is not ready", clientID))
	}

	result, err := c.CreateSession(ctx, cwd)
	if err != nil {
		return nil, err
	}

	modes := make([]store.SessionMode, 0, len(result.AvailableModes))
	for _, mo := range result.AvailableModes {
		modes = append(modes, store.SessionMode{ModeID: mo.ModeID, Name: mo.Name})
	}

	now := time.Now()
	meta := store.SessionMeta{
		ID:             result.SessionID,
		ClientID:       clientID,
		Kind:           string(c.Kind),
		Cwd:            c.Cwd,
		Status:         store.SessionIdle,
		AvailableModes: modes,
		CurrentModeID:  result.CurrentModeID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.SaveSession(ctx, meta, nil); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionEntry{clientID: clientID, kind: c.Kind, cwd: c.Cwd}
	m.mu.Unlock()

	return &meta, nil
}

// SendMessage submits a prompt to a session's owning client. The prompt
// runs to completion on its own goroutine; the session's status and the
// completion/error event reflect the outcome once the agent replies.
func (m *Manager) SendMessage(ctx context.Context, sessionID, text string) error {
	_, c, _, err := m.resolveActiveSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := m.store.UpdateStatus(ctx, sessionID, store.SessionRunning); err != nil {
		return err
	}
	m.ingestClientEvent(events.NewUserMessage(c.ID, sessionID, text))

	go func() {
		stopReason, err := c.Prompt(context.Background(), sessionID, []protocol.ContentBlock{{Type: "text", Text: text}})
		if err != nil {
			m.ingestClientEvent(events.NewError(c.ID, sessionID, "protocol_error", err.Error()))
			return
		}
		m.ingestClientEvent(events.NewComplete(c.ID, sessionID, stopReason))
	}()

	return nil
}

// CancelSession requests the owning client cancel an in-flight prompt.
// A no-op if the session has no outstanding prompt.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) error {
	_, c, _, err := m.resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return c.Cancel(sessionID)
}

// SetMode switches a session's active mode via its owning client, then
// persists the new mode once the agent confirms it.
func (m *Manager) SetMode(ctx context.Context, sessionID, modeID string) error {
	_, c, _, err := m.resolveActiveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.SetMode(ctx, sessionID, modeID); err != nil {
		return err
	}
	return m.store.UpdateMode(ctx, sessionID, modeID)
}

// RenameSession updates a session's user-editable display name.
func (m *Manager) RenameSession(ctx context.Context, sessionID, name string) error {
	if _, _, _, err := m.resolveSession(ctx, sessionID); err != nil {
		return err
	}
	return m.store.UpdateName(ctx, sessionID, name)
}

// DeleteSession removes a session's metadata, event file, coalescer
// buffer, and auto-denies any unresolved approvals that reference it.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if m.coalescer != nil {
		m.coalescer.Flush(sessionID)
	}
	m.broker.ExpireAllForSession(sessionID)

	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		if c, found := m.getClient(entry.clientID); found {
			c.ForgetSession(sessionID)
		}
	}
	return nil
}

// ListClients returns every known client, newest-first.
func (m *Manager) ListClients() []*client.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*client.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sortClientsNewestFirst(out)
	return out
}

// ListSessions returns every session's metadata, newest-first, optionally
// filtered to one owning client.
func (m *Manager) ListSessions(ctx context.Context, clientID string) ([]store.SessionMeta, error) {
	all, err := m.store.LoadAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		return all, nil
	}
	filtered := make([]store.SessionMeta, 0, len(all))
	for _, meta := range all {
		if meta.ClientID == clientID {
			filtered = append(filtered, meta)
		}
	}
	return filtered, nil
}

// GetSession returns a session's metadata plus whether it is currently
// active (owning client exists, ready, and the session is non-terminal).
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*store.SessionMeta, bool, error) {
	meta, err := m.store.LoadSession(ctx, sessionID)
	if err != nil || meta == nil {
		return meta, false, err
	}
	active := false
	if c, ok := m.getClient(meta.ClientID); ok {
		active = c.Status() == client.StatusReady && !meta.Status.Terminal()
	}
	return meta, active, nil
}

// GetClient returns a client by id.
func (m *Manager) GetClient(clientID string) (*client.Client, bool) {
	return m.getClient(clientID)
}

func (m *Manager) getClient(clientID string) (*client.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	return c, ok
}

// Reconnect re-attaches a non-terminal session whose owning client is
// gone: it finds or spawns a client for the same (kind, cwd) through
// FindOrSpawnClient (a ready client for that key is reused), loads the ACP
// session back into it, and re-indexes ownership. Historical events are
// untouched.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) error {
	meta, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if meta == nil {
		return apperr.NotFound("session", sessionID)
	}
	if meta.Status.Terminal() {
		return apperr.Conflict(fmt.Sprintf("session %q is terminal, cannot reconnect", sessionID))
	}

	c, err := m.FindOrSpawnClient(ctx, registry.Kind(meta.Kind), meta.Cwd)
	if err != nil {
		return err
	}

	if err := c.LoadSession(ctx, sessionID, meta.Cwd); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[sessionID] = &sessionEntry{clientID: c.ID, kind: c.Kind, cwd: c.Cwd}
	m.mu.Unlock()

	return nil
}

// CleanupStale sweeps sessions whose owning client no longer exists and
// whose status is non-terminal, flipping them to killed.
func (m *Manager) CleanupStale(ctx context.Context) error {
	all, err := m.store.LoadAllSessions(ctx)
	if err != nil {
		return err
	}
	for _, meta := range all {
		if meta.Status.Terminal() {
			continue
		}
		if _, ok := m.getClient(meta.ClientID); ok {
			continue
		}
		m.transitionIfNotTerminal(ctx, meta.ID, store.SessionKilled)
	}
	return nil
}

func (m *Manager) resolveSession(ctx context.Context, sessionID string) (*sessionEntry, *client.Client, *store.SessionMeta, error) {
	m.mu.RLock()
	entry, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	meta, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if meta == nil {
		return nil, nil, nil, apperr.NotFound("session", sessionID)
	}
	if !ok {
		entry = &sessionEntry{clientID: meta.ClientID, kind: registry.Kind(meta.Kind), cwd: meta.Cwd}
	}

	c, found := m.getClient(entry.clientID)
	if !found {
		return entry, nil, meta, apperr.NotFound("client", entry.clientID)
	}
	return entry, c, meta, nil
}

func (m *Manager) resolveActiveSession(ctx context.Context, sessionID string) (*sessionEntry, *client.Client, *store.SessionMeta, error) {
	entry, c, meta, err := m.resolveSession(ctx, sessionID)
	if err != nil {
		return entry, c, meta, err
	}
	if meta.Status.Terminal() {
		return entry, c, meta, apperr.Conflict(fmt.Sprintf("session %q is terminal", sessionID))
	}
	if c.Status() != client.StatusReady {
		return entry, c, meta, apperr.Conflict(fmt.Sprintf("client %q is not ready", c.ID))
	}
	return entry, c, meta, nil
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.CleanupStale(ctx); err != nil {
				m.logger.Warn("cleanup sweep failed", zap.Error(err))
			}
		}
	}
}

func sortClientsNewestFirst(clients []*client.Client) {
	for i := 1; i < len(clients); i++ {
		for j := i; j > 0 && clients[j].CreatedAt.After(clients[j-1].CreatedAt); j-- {
			clients[j], clients[j-1] = clients[j-1], clients[j]
		}
	}
}
