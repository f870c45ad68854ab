// Package client wraps one ACP transport over a single spawned agent
// process: the `initialize` handshake, session-scoped calls, and the
// inbound permission-request handler that suspends on the Approval
// Broker.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/agent/broker"
	"github.com/kandev/agentsupervisor/internal/agent/registry"
	"github.com/kandev/agentsupervisor/internal/agent/runtime"
	"github.com/kandev/agentsupervisor/internal/common/apperr"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/pkg/acp/jsonrpc"
	"github.com/kandev/agentsupervisor/pkg/acp/protocol"
)

const protocolVersion = "1"

// Status is the Client's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Client owns one ACP transport over one agent child process. It is
// keyed by (kind, canonical cwd) one layer up, in the session manager,
// which may route several sessions through the same Client.
type Client struct {
	ID        string
	Kind      registry.Kind
	Cwd       string
	CreatedAt time.Time

	mu           sync.RWMutex
	status       Status
	capabilities protocol.AgentCapabilities
	startErr     error
	sessions     map[string]struct{}

	process   runtime.Process
	transport *jsonrpc.Transport
	broker    *broker.Broker

	onNotification func(events.AgentEvent)
	onStopped      func(clientID string, err error)

	logger *logger.Logger
}

// New wraps proc's stdio in an ACP transport. onNotification receives
// every normalized session/update the agent streams; onStopped fires
// once when the transport's read loop exits for any reason.
func New(
	id string,
	kind registry.Kind,
	cwd string,
	proc runtime.Process,
	b *broker.Broker,
	onNotification func(events.AgentEvent),
	onStopped func(clientID string, err error),
	log *logger.Logger,
) *Client {
	l := log.WithFields(
		zap.String("component", "agent-client"),
		zap.String("client_id", id),
		zap.String("kind", string(kind)),
	)

	c := &Client{
		ID:             id,
		Kind:           kind,
		Cwd:            cwd,
		CreatedAt:      time.Now(),
		status:         StatusStarting,
		sessions:       make(map[string]struct{}),
		process:        proc,
		broker:         b,
		onNotification: onNotification,
		onStopped:      onStopped,
		logger:         l,
	}

	c.transport = jsonrpc.NewTransport(proc.Stdin(), proc.Stdout(), l)
	c.transport.SetNotificationHandler(c.handleNotification)
	c.transport.RegisterHandler(protocol.MethodSessionRequestPermission, c.handleRequestPermission)
	c.transport.OnStopped(c.handleStopped)

	return c
}

// Start launches the transport's read loop and performs the ACP
// `initialize` handshake. The Client is not usable until this returns
// nil. ctx bounds the handshake only: the read loop keeps running after
// ctx is cancelled, until Stop or the child closes its stdout.
func (c *Client) Start(ctx context.Context) error {
	c.transport.Start(context.WithoutCancel(ctx))

	resp, err := c.transport.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      protocol.ClientInfo{Name: "agent-supervisor", Version: "1"},
		Capabilities:    protocol.ClientCapabilities{Streaming: true},
	})
	if err != nil {
		c.setStatus(StatusError, err)
		return apperr.InitializeFailure("call initialize", err)
	}
	if resp.Error != nil {
		err := fmt.Errorf("%s", resp.Error.Message)
		c.setStatus(StatusError, err)
		return apperr.InitializeFailure("agent rejected initialize", err)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.setStatus(StatusError, err)
		return apperr.ProtocolError("malformed initialize result")
	}

	c.mu.Lock()
	c.capabilities = result.Capabilities
	c.status = StatusReady
	c.mu.Unlock()

	c.logger.Info("agent initialized", zap.Any("capabilities", result.Capabilities))
	return nil
}

// CreateSession opens a new ACP session in cwd (the agent's own default
// if empty).
func (c *Client) CreateSession(ctx context.Context, cwd string) (protocol.SessionNewResult, error) {
	resp, err := c.transport.Call(ctx, protocol.MethodSessionNew, protocol.SessionNewParams{Cwd: cwd})
	if err != nil {
		return protocol.SessionNewResult{}, apperr.TransportError("session/new", err)
	}
	if resp.Error != nil {
		return protocol.SessionNewResult{}, apperr.ProtocolError(resp.Error.Message)
	}

	var result protocol.SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return protocol.SessionNewResult{}, apperr.ProtocolError("malformed session/new result")
	}

	c.mu.Lock()
	c.sessions[result.SessionID] = struct{}{}
	c.mu.Unlock()

	return result, nil
}

// LoadSession resumes a previously created session, e.g. after a
// supervisor restart.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string) error {
	resp, err := c.transport.Call(ctx, protocol.MethodSessionLoad, protocol.SessionLoadParams{
		SessionID: sessionID,
		Cwd:       cwd,
	})
	if err != nil {
		return apperr.TransportError("session/load", err)
	}
	if resp.Error != nil {
		return apperr.ProtocolError(resp.Error.Message)
	}

	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()

	return nil
}

// Prompt sends one user turn and blocks until the agent reports a stop
// reason. Intervening session/update notifications arrive concurrently
// on the notification handler, not through this call's return value.
func (c *Client) Prompt(ctx context.Context, sessionID string, content []protocol.ContentBlock) (string, error) {
	resp, err := c.transport.Call(ctx, protocol.MethodSessionPrompt, protocol.SessionPromptParams{
		SessionID: sessionID,
		Content:   content,
	})
	if err != nil {
		return "", apperr.TransportError("session/prompt", err)
	}
	if resp.Error != nil {
		return "", apperr.ProtocolError(resp.Error.Message)
	}

	var result protocol.SessionPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", apperr.ProtocolError("malformed session/prompt result")
	}
	return result.StopReason, nil
}

// Cancel requests that an in-flight turn stop. It is a notification, not
// a call: the agent's eventual stop reason still arrives as Prompt's
// return value on the goroutine that issued it.
func (c *Client) Cancel(sessionID string) error {
	if err := c.transport.Notify(protocol.MethodSessionCancel, protocol.SessionCancelParams{SessionID: sessionID}); err != nil {
		return apperr.TransportError("session/cancel", err)
	}
	return nil
}

// SetMode switches a session's active mode and, on success, synthesizes
// a mode-change event so the transcript reflects the change even though
// the agent may not always echo it back via session/update.
func (c *Client) SetMode(ctx context.Context, sessionID, modeID string) error {
	resp, err := c.transport.Call(ctx, protocol.MethodSessionSetMode, protocol.SessionSetModeParams{
		SessionID: sessionID,
		ModeID:    modeID,
	})
	if err != nil {
		return apperr.TransportError("session/set_mode", err)
	}
	if resp.Error != nil {
		return apperr.ProtocolError(resp.Error.Message)
	}

	if c.onNotification != nil {
		payload, _ := json.Marshal(events.ModeChangePayload{ModeID: modeID})
		c.onNotification(events.AgentEvent{
			Type:      events.TypeModeChange,
			ClientID:  c.ID,
			SessionID: sessionID,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
	return nil
}

// Stop requests graceful shutdown of the child process: a signal first,
// escalating to Kill if it doesn't exit within ctx's deadline.
func (c *Client) Stop(ctx context.Context) error {
	c.transport.Stop()

	if err := c.process.Signal(); err != nil {
		c.logger.Warn("graceful signal failed, killing", zap.Error(err))
		err := c.process.Kill()
		c.setStatus(StatusStopped, nil)
		return err
	}

	done := make(chan error, 1)
	go func() { done <- c.process.Wait() }()

	select {
	case err := <-done:
		c.setStatus(StatusStopped, nil)
		return err
	case <-ctx.Done():
		_ = c.process.Kill()
		c.setStatus(StatusStopped, nil)
		return ctx.Err()
	}
}

// Status reports the Client's current lifecycle state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Capabilities returns the agent's declared capabilities from
// initialize. Zero value before Start succeeds.
func (c *Client) Capabilities() protocol.AgentCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// Sessions returns the ids of sessions this Client currently owns.
func (c *Client) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ForgetSession drops sessionID from this Client's owned set, e.g. once
// the session manager has closed it.
func (c *Client) ForgetSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *Client) setStatus(s Status, err error) {
	c.mu.Lock()
	c.status = s
	c.startErr = err
	c.mu.Unlock()
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method != protocol.NotificationSessionUpdate {
		c.logger.Warn("unexpected notification method", zap.String("method", method))
		return
	}
	if c.onNotification == nil {
		return
	}
	c.onNotification(events.Normalize(c.ID, params))
}

// handleRequestPermission answers an inbound session/request_permission
// call by registering it with the Approval Broker and suspending the
// reply until it resolves or ctx, the transport's context, is cancelled.
// When the session manager deletes the session it expires the pending
// approval through the broker, which resolves it.
func (c *Client) handleRequestPermission(ctx context.Context, method string, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	var p protocol.SessionRequestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "malformed request_permission params"}
	}

	options := make([]broker.Option, 0, len(p.Options))
	for _, o := range p.Options {
		options = append(options, broker.Option{
			OptionID:    o.OptionID,
			Name:        o.Name,
			Kind:        o.Kind,
			Description: o.Description,
		})
	}
	toolCall := broker.ToolCallDescriptor{
		ToolCallID: p.ToolCall.ToolCallID,
		Title:      p.ToolCall.Title,
		Kind:       p.ToolCall.Kind,
		RawInput:   p.ToolCall.RawInput,
	}

	id := uuid.New().String()
	_, resolved := c.broker.Create(id, c.ID, p.SessionID, toolCall, options)

	select {
	case res := <-resolved:
		if res.Status == broker.StatusApproved {
			return protocol.SessionRequestPermissionResult{OptionID: res.OptionID, Outcome: "selected"}, nil
		}
		return protocol.SessionRequestPermissionResult{Outcome: "cancelled"}, nil
	case <-ctx.Done():
		_ = c.broker.Expire(id)
		return protocol.SessionRequestPermissionResult{Outcome: "cancelled"}, nil
	}
}

func (c *Client) handleStopped(err error) {
	if err != nil {
		c.logger.Warn("transport stopped", zap.Error(err))
		c.setStatus(StatusError, err)
	} else {
		c.setStatus(StatusStopped, nil)
	}
	if c.onStopped != nil {
		c.onStopped(c.ID, err)
	}
}
