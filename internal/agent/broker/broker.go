// Package broker holds pending permission requests raised by agents and
// resolves them from out-of-band user decisions.
package broker

import (
	"sync"
	"time"

	"github.com/kandev/agentsupervisor/internal/common/apperr"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"go.uber.org/zap"
)

// Status is an ApprovalRequest's resolution state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// ToolCallDescriptor identifies what the agent wants permission for.
type ToolCallDescriptor struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title"`
	Kind       string         `json:"kind"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
}

// Option is one choice offered to the approving human.
type Option struct {
	OptionID    string `json:"optionId"`
	Name        string `json:"name"`
	Kind        string `json:"kind"` // allow_once, allow_always, deny, ...
	Description string `json:"description,omitempty"`
}

// Resolution is what approve/deny/expire hands back to the suspended
// ACP inbound-request handler awaiting this approval.
type Resolution struct {
	Status   Status
	OptionID string
}

// Request is one outstanding permission prompt.
type Request struct {
	ID         string
	ClientID   string
	SessionID  string
	ToolCall   ToolCallDescriptor
	Options    []Option
	Status     Status
	CreatedAt  time.Time
	ResolvedAt time.Time

	resolved chan Resolution
}

// Broker serializes all approval state through its own lock, per the
// spec's shared-resource policy for the Approval Broker.
type Broker struct {
	mu       sync.Mutex
	requests map[string]*Request
	order    []string // creation order, for List()
	logger   *logger.Logger

	onCreate func(*Request)
}

// New creates an empty Broker.
func New(log *logger.Logger) *Broker {
	return &Broker{
		requests: make(map[string]*Request),
		logger:   log.WithFields(zap.String("component", "approval-broker")),
	}
}

// SetOnCreate wires the callback invoked after every newly registered
// request, outside the Broker's lock. The Session Manager uses this to
// broadcast the request over the Pub/Sub Hub and transition its session
// to waiting-approval, without the Broker needing to know about either.
func (b *Broker) SetOnCreate(fn func(*Request)) {
	b.mu.Lock()
	b.onCreate = fn
	b.mu.Unlock()
}

// Create registers a newly received approval request and returns a
// channel that receives its eventual Resolution exactly once. The
// caller (the Agent Client's inbound request handler) blocks on that
// channel, or on ctx cancellation, to reply to the ACP call that raised
// the request. If an onCreate hook is wired, it fires synchronously
// before Create returns.
func (b *Broker) Create(id, clientID, sessionID string, toolCall ToolCallDescriptor, options []Option) (*Request, <-chan Resolution) {
	b.mu.Lock()
	req := &Request{
		ID:        id,
		ClientID:  clientID,
		SessionID: sessionID,
		ToolCall:  toolCall,
		Options:   options,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		resolved:  make(chan Resolution, 1),
	}
	b.requests[id] = req
	b.order = append(b.order, id)
	onCreate := b.onCreate
	b.mu.Unlock()

	if onCreate != nil {
		onCreate(req)
	}
	return req, req.resolved
}

// Approve resolves a pending approval with the chosen option. Idempotent:
// resolving an already-resolved or unknown id returns apperr's
// approval-not-pending kind rather than erroring destructively.
func (b *Broker) Approve(id, optionID string) error {
	return b.resolve(id, StatusApproved, optionID)
}

// Deny resolves a pending approval as rejected.
func (b *Broker) Deny(id string) error {
	return b.resolve(id, StatusRejected, "")
}

// Expire marks a pending approval expired — used when its session
// terminates with the approval still unresolved. Deny-equivalent from
// the suspended handler's point of view.
func (b *Broker) Expire(id string) error {
	return b.resolve(id, StatusExpired, "")
}

func (b *Broker) resolve(id string, status Status, optionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[id]
	if !ok || req.Status != StatusPending {
		return apperr.ApprovalNotPending(id)
	}

	req.Status = status
	req.ResolvedAt = time.Now()
	req.resolved <- Resolution{Status: status, OptionID: optionID}
	close(req.resolved)

	b.logger.Debug("approval resolved", zap.String("approval_id", id), zap.String("status", string(status)))
	return nil
}

// List returns pending approvals in creation order.
func (b *Broker) List() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pending []*Request
	for _, id := range b.order {
		if req, ok := b.requests[id]; ok && req.Status == StatusPending {
			pending = append(pending, req)
		}
	}
	return pending
}

// ExpireAllForSession expires every pending approval belonging to
// sessionID, used by the Session Manager when a session terminates with
// unresolved approvals outstanding.
func (b *Broker) ExpireAllForSession(sessionID string) {
	b.mu.Lock()
	var toExpire []string
	for _, id := range b.order {
		if req, ok := b.requests[id]; ok && req.Status == StatusPending && req.SessionID == sessionID {
			toExpire = append(toExpire, id)
		}
	}
	b.mu.Unlock()

	for _, id := range toExpire {
		_ = b.Expire(id)
	}
}

// Get returns the request for id, if it exists (pending or resolved).
func (b *Broker) Get(id string) (*Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	return req, ok
}
