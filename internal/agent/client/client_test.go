package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/agent/broker"
	"github.com/kandev/agentsupervisor/internal/agent/registry"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/pkg/acp/jsonrpc"
	"github.com/kandev/agentsupervisor/pkg/acp/protocol"
)

// fakeProcess is an in-memory runtime.Process backed by pipes, standing
// in for a real child so the transport can be exercised without
// spawning anything.
type fakeProcess struct {
	stdin  io.WriteCloser
	stdout io.Reader
	killCh chan struct{}
}

func newFakeProcess(stdin io.WriteCloser, stdout io.Reader) *fakeProcess {
	return &fakeProcess{stdin: stdin, stdout: stdout, killCh: make(chan struct{})}
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }

func (p *fakeProcess) Wait() error {
	<-p.killCh
	return nil
}

func (p *fakeProcess) Kill() error {
	select {
	case <-p.killCh:
	default:
		close(p.killCh)
	}
	return nil
}

func (p *fakeProcess) Signal() error { return p.Kill() }

// pipeAgent simulates the agent side of the wire: it reads whatever the
// Client sends and lets the test script replies and notifications back.
type pipeAgent struct {
	in  *bufio.Scanner
	out io.Writer
}

func (a *pipeAgent) readRequest(t *testing.T) (id interface{}, method string, params json.RawMessage) {
	t.Helper()
	require.True(t, a.in.Scan())
	var req struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(a.in.Bytes(), &req))
	return req.ID, req.Method, req.Params
}

func (a *pipeAgent) reply(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	resultJSON, err := json.Marshal(result)
	require.NoError(t, err)
	a.writeFrame(t, jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: resultJSON})
}

func (a *pipeAgent) notify(t *testing.T, method string, params interface{}) {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)
	a.writeFrame(t, jsonrpc.Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

func (a *pipeAgent) request(t *testing.T, id interface{}, method string, params interface{}) {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)
	a.writeFrame(t, jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON})
}

func (a *pipeAgent) writeFrame(t *testing.T, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = a.out.Write(data)
	require.NoError(t, err)
}

func newHarness(t *testing.T, b *broker.Broker, onEvent func(events.AgentEvent)) (*Client, *pipeAgent, *fakeProcess, func()) {
	t.Helper()
	hostToAgentR, hostToAgentW := io.Pipe()
	agentToHostR, agentToHostW := io.Pipe()

	proc := newFakeProcess(hostToAgentW, agentToHostR)

	scanner := bufio.NewScanner(hostToAgentR)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	agent := &pipeAgent{in: scanner, out: agentToHostW}

	c := New("client-1", registry.KindClaudeCode, "/workspace", proc, b, onEvent, nil, logger.Default())

	cleanup := func() {
		proc.Kill()
		hostToAgentW.Close()
		agentToHostW.Close()
	}
	return c, agent, proc, cleanup
}

func TestClient_StartPerformsInitializeHandshake(t *testing.T) {
	c, agent, _, cleanup := newHarness(t, broker.New(logger.Default()), nil)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		id, method, _ := agent.readRequest(t)
		assert.Equal(t, protocol.MethodInitialize, method)
		agent.reply(t, id, protocol.InitializeResult{
			ProtocolVersion: "1",
			Capabilities:    protocol.AgentCapabilities{Image: true},
		})
	}()

	err := c.Start(context.Background())
	require.NoError(t, err)
	<-done

	assert.Equal(t, StatusReady, c.Status())
	assert.True(t, c.Capabilities().Image)
}

func TestClient_StartSurfacesAgentRejection(t *testing.T) {
	c, agent, _, cleanup := newHarness(t, broker.New(logger.Default()), nil)
	defer cleanup()

	go func() {
		id, _, _ := agent.readRequest(t)
		agent.writeFrame(t, jsonrpc.Response{
			JSONRPC: "2.0", ID: id,
			Error: &jsonrpc.Error{Code: jsonrpc.InternalError, Message: "boom"},
		})
	}()

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, c.Status())
}

func TestClient_CreateSessionReturnsSessionIDAndTracksIt(t *testing.T) {
	c, agent, _, cleanup := newHarness(t, broker.New(logger.Default()), nil)
	defer cleanup()
	c.transport.Start(context.Background())

	go func() {
		id, method, _ := agent.readRequest(t)
		assert.Equal(t, protocol.MethodSessionNew, method)
		agent.reply(t, id, protocol.SessionNewResult{
			SessionID:     "sess-1",
			CurrentModeID: "default",
		})
	}()

	result, err := c.CreateSession(context.Background(), "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Contains(t, c.Sessions(), "sess-1")
}

func TestClient_PromptReturnsStopReasonAndStreamsNotifications(t *testing.T) {
	received := make(chan events.AgentEvent, 1)
	c, agent, _, cleanup := newHarness(t, broker.New(logger.Default()), func(evt events.AgentEvent) {
		received <- evt
	})
	defer cleanup()
	c.transport.Start(context.Background())

	go func() {
		agent.notify(t, protocol.NotificationSessionUpdate, map[string]string{
			"sessionId": "sess-1",
			"update":    protocol.UpdateAgentMessageChunk,
			"content":   "hi there",
		})

		id, method, _ := agent.readRequest(t)
		assert.Equal(t, protocol.MethodSessionPrompt, method)
		agent.reply(t, id, protocol.SessionPromptResult{StopReason: "end_turn"})
	}()

	stopReason, err := c.Prompt(context.Background(), "sess-1", []protocol.ContentBlock{{Type: "text", Text: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", stopReason)

	select {
	case evt := <-received:
		assert.Equal(t, events.TypeMessage, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestClient_HandleRequestPermission_ApprovalResolvesReply(t *testing.T) {
	b := broker.New(logger.Default())
	c, agent, _, cleanup := newHarness(t, b, nil)
	defer cleanup()
	c.transport.Start(context.Background())

	go func() {
		agent.request(t, int64(1), protocol.MethodSessionRequestPermission, protocol.SessionRequestPermissionParams{
			SessionID: "sess-1",
			ToolCall:  protocol.ToolCallDescriptor{ToolCallID: "tc-1", Title: "run rm", Kind: "execute"},
			Options: []protocol.PermissionOption{
				{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
			},
		})
	}()

	require.Eventually(t, func() bool {
		return len(b.List()) == 1
	}, time.Second, 5*time.Millisecond)

	pending := b.List()[0]
	require.NoError(t, b.Approve(pending.ID, "allow"))

	var resp struct {
		Result protocol.SessionRequestPermissionResult `json:"result"`
	}
	require.True(t, agent.in.Scan())
	require.NoError(t, json.Unmarshal(agent.in.Bytes(), &resp))
	assert.Equal(t, "allow", resp.Result.OptionID)
	assert.Equal(t, "selected", resp.Result.Outcome)
}

func TestClient_HandleRequestPermission_ContextCancelExpiresAndRepliesCancelled(t *testing.T) {
	b := broker.New(logger.Default())
	c, agent, _, cleanup := newHarness(t, b, nil)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	c.transport.Start(ctx)

	go func() {
		agent.request(t, int64(7), protocol.MethodSessionRequestPermission, protocol.SessionRequestPermissionParams{
			SessionID: "sess-1",
			ToolCall:  protocol.ToolCallDescriptor{ToolCallID: "tc-2", Title: "edit file", Kind: "edit"},
		})
	}()

	require.Eventually(t, func() bool {
		return len(b.List()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	require.True(t, agent.in.Scan())
	var resp struct {
		Result protocol.SessionRequestPermissionResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(agent.in.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp.Result.Outcome)
}

func TestClient_SetMode_EmitsModeChangeEventOnSuccess(t *testing.T) {
	received := make(chan events.AgentEvent, 1)
	c, agent, _, cleanup := newHarness(t, broker.New(logger.Default()), func(evt events.AgentEvent) {
		received <- evt
	})
	defer cleanup()
	c.transport.Start(context.Background())

	go func() {
		id, method, _ := agent.readRequest(t)
		assert.Equal(t, protocol.MethodSessionSetMode, method)
		agent.reply(t, id, struct{}{})
	}()

	err := c.SetMode(context.Background(), "sess-1", "plan")
	require.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, events.TypeModeChange, evt.Type)
		var payload events.ModeChangePayload
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		assert.Equal(t, "plan", payload.ModeID)
	case <-time.After(time.Second):
		t.Fatal("mode-change event not emitted")
	}
}
