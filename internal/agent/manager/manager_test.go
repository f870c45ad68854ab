package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/agent/broker"
	"github.com/kandev/agentsupervisor/internal/agent/registry"
	"github.com/kandev/agentsupervisor/internal/agent/runtime"
	"github.com/kandev/agentsupervisor/internal/coalescer"
	"github.com/kandev/agentsupervisor/internal/common/config"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/pubsub"
	"github.com/kandev/agentsupervisor/internal/store"
	"github.com/kandev/agentsupervisor/pkg/acp/jsonrpc"
	"github.com/kandev/agentsupervisor/pkg/acp/protocol"
)

const testKind registry.Kind = "stub-agent"

// fakeProcess is an in-memory runtime.Process backed by pipes.
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
func (p *fakeProcess) Wait() error           { <-p.killCh; return nil }
func (p *fakeProcess) Kill() error {
	select {
	case <-p.killCh:
	default:
		close(p.killCh)
	}
	return nil
}
func (p *fakeProcess) Signal() error { return p.Kill() }

// fakeAgent auto-answers the handshake and session calls every spawned
// client needs, so tests don't have to hand-drive each one.
type fakeAgent struct {
	in  *bufio.Scanner
	out io.Writer

	mu            sync.Mutex
	nextSessionID int
}

func (a *fakeAgent) run() {
	for a.in.Scan() {
		line := append([]byte(nil), a.in.Bytes()...)
		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil || msg.ID == nil {
			continue
		}

		switch msg.Method {
		case protocol.MethodInitialize:
			a.reply(msg.ID, protocol.InitializeResult{ProtocolVersion: "1"})
		case protocol.MethodSessionNew:
			a.mu.Lock()
			a.nextSessionID++
			id := fmt.Sprintf("sess-%d", a.nextSessionID)
			a.mu.Unlock()
			a.reply(msg.ID, protocol.SessionNewResult{SessionID: id, CurrentModeID: "default"})
		case protocol.MethodSessionPrompt:
			a.reply(msg.ID, protocol.SessionPromptResult{StopReason: "end_turn"})
		default:
			a.reply(msg.ID, struct{}{})
		}
	}
}

func (a *fakeAgent) reply(id interface{}, result interface{}) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return
	}
	data, err := json.Marshal(jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: resultJSON})
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = a.out.Write(data)
}

// fakeLauncher spawns an in-memory pipe pair plus a fakeAgent per Launch
// call, counting how many times it was actually invoked.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
}

func (l *fakeLauncher) Launch(_ context.Context, _ runtime.Spec) (runtime.Process, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()

	hostToAgentR, hostToAgentW := io.Pipe()
	agentToHostR, agentToHostW := io.Pipe()
	proc := newFakeProcess(hostToAgentW, agentToHostR)

	scanner := bufio.NewScanner(hostToAgentR)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	agent := &fakeAgent{in: scanner, out: agentToHostW}
	go agent.run()

	return proc, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func newTestManager(t *testing.T) (*Manager, *fakeLauncher) {
	t.Helper()

	st, err := store.Open(t.TempDir(), 1000, 50*time.Millisecond, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New("", "")
	reg.Register(&registry.KindConfig{ID: testKind, Executable: "stub"})

	launcher := &fakeLauncher{}
	b := broker.New(logger.Default())
	hub := pubsub.New(logger.Default())

	cfg := config.AgentConfig{SpawnTimeoutSeconds: 5, ShutdownGraceSeconds: 2}
	m := New(cfg, reg, launcher, st, b, hub, nil, logger.Default())
	m.SetCoalescer(coalescer.New(20*time.Millisecond, m.Sink, logger.Default()))

	return m, launcher
}

func TestManager_FindOrSpawnClient_DedupesConcurrentSpawnsForSameTuple(t *testing.T) {
	m, launcher := newTestManager(t)
	cwd := t.TempDir()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.FindOrSpawnClient(context.Background(), testKind, cwd)
			require.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, launcher.count())
}

func TestManager_FindOrSpawnClient_DifferentCwdSpawnsSeparateClients(t *testing.T) {
	m, launcher := newTestManager(t)

	c1, err := m.FindOrSpawnClient(context.Background(), testKind, t.TempDir())
	require.NoError(t, err)
	c2, err := m.FindOrSpawnClient(context.Background(), testKind, t.TempDir())
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, 2, launcher.count())
}

func TestManager_CreateSessionAndSendMessage_PersistsEventsAndCompletes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.FindOrSpawnClient(ctx, testKind, t.TempDir())
	require.NoError(t, err)

	meta, err := m.CreateSession(ctx, c.ID, c.Cwd)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, meta.Status)

	require.NoError(t, m.SendMessage(ctx, meta.ID, "hello"))

	require.Eventually(t, func() bool {
		got, _, err := m.GetSession(ctx, meta.ID)
		return err == nil && got != nil && got.Status == store.SessionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	evts, err := m.store.TailEvents(meta.ID, 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "message", string(evts[0].Type))
	assert.Equal(t, "complete", string(evts[1].Type))
}

func TestManager_StopClient_TransitionsOwnedSessionsToKilled(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.FindOrSpawnClient(ctx, testKind, t.TempDir())
	require.NoError(t, err)

	meta, err := m.CreateSession(ctx, c.ID, c.Cwd)
	require.NoError(t, err)

	require.NoError(t, m.StopClient(ctx, c.ID))

	got, active, err := m.GetSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionKilled, got.Status)
	assert.False(t, active)
}

func TestManager_DeleteSession_ExpiresApprovalsAndRemovesFromStore(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.FindOrSpawnClient(ctx, testKind, t.TempDir())
	require.NoError(t, err)
	meta, err := m.CreateSession(ctx, c.ID, c.Cwd)
	require.NoError(t, err)

	_, resolved := m.broker.Create("approval-1", c.ID, meta.ID, broker.ToolCallDescriptor{ToolCallID: "tc-1"}, nil)

	require.NoError(t, m.DeleteSession(ctx, meta.ID))

	select {
	case res := <-resolved:
		assert.Equal(t, broker.StatusExpired, res.Status)
	case <-time.After(time.Second):
		t.Fatal("approval was not expired on session deletion")
	}

	assert.Empty(t, m.broker.List())

	got, err := m.store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManager_PermissionRequestCreation_PublishesApprovalAndMarksSessionWaitingApproval(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.FindOrSpawnClient(ctx, testKind, t.TempDir())
	require.NoError(t, err)
	meta, err := m.CreateSession(ctx, c.ID, c.Cwd)
	require.NoError(t, err)

	sub := m.hub.Subscribe(meta.ID)
	_, resolved := m.broker.Create("approval-1", c.ID, meta.ID, broker.ToolCallDescriptor{ToolCallID: "tc-1"}, nil)
	defer func() { _ = m.broker.Expire("approval-1"); <-resolved }()

	select {
	case env := <-sub.Events:
		require.NotNil(t, env.Approval)
		assert.Equal(t, "approval-1", env.Approval.ID)
		assert.Equal(t, meta.ID, env.Approval.SessionID)
	case <-time.After(time.Second):
		t.Fatal("approval was not broadcast over the hub")
	}

	require.Eventually(t, func() bool {
		got, _, err := m.GetSession(ctx, meta.ID)
		return err == nil && got != nil && got.Status == store.SessionWaitingApproval
	}, time.Second, 10*time.Millisecond)
}

func TestManager_SetMode_PersistsConfirmedMode(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.FindOrSpawnClient(ctx, testKind, t.TempDir())
	require.NoError(t, err)
	meta, err := m.CreateSession(ctx, c.ID, c.Cwd)
	require.NoError(t, err)

	require.NoError(t, m.SetMode(ctx, meta.ID, "plan"))

	got, err := m.store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan", got.CurrentModeID)
}

func TestManager_RenameSession_PersistsName(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.FindOrSpawnClient(ctx, testKind, t.TempDir())
	require.NoError(t, err)
	meta, err := m.CreateSession(ctx, c.ID, c.Cwd)
	require.NoError(t, err)

	require.NoError(t, m.RenameSession(ctx, meta.ID, "debugging flaky test"))

	got, err := m.store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "debugging flaky test", got.Name)
}

func TestManager_Reconnect_RejectsTerminalSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.FindOrSpawnClient(ctx, testKind, t.TempDir())
	require.NoError(t, err)
	meta, err := m.CreateSession(ctx, c.ID, c.Cwd)
	require.NoError(t, err)
	require.NoError(t, m.store.UpdateStatus(ctx, meta.ID, store.SessionCompleted))

	err = m.Reconnect(ctx, meta.ID)
	assert.Error(t, err)
}
