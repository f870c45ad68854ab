package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeAgent simulates a minimal agent on the other end of the stdio pipe:
// tests read the host's frames from it and write replies through it.
type pipeAgent struct {
	in  *bufio.Scanner
	out io.Writer
}

func newHarness(t *testing.T) (*Transport, *pipeAgent, func()) {
	t.Helper()
	hostToAgentR, hostToAgentW := io.Pipe()
	agentToHostR, agentToHostW := io.Pipe()

	tr := NewTransport(hostToAgentW, agentToHostR, logger.Default())
	scanner := bufio.NewScanner(hostToAgentR)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	agent := &pipeAgent{in: scanner, out: agentToHostW}

	cleanup := func() {
		tr.Stop()
		hostToAgentW.Close()
		agentToHostW.Close()
	}
	return tr, agent, cleanup
}

func (a *pipeAgent) readRequest(t *testing.T) (id interface{}, method string) {
	t.Helper()
	require.True(t, a.in.Scan())
	var req struct {
		ID     interface{} `json:"id"`
		Method string      `json:"method"`
	}
	require.NoError(t, json.Unmarshal(a.in.Bytes(), &req))
	return req.ID, req.Method
}

func (a *pipeAgent) reply(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	resultJSON, err := json.Marshal(result)
	require.NoError(t, err)
	resp := Response{JSONRPC: "2.0", ID: id, Result: resultJSON}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = a.out.Write(data)
	require.NoError(t, err)
}

func TestTransport_CallReturnsCorrelatedResponse(t *testing.T) {
	tr, agent, cleanup := newHarness(t)
	defer cleanup()
	tr.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, method := agent.readRequest(t)
		assert.Equal(t, "ping", method)
		agent.reply(t, id, map[string]string{"pong": "1"})
	}()

	resp, err := tr.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	wg.Wait()

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "1", result["pong"])
}

func TestTransport_CallCancellationAbandonsID(t *testing.T) {
	tr, agent, cleanup := newHarness(t)
	defer cleanup()
	tr.Start(context.Background())

	// Drain the outbound side so the write in Call doesn't block the
	// pipe; the test only cares that the waiter is released promptly.
	go func() {
		for agent.in.Scan() {
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransport_NotificationDispatch(t *testing.T) {
	tr, _, cleanup := newHarness(t)
	defer cleanup()

	received := make(chan string, 1)
	tr.SetNotificationHandler(func(method string, params json.RawMessage) {
		received <- method
	})
	tr.Start(context.Background())

	notif := Notification{JSONRPC: "2.0", Method: "session/update"}
	data, err := json.Marshal(notif)
	require.NoError(t, err)

	// Write directly via the transport's own send path by issuing a
	// notification from the "agent" side is not wired in this harness;
	// instead simulate by invoking dispatch directly, which is what the
	// read loop would do for an inbound line.
	tr.dispatch(context.Background(), data)

	select {
	case method := <-received:
		assert.Equal(t, "session/update", method)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestTransport_InboundRequestHandlerCanCallOutboundReentrantly(t *testing.T) {
	tr, agent, cleanup := newHarness(t)
	defer cleanup()

	handlerReturned := make(chan struct{})
	tr.RegisterHandler("session/request_permission", func(ctx context.Context, method string, params json.RawMessage) (interface{}, *Error) {
		// The handler itself issues an outbound call; this must not
		// deadlock even though dispatch runs off the same transport.
		_, _ = tr.Call(context.Background(), "fs/read_text_file", nil)
		close(handlerReturned)
		return map[string]string{"optionId": "a"}, nil
	})
	tr.Start(context.Background())

	req := Request{JSONRPC: "2.0", ID: int64(99), Method: "session/request_permission"}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	// dispatch runs the request handler on its own goroutine, so this
	// call returns immediately; the handler blocks on its own outbound
	// Call until we reply below.
	tr.dispatch(context.Background(), data)

	id, method := agent.readRequest(t)
	assert.Equal(t, "fs/read_text_file", method)
	agent.reply(t, id, map[string]string{"content": "ok"})

	select {
	case <-handlerReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant call never completed")
	}
}
