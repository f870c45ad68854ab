// Package jsonrpc implements the ACP wire protocol: newline-delimited
// JSON-RPC 2.0 messages carried over a child process's stdio.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/kandev/agentsupervisor/internal/common/logger"
	"go.uber.org/zap"
)

// RequestHandler answers an inbound request from the agent. It is invoked
// off the transport's read goroutine so it may itself issue outbound
// calls without deadlocking (spec §4.3's re-entrancy requirement).
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (result interface{}, rpcErr *Error)

// NotificationHandler observes an inbound notification. No reply is sent.
type NotificationHandler func(method string, params json.RawMessage)

// Transport carries JSON-RPC 2.0 messages between the supervisor and one
// agent child over the child's stdin/stdout.
type Transport struct {
	stdin  io.Writer
	stdout io.Reader
	sendMu sync.Mutex // serializes writes to stdin

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	pendingMu sync.Mutex

	notificationHandler NotificationHandler
	handlersMu          sync.RWMutex
	handlers            map[string]RequestHandler

	onStopped func(err error)

	logger *logger.Logger
	done   chan struct{}
	closed atomic.Bool
}

// NewTransport creates a transport over the given stdio streams.
func NewTransport(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Transport {
	return &Transport{
		stdin:    stdin,
		stdout:   stdout,
		pending:  make(map[interface{}]chan *Response),
		handlers: make(map[string]RequestHandler),
		logger:   log.WithFields(zap.String("component", "acp-transport")),
		done:     make(chan struct{}),
	}
}

// SetNotificationHandler installs the single handler for inbound
// notifications (session/update and friends).
func (t *Transport) SetNotificationHandler(handler NotificationHandler) {
	t.notificationHandler = handler
}

// RegisterHandler installs the handler for one inbound request method
// (e.g. session/request_permission, fs/read_text_file). Registering a
// handler for an already-registered method replaces it.
func (t *Transport) RegisterHandler(method string, handler RequestHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[method] = handler
}

// OnStopped registers a callback invoked exactly once when the read loop
// exits, whether from EOF, a malformed frame, or Stop(). err is nil on a
// clean Stop().
func (t *Transport) OnStopped(fn func(err error)) {
	t.onStopped = fn
}

// Start launches the background read loop. It must be called once,
// before any Call.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Stop terminates the transport. Pending calls are released with a
// cancellation error; a late response arriving after Stop is dropped.
func (t *Transport) Stop() {
	if t.closed.CompareAndSwap(false, true) {
		close(t.done)
	}
}

// Call sends a request and blocks for the correlated response. It is
// cancellable: on ctx cancellation the waiter is released and the id is
// abandoned — a response that arrives later is silently dropped.
func (t *Transport) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := t.requestID.Add(1)

	paramsJSON, err := marshalOrNil(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("transport stopped")
	}
}

// Notify sends a notification; no response is expected or awaited.
func (t *Transport) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalOrNil(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return t.send(&Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

// SendResponse replies to an inbound request by id.
func (t *Transport) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	return t.send(&Response{JSONRPC: "2.0", ID: id, Result: resultJSON, Error: rpcErr})
}

func marshalOrNil(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// send serializes writes: one complete newline-terminated JSON object per
// call, regardless of how many goroutines are calling concurrently.
func (t *Transport) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	t.sendMu.Lock()
	_, err = t.stdin.Write(data)
	t.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	t.logger.Debug("sent frame", zap.ByteString("data", data))
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(t.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var loopErr error
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			loopErr = ctx.Err()
			goto stopped
		case <-t.done:
			goto stopped
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.logger.Debug("received frame", zap.ByteString("data", line))
		if !json.Valid(line) {
			t.logger.Warn("malformed frame", zap.ByteString("data", line))
			loopErr = fmt.Errorf("malformed frame")
			goto stopped
		}
		t.dispatch(ctx, line)
	}
	if t.closed.Load() {
		// Stop() was called; the EOF or read error that follows is part
		// of a clean stop.
		loopErr = nil
	} else if err := scanner.Err(); err != nil {
		loopErr = err
	} else if loopErr == nil {
		loopErr = io.EOF
	}

stopped:
	t.Stop()
	if t.onStopped != nil {
		t.onStopped(loopErr)
	}
}

// dispatch classifies one line by field presence, per spec §4.3, and
// routes it. Dispatching never holds sendMu, so a handler may issue
// outbound calls re-entrantly.
func (t *Transport) dispatch(ctx context.Context, line []byte) {
	var msg struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Warn("malformed frame", zap.Error(err), zap.ByteString("data", line))
		return
	}

	hasID := msg.ID != nil
	hasMethod := msg.Method != ""
	hasResult := msg.Result != nil
	hasError := msg.Error != nil

	switch {
	case hasID && !hasMethod && (hasResult || hasError):
		t.handleResponse(&Response{JSONRPC: "2.0", ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case hasID && hasMethod:
		go t.handleRequest(ctx, msg.ID, msg.Method, msg.Params)
	case hasMethod && !hasID:
		t.handleNotification(msg.Method, msg.Params)
	default:
		t.logger.Warn("unrecognized frame shape", zap.ByteString("data", line))
	}
}

func (t *Transport) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	t.pendingMu.Unlock()

	if ok {
		ch <- resp
	} else {
		t.logger.Warn("response for unknown or abandoned request", zap.Any("id", resp.ID))
	}
}

func (t *Transport) handleNotification(method string, params json.RawMessage) {
	if t.notificationHandler != nil {
		t.notificationHandler(method, params)
	}
}

func (t *Transport) handleRequest(ctx context.Context, id interface{}, method string, params json.RawMessage) {
	t.handlersMu.RLock()
	handler, ok := t.handlers[method]
	t.handlersMu.RUnlock()

	if !ok {
		t.logger.Warn("no handler registered", zap.Any("id", id), zap.String("method", method))
		_ = t.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "method not found"})
		return
	}

	result, rpcErr := handler(ctx, method, params)
	if err := t.SendResponse(id, result, rpcErr); err != nil {
		t.logger.Error("failed to send response", zap.String("method", method), zap.Error(err))
	}
}
