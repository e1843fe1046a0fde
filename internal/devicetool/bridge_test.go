package devicetool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/session"
)

// fakeDevice plays the device side of the tool channel: it records every
// outbound request and answers through the session's pending table the way
// the real dispatcher does.
type fakeDevice struct {
	mu       sync.Mutex
	sess     *session.Session
	delay    time.Duration
	handler  func(req protocol.RPCRequest) *protocol.RPCResponse
	requests []protocol.RPCRequest
}

func (d *fakeDevice) WriteText(_ context.Context, data []byte) error {
	var env struct {
		Type    string              `json:"type"`
		Payload protocol.RPCRequest `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	d.mu.Lock()
	d.requests = append(d.requests, env.Payload)
	handler := d.handler
	delay := d.delay
	d.mu.Unlock()

	if handler == nil {
		return nil
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if resp := handler(env.Payload); resp != nil {
			d.sess.Resolve(resp.ID, resp)
		}
	}()
	return nil
}

func (d *fakeDevice) WriteBinary(context.Context, []byte) error { return nil }

func (d *fakeDevice) sentRequests() []protocol.RPCRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.RPCRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

func newBridge(t *testing.T, dev *fakeDevice, opts ...Option) (*Bridge, *session.Session) {
	t.Helper()
	sess := session.New("dev-1", dev, nil)
	dev.sess = sess
	return NewBridge(sess, opts...), sess
}

func resultJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// ---- call correlation and timeout ----

func TestCallRoundTrip(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		},
	}
	b, sess := newBridge(t, dev)

	resp, err := b.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Errorf("result = %s", resp.Result)
	}
	if sess.PendingCount() != 0 {
		t.Errorf("pending table holds %d entries after reply", sess.PendingCount())
	}
}

func TestCallTimeoutRemovesPending(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{} // never answers
	b, sess := newBridge(t, dev, WithTimeout(30*time.Millisecond))

	_, err := b.Call(context.Background(), "ping", nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("Call = %v, want ErrCallTimeout", err)
	}
	if sess.PendingCount() != 0 {
		t.Error("pending entry left dangling after timeout")
	}
}

func TestCallTimeoutBoundary(t *testing.T) {
	t.Parallel()

	// Scaled-down version of the 29s/31s boundary: with a 100ms budget a
	// reply at 30ms succeeds, a reply at 170ms times out.
	echo := func(req protocol.RPCRequest) *protocol.RPCResponse {
		return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"pong"`)}
	}

	early := &fakeDevice{delay: 30 * time.Millisecond, handler: echo}
	b, _ := newBridge(t, early, WithTimeout(100*time.Millisecond))
	if _, err := b.Call(context.Background(), "ping", nil); err != nil {
		t.Errorf("reply inside the budget failed: %v", err)
	}

	late := &fakeDevice{delay: 170 * time.Millisecond, handler: echo}
	b2, sess := newBridge(t, late, WithTimeout(100*time.Millisecond))
	if _, err := b2.Call(context.Background(), "ping", nil); !errors.Is(err, ErrCallTimeout) {
		t.Errorf("reply past the budget = %v, want ErrCallTimeout", err)
	}

	// The late reply must find no waiter once the timeout removed it.
	time.Sleep(120 * time.Millisecond)
	if sess.PendingCount() != 0 {
		t.Error("late reply repopulated the pending table")
	}
}

func TestCallOnClosedSession(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	b, sess := newBridge(t, dev, WithTimeout(time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "ping", nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sess.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Call = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return after session close")
	}
}

func TestCallHonoursContext(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	b, sess := newBridge(t, dev, WithTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Call(ctx, "ping", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call = %v, want deadline exceeded", err)
	}
	if sess.PendingCount() != 0 {
		t.Error("pending entry left dangling after context cancel")
	}
}

// ---- discovery ----

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolPage(n int, prefix, nextCursor string) map[string]any {
	tools := make([]wireTool, n)
	for i := range tools {
		tools[i] = wireTool{
			Name:        fmt.Sprintf("%s.tool_%d", prefix, i),
			Description: "a device capability",
			InputSchema: map[string]any{"type": "object"},
		}
	}
	page := map[string]any{"tools": tools}
	if nextCursor != "" {
		page["nextCursor"] = nextCursor
	}
	return page
}

func TestDiscoverToolsPaginates(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			var params struct {
				Cursor string `json:"cursor"`
			}
			_ = json.Unmarshal(req.Params, &params)

			var page map[string]any
			switch params.Cursor {
			case "":
				page = toolPage(2, "self.audio", "page2")
			case "page2":
				page = toolPage(1, "self.screen", "")
			default:
				return &protocol.RPCResponse{ID: req.ID, Error: &protocol.RPCError{Code: -32602, Message: "bad cursor"}}
			}
			data, _ := json.Marshal(page)
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
		},
	}
	b, _ := newBridge(t, dev)

	if err := b.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	tools := b.Tools()
	if len(tools) != 3 {
		t.Fatalf("registered %d tools, want 3", len(tools))
	}
	if tools[0].Name != "mcp_self_audio_tool_0" {
		t.Errorf("tool name = %q, want prefixed with dots flattened", tools[0].Name)
	}
	for _, d := range tools {
		if strings.Contains(d.Name, ".") {
			t.Errorf("tool name %q still contains a dot", d.Name)
		}
	}
}

func TestDiscoverToolsFirstPageCarriesEmptyCursor(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			data, _ := json.Marshal(toolPage(1, "self.audio", ""))
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
		},
	}
	b, _ := newBridge(t, dev)

	if err := b.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	reqs := dev.sentRequests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(reqs[0].Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	cursor, ok := params["cursor"]
	if !ok {
		t.Fatalf("first page params %s lack the cursor member", reqs[0].Params)
	}
	if string(cursor) != `""` {
		t.Errorf("first page cursor = %s, want explicit empty string", cursor)
	}
}

func TestDiscoverToolsCapDiscardsPage(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			var params struct {
				Cursor string `json:"cursor"`
			}
			_ = json.Unmarshal(req.Params, &params)

			var page map[string]any
			if params.Cursor == "" {
				page = toolPage(30, "a", "more")
			} else {
				// This page would push the count from 30 to 40.
				page = toolPage(10, "b", "")
			}
			data, _ := json.Marshal(page)
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
		},
	}
	b, _ := newBridge(t, dev, WithMaxTools(32))

	if err := b.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	tools := b.Tools()
	if len(tools) != 30 {
		t.Fatalf("registered %d tools, want 30: the overflowing page must be discarded whole", len(tools))
	}
	for _, d := range tools {
		if strings.HasPrefix(d.Name, "mcp_b") {
			t.Errorf("tool %q from the discarded page was registered", d.Name)
		}
	}
}

// ---- execution ----

func TestExecuteReturnsTextContent(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			switch req.Method {
			case "tools/list":
				data, _ := json.Marshal(toolPage(1, "self.speaker", ""))
				return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
			case "tools/call":
				var params struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				}
				_ = json.Unmarshal(req.Params, &params)
				if params.Name != "self.speaker.tool_0" {
					return &protocol.RPCResponse{ID: req.ID, Error: &protocol.RPCError{Code: -32601, Message: "no such tool"}}
				}
				result := map[string]any{
					"content": []map[string]any{{"type": "text", "text": "volume set to 7"}},
					"isError": false,
				}
				data, _ := json.Marshal(result)
				return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
			}
			return &protocol.RPCResponse{ID: req.ID, Error: &protocol.RPCError{Code: -32601, Message: "unknown method"}}
		},
	}
	b, _ := newBridge(t, dev)
	if err := b.DiscoverTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := b.Execute(context.Background(), "mcp_self_speaker_tool_0", `{"volume":7}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Error("unexpected tool error")
	}
	if res.Content != "volume set to 7" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteSurfacesDeviceErrorAsResult(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			if req.Method == "tools/list" {
				data, _ := json.Marshal(toolPage(1, "self.speaker", ""))
				return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
			}
			return &protocol.RPCResponse{ID: req.ID, Error: &protocol.RPCError{Code: -32000, Message: "speaker busy"}}
		},
	}
	b, _ := newBridge(t, dev)
	if err := b.DiscoverTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := b.Execute(context.Background(), "mcp_self_speaker_tool_0", "{}")
	if err != nil {
		t.Fatalf("a device error envelope must not become a Go error, got %v", err)
	}
	if !res.IsError {
		t.Error("IsError not set for device error envelope")
	}
	if !strings.Contains(res.Content, "speaker busy") {
		t.Errorf("content = %q, want the device message", res.Content)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	b, _ := newBridge(t, &fakeDevice{})
	if _, err := b.Execute(context.Background(), "mcp_never_registered", "{}"); !errors.Is(err, ErrToolUnknown) {
		t.Errorf("Execute = %v, want ErrToolUnknown", err)
	}
}

func TestRegisteredName(t *testing.T) {
	t.Parallel()
	if got := RegisteredName("self.audio_speaker.set_volume"); got != "mcp_self_audio_speaker_set_volume" {
		t.Errorf("RegisteredName = %q", got)
	}
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			var params struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			_ = json.Unmarshal(req.Params, &params)
			if req.Method != "initialize" || params.ProtocolVersion == "" {
				return &protocol.RPCResponse{ID: req.ID, Error: &protocol.RPCError{Code: -32600, Message: "bad handshake"}}
			}
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"protocolVersion":"` + params.ProtocolVersion + `"}`)}
		},
	}
	b, _ := newBridge(t, dev)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	reqs := dev.sentRequests()
	if len(reqs) != 1 || reqs[0].JSONRPC != "2.0" {
		t.Errorf("handshake request = %+v", reqs)
	}
	if strings.Contains(string(reqs[0].Params), "vision") {
		t.Errorf("handshake without a vision URL advertised vision: %s", reqs[0].Params)
	}
}

func TestInitializeAdvertisesVision(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{
		handler: func(req protocol.RPCRequest) *protocol.RPCResponse {
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
		},
	}
	b, sess := newBridge(t, dev, WithVisionURL("https://example.com/vision/explain"))

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var params struct {
		Capabilities struct {
			Vision *struct {
				URL   string `json:"url"`
				Token string `json:"token"`
			} `json:"vision"`
		} `json:"capabilities"`
	}
	reqs := dev.sentRequests()
	if err := json.Unmarshal(reqs[0].Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Capabilities.Vision == nil {
		t.Fatalf("handshake params %s lack the vision capability", reqs[0].Params)
	}
	if params.Capabilities.Vision.URL != "https://example.com/vision/explain" {
		t.Errorf("vision url = %q", params.Capabilities.Vision.URL)
	}
	if params.Capabilities.Vision.Token != sess.ID {
		t.Errorf("vision token = %q, want the session id", params.Capabilities.Vision.Token)
	}
}
