// Package devicetool bridges model tool calls to capabilities running on the
// device itself.
//
// Devices expose an MCP-shaped JSON-RPC endpoint multiplexed over the
// session websocket: the server sends requests inside mcp envelopes, the
// device answers asynchronously with the same correlation id. The [Bridge]
// owns that request/response correlation for one session, discovers the
// device's tools with cursor pagination and offers them to the model layer
// as ordinary tool definitions.
package devicetool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/pkg/types"
)

// Defaults for the RPC round trip and tool registration.
const (
	// DefaultCallTimeout bounds one device round trip.
	DefaultCallTimeout = 30 * time.Second
	// DefaultMaxTools caps how many device tools are registered.
	DefaultMaxTools = 32

	// ToolPrefix marks device-hosted tools in the model's tool list, so a
	// name collision with a server-side tool is impossible.
	ToolPrefix = "mcp_"

	// mcpProtocolVersion is the MCP revision spoken over the device
	// channel.
	mcpProtocolVersion = "2024-11-05"
)

// Errors returned by [Bridge.Call].
var (
	// ErrCallTimeout means the device did not answer within the call
	// timeout. The pending entry is removed before this is returned.
	ErrCallTimeout = errors.New("devicetool: call timed out")
	// ErrSessionClosed means the session went away while the call was in
	// flight.
	ErrSessionClosed = errors.New("devicetool: session closed")
	// ErrToolUnknown means the requested tool was never registered.
	ErrToolUnknown = errors.New("devicetool: unknown tool")
)

// Result is the outcome of one device tool execution. IsError marks a
// device-side failure that is surfaced to the model as content rather than
// raised; only transport problems become Go errors.
type Result struct {
	Content string
	IsError bool
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithMaxTools overrides the registered tool cap.
func WithMaxTools(n int) Option {
	return func(b *Bridge) { b.maxTools = n }
}

// WithVisionURL advertises a vision capability during the handshake: the HTTP
// endpoint the device can post camera frames to. The per-session auth token
// is filled in by the bridge.
func WithVisionURL(url string) Option {
	return func(b *Bridge) { b.visionURL = url }
}

// WithLogger sets the bridge logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge is the device tool RPC endpoint for one session.
//
// All methods are safe for concurrent use; multiple model turns may call
// device tools at once, each blocking only its own logical task.
type Bridge struct {
	sess      *session.Session
	timeout   time.Duration
	maxTools  int
	visionURL string
	log       *slog.Logger
	metrics   *observe.Metrics

	mu      sync.Mutex
	defs    []types.ToolDefinition
	methods map[string]string // registered name -> device tool name
}

// NewBridge creates a Bridge over the given session.
func NewBridge(sess *session.Session, opts ...Option) *Bridge {
	b := &Bridge{
		sess:     sess,
		timeout:  DefaultCallTimeout,
		maxTools: DefaultMaxTools,
		log:      slog.Default(),
		methods:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Call performs one RPC round trip to the device: it registers a pending
// handle under a fresh correlation id, sends the envelope and blocks until
// the dispatcher delivers the matching reply or the timeout elapses. The
// pending entry is removed exactly once on every path.
func (b *Bridge) Call(ctx context.Context, method string, params json.RawMessage) (*protocol.RPCResponse, error) {
	id := b.sess.NextCallID()
	reply := b.sess.AwaitReply(id)

	if err := b.sess.Send(ctx, protocol.NewMCPRequest(id, method, params)); err != nil {
		b.sess.Forget(id)
		return nil, fmt.Errorf("devicetool: send %s request: %w", method, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrSessionClosed
		}
		return resp, nil
	case <-timer.C:
		b.sess.Forget(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, b.timeout)
	case <-ctx.Done():
		b.sess.Forget(id)
		return nil, fmt.Errorf("devicetool: %s call: %w", method, ctx.Err())
	}
}

// Request-side param shapes. The SDK structs stay on the decode side only:
// its capability struct cannot carry the vision member devices understand,
// and its list params omit an empty cursor that devices expect spelled out.
type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    clientCapabilities  `json:"capabilities"`
	ClientInfo      *mcp.Implementation `json:"clientInfo"`
}

type clientCapabilities struct {
	Vision *visionCapability `json:"vision,omitempty"`
}

// visionCapability tells the device where to post camera frames and which
// token authenticates the upload.
type visionCapability struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type listToolsParams struct {
	Cursor string `json:"cursor"`
}

// Initialize performs the MCP handshake with the device. Devices without
// tool support answer with an error; the bridge then simply registers no
// tools.
func (b *Bridge) Initialize(ctx context.Context) error {
	var caps clientCapabilities
	if b.visionURL != "" {
		caps.Vision = &visionCapability{URL: b.visionURL, Token: b.sess.ID}
	}
	params, err := json.Marshal(&initializeParams{
		ProtocolVersion: mcpProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      &mcp.Implementation{Name: "auricle", Version: "1.0"},
	})
	if err != nil {
		return fmt.Errorf("devicetool: marshal initialize params: %w", err)
	}
	resp, err := b.Call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("devicetool: initialize rejected: %w", resp.Error)
	}
	return nil
}

// DiscoverTools walks the device's tool list with cursor pagination and
// registers what it finds. Discovery stops when the device returns no next
// cursor, or when a page would push the registered count past the cap; a
// page that would exceed the cap is discarded whole.
func (b *Bridge) DiscoverTools(ctx context.Context) error {
	var (
		defs    []types.ToolDefinition
		methods = make(map[string]string)
		cursor  string
	)

	for {
		params, err := json.Marshal(&listToolsParams{Cursor: cursor})
		if err != nil {
			return fmt.Errorf("devicetool: marshal tools/list params: %w", err)
		}
		resp, err := b.Call(ctx, "tools/list", params)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("devicetool: tools/list: %w", resp.Error)
		}

		var page mcp.ListToolsResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return fmt.Errorf("devicetool: decode tools/list result: %w", err)
		}

		if len(defs)+len(page.Tools) > b.maxTools {
			b.log.Warn("device tool cap reached, discarding page",
				"registered", len(defs), "page", len(page.Tools), "cap", b.maxTools)
			break
		}
		for _, t := range page.Tools {
			name := RegisteredName(t.Name)
			defs = append(defs, types.ToolDefinition{
				Name:        name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			})
			methods[name] = t.Name
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	b.mu.Lock()
	b.defs = defs
	b.methods = methods
	b.mu.Unlock()

	b.log.Info("device tools registered", "count", len(defs))
	return nil
}

// Tools returns the registered tool definitions for the model request.
func (b *Bridge) Tools() []types.ToolDefinition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.ToolDefinition, len(b.defs))
	copy(out, b.defs)
	return out
}

// Execute invokes a registered device tool. args must be a JSON object
// string; empty means no arguments. A device error envelope comes back as a
// Result with IsError set, matching how the model layer expects tool
// failures to read.
func (b *Bridge) Execute(ctx context.Context, name, args string) (*Result, error) {
	b.mu.Lock()
	deviceName, ok := b.methods[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolUnknown, name)
	}

	var arguments json.RawMessage
	if strings.TrimSpace(args) != "" {
		arguments = json.RawMessage(args)
	}
	params, err := json.Marshal(&mcp.CallToolParams{Name: deviceName, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("devicetool: marshal tools/call params: %w", err)
	}

	resp, err := b.Call(ctx, "tools/call", params)
	if err != nil {
		b.metrics.RecordToolCall(ctx, name, "transport_error")
		return nil, err
	}
	if resp.Error != nil {
		b.metrics.RecordToolCall(ctx, name, "device_error")
		return &Result{Content: resp.Error.Message, IsError: true}, nil
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("devicetool: decode tools/call result: %w", err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	status := "ok"
	if result.IsError {
		status = "tool_error"
	}
	b.metrics.RecordToolCall(ctx, name, status)
	return &Result{Content: sb.String(), IsError: result.IsError}, nil
}

// RegisteredName maps a device tool name to the name offered to the model:
// prefixed and with dots flattened, since most model back-ends reject dots
// in function names.
func RegisteredName(deviceName string) string {
	return ToolPrefix + strings.ReplaceAll(deviceName, ".", "_")
}

// schemaToMap converts an SDK schema into the loose map shape the model
// providers expect. A nil or unconvertible schema degrades to a bare object
// schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
