// Package protocol defines the JSON envelopes exchanged with devices over the
// session WebSocket.
//
// Every text frame carries a `type` discriminator. Inbound frames are parsed
// with [ParseInbound]; unknown types are reported via [ErrUnknownType] so the
// dispatcher can log and drop them without tearing down the connection.
// Binary frames carry compressed audio and are not handled here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type discriminators.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeIoT    = "iot"
	TypeMCP    = "mcp"
	TypeSTT    = "stt"
	TypeTTS    = "tts"
)

// Listen states.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// STT phases for outbound transcript envelopes.
const (
	PhaseInterim = "interim"
	PhaseFinal   = "final"
	PhaseStart   = "start"
)

// ErrUnknownType marks an inbound envelope whose type discriminator is not
// recognised. The dispatcher logs and drops these.
var ErrUnknownType = errors.New("protocol: unknown message type")

// AudioParams describes the audio format negotiated during the hello
// handshake.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Inbound is a decoded device-to-server envelope. Only the fields relevant to
// Type are populated.
type Inbound struct {
	Type string `json:"type"`

	// hello
	Transport   string       `json:"transport,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`

	// listen
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// abort
	Reason string `json:"reason,omitempty"`

	// iot
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`

	// mcp: a JSON-RPC response from the device tool side-channel.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseInbound decodes a device text frame. A missing or unrecognised type
// discriminator returns the decoded envelope together with [ErrUnknownType];
// malformed JSON returns a nil envelope.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	switch msg.Type {
	case TypeHello, TypeListen, TypeAbort, TypeIoT, TypeMCP:
		return &msg, nil
	default:
		return &msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// HelloReply is the server's response to a device hello, echoing the
// negotiated transport and audio parameters.
type HelloReply struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams AudioParams `json:"audio_params"`
}

// NewHelloReply builds the handshake response for a session.
func NewHelloReply(sessionID string, params AudioParams) HelloReply {
	return HelloReply{
		Type:        TypeHello,
		Transport:   "websocket",
		SessionID:   sessionID,
		AudioParams: params,
	}
}

// STTMessage is an outbound transcript notification.
// Phase is "interim" for partial recognition, "final" on commit, and "start"
// for device-transcribed wake-word text that opens a turn.
type STTMessage struct {
	Type  string `json:"type"`
	Phase string `json:"phase"`
	Text  string `json:"text"`
}

// NewSTT builds a transcript envelope.
func NewSTT(phase, text string) STTMessage {
	return STTMessage{Type: TypeSTT, Phase: phase, Text: text}
}

// TTSMessage announces a synthesized sentence fragment. The fragment's Opus
// audio follows as binary frames; IsFirst and IsLast bracket the turn.
type TTSMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFirst bool   `json:"is_first"`
	IsLast  bool   `json:"is_last"`
}

// NewTTS builds a fragment announcement.
func NewTTS(text string, isFirst, isLast bool) TTSMessage {
	return TTSMessage{Type: TypeTTS, Text: text, IsFirst: isFirst, IsLast: isLast}
}

// ---- device tool RPC ----

// RPCRequest is a server-to-device tool request carried in an mcp envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the error member of a device RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCResponse is a device-to-server tool reply carried in an mcp envelope.
// Exactly one of Result and Error is set.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MCPEnvelope wraps an RPC payload for transport on the session WebSocket.
type MCPEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewMCPRequest wraps a tool request for sending. Params must already be
// JSON-encoded.
func NewMCPRequest(id int64, method string, params json.RawMessage) MCPEnvelope {
	return MCPEnvelope{
		Type: TypeMCP,
		Payload: RPCRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  method,
			Params:  params,
		},
	}
}

// ParseRPCResponse decodes the payload of an inbound mcp envelope.
func ParseRPCResponse(payload json.RawMessage) (*RPCResponse, error) {
	var resp RPCResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("protocol: decode rpc response: %w", err)
	}
	return &resp, nil
}
