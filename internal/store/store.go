// Package store defines the persistence boundary: device registry,
// conversation history and pairing codes.
//
// The engine never blocks the audio path on these interfaces; writes happen
// fire-and-forget on the worker pool and reads happen before a turn starts.
// Implementations live in the memstore (development, tests) and postgres
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/auricle-ai/auricle/pkg/types"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Device state values on the wire and in the registry.
const (
	StateOnline  = "1"
	StateOffline = "0"
)

// Device is one registered hardware unit.
type Device struct {
	// ID is the device identity presented in the connection headers,
	// conventionally its MAC address.
	ID string
	// Alias is the user-facing name, empty until assigned.
	Alias string
	// State is [StateOnline] or [StateOffline].
	State string
	// LastLogin is the time of the most recent connect.
	LastLogin time.Time
	// CreatedAt is when the device was bound.
	CreatedAt time.Time
}

// PairingCode is the record for a device that has connected but is not bound
// yet. PromptAudio caches the synthesized code announcement so repeat
// connects replay it without another synthesis round trip. The cache has no
// expiry; it lives and dies with the code record.
type PairingCode struct {
	DeviceID    string
	Code        string
	PromptAudio [][]byte
	CreatedAt   time.Time
}

// DeviceStore is the device registry.
type DeviceStore interface {
	// Device returns the record for a bound device, or [ErrNotFound].
	Device(ctx context.Context, id string) (*Device, error)
	// Bind registers a device, consuming any pairing code it had.
	Bind(ctx context.Context, id string) error
	// SetOnline flips the device's state and, when going online, stamps
	// the last login.
	SetOnline(ctx context.Context, id string, online bool) error
}

// ConversationStore holds per-device rolling message history.
type ConversationStore interface {
	// AppendMessages persists one turn's messages.
	AppendMessages(ctx context.Context, deviceID string, msgs []types.Message) error
	// History returns up to limit most recent messages, oldest first.
	// limit <= 0 means all.
	History(ctx context.Context, deviceID string, limit int) ([]types.Message, error)
	// ClearHistory drops the device's history.
	ClearHistory(ctx context.Context, deviceID string) error
}

// PairingStore manages codes for unbound devices.
type PairingStore interface {
	// PairingCode returns the device's current code, or [ErrNotFound].
	PairingCode(ctx context.Context, deviceID string) (*PairingCode, error)
	// SavePairingCode inserts or replaces the device's code. Replacing
	// drops any cached prompt audio from the old record.
	SavePairingCode(ctx context.Context, code *PairingCode) error
	// CachePromptAudio attaches synthesized announcement frames to the
	// device's existing code record.
	CachePromptAudio(ctx context.Context, deviceID string, frames [][]byte) error
}

// Store is the full persistence surface the engine depends on.
type Store interface {
	DeviceStore
	ConversationStore
	PairingStore

	// Close releases underlying resources.
	Close() error
}
