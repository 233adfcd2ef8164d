// Package store provides the durable key-value persistence used by the
// experiment client: a minimal synchronous KV contract with pluggable
// backends (memory, file, sqlite) and a typed Manager layer for the
// identity, the per-experiment variants and the device identifier.
package store

import (
	"encoding/json"
	"log/slog"
	"sync"

	sdkerrors "github.com/exparo/exparo-go/errors"
	"github.com/exparo/exparo-go/types"
)

// KeyPrefix namespaces every key the SDK writes into the underlying KV.
const KeyPrefix = "exparo_"

// Sub-keys under KeyPrefix.
const (
	keyUser     = "user"
	keyVariants = "variants"
	keyDeviceID = "deviceId"
)

// KV is the synchronous key-value contract a storage substrate must
// satisfy. Implementations must be safe for concurrent use.
type KV interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(key string) (string, bool)
	// SetItem stores value under key, overwriting any previous value.
	SetItem(key, value string) error
	// RemoveItem deletes key. Removing a missing key is a no-op.
	RemoveItem(key string) error
}

// Manager wraps a KV with the SDK's namespace and typed accessors.
// Malformed persisted JSON is treated as absence: it is logged and the
// accessor reports "not found", never an error.
type Manager struct {
	kv     KV
	logger *slog.Logger

	// guards variant read-modify-write so concurrent resolutions cannot
	// clobber each other's experiment keys
	mu sync.Mutex
}

// NewManager builds a Manager over kv. logger may be nil.
func NewManager(kv KV, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{kv: kv, logger: logger}
}

// GetUser returns the persisted identity, if any.
func (m *Manager) GetUser() (types.User, bool) {
	raw, ok := m.kv.GetItem(KeyPrefix + keyUser)
	if !ok {
		return types.User{}, false
	}
	var user types.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		m.logInvalid(keyUser, err)
		return types.User{}, false
	}
	return user, true
}

// SetUser overwrites the persisted identity.
func (m *Manager) SetUser(user types.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return m.kv.SetItem(KeyPrefix+keyUser, string(raw))
}

// ClearUser removes the persisted identity. Only an explicit logout calls
// this.
func (m *Manager) ClearUser() error {
	return m.kv.RemoveItem(KeyPrefix + keyUser)
}

// GetVariant returns the last-known variant for experimentKey, if any.
func (m *Manager) GetVariant(experimentKey string) (types.Variant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	variants := m.variantsLocked()
	v, ok := variants[experimentKey]
	return v, ok
}

// SetVariant merges the variant for experimentKey into the assignment
// record without touching other experiment keys.
func (m *Manager) SetVariant(experimentKey string, variant types.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	variants := m.variantsLocked()
	if variants == nil {
		variants = make(map[string]types.Variant)
	}
	variants[experimentKey] = variant

	raw, err := json.Marshal(variants)
	if err != nil {
		return err
	}
	return m.kv.SetItem(KeyPrefix+keyVariants, string(raw))
}

func (m *Manager) variantsLocked() map[string]types.Variant {
	raw, ok := m.kv.GetItem(KeyPrefix + keyVariants)
	if !ok {
		return nil
	}
	var variants map[string]types.Variant
	if err := json.Unmarshal([]byte(raw), &variants); err != nil {
		m.logInvalid(keyVariants, err)
		return nil
	}
	return variants
}

// GetDeviceID returns the persisted device identifier, if any.
func (m *Manager) GetDeviceID() (string, bool) {
	return m.kv.GetItem(KeyPrefix + keyDeviceID)
}

// SetDeviceID persists the device identifier.
func (m *Manager) SetDeviceID(id string) error {
	return m.kv.SetItem(KeyPrefix+keyDeviceID, id)
}

func (m *Manager) logInvalid(key string, err error) {
	verr := sdkerrors.Validation("malformed persisted state", err)
	m.logger.Warn("store: treating invalid record as absent",
		"key", KeyPrefix+key,
		"error", verr.Error(),
	)
}
