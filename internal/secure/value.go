package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

const redacted = "[REDACTED]"

// ErrDestroyed is returned when revealing a Value after Destroy.
var ErrDestroyed = errors.New("secure value has been destroyed")

// Value is a sealed secret string. The zero value and nil are both empty.
type Value struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	empty     bool
	destroyed bool
}

// Seal copies s into an encrypted enclave.
func Seal(s string) *Value {
	if s == "" {
		// memguard refuses empty enclaves.
		return &Value{empty: true}
	}
	// NewEnclave wipes its argument, so hand it a private copy.
	buf := []byte(s)
	return &Value{enclave: memguard.NewEnclave(buf)}
}

// SealBytes seals data and wipes the caller's slice.
func SealBytes(data []byte) *Value {
	if len(data) == 0 {
		return &Value{empty: true}
	}
	return &Value{enclave: memguard.NewEnclave(data)}
}

// Reveal decrypts the value into an ordinary string.
func (v *Value) Reveal() (string, error) {
	if v == nil {
		return "", nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.destroyed {
		return "", ErrDestroyed
	}
	if v.empty || v.enclave == nil {
		return "", nil
	}

	locked, err := v.enclave.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()

	return string(locked.Bytes()), nil
}

// IsZero reports whether the value holds no secret.
func (v *Value) IsZero() bool {
	if v == nil {
		return true
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.empty || v.enclave == nil
}

// Destroy drops the enclave. Safe to call more than once.
func (v *Value) Destroy() {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.enclave = nil
	v.destroyed = true
}

func (v *Value) String() string {
	return redacted
}

func (v *Value) GoString() string {
	return redacted
}

// MarshalText keeps sealed values out of encoded output.
func (v *Value) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
