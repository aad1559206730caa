package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/systmms/vaultkit/internal/logging"
)

// ErrNotStored is returned by Store.Load when nothing was saved for a kind.
var ErrNotStored = errors.New("no stored bootstrap data")

// Store persists sensitive bootstrap output such as unseal keys and
// AppRole secret IDs.
type Store interface {
	Save(kind string, v interface{}) error
	Load(kind string, v interface{}) error
}

// KeyringStore saves JSON documents in the system keyring under
// service=Service and user="vaultkit:<kind>". When the keyring is
// unavailable it writes a 0600 plaintext file into FallbackDir instead.
type KeyringStore struct {
	Service     string
	FallbackDir string
	Logger      *logging.Logger
}

// NewKeyringStore returns a store keyed by the backend address. The
// fallback directory defaults to ~/.vaultkit.
func NewKeyringStore(address string, logger *logging.Logger) *KeyringStore {
	dir := ".vaultkit"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".vaultkit")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &KeyringStore{Service: address, FallbackDir: dir, Logger: logger}
}

func (s *KeyringStore) user(kind string) string {
	return "vaultkit:" + kind
}

// fallbackPath derives a file name from the service and kind.
func (s *KeyringStore) fallbackPath(kind string) string {
	name := strings.NewReplacer("://", "_", "/", "_", ":", "_").Replace(s.Service + "_" + kind)
	return filepath.Join(s.FallbackDir, name+".json")
}

// Save stores v as JSON.
func (s *KeyringStore) Save(kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kind, err)
	}

	kerr := keyring.Set(s.Service, s.user(kind), string(data))
	if kerr == nil {
		s.logger().Info("Saved %s to the system keyring (service %s)", kind, s.Service)
		return nil
	}

	path := s.fallbackPath(kind)
	if err := os.MkdirAll(s.FallbackDir, 0o700); err != nil {
		return fmt.Errorf("keyring unavailable (%v) and fallback directory failed: %w", kerr, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("keyring unavailable (%v) and fallback file failed: %w", kerr, err)
	}
	s.logger().Warn("System keyring unavailable (%v): %s written in PLAINTEXT to %s, move it somewhere safe", kerr, kind, path)
	return nil
}

// Load decodes the document saved for kind into v, checking the keyring
// first and the fallback file second.
func (s *KeyringStore) Load(kind string, v interface{}) error {
	secret, err := keyring.Get(s.Service, s.user(kind))
	if err == nil {
		return json.Unmarshal([]byte(secret), v)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		s.logger().Debug("Keyring lookup for %s failed: %v", kind, err)
	}

	data, ferr := os.ReadFile(s.fallbackPath(kind))
	if ferr != nil {
		if os.IsNotExist(ferr) {
			return fmt.Errorf("%s: %w", kind, ErrNotStored)
		}
		return fmt.Errorf("reading fallback for %s: %w", kind, ferr)
	}
	return json.Unmarshal(data, v)
}

func (s *KeyringStore) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Nop()
	}
	return s.Logger
}
