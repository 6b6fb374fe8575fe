package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrSecretNotFound is returned when the secret store has no value for an account.
var ErrSecretNotFound = errors.New("secret not found")

const apiTokenAccount = "api_token"

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// FileSecrets keeps secrets in a 0600 JSON file under the data directory.
type FileSecrets struct {
	path string
	mu   sync.Mutex
}

// NewSecretStore returns the default secrets file store.
func NewSecretStore() *FileSecrets {
	return &FileSecrets{path: filepath.Join(dataHome(), "secrets.json")}
}

// NewSecretStoreAt returns a store backed by the file at path.
func NewSecretStoreAt(path string) *FileSecrets {
	return &FileSecrets{path: path}
}

func (s *FileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}

func (s *FileSecrets) Get(account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[account]
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", account, ErrSecretNotFound)
	}
	return v, nil
}

func (s *FileSecrets) Set(account, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.read()
	if err != nil {
		return err
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// GetAPIToken returns the API bearer token, generating and storing a new
// one on first use.
func GetAPIToken(s SecretStore) (string, error) {
	token, err := s.Get(apiTokenAccount)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token = hex.EncodeToString(buf)
	if err := s.Set(apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
