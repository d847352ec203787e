package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

const (
	keychainService = "claude-openai-bridge"
	keychainAccount = "openai-oauth"

	// security(1) exits with 44 when the item does not exist.
	keychainNotFoundExit = 44
)

// runner executes the security CLI and returns stdout.
type runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// KeychainStore keeps the token record as a generic password in the macOS
// login keychain.
type KeychainStore struct {
	Service string
	Account string

	mu  sync.Mutex
	run runner
}

func NewKeychainStore() *KeychainStore {
	return &KeychainStore{
		Service: keychainService,
		Account: keychainAccount,
		run:     execRunner,
	}
}

func (k *KeychainStore) Load() (*Token, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	output, err := k.run("security", "find-generic-password", "-s", k.Service, "-a", k.Account, "-w")
	if err != nil {
		if isKeychainNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve password from Keychain: %w", err)
	}

	var r record
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(output))), &r); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from keychain: %w", err)
	}
	if r.Access == "" && r.Refresh == "" {
		return nil, ErrNotFound
	}
	return r.token(), nil
}

// Save upserts the item (-U).
func (k *KeychainStore) Save(tok Token) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := json.Marshal(toRecord(tok))
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if _, err := k.run("security", "add-generic-password", "-U", "-s", k.Service, "-a", k.Account, "-w", string(data)); err != nil {
		return fmt.Errorf("failed to update keychain: %w", err)
	}
	return nil
}

func (k *KeychainStore) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, err := k.run("security", "delete-generic-password", "-s", k.Service, "-a", k.Account); err != nil {
		if isKeychainNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete keychain item: %w", err)
	}
	return nil
}

func isKeychainNotFound(err error) bool {
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == keychainNotFoundExit
	}
	return false
}
