package credentials

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitErr int

func (e exitErr) Error() string { return "exit status" }
func (e exitErr) ExitCode() int { return int(e) }

// fakeKeychain emulates the subset of security(1) the store uses.
type fakeKeychain struct {
	items map[string]string
	calls []string
}

func (f *fakeKeychain) run(name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	key := flagValue(args, "-s") + "/" + flagValue(args, "-a")
	switch args[0] {
	case "find-generic-password":
		v, ok := f.items[key]
		if !ok {
			return nil, exitErr(44)
		}
		return []byte(v + "\n"), nil
	case "add-generic-password":
		f.items[key] = flagValue(args, "-w")
		return nil, nil
	case "delete-generic-password":
		if _, ok := f.items[key]; !ok {
			return nil, exitErr(44)
		}
		delete(f.items, key)
		return nil, nil
	}
	return nil, errors.New("unexpected command")
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestKeychainStore(t *testing.T) {
	fake := &fakeKeychain{items: map[string]string{}}
	store := NewKeychainStore()
	store.run = fake.run

	_, err := store.Load()
	require.ErrorIs(t, err, ErrNotFound)

	expires := time.UnixMilli(1893456000000)
	require.NoError(t, store.Save(Token{AccessToken: "a", RefreshToken: "r", ExpiresAt: expires, AccountID: "acct"}))

	tok, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
	assert.Equal(t, "acct", tok.AccountID)
	assert.True(t, tok.ExpiresAt.Equal(expires))

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	_, err = store.Load()
	require.ErrorIs(t, err, ErrNotFound)

	assert.Contains(t, fake.calls[1], "add-generic-password -U -s claude-openai-bridge -a openai-oauth")
}

func TestKeychainStoreSurfacesOtherFailures(t *testing.T) {
	store := NewKeychainStore()
	store.run = func(string, ...string) ([]byte, error) { return nil, exitErr(51) }

	_, err := store.Load()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Error(t, store.Clear())
}

func TestIsKeychainNotFoundWithExecError(t *testing.T) {
	assert.False(t, isKeychainNotFound(&exec.Error{Name: "security", Err: exec.ErrNotFound}))
}
