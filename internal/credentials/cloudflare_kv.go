//go:build js && wasm

package credentials

import (
	"encoding/json"
	"fmt"

	"github.com/syumai/workers/cloudflare/kv"
)

const (
	kvNamespace = "claude_openai_bridge_kv"
	kvTokenKey  = "openai_oauth_token"
)

// KVStore keeps the token record in a Cloudflare Workers KV namespace. The
// binding name is configured in wrangler.toml.
type KVStore struct {
	ns *kv.Namespace
}

func NewKVStore() (*KVStore, error) {
	ns, err := kv.NewNamespace(kvNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &KVStore{ns: ns}, nil
}

func (c *KVStore) Load() (*Token, error) {
	raw, err := c.ns.GetString(kvTokenKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials from KV: %w", err)
	}
	if raw == "" {
		return nil, ErrNotFound
	}
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("failed to parse credentials JSON: %w", err)
	}
	return r.token(), nil
}

func (c *KVStore) Save(tok Token) error {
	data, err := json.Marshal(toRecord(tok))
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := c.ns.PutString(kvTokenKey, string(data), nil); err != nil {
		return fmt.Errorf("failed to store credentials in KV: %w", err)
	}
	return nil
}

func (c *KVStore) Clear() error {
	if err := c.ns.Delete(kvTokenKey); err != nil {
		return fmt.Errorf("failed to delete credentials from KV: %w", err)
	}
	return nil
}
