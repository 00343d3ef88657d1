package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fiatjaf.com/nostr"
)

const keyFileName = "relay_identity.key"

// LoadOrCreateKey returns the node's signing key, creating it in workspace on
// first run.
func LoadOrCreateKey(workspace string) (nostr.SecretKey, error) {
	keyPath := filepath.Join(workspace, keyFileName)
	if b, err := os.ReadFile(keyPath); err == nil {
		sk, err := nostr.SecretKeyFromHex(strings.TrimSpace(string(b)))
		if err == nil {
			return sk, nil
		}
		return nostr.SecretKey{}, fmt.Errorf("corrupt relay key %s: %w", keyPath, err)
	}

	sk := nostr.Generate()
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return nostr.SecretKey{}, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(sk.Hex()), 0o600); err != nil {
		return nostr.SecretKey{}, fmt.Errorf("save relay key: %w", err)
	}
	return sk, nil
}
