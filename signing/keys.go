// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

const KeyAlgorithm = "ed25519"

var ErrUnknownSigner = errors.New("no known key for signer")

// KeyPair is a server's signing key with its version identifier
// (e.g. "ed25519:a1b2c3")
type KeyPair struct {
	ServerName string
	KeyID      string
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
}

// GenerateKeyPair creates a fresh signing key for the given server. The
// key ID embeds a short fingerprint of the public key so that rotated
// keys remain distinguishable.
func GenerateKeyPair(serverName string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	fingerprint := base64.RawURLEncoding.EncodeToString(pub)[:6]
	return &KeyPair{
		ServerName: serverName,
		KeyID:      KeyAlgorithm + ":" + fingerprint,
		Private:    priv,
		Public:     pub,
	}, nil
}

// LoadKeyPair reads a signing key from a single-line key file of the
// form "ed25519 <key_id> <base64 seed>"
func LoadKeyPair(serverName, path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	parts := strings.Fields(strings.TrimSpace(string(data)))
	if len(parts) != 3 || parts[0] != KeyAlgorithm {
		return nil, fmt.Errorf("malformed key file %s", path)
	}
	seed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf(
			"invalid key seed length: %d",
			len(seed),
		)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	return &KeyPair{
		ServerName: serverName,
		KeyID:      parts[1],
		Private:    priv,
		Public:     pub,
	}, nil
}

// Save writes the key pair to a key file readable by LoadKeyPair
func (k *KeyPair) Save(path string) error {
	line := fmt.Sprintf(
		"%s %s %s\n",
		KeyAlgorithm,
		k.KeyID,
		base64.RawURLEncoding.EncodeToString(k.Private.Seed()),
	)
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// KeyRing holds the public keys of known servers for signature
// verification. Remote keys are added as they are learned; the local
// server's key is added at startup.
type KeyRing struct {
	keys map[string]map[string]ed25519.PublicKey
	mu   sync.RWMutex
}

func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys: make(map[string]map[string]ed25519.PublicKey),
	}
}

// Add registers a public key for a server
func (r *KeyRing) Add(serverName, keyID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[serverName]; !ok {
		r.keys[serverName] = make(map[string]ed25519.PublicKey)
	}
	r.keys[serverName][keyID] = pub
}

// Lookup returns the public key for a server and key ID
func (r *KeyRing) Lookup(
	serverName, keyID string,
) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	serverKeys, ok := r.keys[serverName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, serverName)
	}
	pub, ok := serverKeys[keyID]
	if !ok {
		return nil, fmt.Errorf(
			"%w: %s key %s",
			ErrUnknownSigner,
			serverName,
			keyID,
		)
	}
	return pub, nil
}
