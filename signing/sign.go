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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

const HashAlgorithm = "sha256"

var (
	ErrHashMismatch     = errors.New("content hash mismatch")
	ErrMissingHash      = errors.New("event has no content hash")
	ErrMissingSignature = errors.New("event has no signature from origin")
	ErrBadSignature     = errors.New("signature verification failed")
)

// HashJSON computes the canonical content hash of an event and embeds
// it under the "hashes" field. The hash covers everything except the
// hashes and signatures themselves.
func HashJSON(eventJSON []byte) ([]byte, error) {
	obj, err := stripFields(eventJSON, "hashes", "signatures")
	if err != nil {
		return nil, err
	}
	canonical, err := marshalCanonical(obj)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	obj["hashes"] = map[string]any{
		HashAlgorithm: base64.RawURLEncoding.EncodeToString(digest[:]),
	}
	return marshalCanonical(obj)
}

// VerifyHashJSON recomputes the content hash over the hash- and
// signature-stripped content and compares it to the embedded digest
func VerifyHashJSON(eventJSON []byte) error {
	obj, err := stripFields(eventJSON)
	if err != nil {
		return err
	}
	hashes, ok := obj["hashes"].(map[string]any)
	if !ok {
		return ErrMissingHash
	}
	claimed, ok := hashes[HashAlgorithm].(string)
	if !ok {
		return ErrMissingHash
	}
	claimedDigest, err := base64.RawURLEncoding.DecodeString(claimed)
	if err != nil {
		return fmt.Errorf("decode claimed hash: %w", err)
	}
	delete(obj, "hashes")
	delete(obj, "signatures")
	canonical, err := marshalCanonical(obj)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(canonical)
	if subtle.ConstantTimeCompare(digest[:], claimedDigest) != 1 {
		return ErrHashMismatch
	}
	return nil
}

// ContentHash returns the raw content hash digest of an event without
// modifying it. Used for deterministic event ID generation.
func ContentHash(eventJSON []byte) ([]byte, error) {
	obj, err := stripFields(eventJSON, "hashes", "signatures")
	if err != nil {
		return nil, err
	}
	canonical, err := marshalCanonical(obj)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	return digest[:], nil
}

// SignJSON signs the signature-stripped canonical encoding of an event
// and merges the signature into any already present. Multi-signer
// support matters for membership approvals, where both the joining
// user's server and the channel's resident server sign the same event.
func SignJSON(keyPair *KeyPair, eventJSON []byte) ([]byte, error) {
	obj, err := stripFields(eventJSON)
	if err != nil {
		return nil, err
	}
	existing, _ := obj["signatures"].(map[string]any)
	delete(obj, "signatures")
	canonical, err := marshalCanonical(obj)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(keyPair.Private, canonical)
	if existing == nil {
		existing = make(map[string]any)
	}
	serverSigs, _ := existing[keyPair.ServerName].(map[string]any)
	if serverSigs == nil {
		serverSigs = make(map[string]any)
	}
	serverSigs[keyPair.KeyID] = base64.RawURLEncoding.EncodeToString(sig)
	existing[keyPair.ServerName] = serverSigs
	obj["signatures"] = existing
	return marshalCanonical(obj)
}

// Finalize hashes then signs an event, producing its final wire form
func Finalize(keyPair *KeyPair, eventJSON []byte) ([]byte, error) {
	hashed, err := HashJSON(eventJSON)
	if err != nil {
		return nil, err
	}
	return SignJSON(keyPair, hashed)
}

// VerifyJSON checks the named server's signature over the
// signature-stripped canonical encoding of an event
func VerifyJSON(ring *KeyRing, serverName string, eventJSON []byte) error {
	obj, err := stripFields(eventJSON)
	if err != nil {
		return err
	}
	signatures, ok := obj["signatures"].(map[string]any)
	if !ok {
		return ErrMissingSignature
	}
	serverSigs, ok := signatures[serverName].(map[string]any)
	if !ok || len(serverSigs) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingSignature, serverName)
	}
	delete(obj, "signatures")
	canonical, err := marshalCanonical(obj)
	if err != nil {
		return err
	}
	for keyID, rawSig := range serverSigs {
		sigStr, ok := rawSig.(string)
		if !ok {
			return fmt.Errorf("malformed signature for %s %s", serverName, keyID)
		}
		sig, err := base64.RawURLEncoding.DecodeString(sigStr)
		if err != nil {
			return fmt.Errorf("decode signature: %w", err)
		}
		pub, err := ring.Lookup(serverName, keyID)
		if err != nil {
			return err
		}
		if !ed25519.Verify(pub, canonical, sig) {
			return fmt.Errorf("%w: %s key %s", ErrBadSignature, serverName, keyID)
		}
	}
	return nil
}

// VerifyEvent checks both the content hash and the origin server's
// signature. Any mismatch means the event must be treated as malformed
// before authorization is attempted.
func VerifyEvent(ring *KeyRing, origin string, eventJSON []byte) error {
	if err := VerifyHashJSON(eventJSON); err != nil {
		return err
	}
	return VerifyJSON(ring, origin, eventJSON)
}
