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

package signing_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tapestryhq/tapestry/signing"
)

func TestCanonicalJSON(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "sorted keys",
			input:    `{"b":2,"a":1}`,
			expected: `{"a":1,"b":2}`,
		},
		{
			name:     "nested objects and whitespace",
			input:    "{\n  \"z\": {\"y\": 1, \"x\": 2},\n  \"a\": [3, 2]\n}",
			expected: `{"a":[3,2],"z":{"x":2,"y":1}}`,
		},
		{
			name:     "number literals preserved",
			input:    `{"depth":123456789012345678}`,
			expected: `{"depth":123456789012345678}`,
		},
		{
			name:     "no html escaping",
			input:    `{"content":"a<b>&c"}`,
			expected: `{"content":"a<b>&c"}`,
		},
		{
			name:     "null and bool",
			input:    `{"a":null,"b":true,"c":false}`,
			expected: `{"a":null,"b":true,"c":false}`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := signing.CanonicalJSON([]byte(tc.input))
			require.NoError(t, err)
			require.Equal(t, tc.expected, string(out))
		})
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	a := []byte(`{"type":"channel.message","sender":"@u:s","content":{"body":"hi"}}`)
	b := []byte("{ \"content\": {\"body\": \"hi\"}, \"sender\": \"@u:s\", \"type\": \"channel.message\" }")
	ca, err := signing.CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := signing.CanonicalJSON(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
}

func TestFinalizeRoundTrip(t *testing.T) {
	kp, err := signing.GenerateKeyPair("origin.test")
	require.NoError(t, err)

	raw := []byte(`{"type":"channel.message","sender":"@alice:origin.test","content":{"body":"hello"},"depth":1,"prev_events":[]}`)
	finalized, err := signing.Finalize(kp, raw)
	require.NoError(t, err)

	ring := signing.NewKeyRing()
	ring.Add(kp.ServerName, kp.KeyID, kp.Public)
	require.NoError(t, signing.VerifyEvent(ring, "origin.test", finalized))
}

func TestVerifyFailsOnMutation(t *testing.T) {
	kp, err := signing.GenerateKeyPair("origin.test")
	require.NoError(t, err)
	raw := []byte(`{"type":"channel.message","sender":"@alice:origin.test","content":{"body":"hello"},"depth":1}`)
	finalized, err := signing.Finalize(kp, raw)
	require.NoError(t, err)

	ring := signing.NewKeyRing()
	ring.Add(kp.ServerName, kp.KeyID, kp.Public)

	// Mutate the signed content
	var obj map[string]any
	require.NoError(t, json.Unmarshal(finalized, &obj))
	content, ok := obj["content"].(map[string]any)
	require.True(t, ok)
	content["body"] = "tampered"
	mutated, err := json.Marshal(obj)
	require.NoError(t, err)

	require.Error(t, signing.VerifyEvent(ring, "origin.test", mutated))
}

func TestVerifyFailsWithoutKnownKey(t *testing.T) {
	kp, err := signing.GenerateKeyPair("origin.test")
	require.NoError(t, err)
	raw := []byte(`{"type":"channel.message","sender":"@alice:origin.test","content":{},"depth":1}`)
	finalized, err := signing.Finalize(kp, raw)
	require.NoError(t, err)

	emptyRing := signing.NewKeyRing()
	err = signing.VerifyEvent(emptyRing, "origin.test", finalized)
	require.ErrorIs(t, err, signing.ErrUnknownSigner)
}

func TestMultiSignerMerge(t *testing.T) {
	resident, err := signing.GenerateKeyPair("resident.test")
	require.NoError(t, err)
	joining, err := signing.GenerateKeyPair("joining.test")
	require.NoError(t, err)

	raw := []byte(`{"type":"channel.member","sender":"@bob:joining.test","state_key":"@bob:joining.test","content":{"membership":"join"},"depth":4}`)
	signedOnce, err := signing.Finalize(joining, raw)
	require.NoError(t, err)
	signedTwice, err := signing.SignJSON(resident, signedOnce)
	require.NoError(t, err)

	ring := signing.NewKeyRing()
	ring.Add(joining.ServerName, joining.KeyID, joining.Public)
	ring.Add(resident.ServerName, resident.KeyID, resident.Public)

	require.NoError(t, signing.VerifyJSON(ring, "joining.test", signedTwice))
	require.NoError(t, signing.VerifyJSON(ring, "resident.test", signedTwice))
}

func TestKeyPairSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")

	kp, err := signing.GenerateKeyPair("origin.test")
	require.NoError(t, err)
	require.NoError(t, kp.Save(path))

	loaded, err := signing.LoadKeyPair("origin.test", path)
	require.NoError(t, err)
	require.Equal(t, kp.KeyID, loaded.KeyID)
	require.Equal(t, kp.Public, loaded.Public)

	// Keys loaded from disk must produce verifiable signatures
	raw := []byte(`{"type":"channel.message","sender":"@a:origin.test","content":{},"depth":1}`)
	finalized, err := signing.Finalize(loaded, raw)
	require.NoError(t, err)
	ring := signing.NewKeyRing()
	ring.Add(kp.ServerName, kp.KeyID, kp.Public)
	require.NoError(t, signing.VerifyEvent(ring, "origin.test", finalized))
}
