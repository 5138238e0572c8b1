// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgengine

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/pbkdf2"
)

func TestScramClientFirstFormat(t *testing.T) {
	s := newScramClient("alice", "secret")
	first, err := s.clientFirst()
	require.NoError(t, err)

	msg := string(first)
	require.True(t, strings.HasPrefix(msg, "n,,n=alice,r="), "got %q", msg)
	assert.NotEmpty(t, s.nonce)
}

func TestSaslNameEscaping(t *testing.T) {
	assert.Equal(t, "a=3Db=2Cc", saslName("a=b,c"))

	s := newScramClient("a=b,c", "secret")
	first, err := s.clientFirst()
	require.NoError(t, err)
	assert.Contains(t, string(first), "n=a=3Db=2Cc,")
}

func TestSaslAttrs(t *testing.T) {
	attrs := saslAttrs("r=abc,s=c2FsdA==,i=4096")
	assert.Equal(t, "abc", attrs['r'])
	assert.Equal(t, "c2FsdA==", attrs['s'])
	assert.Equal(t, "4096", attrs['i'])
	assert.Equal(t, "", attrs['v'])
}

func TestScramRejectsForeignNonce(t *testing.T) {
	s := newScramClient("alice", "secret")
	_, err := s.clientFirst()
	require.NoError(t, err)

	// A server nonce that does not extend the client nonce means a
	// broken or hostile server.
	_, err = s.clientFinal("r=bogus,s=" + base64.StdEncoding.EncodeToString([]byte("salt")) + ",i=4096")
	require.Error(t, err)
}

func TestScramFullExchange(t *testing.T) {
	const password = "hunter2"
	salt := []byte("0123456789abcdef")
	rounds := 4096

	s := newScramClient("alice", password)
	_, err := s.clientFirst()
	require.NoError(t, err)

	combinedNonce := s.nonce + "serverpart"
	serverFirst := "r=" + combinedNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=4096"

	final, err := s.clientFinal(serverFirst)
	require.NoError(t, err)
	require.Contains(t, string(final), "c=biws,r="+combinedNonce)

	// Check the proof the way the server would: recover ClientKey from
	// the proof and compare its digest against StoredKey.
	passwordKey := pbkdf2.Key([]byte(password), salt, rounds, sha256.Size, sha256.New)
	clientKey := keyedHash(passwordKey, "Client Key")
	storedKey := sha256.Sum256(clientKey)

	parts := strings.Split(string(final), ",p=")
	require.Len(t, parts, 2)
	proof, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	authMessage := s.firstBare + "," + serverFirst + "," + parts[0]
	signature := keyedHash(storedKey[:], authMessage)
	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ signature[i]
	}
	recoveredDigest := sha256.Sum256(recovered)
	assert.Equal(t, storedKey, recoveredDigest, "proof must recover the stored key")

	// And the client must accept the matching server signature.
	serverKey := keyedHash(passwordKey, "Server Key")
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(keyedHash(serverKey, authMessage))
	require.NoError(t, s.verifyServerFinal(serverFinal))
}

func TestScramRejectsBadServerSignature(t *testing.T) {
	s := newScramClient("alice", "secret")
	_, err := s.clientFirst()
	require.NoError(t, err)

	serverFirst := "r=" + s.nonce + "x,s=" + base64.StdEncoding.EncodeToString([]byte("salt")) + ",i=4096"
	_, err = s.clientFinal(serverFirst)
	require.NoError(t, err)

	err = s.verifyServerFinal("v=" + base64.StdEncoding.EncodeToString([]byte("not the signature")))
	require.Error(t, err)
}

func TestScramRejectsMissingServerSignature(t *testing.T) {
	s := newScramClient("alice", "secret")
	require.Error(t, s.verifyServerFinal("e=other-error"))
}

func TestMD5Response(t *testing.T) {
	// The response is "md5" + hex(md5(hex(md5("secret"+"alice")) + salt));
	// check its shape, determinism and dependence on the salt.
	got := md5Response("alice", "secret", []byte{0x01, 0x02, 0x03, 0x04})
	assert.True(t, strings.HasPrefix(got, "md5"))
	assert.Len(t, got, 3+32)

	// Same inputs, same answer; different salt, different answer.
	assert.Equal(t, got, md5Response("alice", "secret", []byte{0x01, 0x02, 0x03, 0x04}))
	assert.NotEqual(t, got, md5Response("alice", "secret", []byte{0xFF, 0x02, 0x03, 0x04}))
}
