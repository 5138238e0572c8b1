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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// saslMechanismSCRAM is the SASL mechanism this client speaks.
	saslMechanismSCRAM = "SCRAM-SHA-256"

	// gs2Header declares that channel binding is not in use.
	gs2Header = "n,,"

	// nonceSize is the entropy of the client nonce in bytes. RFC 5802
	// asks for at least 128 bits.
	nonceSize = 18
)

// scramClient computes the three client-side steps of a SCRAM-SHA-256
// exchange. It produces and consumes bare SASL payloads; the engine
// moves them over the wire.
type scramClient struct {
	user     string
	password string

	// nonce is the client half of the exchange nonce.
	nonce string

	// firstBare and serverFirst are retained because both reappear in
	// the auth message that the proof and signatures are computed over.
	firstBare   string
	serverFirst string

	// passwordKey is the PBKDF2-salted password, kept for the final
	// server-signature check.
	passwordKey []byte
}

func newScramClient(user, password string) *scramClient {
	return &scramClient{user: user, password: password}
}

// clientFirst produces the client-first message.
func (s *scramClient) clientFirst() ([]byte, error) {
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %w", err)
	}
	s.nonce = base64.StdEncoding.EncodeToString(raw)
	s.firstBare = "n=" + saslName(s.user) + ",r=" + s.nonce
	return []byte(gs2Header + s.firstBare), nil
}

// clientFinal consumes the server-first message and produces the
// client-final message carrying the proof.
func (s *scramClient) clientFinal(serverFirst string) ([]byte, error) {
	s.serverFirst = serverFirst
	attrs := saslAttrs(serverFirst)

	combinedNonce := attrs['r']
	if !strings.HasPrefix(combinedNonce, s.nonce) {
		return nil, errors.New("server echoed a foreign nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(attrs['s'])
	if err != nil {
		return nil, fmt.Errorf("undecodable salt: %w", err)
	}
	rounds, err := strconv.Atoi(attrs['i'])
	if err != nil {
		return nil, fmt.Errorf("undecodable iteration count: %w", err)
	}

	s.passwordKey = pbkdf2.Key([]byte(s.password), salt, rounds, sha256.Size, sha256.New)

	clientKey := keyedHash(s.passwordKey, "Client Key")
	storedKey := sha256.Sum256(clientKey)

	noProof := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + combinedNonce
	signature := keyedHash(storedKey[:], s.authMessage(noProof))

	// The proof is ClientKey xor ClientSignature; fold it in place.
	for i := range clientKey {
		clientKey[i] ^= signature[i]
	}

	return []byte(noProof + ",p=" + base64.StdEncoding.EncodeToString(clientKey)), nil
}

// verifyServerFinal checks the signature in the server-final message,
// proving the server also knew the password derivation.
func (s *scramClient) verifyServerFinal(serverFinal string) error {
	sigB64, ok := saslAttrs(serverFinal)['v']
	if !ok {
		return errors.New("server-final message carries no signature")
	}
	claimed, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("undecodable server signature: %w", err)
	}

	serverKey := keyedHash(s.passwordKey, "Server Key")
	noProof := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + saslAttrs(s.serverFirst)['r']
	expected := keyedHash(serverKey, s.authMessage(noProof))

	if !hmac.Equal(claimed, expected) {
		return errors.New("server signature mismatch")
	}
	return nil
}

// authMessage assembles the transcript both sides sign: the bare
// client-first, the server-first, and the proof-less client-final.
func (s *scramClient) authMessage(clientFinalNoProof string) string {
	return strings.Join([]string{s.firstBare, s.serverFirst, clientFinalNoProof}, ",")
}

// saslName escapes the two characters SCRAM reserves inside names.
func saslName(user string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(user)
}

// saslAttrs splits a SCRAM message into its letter-keyed attributes.
// Malformed segments are dropped; absent keys read as "".
func saslAttrs(msg string) map[byte]string {
	attrs := make(map[byte]string)
	for part := range strings.SplitSeq(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[0]] = part[2:]
		}
	}
	return attrs
}

// keyedHash is the HMAC-SHA-256 primitive every SCRAM key and
// signature derives from.
func keyedHash(key []byte, message string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(message))
	return m.Sum(nil)
}
