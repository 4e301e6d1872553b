// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package keyring implements event and JSON signing/verification (C2):
// sign_json, verify_json, hash_and_sign_event, content/reference hashing,
// and federation key discovery with a direct-fetch/notary fallback.
package keyring

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/matrixgate/coreserver/pkg/canonicaljson"
	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// KeyID identifies a signing key within a server's key set, e.g. "ed25519:a_1".
type KeyID string

// KeyPair is an ed25519 signing key pair together with the identifier a
// server publishes it under.
type KeyPair struct {
	KeyID      KeyID
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// NewKeyPair wraps an already-generated ed25519 key pair.
func NewKeyPair(keyID KeyID, priv ed25519.PrivateKey) KeyPair {
	return KeyPair{KeyID: keyID, PrivateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey)}
}

// b64 is the unpadded standard base64 encoding Matrix uses for every
// signature, hash and key value in its JSON representation.
var b64 = base64.RawStdEncoding

// SignJSON signs an arbitrary JSON object with the given key pair,
// inserting the result under `signatures[serverName][keyID]`. Any existing
// `signatures` entry for serverName/keyID is overwritten; everything else
// in the object, including other servers' signatures, survives unmodified.
func SignJSON(serverName spec.ServerName, key KeyPair, input []byte) ([]byte, error) {
	unsigned, err := canonicaljson.WithoutFields(input, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	canon, err := canonicaljson.CanonicalJSON(unsigned)
	if err != nil {
		return nil, fmt.Errorf("keyring: sign_json: %w", err)
	}
	sig := ed25519.Sign(key.PrivateKey, canon)
	sigB64 := b64.EncodeToString(sig)

	path := fmt.Sprintf("signatures.%s.%s", jsonPathEscape(string(serverName)), jsonPathEscape(string(key.KeyID)))
	out, err := sjson.SetBytes(input, path, sigB64)
	if err != nil {
		return nil, fmt.Errorf("keyring: sign_json: set signature: %w", err)
	}
	return out, nil
}

// jsonPathEscape escapes the characters sjson's path syntax treats
// specially (`.`, `*`, `?`, `|`, `#`, `\`) so server names and key IDs containing them
// address the right map key instead of being parsed as path operators.
func jsonPathEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '*' || c == '?' || c == '|' || c == '#' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// VerifyJSONError describes why VerifyJSON rejected an object.
type VerifyJSONError struct {
	ServerName spec.ServerName
	KeyID      KeyID
	Cause      string
}

func (e VerifyJSONError) Error() string {
	return fmt.Sprintf("keyring: verify_json: %s/%s: %s", e.ServerName, e.KeyID, e.Cause)
}

// VerifyJSON checks that input carries a valid signature from serverName
// under keyID, verified against publicKey. The signature and unsigned
// fields are stripped before recomputing the canonical form, mirroring
// SignJSON.
func VerifyJSON(serverName spec.ServerName, keyID KeyID, publicKey ed25519.PublicKey, input []byte) error {
	sig, err := extractSignature(input, serverName, keyID)
	if err != nil {
		return err
	}
	unsigned, err := canonicaljson.WithoutFields(input, "signatures", "unsigned")
	if err != nil {
		return VerifyJSONError{ServerName: serverName, KeyID: keyID, Cause: err.Error()}
	}
	canon, err := canonicaljson.CanonicalJSON(unsigned)
	if err != nil {
		return VerifyJSONError{ServerName: serverName, KeyID: keyID, Cause: err.Error()}
	}
	if !ed25519.Verify(publicKey, canon, sig) {
		return VerifyJSONError{ServerName: serverName, KeyID: keyID, Cause: "signature mismatch"}
	}
	return nil
}

func extractSignature(input []byte, serverName spec.ServerName, keyID KeyID) ([]byte, error) {
	path := fmt.Sprintf("signatures.%s.%s", jsonPathEscape(string(serverName)), jsonPathEscape(string(keyID)))
	result := gjson.GetBytes(input, path)
	if !result.Exists() || result.Type != gjson.String {
		return nil, VerifyJSONError{ServerName: serverName, KeyID: keyID, Cause: "no signature present"}
	}
	sig, err := b64.DecodeString(result.Str)
	if err != nil {
		return nil, VerifyJSONError{ServerName: serverName, KeyID: keyID, Cause: "signature is not valid base64"}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, VerifyJSONError{ServerName: serverName, KeyID: keyID, Cause: "signature has the wrong length"}
	}
	return sig, nil
}

// ContentHash computes the event content hash: SHA-256 over the canonical
// JSON form of the event with `signatures` and `unsigned` removed, base64
// encoded. It is stored under `hashes.sha256` and exists so later
// redaction can be detected without invalidating signatures (which cover
// the redacted form, not this hash).
func ContentHash(eventJSON []byte) (string, error) {
	stripped, err := canonicaljson.WithoutFields(eventJSON, "signatures", "unsigned", "hashes")
	if err != nil {
		return "", err
	}
	canon, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return "", fmt.Errorf("keyring: content_hash: %w", err)
	}
	sum := sha256.Sum256(canon)
	return b64.EncodeToString(sum[:]), nil
}

// ReferenceHash computes the event ID for room versions that derive it
// (room version >= 3): SHA-256 over the canonical JSON of the *redacted*
// event with `signatures` and `unsigned` removed. Redact keeps `hashes`,
// so the digest covers the content hash; it also keeps any `event_id`
// field, so the input must not carry one. The `$`-prefixed base64 of that
// digest is the event ID.
func ReferenceHash(redactedEventJSON []byte) (string, error) {
	stripped, err := canonicaljson.WithoutFields(redactedEventJSON, "signatures", "unsigned")
	if err != nil {
		return "", err
	}
	canon, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return "", fmt.Errorf("keyring: reference_hash: %w", err)
	}
	sum := sha256.Sum256(canon)
	return b64.EncodeToString(sum[:]), nil
}

// HashAndSignEvent computes the content hash of eventJSON, stores it under
// `hashes.sha256`, then signs the *redacted* form (per redact) with key
// and returns the fully hashed-and-signed, unredacted event. This mirrors
// palpo's hash_and_sign_event: signatures must remain valid after later
// redaction, so they are computed over the redacted event even though the
// caller keeps the unredacted version around.
func HashAndSignEvent(serverName spec.ServerName, key KeyPair, roomVersion spec.RoomVersion, eventJSON []byte, redact func(roomVersion spec.RoomVersion, eventJSON []byte) ([]byte, error)) ([]byte, error) {
	hash, err := ContentHash(eventJSON)
	if err != nil {
		return nil, err
	}
	hashed, err := sjson.SetBytes(eventJSON, "hashes.sha256", hash)
	if err != nil {
		return nil, fmt.Errorf("keyring: hash_and_sign_event: set hash: %w", err)
	}

	redacted, err := redact(roomVersion, hashed)
	if err != nil {
		return nil, fmt.Errorf("keyring: hash_and_sign_event: redact: %w", err)
	}
	signedRedacted, err := SignJSON(serverName, key, redacted)
	if err != nil {
		return nil, err
	}
	sig, err := extractSignature(signedRedacted, serverName, key.KeyID)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("signatures.%s.%s", jsonPathEscape(string(serverName)), jsonPathEscape(string(key.KeyID)))
	out, err := sjson.SetBytes(hashed, path, b64.EncodeToString(sig))
	if err != nil {
		return nil, fmt.Errorf("keyring: hash_and_sign_event: set signature: %w", err)
	}
	return out, nil
}
