// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package olm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/katzenpost/hpqc/sign/ed25519"
)

// parseEdKeyBytes constructs an ed25519 public key from raw bytes.
func parseEdKeyBytes(b []byte) (*ed25519.PublicKey, error) {
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(b); err != nil {
		return nil, ErrBadSignature
	}
	return pub, nil
}

// ParseEdKey constructs an ed25519 public key from its base64 encoding.
func ParseEdKey(b64 string) (*ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrBadSignature
	}
	return parseEdKeyBytes(raw)
}

// CanonicalJSON re-encodes a JSON object into its canonical form: keys
// sorted lexicographically, no insignificant whitespace.
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("olm: malformed json: %w", err)
	}
	// encoding/json emits map keys in sorted order.
	return json.Marshal(v)
}

// VerifySignedJSON verifies the signature the given user's key left on a
// signed JSON object.  The signatures and unsigned fields are excluded
// from the signed payload.  Any malformed or missing input yields
// ErrBadSignature; the function never panics on hostile data.
func VerifySignedJSON(raw []byte, userID, keyID, signingKey string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ErrBadSignature
	}

	var sigs map[string]map[string]string
	if err := json.Unmarshal(obj["signatures"], &sigs); err != nil {
		return ErrBadSignature
	}
	sigB64, ok := sigs[userID][keyID]
	if !ok {
		return ErrBadSignature
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return ErrBadSignature
	}

	delete(obj, "signatures")
	delete(obj, "unsigned")
	stripped, err := json.Marshal(obj)
	if err != nil {
		return ErrBadSignature
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return ErrBadSignature
	}

	pub, err := ParseEdKey(signingKey)
	if err != nil {
		return ErrBadSignature
	}
	if !pub.Verify(sig, canonical) {
		return ErrBadSignature
	}
	return nil
}

// SignJSON canonicalizes the object (minus signatures/unsigned), signs it
// with the account's ed25519 key, and returns the object with the new
// signature folded in under userID/keyID.
func (a *Account) SignJSON(raw []byte, userID, keyID string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("olm: malformed json: %w", err)
	}

	existingSigs := obj["signatures"]
	unsigned := obj["unsigned"]
	delete(obj, "signatures")
	delete(obj, "unsigned")

	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sig := a.Sign(canonical)

	sigs := make(map[string]map[string]string)
	if existingSigs != nil {
		if err := json.Unmarshal(existingSigs, &sigs); err != nil {
			return nil, fmt.Errorf("olm: malformed signatures: %w", err)
		}
	}
	if sigs[userID] == nil {
		sigs[userID] = make(map[string]string)
	}
	sigs[userID][keyID] = sig

	sigsRaw, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	obj["signatures"] = sigsRaw
	if unsigned != nil {
		obj["unsigned"] = unsigned
	}
	return json.Marshal(obj)
}
