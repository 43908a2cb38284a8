// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package olm implements the low-level cryptographic objects the encryption
// core is built on: the device account, pairwise ratcheting sessions, group
// ratchet sessions, asymmetric backup encryption and signed-JSON
// verification.  Callers treat these as opaque primitives; none of the
// types are safe for concurrent use and locking is the caller's problem.
package olm

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// KeySize is the size of the curve25519 and chain keys in bytes.
	KeySize = 32

	pickleNonceSize = 24
)

var (
	// ErrBadMessageFormat indicates a message that could not be parsed.
	ErrBadMessageFormat = errors.New("olm: bad message format")

	// ErrBadMessageMAC indicates an authentication failure on decrypt.
	ErrBadMessageMAC = errors.New("olm: bad message MAC")

	// ErrBadSignature indicates a signature verification failure.
	ErrBadSignature = errors.New("olm: bad signature")

	// ErrBadPickle indicates a pickle that could not be decrypted, most
	// likely because the pickle key is wrong.
	ErrBadPickle = errors.New("olm: failed to decrypt pickle")

	// ErrUnknownMessageIndex indicates a group message older than the
	// first known ratchet index of the inbound session.
	ErrUnknownMessageIndex = errors.New("olm: message index older than first known index")

	// ErrNoOneTimeKey indicates an inbound pre-key message referencing a
	// one-time key we no longer hold.
	ErrNoOneTimeKey = errors.New("olm: no matching one-time key")
)

// PickleKey is the secret key pickled objects are encrypted with.
type PickleKey = [KeySize]byte

func sealPickle(plaintext []byte, key *PickleKey) ([]byte, error) {
	nonce := [pickleNonceSize]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, key)
	return append(nonce[:], ciphertext...), nil
}

func openPickle(ciphertext []byte, key *PickleKey) ([]byte, error) {
	if len(ciphertext) < pickleNonceSize {
		return nil, ErrBadPickle
	}
	nonce := [pickleNonceSize]byte{}
	copy(nonce[:], ciphertext[:pickleNonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[pickleNonceSize:], &nonce, key)
	if !ok {
		return nil, ErrBadPickle
	}
	return plaintext, nil
}

// generateCurveKey generates a curve25519 keypair.
func generateCurveKey() (priv, pub []byte, err error) {
	priv = make([]byte, KeySize)
	if _, err = io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// curvePublic derives the public half of a curve25519 private key.
func curvePublic(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// deriveKeys expands secret into n KeySize-byte keys bound to the given
// context string.
func deriveKeys(secret []byte, context string, n int) ([][]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, KeySize)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// advanceChain derives the next ratchet chain key from the current one.
func advanceChain(chain []byte) []byte {
	m := hmac.New(sha256.New, chain)
	m.Write([]byte{0x02})
	return m.Sum(nil)
}

// messageKey derives the message encryption key for the current chain step.
func messageKey(chain []byte) []byte {
	m := hmac.New(sha256.New, chain)
	m.Write([]byte{0x01})
	return m.Sum(nil)
}

// seal encrypts plaintext with a chacha20poly1305 AEAD keyed by key,
// binding ad.  The nonce is zero; every key is used exactly once.
func seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(key, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrBadMessageMAC
	}
	return plaintext, nil
}
