// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secrets implements the secret sharing store: authenticated
// symmetric encryption of small named secrets for account-scoped
// storage, and targeted secret share requests to a user's other devices.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrBadMAC indicates ciphertext authentication failed.  Plaintext is
	// never returned on a MAC mismatch.
	ErrBadMAC = errors.New("secrets: bad MAC")

	// ErrBadCiphertext indicates malformed encrypted data.
	ErrBadCiphertext = errors.New("secrets: malformed ciphertext")
)

// EncryptedData is the stored form of an encrypted secret.
type EncryptedData struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// deriveNamedKeys derives the encryption and MAC sub-keys from a storage
// key, seeded with the secret's name so each secret gets its own pair.
func deriveNamedKeys(key []byte, name string) (encKey, macKey []byte, err error) {
	zeroSalt := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, key, zeroSalt, []byte(name))
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err := io.ReadFull(r, encKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, macKey); err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

// encryptNamedWithIV is the deterministic core of EncryptNamed, split out
// so key checks can run it against a fixed IV.
func encryptNamedWithIV(key []byte, name string, iv, plaintext []byte) (*EncryptedData, error) {
	encKey, macKey, err := deriveNamedKeys(key, name)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return &EncryptedData{
		IV:         base64.RawStdEncoding.EncodeToString(iv),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
		MAC:        base64.RawStdEncoding.EncodeToString(mac.Sum(nil)),
	}, nil
}

// EncryptNamed encrypts plaintext under the storage key with sub-keys
// derived from name, using AES-CTR with a fresh IV and an HMAC-SHA256
// authentication tag over the ciphertext.
func EncryptNamed(key []byte, name string, plaintext []byte) (*EncryptedData, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Reader.Read(iv); err != nil {
		return nil, err
	}
	// Clear bit 63 to stay compatible with implementations that treat
	// the counter as a signed value.
	iv[8] &= 0x7f
	return encryptNamedWithIV(key, name, iv, plaintext)
}

// DecryptNamed authenticates and decrypts stored secret data.  The MAC
// is verified before any plaintext is produced.
func DecryptNamed(key []byte, name string, data *EncryptedData) ([]byte, error) {
	iv, err := base64.RawStdEncoding.DecodeString(data.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrBadCiphertext
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(data.Ciphertext)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	theirMAC, err := base64.RawStdEncoding.DecodeString(data.MAC)
	if err != nil {
		return nil, ErrBadCiphertext
	}

	encKey, macKey, err := deriveNamedKeys(key, name)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return nil, ErrBadMAC
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// KeyCheck produces a key-check value: a known zero plaintext encrypted
// under the key.  A prospective key can later be tested against it with
// KeyMatches without exposing the key itself.
func KeyCheck(key []byte) (*EncryptedData, error) {
	return EncryptNamed(key, "", make([]byte, 32))
}

// KeyMatches reports whether a candidate key reproduces the key-check
// value.
func KeyMatches(key []byte, check *EncryptedData) bool {
	iv, err := base64.RawStdEncoding.DecodeString(check.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return false
	}
	ours, err := encryptNamedWithIV(key, "", iv, make([]byte, 32))
	if err != nil {
		return false
	}
	ourMAC, err := base64.RawStdEncoding.DecodeString(ours.MAC)
	if err != nil {
		return false
	}
	theirMAC, err := base64.RawStdEncoding.DecodeString(check.MAC)
	if err != nil {
		return false
	}
	return hmac.Equal(ourMAC, theirMAC)
}
