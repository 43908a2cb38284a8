// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package olm

import (
	"encoding/base64"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/katzenpost/hpqc/rand"
)

const pkKDFInfo = "VEILCHAT_PK_ENCRYPT"

// PkMessage is an asymmetrically encrypted payload: an ephemeral
// curve25519 key, the ciphertext, and its authentication tag.
type PkMessage struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// GeneratePkKey generates a private key for asymmetric decryption.
func GeneratePkKey() ([]byte, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// PkPublicKey derives the base64 encoded public key of a pk private key.
func PkPublicKey(priv []byte) (string, error) {
	pub, err := curvePublic(priv)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(pub), nil
}

// PkEncrypt encrypts plaintext to the holder of the private half of
// recipientKey.  Encryption needs only the public key; anyone can write,
// only the private key holder can read.
func PkEncrypt(recipientKey string, plaintext []byte) (*PkMessage, error) {
	theirPub, err := base64.RawStdEncoding.DecodeString(recipientKey)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	ephPriv, ephPub, err := generateCurveKey()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, theirPub)
	if err != nil {
		return nil, err
	}
	keys, err := deriveKeys(shared, pkKDFInfo, 1)
	if err != nil {
		return nil, err
	}
	sealed, err := seal(keys[0], plaintext, ephPub)
	if err != nil {
		return nil, err
	}
	// The AEAD tag is carried in the MAC field to keep the wire shape.
	tagAt := len(sealed) - 16
	return &PkMessage{
		Ephemeral:  base64.RawStdEncoding.EncodeToString(ephPub),
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed[:tagAt]),
		MAC:        base64.RawStdEncoding.EncodeToString(sealed[tagAt:]),
	}, nil
}

// PkDecrypt decrypts a PkMessage with the private key.
func PkDecrypt(priv []byte, msg *PkMessage) ([]byte, error) {
	ephPub, err := base64.RawStdEncoding.DecodeString(msg.Ephemeral)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	ct, err := base64.RawStdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	tag, err := base64.RawStdEncoding.DecodeString(msg.MAC)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	shared, err := curve25519.X25519(priv, ephPub)
	if err != nil {
		return nil, ErrBadMessageMAC
	}
	keys, err := deriveKeys(shared, pkKDFInfo, 1)
	if err != nil {
		return nil, err
	}
	return open(keys[0], append(ct, tag...), ephPub)
}
