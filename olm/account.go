// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package olm

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// MaxOneTimeKeys is the number of unpublished one-time keys an account
// will hold at most.
const MaxOneTimeKeys = 100

// oneTimeKey is a single curve25519 one-time key.
type oneTimeKey struct {
	ID        uint32
	Private   []byte
	Public    []byte
	Published bool
}

// Account is the local device's long-term cryptographic identity: an
// ed25519 fingerprint key, a curve25519 identity key, and the one-time and
// fallback key pools consumed by inbound session establishment.
type Account struct {
	signingKey   *ed25519.PrivateKey
	identityPriv []byte
	identityPub  []byte

	oneTimeKeys map[string]*oneTimeKey // keyed by base64 public key
	fallbackKey *oneTimeKey
	prevFallback *oneTimeKey
	nextKeyID   uint32
}

type accountPickle struct {
	SigningKey   []byte
	IdentityPriv []byte
	OneTimeKeys  []*oneTimeKey
	FallbackKey  *oneTimeKey
	PrevFallback *oneTimeKey
	NextKeyID    uint32
}

// NewAccount generates a fresh account.
func NewAccount() (*Account, error) {
	_, sk, err := ed25519.Scheme().GenerateKey()
	if err != nil {
		return nil, err
	}
	priv, pub, err := generateCurveKey()
	if err != nil {
		return nil, err
	}
	return &Account{
		signingKey:   sk.(*ed25519.PrivateKey),
		identityPriv: priv,
		identityPub:  pub,
		oneTimeKeys:  make(map[string]*oneTimeKey),
		nextKeyID:    1,
	}, nil
}

// SigningKey returns the base64 encoded ed25519 fingerprint key.
func (a *Account) SigningKey() string {
	return base64.RawStdEncoding.EncodeToString(a.signingKey.PublicKey().Bytes())
}

// IdentityKey returns the base64 encoded curve25519 identity key.
func (a *Account) IdentityKey() string {
	return base64.RawStdEncoding.EncodeToString(a.identityPub)
}

// Sign signs message with the account's ed25519 key and returns the base64
// encoded signature.
func (a *Account) Sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(a.signingKey.SignMessage(message))
}

// GenerateOneTimeKeys generates n new unpublished one-time keys, dropping
// the oldest published keys if the pool would exceed MaxOneTimeKeys.
func (a *Account) GenerateOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		priv, pub, err := generateCurveKey()
		if err != nil {
			return err
		}
		k := &oneTimeKey{ID: a.nextKeyID, Private: priv, Public: pub}
		a.nextKeyID++
		a.oneTimeKeys[base64.RawStdEncoding.EncodeToString(pub)] = k
	}
	for len(a.oneTimeKeys) > MaxOneTimeKeys {
		var oldest *oneTimeKey
		var oldestPub string
		for pub, k := range a.oneTimeKeys {
			if k.Published && (oldest == nil || k.ID < oldest.ID) {
				oldest, oldestPub = k, pub
			}
		}
		if oldest == nil {
			break
		}
		delete(a.oneTimeKeys, oldestPub)
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys, keyed by key id.
func (a *Account) OneTimeKeys() map[string]string {
	out := make(map[string]string)
	for pub, k := range a.oneTimeKeys {
		if !k.Published {
			out[keyIDString(k.ID)] = pub
		}
	}
	return out
}

// MarkKeysAsPublished marks all one-time keys and the current fallback key
// as published.
func (a *Account) MarkKeysAsPublished() {
	for _, k := range a.oneTimeKeys {
		k.Published = true
	}
	if a.fallbackKey != nil {
		a.fallbackKey.Published = true
	}
}

// GenerateFallbackKey generates a new fallback key.  The previous fallback
// key is retained so in-flight pre-key messages against it still decrypt.
func (a *Account) GenerateFallbackKey() error {
	priv, pub, err := generateCurveKey()
	if err != nil {
		return err
	}
	a.prevFallback = a.fallbackKey
	a.fallbackKey = &oneTimeKey{ID: a.nextKeyID, Private: priv, Public: pub}
	a.nextKeyID++
	return nil
}

// UnpublishedFallbackKey returns the current fallback key if it has not
// been published yet, keyed by key id.
func (a *Account) UnpublishedFallbackKey() map[string]string {
	out := make(map[string]string)
	if a.fallbackKey != nil && !a.fallbackKey.Published {
		out[keyIDString(a.fallbackKey.ID)] = base64.RawStdEncoding.EncodeToString(a.fallbackKey.Public)
	}
	return out
}

// findReceiverKey locates the one-time or fallback key matching the given
// public key from an inbound pre-key message.
func (a *Account) findReceiverKey(pub []byte) *oneTimeKey {
	if k, ok := a.oneTimeKeys[base64.RawStdEncoding.EncodeToString(pub)]; ok {
		return k
	}
	for _, k := range []*oneTimeKey{a.fallbackKey, a.prevFallback} {
		if k != nil && base64.RawStdEncoding.EncodeToString(k.Public) == base64.RawStdEncoding.EncodeToString(pub) {
			return k
		}
	}
	return nil
}

// RemoveOneTimeKeys removes the one-time key consumed by the given inbound
// session.  Fallback keys are not removed.
func (a *Account) RemoveOneTimeKeys(s *Session) {
	delete(a.oneTimeKeys, base64.RawStdEncoding.EncodeToString(s.receiverKeyPub))
}

// Pickle serializes and encrypts the account under key.
func (a *Account) Pickle(key *PickleKey) ([]byte, error) {
	otks := make([]*oneTimeKey, 0, len(a.oneTimeKeys))
	for _, k := range a.oneTimeKeys {
		otks = append(otks, k)
	}
	p := accountPickle{
		SigningKey:   a.signingKey.Bytes(),
		IdentityPriv: a.identityPriv,
		OneTimeKeys:  otks,
		FallbackKey:  a.fallbackKey,
		PrevFallback: a.prevFallback,
		NextKeyID:    a.nextKeyID,
	}
	blob, err := cbor.Marshal(&p)
	if err != nil {
		return nil, err
	}
	return sealPickle(blob, key)
}

// AccountFromPickle decrypts and deserializes a pickled account.
func AccountFromPickle(pickle []byte, key *PickleKey) (*Account, error) {
	blob, err := openPickle(pickle, key)
	if err != nil {
		return nil, err
	}
	p := new(accountPickle)
	if _, err := cbor.UnmarshalFirst(blob, p); err != nil {
		return nil, err
	}
	sk := ed25519.NewEmptyPrivateKey()
	if err := sk.FromBytes(p.SigningKey); err != nil {
		return nil, err
	}
	pub, err := curvePublic(p.IdentityPriv)
	if err != nil {
		return nil, err
	}
	a := &Account{
		signingKey:   sk,
		identityPriv: p.IdentityPriv,
		identityPub:  pub,
		oneTimeKeys:  make(map[string]*oneTimeKey),
		fallbackKey:  p.FallbackKey,
		prevFallback: p.PrevFallback,
		nextKeyID:    p.NextKeyID,
	}
	for _, k := range p.OneTimeKeys {
		a.oneTimeKeys[base64.RawStdEncoding.EncodeToString(k.Public)] = k
	}
	return a, nil
}

func keyIDString(id uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return base64.RawStdEncoding.EncodeToString(b[:])
}
