// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package olm

import (
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// groupMessage is the wire envelope of a group session ciphertext.
type groupMessage struct {
	Counter    uint32
	Ciphertext []byte
	Signature  []byte
}

// sessionKeyExport is the serialized form of a group session key, exported
// at a particular ratchet index.
type sessionKeyExport struct {
	Counter    uint32
	ChainKey   []byte
	SigningKey []byte
	Signature  []byte // absent on re-exports of inbound sessions
}

// OutboundGroupSession is the sender half of a group ratchet.  The chain
// advances monotonically with each encrypted message.
type OutboundGroupSession struct {
	signingKey *ed25519.PrivateKey
	chainKey   []byte
	counter    uint32
}

type outboundGroupPickle struct {
	SigningKey []byte
	ChainKey   []byte
	Counter    uint32
}

// NewOutboundGroupSession creates a fresh group session with its chain at
// index 0.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	_, sk, err := ed25519.Scheme().GenerateKey()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, KeySize)
	if _, err := rand.Reader.Read(seed); err != nil {
		return nil, err
	}
	return &OutboundGroupSession{
		signingKey: sk.(*ed25519.PrivateKey),
		chainKey:   seed,
	}, nil
}

// ID returns the session id, the base64 encoded session signing key.
func (s *OutboundGroupSession) ID() string {
	return base64.RawStdEncoding.EncodeToString(s.signingKey.PublicKey().Bytes())
}

// MessageIndex returns the index the next encrypted message will use.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.counter }

// Encrypt encrypts plaintext at the current chain index, signs the
// envelope, advances the chain, and returns the base64 encoded message.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	ct, err := seal(messageKey(s.chainKey), plaintext, []byte(s.ID()))
	if err != nil {
		return "", err
	}
	signed, err := cbor.Marshal(&groupMessage{Counter: s.counter, Ciphertext: ct})
	if err != nil {
		return "", err
	}
	msg := &groupMessage{
		Counter:    s.counter,
		Ciphertext: ct,
		Signature:  s.signingKey.SignMessage(signed),
	}
	out, err := cbor.Marshal(msg)
	if err != nil {
		return "", err
	}
	s.chainKey = advanceChain(s.chainKey)
	s.counter++
	return base64.RawStdEncoding.EncodeToString(out), nil
}

// Key exports the session key at the current chain index, signed with the
// session signing key so receivers can authenticate it.
func (s *OutboundGroupSession) Key() (string, error) {
	export := &sessionKeyExport{
		Counter:    s.counter,
		ChainKey:   s.chainKey,
		SigningKey: s.signingKey.PublicKey().Bytes(),
	}
	unsigned, err := cbor.Marshal(export)
	if err != nil {
		return "", err
	}
	export.Signature = s.signingKey.SignMessage(unsigned)
	out, err := cbor.Marshal(export)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(out), nil
}

// Pickle serializes and encrypts the session under key.
func (s *OutboundGroupSession) Pickle(key *PickleKey) ([]byte, error) {
	blob, err := cbor.Marshal(&outboundGroupPickle{
		SigningKey: s.signingKey.Bytes(),
		ChainKey:   s.chainKey,
		Counter:    s.counter,
	})
	if err != nil {
		return nil, err
	}
	return sealPickle(blob, key)
}

// OutboundGroupSessionFromPickle decrypts and deserializes a pickled
// outbound group session.
func OutboundGroupSessionFromPickle(pickle []byte, key *PickleKey) (*OutboundGroupSession, error) {
	blob, err := openPickle(pickle, key)
	if err != nil {
		return nil, err
	}
	p := new(outboundGroupPickle)
	if _, err := cbor.UnmarshalFirst(blob, p); err != nil {
		return nil, err
	}
	sk := ed25519.NewEmptyPrivateKey()
	if err := sk.FromBytes(p.SigningKey); err != nil {
		return nil, err
	}
	return &OutboundGroupSession{signingKey: sk, chainKey: p.ChainKey, counter: p.Counter}, nil
}

// InboundGroupSession is the receiver half of a group ratchet, constructed
// from an exported session key.
type InboundGroupSession struct {
	signingKey      *ed25519.PublicKey
	chainKey        []byte // chain key at firstKnownIndex
	firstKnownIndex uint32
}

type inboundGroupPickle struct {
	SigningKey      []byte
	ChainKey        []byte
	FirstKnownIndex uint32
}

// NewInboundGroupSession constructs an inbound session from an exported
// session key, verifying the export signature when present.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sessionKey)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	export := new(sessionKeyExport)
	if _, err := cbor.UnmarshalFirst(raw, export); err != nil {
		return nil, ErrBadMessageFormat
	}
	pub, err := parseEdKeyBytes(export.SigningKey)
	if err != nil {
		return nil, err
	}
	if export.Signature != nil {
		unsigned, err := cbor.Marshal(&sessionKeyExport{
			Counter:    export.Counter,
			ChainKey:   export.ChainKey,
			SigningKey: export.SigningKey,
		})
		if err != nil {
			return nil, err
		}
		if !pub.Verify(export.Signature, unsigned) {
			return nil, ErrBadSignature
		}
	}
	return &InboundGroupSession{
		signingKey:      pub,
		chainKey:        export.ChainKey,
		firstKnownIndex: export.Counter,
	}, nil
}

// ID returns the session id.
func (s *InboundGroupSession) ID() string {
	return base64.RawStdEncoding.EncodeToString(s.signingKey.Bytes())
}

// FirstKnownIndex returns the earliest chain index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.firstKnownIndex }

// Decrypt decrypts a group message and returns the plaintext along with
// the chain index that produced it.
func (s *InboundGroupSession) Decrypt(body string) ([]byte, uint32, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, 0, ErrBadMessageFormat
	}
	msg := new(groupMessage)
	if _, err := cbor.UnmarshalFirst(raw, msg); err != nil {
		return nil, 0, ErrBadMessageFormat
	}
	if msg.Counter < s.firstKnownIndex {
		return nil, 0, ErrUnknownMessageIndex
	}
	signed, err := cbor.Marshal(&groupMessage{Counter: msg.Counter, Ciphertext: msg.Ciphertext})
	if err != nil {
		return nil, 0, err
	}
	if !s.signingKey.Verify(msg.Signature, signed) {
		return nil, 0, ErrBadSignature
	}
	chain := s.chainKey
	for i := s.firstKnownIndex; i < msg.Counter; i++ {
		chain = advanceChain(chain)
	}
	plaintext, err := open(messageKey(chain), msg.Ciphertext, []byte(s.ID()))
	if err != nil {
		return nil, 0, err
	}
	return plaintext, msg.Counter, nil
}

// Export re-exports the session key at the given chain index, which must
// not precede the first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.firstKnownIndex {
		return "", ErrUnknownMessageIndex
	}
	chain := s.chainKey
	for i := s.firstKnownIndex; i < index; i++ {
		chain = advanceChain(chain)
	}
	out, err := cbor.Marshal(&sessionKeyExport{
		Counter:    index,
		ChainKey:   chain,
		SigningKey: s.signingKey.Bytes(),
	})
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(out), nil
}

// Pickle serializes and encrypts the session under key.
func (s *InboundGroupSession) Pickle(key *PickleKey) ([]byte, error) {
	blob, err := cbor.Marshal(&inboundGroupPickle{
		SigningKey:      s.signingKey.Bytes(),
		ChainKey:        s.chainKey,
		FirstKnownIndex: s.firstKnownIndex,
	})
	if err != nil {
		return nil, err
	}
	return sealPickle(blob, key)
}

// InboundGroupSessionFromPickle decrypts and deserializes a pickled
// inbound group session.
func InboundGroupSessionFromPickle(pickle []byte, key *PickleKey) (*InboundGroupSession, error) {
	blob, err := openPickle(pickle, key)
	if err != nil {
		return nil, err
	}
	p := new(inboundGroupPickle)
	if _, err := cbor.UnmarshalFirst(blob, p); err != nil {
		return nil, err
	}
	pub, err := parseEdKeyBytes(p.SigningKey)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		signingKey:      pub,
		chainKey:        p.ChainKey,
		firstKnownIndex: p.FirstKnownIndex,
	}, nil
}
