// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package olm

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"

	"golang.org/x/crypto/curve25519"
)

// Message types of a pairwise session ciphertext.
const (
	// MsgTypePreKey is a pre-key message carrying the handshake public
	// keys alongside the first payload(s).
	MsgTypePreKey = 0

	// MsgTypeNormal is a regular ratchet message.
	MsgTypeNormal = 1
)

const sessionKDFInfo = "VEILCHAT_OLM_ROOT"

// ratchetMessage is the inner ciphertext envelope of a pairwise session.
type ratchetMessage struct {
	Counter    uint32
	Ciphertext []byte
}

// preKeyMessage wraps a ratchetMessage with the handshake keys needed for
// the receiver to construct the matching inbound session.
type preKeyMessage struct {
	IdentityKey []byte
	BaseKey     []byte
	ReceiverKey []byte
	Message     []byte
}

// Session is a pairwise ratcheting session between two devices.
type Session struct {
	id          string
	sendChain   []byte
	recvChain   []byte
	sendCounter uint32

	// The handshake triple, kept so outbound pre-key messages can be
	// re-emitted until the remote side demonstrably holds the session.
	identityKeyPub []byte
	baseKeyPub     []byte
	receiverKeyPub []byte

	isInitiator     bool
	receivedMessage bool
}

type sessionPickle struct {
	ID              string
	SendChain       []byte
	RecvChain       []byte
	SendCounter     uint32
	IdentityKeyPub  []byte
	BaseKeyPub      []byte
	ReceiverKeyPub  []byte
	IsInitiator     bool
	ReceivedMessage bool
}

func sessionID(identity, base, receiver []byte) string {
	h := sha256.New()
	h.Write(identity)
	h.Write(base)
	h.Write(receiver)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// NewOutboundSession creates a session toward a remote device, consuming
// one of its claimed one-time (or fallback) keys.
func NewOutboundSession(a *Account, theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	theirIdentity, err := base64.RawStdEncoding.DecodeString(theirIdentityKey)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	theirOTK, err := base64.RawStdEncoding.DecodeString(theirOneTimeKey)
	if err != nil {
		return nil, ErrBadMessageFormat
	}

	basePriv, basePub, err := generateCurveKey()
	if err != nil {
		return nil, err
	}

	// Triple Diffie-Hellman: (id_a, otk_b), (base_a, id_b), (base_a, otk_b).
	s1, err := curve25519.X25519(a.identityPriv, theirOTK)
	if err != nil {
		return nil, err
	}
	s2, err := curve25519.X25519(basePriv, theirIdentity)
	if err != nil {
		return nil, err
	}
	s3, err := curve25519.X25519(basePriv, theirOTK)
	if err != nil {
		return nil, err
	}
	secret := append(append(s1, s2...), s3...)

	chains, err := deriveKeys(secret, sessionKDFInfo, 2)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:             sessionID(a.identityPub, basePub, theirOTK),
		sendChain:      chains[0],
		recvChain:      chains[1],
		identityKeyPub: a.identityPub,
		baseKeyPub:     basePub,
		receiverKeyPub: theirOTK,
		isInitiator:    true,
	}, nil
}

// NewInboundSession creates a session from an inbound pre-key message.
// The caller is expected to call Account.RemoveOneTimeKeys afterwards,
// once the session has been persisted.
func NewInboundSession(a *Account, preKeyBody []byte) (*Session, error) {
	m, err := parsePreKeyMessage(preKeyBody)
	if err != nil {
		return nil, err
	}
	otk := a.findReceiverKey(m.ReceiverKey)
	if otk == nil {
		return nil, ErrNoOneTimeKey
	}

	s1, err := curve25519.X25519(otk.Private, m.IdentityKey)
	if err != nil {
		return nil, err
	}
	s2, err := curve25519.X25519(a.identityPriv, m.BaseKey)
	if err != nil {
		return nil, err
	}
	s3, err := curve25519.X25519(otk.Private, m.BaseKey)
	if err != nil {
		return nil, err
	}
	secret := append(append(s1, s2...), s3...)

	chains, err := deriveKeys(secret, sessionKDFInfo, 2)
	if err != nil {
		return nil, err
	}

	// The initiator's send chain is our receive chain.
	return &Session{
		id:             sessionID(m.IdentityKey, m.BaseKey, m.ReceiverKey),
		sendChain:      chains[1],
		recvChain:      chains[0],
		identityKeyPub: m.IdentityKey,
		baseKeyPub:     m.BaseKey,
		receiverKeyPub: m.ReceiverKey,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// HasReceivedMessage reports whether this session has successfully
// decrypted at least one message from the remote side.
func (s *Session) HasReceivedMessage() bool { return s.receivedMessage }

// MatchesInboundFrom reports whether the given pre-key message body was
// produced by the outbound counterpart of this session.
func (s *Session) MatchesInboundFrom(preKeyBody []byte) bool {
	m, err := parsePreKeyMessage(preKeyBody)
	if err != nil {
		return false
	}
	return sessionID(m.IdentityKey, m.BaseKey, m.ReceiverKey) == s.id
}

// Encrypt encrypts plaintext and returns the message type along with the
// base64 encoded ciphertext body.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	chain := s.sendChain
	for i := uint32(0); i < s.sendCounter; i++ {
		chain = advanceChain(chain)
	}
	ct, err := seal(messageKey(chain), plaintext, []byte(s.id))
	if err != nil {
		return 0, "", err
	}
	inner, err := cbor.Marshal(&ratchetMessage{Counter: s.sendCounter, Ciphertext: ct})
	if err != nil {
		return 0, "", err
	}
	s.sendCounter++

	if s.isInitiator && !s.receivedMessage {
		wrapped, err := cbor.Marshal(&preKeyMessage{
			IdentityKey: s.identityKeyPub,
			BaseKey:     s.baseKeyPub,
			ReceiverKey: s.receiverKeyPub,
			Message:     inner,
		})
		if err != nil {
			return 0, "", err
		}
		return MsgTypePreKey, base64.RawStdEncoding.EncodeToString(wrapped), nil
	}
	return MsgTypeNormal, base64.RawStdEncoding.EncodeToString(inner), nil
}

// Decrypt decrypts a message of the given type.
func (s *Session) Decrypt(msgType int, body string) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	if msgType == MsgTypePreKey {
		m, err := parsePreKeyMessage(raw)
		if err != nil {
			return nil, err
		}
		if sessionID(m.IdentityKey, m.BaseKey, m.ReceiverKey) != s.id {
			return nil, ErrBadMessageMAC
		}
		raw = m.Message
	}
	inner := new(ratchetMessage)
	if _, err := cbor.UnmarshalFirst(raw, inner); err != nil {
		return nil, ErrBadMessageFormat
	}
	chain := s.recvChain
	for i := uint32(0); i < inner.Counter; i++ {
		chain = advanceChain(chain)
	}
	plaintext, err := open(messageKey(chain), inner.Ciphertext, []byte(s.id))
	if err != nil {
		return nil, err
	}
	s.receivedMessage = true
	return plaintext, nil
}

// Pickle serializes and encrypts the session under key.
func (s *Session) Pickle(key *PickleKey) ([]byte, error) {
	blob, err := cbor.Marshal(&sessionPickle{
		ID:              s.id,
		SendChain:       s.sendChain,
		RecvChain:       s.recvChain,
		SendCounter:     s.sendCounter,
		IdentityKeyPub:  s.identityKeyPub,
		BaseKeyPub:      s.baseKeyPub,
		ReceiverKeyPub:  s.receiverKeyPub,
		IsInitiator:     s.isInitiator,
		ReceivedMessage: s.receivedMessage,
	})
	if err != nil {
		return nil, err
	}
	return sealPickle(blob, key)
}

// SessionFromPickle decrypts and deserializes a pickled session.
func SessionFromPickle(pickle []byte, key *PickleKey) (*Session, error) {
	blob, err := openPickle(pickle, key)
	if err != nil {
		return nil, err
	}
	p := new(sessionPickle)
	if _, err := cbor.UnmarshalFirst(blob, p); err != nil {
		return nil, err
	}
	return &Session{
		id:              p.ID,
		sendChain:       p.SendChain,
		recvChain:       p.RecvChain,
		sendCounter:     p.SendCounter,
		identityKeyPub:  p.IdentityKeyPub,
		baseKeyPub:      p.BaseKeyPub,
		receiverKeyPub:  p.ReceiverKeyPub,
		isInitiator:     p.IsInitiator,
		receivedMessage: p.ReceivedMessage,
	}, nil
}

// PreKeyMessageIdentityKey extracts the sender curve25519 identity key from
// a pre-key message body without constructing a session.
func PreKeyMessageIdentityKey(body string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return "", ErrBadMessageFormat
	}
	m, err := parsePreKeyMessage(raw)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(m.IdentityKey), nil
}

func parsePreKeyMessage(raw []byte) (*preKeyMessage, error) {
	m := new(preKeyMessage)
	if _, err := cbor.UnmarshalFirst(raw, m); err != nil {
		return nil, ErrBadMessageFormat
	}
	if len(m.IdentityKey) != KeySize || len(m.BaseKey) != KeySize || len(m.ReceiverKey) != KeySize {
		return nil, ErrBadMessageFormat
	}
	return m, nil
}
