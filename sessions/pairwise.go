// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package sessions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

// EnsureOpts tunes session establishment.
type EnsureOpts struct {
	// Force establishes a fresh session even when one exists.
	Force bool

	// AllowParallel proceeds with an independent establishment instead
	// of waiting when another negotiation with the device is in flight.
	AllowParallel bool
}

// sessionsForDevice returns the persisted sessions with a device, most
// recently used first.
func (e *Engine) sessionsForDevice(ctx context.Context, senderKey wire.Curve25519) ([]*store.SessionRecord, error) {
	var recs []*store.SessionRecord
	err := e.st.View(ctx, []store.PartitionID{store.PartitionSessions}, func(tx store.Txn) error {
		var err error
		recs, err = tx.SessionsForDevice(senderKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].LastUse.After(recs[j].LastUse) })
	return recs, nil
}

func (e *Engine) mruSessionID(ctx context.Context, senderKey wire.Curve25519) (wire.SessionID, error) {
	recs, err := e.sessionsForDevice(ctx, senderKey)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", ErrNoSession
	}
	return recs[0].SessionID, nil
}

func (e *Engine) persistSession(ctx context.Context, senderKey wire.Curve25519, sess *olm.Session) error {
	pickle, err := sess.Pickle(&e.pickleKey)
	if err != nil {
		return err
	}
	rec := &store.SessionRecord{
		SenderKey: senderKey,
		SessionID: wire.SessionID(sess.ID()),
		Pickle:    pickle,
		LastUse:   time.Now().UTC(),
	}
	return e.st.Update(ctx, []store.PartitionID{store.PartitionSessions}, func(tx store.Txn) error {
		return tx.PutSession(rec)
	})
}

// EnsureSession makes sure a pairwise session with the device exists,
// claiming a one-time key and performing the handshake when needed.  A
// negotiation already in flight for the same device is joined rather
// than duplicated, so two racing callers cannot each consume a one-time
// key.
func (e *Engine) EnsureSession(ctx context.Context, userID wire.UserID, deviceID wire.DeviceID, opts EnsureOpts) (wire.SessionID, error) {
	rec, ok := e.dir.Device(userID, deviceID)
	if !ok || rec.IdentityKey() == "" {
		return "", ErrUnknownDevice
	}
	identity := rec.IdentityKey()

	if !opts.Force {
		id, err := e.mruSessionID(ctx, identity)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNoSession) {
			return "", err
		}
	}

	locked := false
	for {
		e.negMu.Lock()
		neg, inflight := e.negotiations[identity]
		if !inflight {
			e.negotiations[identity] = &negotiation{done: make(chan struct{})}
			e.negMu.Unlock()
			locked = true
			break
		}
		e.negMu.Unlock()
		if opts.AllowParallel {
			break
		}
		select {
		case <-neg.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		// The other negotiation finished; its session usually serves us.
		if !opts.Force {
			id, err := e.mruSessionID(ctx, identity)
			if err == nil {
				return id, nil
			}
			if !errors.Is(err, ErrNoSession) {
				return "", err
			}
		}
	}
	if locked {
		defer func() {
			e.negMu.Lock()
			close(e.negotiations[identity].done)
			delete(e.negotiations, identity)
			e.negMu.Unlock()
		}()
	}
	return e.establishSession(ctx, rec)
}

func (e *Engine) establishSession(ctx context.Context, rec *devices.DeviceRecord) (wire.SessionID, error) {
	claims := []wire.OneTimeKeyClaim{{
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		Algorithm: wire.AlgorithmSignedKey,
	}}
	resp, err := e.api.ClaimOneTimeKeys(ctx, claims)
	if err != nil {
		return "", err
	}
	var claimed *wire.ClaimedKey
	for _, k := range resp.OneTimeKeys[rec.UserID][rec.DeviceID] {
		claimed = &k
		break
	}
	if claimed == nil || claimed.Key == "" {
		return "", ErrNoOneTimeKey
	}

	raw, err := json.Marshal(claimed)
	if err != nil {
		return "", err
	}
	keyID := wire.DeviceKeyID(wire.KeyAlgorithmEd25519, rec.DeviceID).String()
	if err := olm.VerifySignedJSON(raw, string(rec.UserID), keyID, string(rec.SigningKey())); err != nil {
		return "", fmt.Errorf("sessions: claimed key for %s/%s has a bad signature: %w", rec.UserID, rec.DeviceID, err)
	}
	if claimed.Fallback {
		e.log.Warningf("device %s/%s is out of one-time keys, handshaking on its fallback key", rec.UserID, rec.DeviceID)
	}

	e.accountMu.Lock()
	sess, err := olm.NewOutboundSession(e.account, string(rec.IdentityKey()), claimed.Key)
	e.accountMu.Unlock()
	if err != nil {
		return "", err
	}
	if err := e.persistSession(ctx, rec.IdentityKey(), sess); err != nil {
		return "", err
	}
	e.log.Debugf("established session %s with %s/%s", sess.ID(), rec.UserID, rec.DeviceID)
	return wire.SessionID(sess.ID()), nil
}

// EncryptToDevice encrypts an event to the device over the most recently
// used pairwise session.
func (e *Engine) EncryptToDevice(ctx context.Context, userID wire.UserID, deviceID wire.DeviceID, eventType string, content any) (*wire.OlmEncryptedContent, error) {
	rec, ok := e.dir.Device(userID, deviceID)
	if !ok || rec.IdentityKey() == "" {
		return nil, ErrUnknownDevice
	}
	identity := rec.IdentityKey()

	recs, err := e.sessionsForDevice(ctx, identity)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoSession
	}
	sess, err := olm.SessionFromPickle(recs[0].Pickle, &e.pickleKey)
	if err != nil {
		return nil, err
	}

	contentRaw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	payload := wire.OlmPayload{
		Type:      eventType,
		Content:   contentRaw,
		Sender:    e.ownUserID,
		Recipient: userID,
		RecipientKeys: map[wire.KeyAlgorithm]string{
			wire.KeyAlgorithmEd25519: string(rec.SigningKey()),
		},
		Keys: map[wire.KeyAlgorithm]string{
			wire.KeyAlgorithmEd25519: string(e.SigningKey()),
		},
	}
	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}
	msgType, body, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := e.persistSession(ctx, identity, sess); err != nil {
		return nil, err
	}
	return &wire.OlmEncryptedContent{
		Algorithm: wire.AlgorithmOlm,
		SenderKey: e.IdentityKey(),
		Ciphertext: map[wire.Curve25519]wire.OlmCiphertext{
			identity: {Body: body, Type: msgType},
		},
	}, nil
}

// DecryptedOlmEvent is a decrypted and authenticated to-device event.
type DecryptedOlmEvent struct {
	Sender           wire.UserID
	SenderKey        wire.Curve25519
	SenderSigningKey wire.Ed25519
	Type             string
	Content          json.RawMessage
}

// DecryptToDevice decrypts an olm envelope addressed to this device.
// Pre-key messages identify their session unambiguously, so a matching
// session that fails to decrypt is a hard failure; normal messages are
// tried against every session with the sender in preference order.
func (e *Engine) DecryptToDevice(ctx context.Context, sender wire.UserID, content *wire.OlmEncryptedContent) (*DecryptedOlmEvent, error) {
	ct, ok := content.Ciphertext[e.IdentityKey()]
	if !ok {
		return nil, ErrNotEncryptedForUs
	}
	senderKey := content.SenderKey

	recs, err := e.sessionsForDevice(ctx, senderKey)
	if err != nil {
		return nil, err
	}

	if ct.Type == olm.MsgTypePreKey {
		raw, err := base64.RawStdEncoding.DecodeString(ct.Body)
		if err != nil {
			return nil, olm.ErrBadMessageFormat
		}
		for _, r := range recs {
			sess, err := olm.SessionFromPickle(r.Pickle, &e.pickleKey)
			if err != nil {
				return nil, err
			}
			if !sess.MatchesInboundFrom(raw) {
				continue
			}
			plaintext, err := sess.Decrypt(ct.Type, ct.Body)
			if err != nil {
				return nil, err
			}
			if err := e.persistSession(ctx, senderKey, sess); err != nil {
				return nil, err
			}
			return e.parseOlmPayload(sender, senderKey, plaintext)
		}

		// No existing session matches; this pre-key message starts a
		// new one against one of our one-time keys.
		e.accountMu.Lock()
		sess, err := olm.NewInboundSession(e.account, raw)
		if err != nil {
			e.accountMu.Unlock()
			return nil, err
		}
		plaintext, err := sess.Decrypt(ct.Type, ct.Body)
		if err != nil {
			e.accountMu.Unlock()
			return nil, err
		}
		e.account.RemoveOneTimeKeys(sess)
		err = e.persistAccount(ctx)
		e.accountMu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := e.persistSession(ctx, senderKey, sess); err != nil {
			return nil, err
		}
		e.log.Debugf("created inbound session %s with %s", sess.ID(), senderKey)
		return e.parseOlmPayload(sender, senderKey, plaintext)
	}

	lastErr := error(ErrNoSession)
	for _, r := range recs {
		sess, err := olm.SessionFromPickle(r.Pickle, &e.pickleKey)
		if err != nil {
			return nil, err
		}
		plaintext, err := sess.Decrypt(ct.Type, ct.Body)
		if err != nil {
			lastErr = err
			continue
		}
		if err := e.persistSession(ctx, senderKey, sess); err != nil {
			return nil, err
		}
		return e.parseOlmPayload(sender, senderKey, plaintext)
	}
	return nil, lastErr
}

// parseOlmPayload validates the payload bindings against the envelope.
func (e *Engine) parseOlmPayload(sender wire.UserID, senderKey wire.Curve25519, plaintext []byte) (*DecryptedOlmEvent, error) {
	var payload wire.OlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, olm.ErrBadMessageFormat
	}
	if payload.Recipient != e.ownUserID {
		return nil, ErrPayloadMismatch
	}
	if payload.RecipientKeys[wire.KeyAlgorithmEd25519] != string(e.SigningKey()) {
		return nil, ErrPayloadMismatch
	}
	if sender != "" && payload.Sender != sender {
		return nil, ErrPayloadMismatch
	}
	// When the directory knows the device behind the ratchet key, the
	// payload's claimed signing key must be the one it published.
	if rec, ok := e.dir.DeviceByIdentityKey(payload.Sender, senderKey); ok {
		if rec.SigningKey() != wire.Ed25519(payload.Keys[wire.KeyAlgorithmEd25519]) {
			return nil, ErrSigningKeyMismatch
		}
	}
	return &DecryptedOlmEvent{
		Sender:           payload.Sender,
		SenderKey:        senderKey,
		SenderSigningKey: wire.Ed25519(payload.Keys[wire.KeyAlgorithmEd25519]),
		Type:             payload.Type,
		Content:          payload.Content,
	}, nil
}
