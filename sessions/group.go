// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

// megolmPayload is the inner plaintext of a group encrypted room event.
type megolmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  wire.RoomID     `json:"room_id"`
}

// groupParts is the partition scope of group session transactions.
var groupParts = []store.PartitionID{store.PartitionGroupSessions, store.PartitionBackupMarkers}

// ensureOutbound returns the room's active outbound group session,
// creating or rotating it per policy.  Callers hold groupMu.
func (e *Engine) ensureOutboundLocked(ctx context.Context, roomID wire.RoomID) (*olm.OutboundGroupSession, error) {
	var rec *store.OutboundGroupRecord
	err := e.st.View(ctx, []store.PartitionID{store.PartitionSessions}, func(tx store.Txn) error {
		var err error
		rec, err = tx.OutboundGroupSession(roomID)
		return err
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if rec != nil {
		sess, err := olm.OutboundGroupSessionFromPickle(rec.Pickle, &e.pickleKey)
		if err != nil {
			return nil, err
		}
		if time.Since(rec.Created) < e.opts.RotationPeriod && sess.MessageIndex() < e.opts.RotationMessages {
			return sess, nil
		}
		e.log.Debugf("rotating outbound group session for %s", roomID)
	}
	return e.createOutboundLocked(ctx, roomID)
}

// createOutboundLocked creates a fresh outbound group session, keeping an
// inbound copy of its key so we can decrypt our own messages, and marks
// the copy for backup.
func (e *Engine) createOutboundLocked(ctx context.Context, roomID wire.RoomID) (*olm.OutboundGroupSession, error) {
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	key, err := sess.Key()
	if err != nil {
		return nil, err
	}
	inbound, err := olm.NewInboundGroupSession(key)
	if err != nil {
		return nil, err
	}

	outPickle, err := sess.Pickle(&e.pickleKey)
	if err != nil {
		return nil, err
	}
	inPickle, err := inbound.Pickle(&e.pickleKey)
	if err != nil {
		return nil, err
	}
	ownKey := e.IdentityKey()
	sessionID := wire.SessionID(sess.ID())

	parts := append([]store.PartitionID{store.PartitionSessions}, groupParts...)
	err = e.st.Update(ctx, parts, func(tx store.Txn) error {
		if err := tx.PutOutboundGroupSession(&store.OutboundGroupRecord{
			RoomID:  roomID,
			Pickle:  outPickle,
			Created: time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.PutGroupSession(&store.GroupSessionRecord{
			RoomID:        roomID,
			SenderKey:     ownKey,
			SessionID:     sessionID,
			Pickle:        inPickle,
			ClaimedKeys:   map[string]string{"ed25519": string(e.SigningKey())},
			SharedHistory: true,
		}); err != nil {
			return err
		}
		return tx.MarkForBackup(store.BackupKey{SenderKey: ownKey, SessionID: sessionID})
	})
	if err != nil {
		return nil, err
	}
	e.log.Debugf("created outbound group session %s for %s", sessionID, roomID)
	return sess, nil
}

func (e *Engine) persistOutboundLocked(ctx context.Context, roomID wire.RoomID, sess *olm.OutboundGroupSession, created time.Time) error {
	pickle, err := sess.Pickle(&e.pickleKey)
	if err != nil {
		return err
	}
	return e.st.Update(ctx, []store.PartitionID{store.PartitionSessions}, func(tx store.Txn) error {
		return tx.PutOutboundGroupSession(&store.OutboundGroupRecord{
			RoomID:  roomID,
			Pickle:  pickle,
			Created: created,
		})
	})
}

// DiscardOutboundSession drops the room's outbound group session, forcing
// a fresh one (and a re-share) on the next use.
func (e *Engine) DiscardOutboundSession(ctx context.Context, roomID wire.RoomID) error {
	e.groupMu.Lock()
	defer e.groupMu.Unlock()
	return e.st.Update(ctx, []store.PartitionID{store.PartitionSessions}, func(tx store.Txn) error {
		return tx.DeleteOutboundGroupSession(roomID)
	})
}

// ShareRoomKey establishes or rotates the room's outbound group session
// and hands its key to every eligible device of the given users.  Devices
// excluded by trust policy receive a withheld notice instead.  Per-device
// failures are isolated.
func (e *Engine) ShareRoomKey(ctx context.Context, roomID wire.RoomID, users []wire.UserID) error {
	e.groupMu.Lock()
	sess, err := e.ensureOutboundLocked(ctx, roomID)
	if err != nil {
		e.groupMu.Unlock()
		return err
	}
	key, err := sess.Key()
	e.groupMu.Unlock()
	if err != nil {
		return err
	}

	content := wire.RoomKeyContent{
		Algorithm:     wire.AlgorithmMegolm,
		RoomID:        roomID,
		SessionID:     wire.SessionID(sess.ID()),
		SessionKey:    key,
		SharedHistory: true,
	}

	encrypted := make(map[wire.UserID]map[wire.DeviceID]any)
	withheld := make(map[wire.UserID]map[wire.DeviceID]any)
	addMsg := func(m map[wire.UserID]map[wire.DeviceID]any, u wire.UserID, id wire.DeviceID, v any) {
		if m[u] == nil {
			m[u] = make(map[wire.DeviceID]any)
		}
		m[u][id] = v
	}
	withholdFrom := func(u wire.UserID, id wire.DeviceID, code string) {
		addMsg(withheld, u, id, &wire.RoomKeyWithheldContent{
			Algorithm: wire.AlgorithmMegolm,
			RoomID:    roomID,
			SenderKey: e.IdentityKey(),
			SessionID: content.SessionID,
			Code:      code,
		})
	}

	for _, u := range users {
		for id := range e.dir.UserDevices(u) {
			if u == e.ownUserID && id == e.ownDeviceID {
				continue
			}
			ok, code := e.trust.ShareDecision(u, id, e.opts.OnlyShareToVerified)
			if !ok {
				withholdFrom(u, id, code)
				continue
			}
			if _, err := e.EnsureSession(ctx, u, id, EnsureOpts{}); err != nil {
				if errors.Is(err, ErrNoOneTimeKey) {
					withholdFrom(u, id, wire.WithheldNoOlm)
				} else {
					e.log.Warningf("cannot establish session with %s/%s: %v", u, id, err)
				}
				continue
			}
			enc, err := e.EncryptToDevice(ctx, u, id, wire.EventTypeRoomKey, &content)
			if err != nil {
				e.log.Warningf("cannot encrypt room key for %s/%s: %v", u, id, err)
				continue
			}
			addMsg(encrypted, u, id, enc)
		}
	}

	if len(encrypted) > 0 {
		err = e.api.SendToDevice(ctx, &wire.ToDeviceBatch{
			Type:     wire.EventTypeEncrypted,
			Messages: encrypted,
		})
		if err != nil {
			return err
		}
	}
	if len(withheld) > 0 {
		err = e.api.SendToDevice(ctx, &wire.ToDeviceBatch{
			Type:     wire.EventTypeRoomKeyWithheld,
			Messages: withheld,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// EncryptRoomEvent encrypts a room event with the room's active outbound
// group session.  ErrNoOutboundGroupSession means a key must be shared
// (or re-shared after rotation) first.
func (e *Engine) EncryptRoomEvent(ctx context.Context, roomID wire.RoomID, eventType string, content any) (*wire.MegolmEncryptedContent, error) {
	e.groupMu.Lock()
	defer e.groupMu.Unlock()

	var rec *store.OutboundGroupRecord
	err := e.st.View(ctx, []store.PartitionID{store.PartitionSessions}, func(tx store.Txn) error {
		var err error
		rec, err = tx.OutboundGroupSession(roomID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoOutboundGroupSession
	}
	if err != nil {
		return nil, err
	}
	sess, err := olm.OutboundGroupSessionFromPickle(rec.Pickle, &e.pickleKey)
	if err != nil {
		return nil, err
	}
	if time.Since(rec.Created) >= e.opts.RotationPeriod || sess.MessageIndex() >= e.opts.RotationMessages {
		return nil, ErrNoOutboundGroupSession
	}

	contentRaw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(&megolmPayload{
		Type:    eventType,
		Content: contentRaw,
		RoomID:  roomID,
	})
	if err != nil {
		return nil, err
	}
	body, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := e.persistOutboundLocked(ctx, roomID, sess, rec.Created); err != nil {
		return nil, err
	}
	return &wire.MegolmEncryptedContent{
		Algorithm:  wire.AlgorithmMegolm,
		SenderKey:  e.IdentityKey(),
		SessionID:  wire.SessionID(sess.ID()),
		DeviceID:   e.ownDeviceID,
		Ciphertext: body,
	}, nil
}

// DecryptedRoomEvent is a decrypted group encrypted room event.
type DecryptedRoomEvent struct {
	Type    string
	Content json.RawMessage

	SenderKey       wire.Curve25519
	SessionID       wire.SessionID
	Index           uint32
	Untrusted       bool
	ForwardingChain []string
}

// DecryptRoomEvent decrypts a group encrypted room event and enforces the
// replay ledger: a message index already claimed by a different event id
// fails, while re-decryption of the same event is idempotent.
func (e *Engine) DecryptRoomEvent(ctx context.Context, roomID wire.RoomID, eventID wire.EventID, content *wire.MegolmEncryptedContent) (*DecryptedRoomEvent, error) {
	var out *DecryptedRoomEvent
	err := e.st.Update(ctx, []store.PartitionID{store.PartitionGroupSessions}, func(tx store.Txn) error {
		rec, err := tx.GroupSession(content.SenderKey, content.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoGroupSession
		}
		if err != nil {
			return err
		}
		if len(rec.Pickle) == 0 && rec.WithheldCode != "" {
			return &WithheldError{Code: rec.WithheldCode, Reason: rec.WithheldReason}
		}
		if rec.RoomID != roomID {
			return ErrWrongRoom
		}

		sess, err := olm.InboundGroupSessionFromPickle(rec.Pickle, &e.pickleKey)
		if err != nil {
			return err
		}
		plaintext, index, err := sess.Decrypt(content.Ciphertext)
		if err != nil {
			return err
		}

		entry, err := tx.MessageIndex(content.SessionID, index)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = tx.PutMessageIndex(content.SessionID, index, &store.IndexEntry{
				EventID:   eventID,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				return err
			}
		case err != nil:
			return err
		case entry.EventID != eventID:
			return ErrDuplicateMessageIndex
		}

		var payload megolmPayload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return olm.ErrBadMessageFormat
		}
		if payload.RoomID != roomID {
			return ErrWrongRoom
		}
		out = &DecryptedRoomEvent{
			Type:            payload.Type,
			Content:         payload.Content,
			SenderKey:       content.SenderKey,
			SessionID:       content.SessionID,
			Index:           index,
			Untrusted:       rec.Untrusted,
			ForwardingChain: rec.ForwardingKeyChain,
		}
		return nil
	})
	return out, err
}

// ImportRoomKey stores a group session key received in an m.room_key
// event.  A held session is only replaced when the import reaches further
// back in the chain.
func (e *Engine) ImportRoomKey(ctx context.Context, senderKey wire.Curve25519, senderSigningKey wire.Ed25519, content *wire.RoomKeyContent) error {
	if content.Algorithm != wire.AlgorithmMegolm {
		return fmt.Errorf("sessions: unsupported room key algorithm %q", content.Algorithm)
	}
	sess, err := olm.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return err
	}
	if sess.ID() != string(content.SessionID) {
		return fmt.Errorf("sessions: room key session id mismatch")
	}
	return e.storeInbound(ctx, sess, &store.GroupSessionRecord{
		RoomID:        content.RoomID,
		SenderKey:     senderKey,
		SessionID:     content.SessionID,
		ClaimedKeys:   map[string]string{"ed25519": string(senderSigningKey)},
		SharedHistory: content.SharedHistory,
	})
}

// ImportForwardedRoomKey stores a group session key re-shared by another
// device.  The forwarder is appended to the forwarding chain and the
// session is flagged untrusted, since its provenance cannot be proven.
func (e *Engine) ImportForwardedRoomKey(ctx context.Context, forwarderKey wire.Curve25519, content *wire.ForwardedRoomKeyContent) error {
	if content.Algorithm != wire.AlgorithmMegolm {
		return fmt.Errorf("sessions: unsupported room key algorithm %q", content.Algorithm)
	}
	sess, err := olm.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return err
	}
	if sess.ID() != string(content.SessionID) {
		return fmt.Errorf("sessions: forwarded room key session id mismatch")
	}
	chain := append(append([]string{}, content.ForwardingCurve25519Keys...), string(forwarderKey))
	return e.storeInbound(ctx, sess, &store.GroupSessionRecord{
		RoomID:             content.RoomID,
		SenderKey:          content.SenderKey,
		SessionID:          content.SessionID,
		ClaimedKeys:        map[string]string{"ed25519": content.SenderClaimedEd25519Key},
		ForwardingKeyChain: chain,
		Untrusted:          true,
		SharedHistory:      content.SharedHistory,
	})
}

// storeInbound persists an inbound group session, marks it for backup,
// and clears any withheld marker it supersedes.  An existing session is
// kept unless the new one knows an earlier chain index.
func (e *Engine) storeInbound(ctx context.Context, sess *olm.InboundGroupSession, rec *store.GroupSessionRecord) error {
	pickle, err := sess.Pickle(&e.pickleKey)
	if err != nil {
		return err
	}
	rec.Pickle = pickle

	return e.st.Update(ctx, groupParts, func(tx store.Txn) error {
		existing, err := tx.GroupSession(rec.SenderKey, rec.SessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if existing != nil && len(existing.Pickle) > 0 {
			held, err := olm.InboundGroupSessionFromPickle(existing.Pickle, &e.pickleKey)
			if err == nil && held.FirstKnownIndex() <= sess.FirstKnownIndex() {
				return nil
			}
		}
		if err := tx.PutGroupSession(rec); err != nil {
			return err
		}
		return tx.MarkForBackup(store.BackupKey{SenderKey: rec.SenderKey, SessionID: rec.SessionID})
	})
}

// MarkWithheld records a withheld notice as a terminal marker so later
// decrypt attempts report the precise cause.  A held session wins over a
// marker.
func (e *Engine) MarkWithheld(ctx context.Context, content *wire.RoomKeyWithheldContent) error {
	return e.st.Update(ctx, []store.PartitionID{store.PartitionGroupSessions}, func(tx store.Txn) error {
		existing, err := tx.GroupSession(content.SenderKey, content.SessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if existing != nil && len(existing.Pickle) > 0 {
			return nil
		}
		return tx.PutGroupSession(&store.GroupSessionRecord{
			RoomID:         content.RoomID,
			SenderKey:      content.SenderKey,
			SessionID:      content.SessionID,
			WithheldCode:   content.Code,
			WithheldReason: content.Reason,
		})
	})
}

// ExportRoomKey exports a held inbound group session at its first known
// index.
func (e *Engine) ExportRoomKey(ctx context.Context, senderKey wire.Curve25519, sessionID wire.SessionID) (*wire.SessionExport, error) {
	var rec *store.GroupSessionRecord
	err := e.st.View(ctx, []store.PartitionID{store.PartitionGroupSessions}, func(tx store.Txn) error {
		var err error
		rec, err = tx.GroupSession(senderKey, sessionID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoGroupSession
	}
	if err != nil {
		return nil, err
	}
	if len(rec.Pickle) == 0 {
		return nil, ErrNoGroupSession
	}
	return e.exportRecord(rec)
}

// exportRecord renders a stored group session in its exportable form.
func (e *Engine) exportRecord(rec *store.GroupSessionRecord) (*wire.SessionExport, error) {
	sess, err := olm.InboundGroupSessionFromPickle(rec.Pickle, &e.pickleKey)
	if err != nil {
		return nil, err
	}
	key, err := sess.Export(sess.FirstKnownIndex())
	if err != nil {
		return nil, err
	}
	chain := rec.ForwardingKeyChain
	if chain == nil {
		chain = []string{}
	}
	return &wire.SessionExport{
		Algorithm:          wire.AlgorithmMegolm,
		RoomID:             rec.RoomID,
		SessionID:          rec.SessionID,
		SenderKey:          rec.SenderKey,
		SessionKey:         key,
		SenderClaimedKeys:  rec.ClaimedKeys,
		ForwardingKeyChain: chain,
		FirstKnownIndex:    sess.FirstKnownIndex(),
		SharedHistory:      rec.SharedHistory,
	}, nil
}

// ImportExported stores a session from its exported form, round-tripping
// every field.  Imported sessions are untrusted: the export carries no
// proof of origin.
func (e *Engine) ImportExported(ctx context.Context, exp *wire.SessionExport) error {
	return e.importExport(ctx, exp, true)
}

// ImportBackedUp stores a session restored from key backup.  Whether it
// is trusted depends on the backup algorithm: asymmetric backups carry
// no proof of origin, symmetric ones do.
func (e *Engine) ImportBackedUp(ctx context.Context, exp *wire.SessionExport, untrusted bool) error {
	return e.importExport(ctx, exp, untrusted)
}

func (e *Engine) importExport(ctx context.Context, exp *wire.SessionExport, untrusted bool) error {
	if exp.Algorithm != wire.AlgorithmMegolm {
		return fmt.Errorf("sessions: unsupported export algorithm %q", exp.Algorithm)
	}
	sess, err := olm.NewInboundGroupSession(exp.SessionKey)
	if err != nil {
		return err
	}
	sessionID := exp.SessionID
	if sessionID == "" {
		sessionID = wire.SessionID(sess.ID())
	}
	return e.storeInbound(ctx, sess, &store.GroupSessionRecord{
		RoomID:             exp.RoomID,
		SenderKey:          exp.SenderKey,
		SessionID:          sessionID,
		ClaimedKeys:        exp.SenderClaimedKeys,
		ForwardingKeyChain: exp.ForwardingKeyChain,
		Untrusted:          untrusted,
		SharedHistory:      exp.SharedHistory,
	})
}
