// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sessions implements the session engine: pairwise session
// lifecycle with per-device negotiation locks, group session management
// with a message-index replay ledger, withheld markers, and session
// export/import.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/trust"
	"github.com/veilchat/veilchat/wire"
)

var (
	// ErrUnknownDevice indicates the device directory holds no record of
	// the target device.
	ErrUnknownDevice = errors.New("sessions: unknown device")

	// ErrNoSession indicates no pairwise session exists with the device.
	ErrNoSession = errors.New("sessions: no session with device")

	// ErrNoOutboundGroupSession indicates the room has no active outbound
	// group session; share a room key first.
	ErrNoOutboundGroupSession = errors.New("sessions: no outbound group session")

	// ErrNoGroupSession indicates the group session needed to decrypt is
	// not held.
	ErrNoGroupSession = errors.New("sessions: no inbound group session")

	// ErrDuplicateMessageIndex indicates a replay: a different event
	// already claimed the message index.
	ErrDuplicateMessageIndex = errors.New("sessions: duplicate message index")

	// ErrWrongRoom indicates the session was shared for a different room
	// than the event claims.
	ErrWrongRoom = errors.New("sessions: group session belongs to another room")

	// ErrNoOneTimeKey indicates the claim returned no usable key for the
	// device.
	ErrNoOneTimeKey = errors.New("sessions: no one-time key claimed")

	// ErrNotEncryptedForUs indicates an olm envelope carries no
	// ciphertext addressed to our identity key.
	ErrNotEncryptedForUs = errors.New("sessions: envelope not encrypted for this device")

	// ErrPayloadMismatch indicates the decrypted olm payload's sender or
	// recipient bindings do not match the envelope.
	ErrPayloadMismatch = errors.New("sessions: payload binding mismatch")

	// ErrSigningKeyMismatch indicates the payload's claimed ed25519 key
	// does not match the directory's record of the sending device.
	ErrSigningKeyMismatch = errors.New("sessions: sender signing key mismatch")
)

// WithheldError reports that the sender deliberately withheld the group
// session key, with the reason they gave.
type WithheldError struct {
	Code   string
	Reason string
}

func (e *WithheldError) Error() string {
	return fmt.Sprintf("sessions: key withheld by sender (%s)", e.Code)
}

// Options tunes the session engine.
type Options struct {
	// OnlyShareToVerified withholds group session keys from devices that
	// are not verified.
	OnlyShareToVerified bool

	// RotationPeriod bounds the age of an outbound group session.
	RotationPeriod time.Duration

	// RotationMessages bounds how many messages an outbound group
	// session encrypts before rotation.
	RotationMessages uint32

	// OneTimeKeyTarget is how many unpublished one-time keys to keep
	// available on the server.
	OneTimeKeyTarget int
}

func (o *Options) applyDefaults() {
	if o.RotationPeriod <= 0 {
		o.RotationPeriod = 7 * 24 * time.Hour
	}
	if o.RotationMessages == 0 {
		o.RotationMessages = 100
	}
	if o.OneTimeKeyTarget <= 0 {
		o.OneTimeKeyTarget = 50
	}
}

// negotiation is the in-flight marker of one session establishment.
type negotiation struct {
	done chan struct{}
}

// Engine is the session engine.
type Engine struct {
	log   *logging.Logger
	st    store.Store
	api   wire.KeyAPI
	dir   *devices.Directory
	trust *trust.Engine

	ownUserID   wire.UserID
	ownDeviceID wire.DeviceID
	pickleKey   olm.PickleKey
	opts        Options

	// accountMu guards the account and its pickle writes.
	accountMu sync.Mutex
	account   *olm.Account

	// negMu guards the per-device negotiation markers.
	negMu        sync.Mutex
	negotiations map[wire.Curve25519]*negotiation

	// groupMu serializes outbound group session creation and rotation.
	groupMu sync.Mutex
}

// New creates the session engine, loading the account from the store or
// generating a fresh one on first run.
func New(ctx context.Context, st store.Store, api wire.KeyAPI, dir *devices.Directory, tr *trust.Engine, backend *log.Backend, ownUserID wire.UserID, ownDeviceID wire.DeviceID, pickleKey olm.PickleKey, opts Options) (*Engine, error) {
	opts.applyDefaults()
	e := &Engine{
		log:          backend.GetLogger("sessions"),
		st:           st,
		api:          api,
		dir:          dir,
		trust:        tr,
		ownUserID:    ownUserID,
		ownDeviceID:  ownDeviceID,
		pickleKey:    pickleKey,
		opts:         opts,
		negotiations: make(map[wire.Curve25519]*negotiation),
	}

	var pickle []byte
	err := st.View(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		var err error
		pickle, err = tx.AccountPickle()
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		if e.account, err = olm.NewAccount(); err != nil {
			return nil, err
		}
		if err = e.persistAccount(ctx); err != nil {
			return nil, err
		}
		e.log.Noticef("generated new account, identity key %s", e.account.IdentityKey())
	case err != nil:
		return nil, err
	default:
		if e.account, err = olm.AccountFromPickle(pickle, &e.pickleKey); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// IdentityKey returns the account's curve25519 identity key.
func (e *Engine) IdentityKey() wire.Curve25519 {
	e.accountMu.Lock()
	defer e.accountMu.Unlock()
	return wire.Curve25519(e.account.IdentityKey())
}

// SigningKey returns the account's ed25519 fingerprint key.
func (e *Engine) SigningKey() wire.Ed25519 {
	e.accountMu.Lock()
	defer e.accountMu.Unlock()
	return wire.Ed25519(e.account.SigningKey())
}

// SignJSON signs a JSON object with the device's ed25519 key, folding
// the signature in under our user and device ids.
func (e *Engine) SignJSON(raw json.RawMessage) (json.RawMessage, error) {
	e.accountMu.Lock()
	defer e.accountMu.Unlock()
	keyID := wire.DeviceKeyID(wire.KeyAlgorithmEd25519, e.ownDeviceID).String()
	return e.account.SignJSON(raw, string(e.ownUserID), keyID)
}

// persistAccount writes the account pickle.  Callers hold accountMu when
// the engine is shared.
func (e *Engine) persistAccount(ctx context.Context) error {
	pickle, err := e.account.Pickle(&e.pickleKey)
	if err != nil {
		return err
	}
	return e.st.Update(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		return tx.PutAccountPickle(pickle)
	})
}

// ownDeviceKeys builds and signs our published device key record.
func (e *Engine) ownDeviceKeys() (*wire.DeviceKeys, error) {
	dk := &wire.DeviceKeys{
		UserID:     e.ownUserID,
		DeviceID:   e.ownDeviceID,
		Algorithms: []string{wire.AlgorithmOlm, wire.AlgorithmMegolm},
		Keys: map[wire.KeyID]string{
			wire.DeviceKeyID(wire.KeyAlgorithmCurve25519, e.ownDeviceID): e.account.IdentityKey(),
			wire.DeviceKeyID(wire.KeyAlgorithmEd25519, e.ownDeviceID):    e.account.SigningKey(),
		},
	}
	raw, err := json.Marshal(dk)
	if err != nil {
		return nil, err
	}
	keyID := wire.DeviceKeyID(wire.KeyAlgorithmEd25519, e.ownDeviceID).String()
	signed, err := e.account.SignJSON(raw, string(e.ownUserID), keyID)
	if err != nil {
		return nil, err
	}
	out := new(wire.DeviceKeys)
	if err := json.Unmarshal(signed, out); err != nil {
		return nil, err
	}
	return out, nil
}

// signOneTimeKey wraps a curve25519 key in its signed published form.
func (e *Engine) signOneTimeKey(pub string, fallback bool) (any, error) {
	obj := wire.ClaimedKey{Key: pub, Fallback: fallback}
	raw, err := json.Marshal(&obj)
	if err != nil {
		return nil, err
	}
	keyID := wire.DeviceKeyID(wire.KeyAlgorithmEd25519, e.ownDeviceID).String()
	signed, err := e.account.SignJSON(raw, string(e.ownUserID), keyID)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(signed, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PublishKeys tops up the one-time key pool, rotates in a fallback key if
// none is live, and uploads the device keys plus the new key material.
func (e *Engine) PublishKeys(ctx context.Context) error {
	e.accountMu.Lock()
	defer e.accountMu.Unlock()

	missing := e.opts.OneTimeKeyTarget - len(e.account.OneTimeKeys())
	if missing > 0 {
		if err := e.account.GenerateOneTimeKeys(missing); err != nil {
			return err
		}
	}
	if len(e.account.UnpublishedFallbackKey()) == 0 {
		if err := e.account.GenerateFallbackKey(); err != nil {
			return err
		}
	}

	dk, err := e.ownDeviceKeys()
	if err != nil {
		return err
	}
	otks := make(map[wire.KeyID]any)
	for id, pub := range e.account.OneTimeKeys() {
		signed, err := e.signOneTimeKey(pub, false)
		if err != nil {
			return err
		}
		otks[wire.NewKeyID(wire.KeyAlgorithm(wire.AlgorithmSignedKey), id)] = signed
	}
	for id, pub := range e.account.UnpublishedFallbackKey() {
		signed, err := e.signOneTimeKey(pub, true)
		if err != nil {
			return err
		}
		otks[wire.NewKeyID(wire.KeyAlgorithm(wire.AlgorithmSignedKey), id)] = signed
	}

	if err := e.api.UploadKeys(ctx, dk, otks); err != nil {
		return err
	}
	e.account.MarkKeysAsPublished()
	e.log.Debugf("published %d one-time keys", len(otks))
	return e.persistAccount(ctx)
}
