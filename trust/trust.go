// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trust computes user and device trust levels from the
// cross-signing hierarchy, local verification flags, and first-use
// trust.
package trust

import (
	"encoding/json"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/wire"
)

// Options tunes the trust policy.
type Options struct {
	// TrustCrossSignedDevices makes a valid cross-signing chain count
	// towards device verification.  When unset only local verification
	// counts.
	TrustCrossSignedDevices bool
}

// Engine evaluates trust.  All state lives in the device directory; the
// engine itself is stateless and safe for concurrent use.
type Engine struct {
	log *logging.Logger
	dir *devices.Directory

	ownUserID   wire.UserID
	ownDeviceID wire.DeviceID
	opts        Options
}

// New creates a trust engine bound to the given directory.
func New(dir *devices.Directory, backend *log.Backend, ownUserID wire.UserID, ownDeviceID wire.DeviceID, opts Options) *Engine {
	return &Engine{
		log:         backend.GetLogger("trust"),
		dir:         dir,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		opts:        opts,
	}
}

// UserTrust is the computed trust level of a user.
type UserTrust struct {
	// CrossSigningVerified means the master to self-signing chain is
	// valid and the master key is pinned.
	CrossSigningVerified bool

	// TOFU means the hierarchy is on its first-use grace and nothing
	// stronger applies.
	TOFU bool

	// PreviouslyVerified is the sticky was-once-verified flag.
	PreviouslyVerified bool
}

// Verified reports whether the user counts as verified.
func (t UserTrust) Verified() bool {
	return t.CrossSigningVerified || t.TOFU
}

// DeviceTrust is the computed trust level of a device.
type DeviceTrust struct {
	Blocked         bool
	LocallyVerified bool

	// CrossSigned means a valid signature chain covers the device,
	// regardless of whether the chain's master key is trusted.
	CrossSigned bool

	// CrossSigningVerified means the chain is valid, the master key is
	// pinned, and the policy counts cross-signing towards verification.
	CrossSigningVerified bool

	// TOFU means the device is covered by a first-use hierarchy and
	// nothing stronger applies.
	TOFU bool
}

// Verified reports whether the device counts as verified.
func (t DeviceTrust) Verified() bool {
	if t.Blocked {
		return false
	}
	return t.LocallyVerified || t.CrossSigningVerified
}

// wireKey reconstructs the published form of a stored signing key, which
// is what its signatures cover.
func wireKey(k *devices.SigningKey) *wire.CrossSigningKey {
	return &wire.CrossSigningKey{
		UserID: k.UserID,
		Usage:  k.Usage,
		Keys: map[wire.KeyID]string{
			wire.NewKeyID(wire.KeyAlgorithmEd25519, string(k.PublicKey)): string(k.PublicKey),
		},
		Signatures: k.Signatures,
	}
}

// keySignedBy reports whether signerKey left a valid signature on k.
// Malformed or missing signatures are "not signed", never an error.
func (e *Engine) keySignedBy(k *devices.SigningKey, signer wire.UserID, signerKey wire.Ed25519) bool {
	raw, err := json.Marshal(wireKey(k))
	if err != nil {
		return false
	}
	keyID := wire.NewKeyID(wire.KeyAlgorithmEd25519, string(signerKey)).String()
	return olm.VerifySignedJSON(raw, string(signer), keyID, string(signerKey)) == nil
}

// deviceSignedBy reports whether key left a valid signature on the
// device's published key record.
func (e *Engine) deviceSignedBy(rec *devices.DeviceRecord, key *devices.SigningKey) bool {
	dk := wire.DeviceKeys{
		UserID:     rec.UserID,
		DeviceID:   rec.DeviceID,
		Algorithms: rec.Algorithms,
		Keys:       rec.Keys,
		Signatures: rec.Signatures,
		Unsigned:   rec.Unsigned,
	}
	raw, err := json.Marshal(&dk)
	if err != nil {
		return false
	}
	keyID := wire.NewKeyID(wire.KeyAlgorithmEd25519, string(key.PublicKey)).String()
	return olm.VerifySignedJSON(raw, string(rec.UserID), keyID, string(key.PublicKey)) == nil
}

// chainValid reports whether the user's self-signing key is validly
// signed by their master key.
func (e *Engine) chainValid(u wire.UserID, cs *devices.CrossSigningRecord) bool {
	master := cs.MasterKey()
	ssk := cs.SelfSigningKey()
	if master == nil || ssk == nil {
		return false
	}
	return e.keySignedBy(ssk, u, master.PublicKey)
}

// masterTrusted reports whether the user's master key is pinned, either
// directly or, for other users, through our own user-signing key.
func (e *Engine) masterTrusted(u wire.UserID, cs *devices.CrossSigningRecord) bool {
	master := cs.MasterKey()
	if master == nil {
		return false
	}
	if master.Verified {
		return true
	}
	if u == e.ownUserID {
		return false
	}

	// Cross-user chain: our pinned master signs our user-signing key,
	// which signs their master.
	own := e.dir.CrossSigning(e.ownUserID)
	ownMaster := own.MasterKey()
	usk := own.UserSigningKey()
	if ownMaster == nil || !ownMaster.Verified || usk == nil {
		return false
	}
	if !e.keySignedBy(usk, e.ownUserID, ownMaster.PublicKey) {
		return false
	}
	return e.keySignedBy(master, e.ownUserID, usk.PublicKey)
}

// latchVerified records that the user's hierarchy reached cross-signing
// verification.  The flag is monotonic and survives a later master-key
// rotation, which is what makes the rotation detectable as a downgrade.
func (e *Engine) latchVerified(u wire.UserID, cs *devices.CrossSigningRecord) {
	if cs.PreviouslyVerified {
		return
	}
	if err := e.dir.MarkPreviouslyVerified(u); err != nil {
		e.log.Warningf("latching previously-verified for %s: %v", u, err)
	}
}

// UserTrust computes a user's trust level.
func (e *Engine) UserTrust(u wire.UserID) UserTrust {
	var t UserTrust
	cs := e.dir.CrossSigning(u)
	if cs.MasterKey() == nil {
		return t
	}
	t.PreviouslyVerified = cs.PreviouslyVerified
	if e.chainValid(u, cs) && e.masterTrusted(u, cs) {
		t.CrossSigningVerified = true
		t.PreviouslyVerified = true
		e.latchVerified(u, cs)
		return t
	}
	t.TOFU = cs.FirstUse
	return t
}

// DeviceTrust computes a device's trust level.
func (e *Engine) DeviceTrust(u wire.UserID, id wire.DeviceID) DeviceTrust {
	var t DeviceTrust
	rec, ok := e.dir.Device(u, id)
	if !ok {
		return t
	}
	switch rec.Verification {
	case devices.Blocked:
		t.Blocked = true
		return t
	case devices.Verified:
		t.LocallyVerified = true
	}

	cs := e.dir.CrossSigning(u)
	if cs == nil || !e.chainValid(u, cs) {
		return t
	}
	if !e.deviceSignedBy(rec, cs.SelfSigningKey()) {
		return t
	}
	t.CrossSigned = true
	if e.masterTrusted(u, cs) {
		t.CrossSigningVerified = e.opts.TrustCrossSignedDevices
		e.latchVerified(u, cs)
	} else if cs.FirstUse && !t.LocallyVerified {
		t.TOFU = true
	}
	return t
}

// MaybeUpgradeMasterKey pins a user's master key when the key carries a
// valid signature from one of the user's locally verified devices.  It
// returns true when the upgrade happened, in which case all of the
// user's device trust levels should be re-evaluated by the caller.
func (e *Engine) MaybeUpgradeMasterKey(u wire.UserID) bool {
	cs := e.dir.CrossSigning(u)
	master := cs.MasterKey()
	if master == nil || master.Verified {
		return false
	}
	raw, err := json.Marshal(wireKey(master))
	if err != nil {
		return false
	}
	for keyID := range master.Signatures[u] {
		if keyID.Algorithm != wire.KeyAlgorithmEd25519 {
			continue
		}
		rec, ok := e.dir.Device(u, wire.DeviceID(keyID.ID))
		if !ok || rec.Verification != devices.Verified {
			continue
		}
		if olm.VerifySignedJSON(raw, string(u), keyID.String(), string(rec.SigningKey())) != nil {
			continue
		}
		if err := e.dir.PinMasterKey(u); err != nil {
			e.log.Errorf("master key upgrade for %s failed: %v", u, err)
			return false
		}
		e.log.Noticef("master key of %s upgraded to verified via device %s", u, rec.DeviceID)
		return true
	}
	return false
}

// VerifyDevice marks a device locally verified and runs the master-key
// upgrade check, since the newly verified device may vouch for the
// user's hierarchy.
func (e *Engine) VerifyDevice(u wire.UserID, id wire.DeviceID) error {
	if err := e.dir.SetDeviceVerification(u, id, devices.Verified); err != nil {
		return err
	}
	e.MaybeUpgradeMasterKey(u)
	return nil
}

// BlockDevice marks a device blocked.
func (e *Engine) BlockDevice(u wire.UserID, id wire.DeviceID) error {
	return e.dir.SetDeviceVerification(u, id, devices.Blocked)
}

// UnverifyDevice resets a device to unverified.
func (e *Engine) UnverifyDevice(u wire.UserID, id wire.DeviceID) error {
	return e.dir.SetDeviceVerification(u, id, devices.Unverified)
}

// ShareDecision decides whether a group session key may be shared with
// the device, returning a withheld code when it may not.
func (e *Engine) ShareDecision(u wire.UserID, id wire.DeviceID, onlyToVerified bool) (bool, string) {
	t := e.DeviceTrust(u, id)
	if t.Blocked {
		return false, wire.WithheldBlacklisted
	}
	if onlyToVerified && !t.Verified() {
		return false, wire.WithheldUnverified
	}
	return true, ""
}
