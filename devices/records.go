// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package devices implements the device directory: per-user, per-device
// public key records, the download tracking state machine, and the
// coalesced batched key fetch.
package devices

import (
	"github.com/veilchat/veilchat/wire"
)

// VerificationState is the local verification state of a device.
type VerificationState int

const (
	Unverified VerificationState = iota
	Verified
	Blocked
)

// String returns a human readable state name.
func (v VerificationState) String() string {
	switch v {
	case Verified:
		return "verified"
	case Blocked:
		return "blocked"
	default:
		return "unverified"
	}
}

// DeviceRecord is the directory's record of a single remote device.  The
// identity (UserID, DeviceID) is immutable; keys and verification state
// are mutated in place.  The record is destroyed when superseded by a
// fresh directory snapshot for its user.
type DeviceRecord struct {
	UserID     wire.UserID
	DeviceID   wire.DeviceID
	Algorithms []string
	Keys       map[wire.KeyID]string
	Verification VerificationState
	Known      bool
	Unsigned   map[string]any
	Signatures wire.Signatures
}

// IdentityKey returns the device's curve25519 key.
func (d *DeviceRecord) IdentityKey() wire.Curve25519 {
	return wire.Curve25519(d.Keys[wire.DeviceKeyID(wire.KeyAlgorithmCurve25519, d.DeviceID)])
}

// SigningKey returns the device's ed25519 key.
func (d *DeviceRecord) SigningKey() wire.Ed25519 {
	return wire.Ed25519(d.Keys[wire.DeviceKeyID(wire.KeyAlgorithmEd25519, d.DeviceID)])
}

// SigningKeyID is a cross-signing key with its local trust annotations.
type SigningKey struct {
	UserID     wire.UserID
	Usage      []wire.CrossSigningUsage
	PublicKey  wire.Ed25519
	Signatures wire.Signatures

	// Verified is set when the key has been locally pinned, either by
	// the user verifying it or by the automatic upgrade path.
	Verified bool
}

// CrossSigningRecord is a user's cross-signing key hierarchy plus the
// trust-on-first-use bookkeeping attached to it.
type CrossSigningRecord struct {
	Keys map[wire.CrossSigningUsage]*SigningKey

	// FirstUse is true until the master key is first pinned.
	FirstUse bool

	// PreviouslyVerified never reverts to false once set.
	PreviouslyVerified bool
}

// MasterKey returns the master key, or nil.
func (c *CrossSigningRecord) MasterKey() *SigningKey {
	if c == nil {
		return nil
	}
	return c.Keys[wire.UsageMaster]
}

// SelfSigningKey returns the self-signing key, or nil.
func (c *CrossSigningRecord) SelfSigningKey() *SigningKey {
	if c == nil {
		return nil
	}
	return c.Keys[wire.UsageSelfSigning]
}

// UserSigningKey returns the user-signing key, or nil.
func (c *CrossSigningRecord) UserSigningKey() *SigningKey {
	if c == nil {
		return nil
	}
	return c.Keys[wire.UsageUserSigning]
}

// TrackingState is the download state of one user's device list.
type TrackingState int

const (
	NotTracked TrackingState = iota
	PendingDownload
	DownloadInProgress
	UpToDate
)

// String returns a human readable state name.
func (s TrackingState) String() string {
	switch s {
	case PendingDownload:
		return "pending-download"
	case DownloadInProgress:
		return "download-in-progress"
	case UpToDate:
		return "up-to-date"
	default:
		return "not-tracked"
	}
}

// Event is a directory change notification.
type Event struct {
	Type   EventType
	UserID wire.UserID
}

// EventType enumerates directory change notifications.
type EventType int

const (
	// EventDevicesUpdated fires when a user's device list changed.
	EventDevicesUpdated EventType = iota

	// EventCrossSigningChanged fires when a user's cross-signing keys
	// changed, which should prompt trust re-evaluation.
	EventCrossSigningChanged

	// EventKeyChangeRejected fires when a device presented a changed
	// signing key and the old record was kept.
	EventKeyChangeRejected
)
