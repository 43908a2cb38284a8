// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire defines the protocol-level data shapes the encryption core
// reads and writes, along with the interfaces of the network collaborators
// that carry them.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// UserID identifies a user.
type UserID string

// DeviceID identifies one of a user's devices.
type DeviceID string

// RoomID identifies a room.
type RoomID string

// EventID identifies an event.
type EventID string

// SessionID identifies a pairwise or group session.
type SessionID string

// Curve25519 is a base64 encoded curve25519 public key.
type Curve25519 string

// Ed25519 is a base64 encoded ed25519 public key.
type Ed25519 string

// Encryption algorithm identifiers.
const (
	AlgorithmOlm       = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm    = "m.megolm.v1.aes-sha2"
	AlgorithmSignedKey = "signed_curve25519"
)

// Withheld reason codes attached to m.room_key.withheld notices.
const (
	WithheldUnverified   = "m.unverified"
	WithheldBlacklisted  = "m.blacklisted"
	WithheldUnauthorised = "m.unauthorised"
	WithheldNoOlm        = "m.no_olm"
)

// KeyAlgorithm discriminates the key types carried in a device's keys map.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519 KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
)

// KeyID is a typed "algorithm:id" key identifier.
type KeyID struct {
	Algorithm KeyAlgorithm
	ID        string
}

// NewKeyID constructs a KeyID for the given algorithm and id.
func NewKeyID(alg KeyAlgorithm, id string) KeyID {
	return KeyID{Algorithm: alg, ID: id}
}

// DeviceKeyID constructs the KeyID naming a device's key of the given
// algorithm.
func DeviceKeyID(alg KeyAlgorithm, deviceID DeviceID) KeyID {
	return KeyID{Algorithm: alg, ID: string(deviceID)}
}

// ParseKeyID splits an "algorithm:id" string into a KeyID.
func ParseKeyID(s string) (KeyID, error) {
	alg, id, ok := strings.Cut(s, ":")
	if !ok || alg == "" || id == "" {
		return KeyID{}, fmt.Errorf("wire: malformed key id %q", s)
	}
	return KeyID{Algorithm: KeyAlgorithm(alg), ID: id}, nil
}

// String renders the KeyID in its wire form.
func (k KeyID) String() string {
	return string(k.Algorithm) + ":" + k.ID
}

// MarshalText implements encoding.TextMarshaler so KeyID can be used as a
// JSON map key.
func (k KeyID) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyID) UnmarshalText(data []byte) error {
	parsed, err := ParseKeyID(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalCBOR encodes the KeyID in its wire form, so it can serve as a
// map key in pickled structures.
func (k KeyID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(k.String())
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (k *KeyID) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKeyID(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Signatures maps a signing user to the signatures it produced, keyed by
// the id of the key that produced them.
type Signatures map[UserID]map[KeyID]string

// DeviceKeys is the signed, published identity record of a single device.
type DeviceKeys struct {
	UserID     UserID           `json:"user_id"`
	DeviceID   DeviceID         `json:"device_id"`
	Algorithms []string         `json:"algorithms"`
	Keys       map[KeyID]string `json:"keys"`
	Signatures Signatures       `json:"signatures,omitempty"`
	Unsigned   map[string]any   `json:"unsigned,omitempty"`
}

// IdentityKey returns the device's curve25519 key, if present.
func (d *DeviceKeys) IdentityKey() Curve25519 {
	return Curve25519(d.Keys[DeviceKeyID(KeyAlgorithmCurve25519, d.DeviceID)])
}

// SigningKey returns the device's ed25519 key, if present.
func (d *DeviceKeys) SigningKey() Ed25519 {
	return Ed25519(d.Keys[DeviceKeyID(KeyAlgorithmEd25519, d.DeviceID)])
}

// CrossSigningUsage enumerates the roles of a cross-signing key.
type CrossSigningUsage string

const (
	UsageMaster      CrossSigningUsage = "master"
	UsageSelfSigning CrossSigningUsage = "self_signing"
	UsageUserSigning CrossSigningUsage = "user_signing"
)

// CrossSigningKey is one key of a user's published cross-signing hierarchy.
type CrossSigningKey struct {
	UserID     UserID              `json:"user_id"`
	Usage      []CrossSigningUsage `json:"usage"`
	Keys       map[KeyID]string    `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// PublicKey returns the first (and in practice only) ed25519 key carried by
// a cross-signing key object.
func (c *CrossSigningKey) PublicKey() Ed25519 {
	for id, k := range c.Keys {
		if id.Algorithm == KeyAlgorithmEd25519 {
			return Ed25519(k)
		}
	}
	return ""
}

// HasUsage reports whether the key declares the given usage.
func (c *CrossSigningKey) HasUsage(u CrossSigningUsage) bool {
	for _, have := range c.Usage {
		if have == u {
			return true
		}
	}
	return false
}

// KeyQueryRequest is a batched device-key query.
type KeyQueryRequest struct {
	DeviceKeys map[UserID][]DeviceID `json:"device_keys"`
	Token      string                `json:"token,omitempty"`
}

// KeyQueryResponse carries the published keys of the queried users.
type KeyQueryResponse struct {
	DeviceKeys      map[UserID]map[DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[UserID]CrossSigningKey         `json:"master_keys,omitempty"`
	SelfSigningKeys map[UserID]CrossSigningKey         `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[UserID]CrossSigningKey         `json:"user_signing_keys,omitempty"`
	Failures        map[string]any                     `json:"failures,omitempty"`
}

// OneTimeKeyClaim names a single one-time key to claim.
type OneTimeKeyClaim struct {
	UserID    UserID
	DeviceID  DeviceID
	Algorithm string
}

// ClaimedKey is one successfully claimed one-time key.
type ClaimedKey struct {
	Key        string     `json:"key"`
	Signatures Signatures `json:"signatures,omitempty"`
	Fallback   bool       `json:"fallback,omitempty"`
}

// ClaimResponse maps each claimed device to its key.
type ClaimResponse struct {
	OneTimeKeys map[UserID]map[DeviceID]map[KeyID]ClaimedKey `json:"one_time_keys"`
	Failures    map[string]any                               `json:"failures,omitempty"`
}

// ToDeviceEvent is a targeted device-to-device protocol event.
type ToDeviceEvent struct {
	Type     string          `json:"type"`
	Sender   UserID          `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

// ToDeviceBatch is a set of targeted messages of one type, addressed per
// device rather than broadcast.
type ToDeviceBatch struct {
	Type     string
	Messages map[UserID]map[DeviceID]any
}

// RoomKeyRequestBody identifies the group session a key request is about.
// It is the deduplication key for outgoing requests.
type RoomKeyRequestBody struct {
	Algorithm string     `json:"algorithm"`
	RoomID    RoomID     `json:"room_id"`
	SenderKey Curve25519 `json:"sender_key"`
	SessionID SessionID  `json:"session_id"`
}

// RoomKeyRequestContent is the wire content of an m.room_key_request event.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestID          string              `json:"request_id"`
	RequestingDeviceID DeviceID            `json:"requesting_device_id"`
}

// RoomKeyWithheldContent is the wire content of an m.room_key.withheld event.
type RoomKeyWithheldContent struct {
	Algorithm string     `json:"algorithm"`
	RoomID    RoomID     `json:"room_id,omitempty"`
	SenderKey Curve25519 `json:"sender_key,omitempty"`
	SessionID SessionID  `json:"session_id,omitempty"`
	Code      string     `json:"code"`
	Reason    string     `json:"reason,omitempty"`
}

// SecretRequestContent is the wire content of an m.secret.request event.
type SecretRequestContent struct {
	Action             string   `json:"action"`
	Name               string   `json:"name,omitempty"`
	RequestID          string   `json:"request_id"`
	RequestingDeviceID DeviceID `json:"requesting_device_id"`
}

// SecretSendContent is the wire content of an m.secret.send event.
type SecretSendContent struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}
