// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import "encoding/json"

// Event types carried over the to-device channel and in room timelines.
const (
	EventTypeEncrypted        = "m.room.encrypted"
	EventTypeRoomKey          = "m.room_key"
	EventTypeForwardedRoomKey = "m.forwarded_room_key"
	EventTypeRoomKeyWithheld  = "m.room_key.withheld"
	EventTypeRoomKeyRequest   = "m.room_key_request"
	EventTypeSecretRequest    = "m.secret.request"
	EventTypeSecretSend       = "m.secret.send"
)

// OlmCiphertext is one recipient's ciphertext inside an olm envelope.
type OlmCiphertext struct {
	Body string `json:"body"`
	Type int    `json:"type"`
}

// OlmEncryptedContent is the content of an olm encrypted to-device event,
// with the ciphertext keyed by the recipient's identity key.
type OlmEncryptedContent struct {
	Algorithm  string                       `json:"algorithm"`
	SenderKey  Curve25519                   `json:"sender_key"`
	Ciphertext map[Curve25519]OlmCiphertext `json:"ciphertext"`
}

// OlmPayload is the authenticated inner plaintext of an olm envelope.
// The sender and recipient bindings prevent an envelope from being
// replayed to a different device than it was encrypted for.
type OlmPayload struct {
	Type          string                  `json:"type"`
	Content       json.RawMessage         `json:"content"`
	Sender        UserID                  `json:"sender"`
	Recipient     UserID                  `json:"recipient"`
	RecipientKeys map[KeyAlgorithm]string `json:"recipient_keys"`
	Keys          map[KeyAlgorithm]string `json:"keys"`
}

// MegolmEncryptedContent is the content of a group encrypted room event.
type MegolmEncryptedContent struct {
	Algorithm  string     `json:"algorithm"`
	SenderKey  Curve25519 `json:"sender_key"`
	SessionID  SessionID  `json:"session_id"`
	DeviceID   DeviceID   `json:"device_id,omitempty"`
	Ciphertext string     `json:"ciphertext"`
}

// RoomKeyContent is the content of an m.room_key event, delivered over an
// olm envelope to hand a group session key to another device.
type RoomKeyContent struct {
	Algorithm     string    `json:"algorithm"`
	RoomID        RoomID    `json:"room_id"`
	SessionID     SessionID `json:"session_id"`
	SessionKey    string    `json:"session_key"`
	SharedHistory bool      `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// ForwardedRoomKeyContent is the content of an m.forwarded_room_key event,
// re-sharing a group session key received from elsewhere.
type ForwardedRoomKeyContent struct {
	Algorithm                string     `json:"algorithm"`
	RoomID                   RoomID     `json:"room_id"`
	SenderKey                Curve25519 `json:"sender_key"`
	SessionID                SessionID  `json:"session_id"`
	SessionKey               string     `json:"session_key"`
	SenderClaimedEd25519Key  string     `json:"sender_claimed_ed25519_key,omitempty"`
	ForwardingCurve25519Keys []string   `json:"forwarding_curve25519_key_chain"`
	SharedHistory            bool       `json:"org.matrix.msc3061.shared_history,omitempty"`
}
