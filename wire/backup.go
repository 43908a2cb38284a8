// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import "encoding/json"

// BackupVersionInfo describes a server-side key backup version, the
// resource behind GET/PUT /room_keys/version/{version}.
type BackupVersionInfo struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Version   string          `json:"version,omitempty"`
	Count     int             `json:"count,omitempty"`
	Etag      string          `json:"etag,omitempty"`
}

// KeyBackupSessionData is one encrypted group session inside a backup
// upload, the value under rooms.{roomId}.sessions.{sessionId}.
type KeyBackupSessionData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeyBackup is the per-room portion of a backup upload.
type RoomKeyBackup struct {
	Sessions map[SessionID]KeyBackupSessionData `json:"sessions"`
}

// KeyBackupPayload is the body of PUT /room_keys/keys?version=...
type KeyBackupPayload struct {
	Rooms map[RoomID]RoomKeyBackup `json:"rooms"`
}

// SessionExport is the cleartext, exportable form of an inbound group
// session, the unit both backup algorithms encrypt and decrypt.
type SessionExport struct {
	Algorithm          string             `json:"algorithm"`
	RoomID             RoomID             `json:"room_id,omitempty"`
	SessionID          SessionID          `json:"session_id,omitempty"`
	SenderKey          Curve25519         `json:"sender_key"`
	SessionKey         string             `json:"session_key"`
	SenderClaimedKeys  map[string]string  `json:"sender_claimed_keys,omitempty"`
	ForwardingKeyChain []string           `json:"forwarding_curve25519_key_chain"`
	FirstKnownIndex    uint32             `json:"first_known_index,omitempty"`
	SharedHistory      bool               `json:"org.matrix.msc3061.shared_history,omitempty"`
}
