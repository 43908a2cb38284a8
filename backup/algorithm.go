// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backup implements server-side key backup: pluggable backup
// algorithms, the recovery key codec, and the background upload manager
// that drains the backup-pending set.
package backup

import (
	"encoding/json"
	"errors"

	"github.com/veilchat/veilchat/wire"
)

// Backup algorithm identifiers.
const (
	// AlgorithmAsymmetric encrypts sessions to a curve25519 public key.
	// Anyone holding the version can write to it, so restored sessions
	// are untrusted.
	AlgorithmAsymmetric = "m.megolm_backup.v1.curve25519-aes-sha2"

	// AlgorithmSymmetric encrypts sessions with a shared secret key.
	// Only key holders can write, so restored sessions keep their trust.
	AlgorithmSymmetric = "org.matrix.msc3270.v1.aes-hmac-sha2"
)

var (
	// ErrUnknownAlgorithm indicates an unsupported backup algorithm id.
	ErrUnknownAlgorithm = errors.New("backup: unknown algorithm")

	// ErrNoKey indicates the operation needs key material the algorithm
	// does not hold.
	ErrNoKey = errors.New("backup: no backup key")

	// ErrBadAuthData indicates structurally invalid version auth data.
	ErrBadAuthData = errors.New("backup: malformed auth data")

	// ErrKeyMismatch indicates the provided key does not belong to the
	// backup version.
	ErrKeyMismatch = errors.New("backup: key does not match version")
)

// Algorithm is one backup encryption scheme.  An instance is bound to a
// single version's auth data via Prepare or Init before use.
type Algorithm interface {
	// ID returns the algorithm identifier.
	ID() string

	// Untrusted reports whether sessions restored from this backup must
	// be marked untrusted for decryption.
	Untrusted() bool

	// Prepare generates (key == nil) or adopts backup key material and
	// returns the private recovery key together with the auth data of a
	// fresh version.  The instance is left bound to that version.
	Prepare(key []byte) (recoveryKey []byte, authData json.RawMessage, err error)

	// Init binds the instance to an existing version's auth data.  key
	// may be nil when only encryption is needed; when given it is
	// validated against the auth data.
	Init(authData json.RawMessage, key []byte) error

	// CheckVersion structurally validates a version descriptor without
	// binding to it.
	CheckVersion(info *wire.BackupVersionInfo) error

	// KeyMatches reports whether key is the backup key described by
	// authData.
	KeyMatches(key []byte, authData json.RawMessage) (bool, error)

	// EncryptSession encrypts one exported session for upload.
	EncryptSession(exp *wire.SessionExport) (json.RawMessage, error)

	// DecryptSessions decrypts a fetched backup with key.  Entries that
	// fail to decrypt or parse are skipped, not fatal; the count of
	// skipped entries is returned alongside the restored sessions.
	DecryptSessions(key []byte, payload *wire.KeyBackupPayload) ([]*wire.SessionExport, int)
}

// NewAlgorithm constructs an unbound algorithm instance by id.
func NewAlgorithm(id string) (Algorithm, error) {
	switch id {
	case AlgorithmAsymmetric:
		return &Asymmetric{}, nil
	case AlgorithmSymmetric:
		return &Symmetric{}, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// sessionData is the portion of a session export that lives encrypted
// inside a backup entry.  Room id, session id and first index stay in
// the envelope so the server can address entries without reading them.
type sessionData struct {
	Algorithm          string            `json:"algorithm"`
	SenderKey          wire.Curve25519   `json:"sender_key"`
	SessionKey         string            `json:"session_key"`
	SenderClaimedKeys  map[string]string `json:"sender_claimed_keys"`
	ForwardingKeyChain []string          `json:"forwarding_curve25519_key_chain"`
	SharedHistory      bool              `json:"org.matrix.msc3061.shared_history,omitempty"`
}

func toSessionData(exp *wire.SessionExport) *sessionData {
	chain := exp.ForwardingKeyChain
	if chain == nil {
		chain = []string{}
	}
	return &sessionData{
		Algorithm:          exp.Algorithm,
		SenderKey:          exp.SenderKey,
		SessionKey:         exp.SessionKey,
		SenderClaimedKeys:  exp.SenderClaimedKeys,
		ForwardingKeyChain: chain,
		SharedHistory:      exp.SharedHistory,
	}
}

func toExport(data *sessionData, roomID wire.RoomID, sessionID wire.SessionID, firstIndex uint32) *wire.SessionExport {
	return &wire.SessionExport{
		Algorithm:          data.Algorithm,
		RoomID:             roomID,
		SessionID:          sessionID,
		SenderKey:          data.SenderKey,
		SessionKey:         data.SessionKey,
		SenderClaimedKeys:  data.SenderClaimedKeys,
		ForwardingKeyChain: data.ForwardingKeyChain,
		FirstKnownIndex:    firstIndex,
		SharedHistory:      data.SharedHistory,
	}
}
