// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"encoding/json"

	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/wire"
)

// asymmetricAuthData is the auth_data of an asymmetric backup version.
type asymmetricAuthData struct {
	PublicKey  string          `json:"public_key"`
	Signatures wire.Signatures `json:"signatures,omitempty"`
}

// Asymmetric encrypts backed-up sessions to a curve25519 public key.
// The private half is the recovery key; it never leaves the creating or
// restoring device.
type Asymmetric struct {
	pubKey string
}

func (a *Asymmetric) ID() string      { return AlgorithmAsymmetric }
func (a *Asymmetric) Untrusted() bool { return true }

func (a *Asymmetric) Prepare(key []byte) ([]byte, json.RawMessage, error) {
	var err error
	if key == nil {
		if key, err = olm.GeneratePkKey(); err != nil {
			return nil, nil, err
		}
	}
	pub, err := olm.PkPublicKey(key)
	if err != nil {
		return nil, nil, err
	}
	authData, err := json.Marshal(&asymmetricAuthData{PublicKey: pub})
	if err != nil {
		return nil, nil, err
	}
	a.pubKey = pub
	return key, authData, nil
}

func (a *Asymmetric) Init(authData json.RawMessage, key []byte) error {
	var ad asymmetricAuthData
	if err := json.Unmarshal(authData, &ad); err != nil || ad.PublicKey == "" {
		return ErrBadAuthData
	}
	if key != nil {
		pub, err := olm.PkPublicKey(key)
		if err != nil || pub != ad.PublicKey {
			return ErrKeyMismatch
		}
	}
	a.pubKey = ad.PublicKey
	return nil
}

func (a *Asymmetric) CheckVersion(info *wire.BackupVersionInfo) error {
	if info.Algorithm != AlgorithmAsymmetric {
		return ErrUnknownAlgorithm
	}
	var ad asymmetricAuthData
	if err := json.Unmarshal(info.AuthData, &ad); err != nil || ad.PublicKey == "" {
		return ErrBadAuthData
	}
	return nil
}

func (a *Asymmetric) KeyMatches(key []byte, authData json.RawMessage) (bool, error) {
	var ad asymmetricAuthData
	if err := json.Unmarshal(authData, &ad); err != nil {
		return false, ErrBadAuthData
	}
	pub, err := olm.PkPublicKey(key)
	if err != nil {
		return false, err
	}
	return pub == ad.PublicKey, nil
}

func (a *Asymmetric) EncryptSession(exp *wire.SessionExport) (json.RawMessage, error) {
	if a.pubKey == "" {
		return nil, ErrNoKey
	}
	inner, err := json.Marshal(toSessionData(exp))
	if err != nil {
		return nil, err
	}
	msg, err := olm.PkEncrypt(a.pubKey, inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (a *Asymmetric) DecryptSessions(key []byte, payload *wire.KeyBackupPayload) ([]*wire.SessionExport, int) {
	var out []*wire.SessionExport
	skipped := 0
	for roomID, room := range payload.Rooms {
		for sessionID, entry := range room.Sessions {
			var msg olm.PkMessage
			if err := json.Unmarshal(entry.SessionData, &msg); err != nil {
				skipped++
				continue
			}
			inner, err := olm.PkDecrypt(key, &msg)
			if err != nil {
				skipped++
				continue
			}
			var data sessionData
			if err := json.Unmarshal(inner, &data); err != nil {
				skipped++
				continue
			}
			out = append(out, toExport(&data, roomID, sessionID, entry.FirstMessageIndex))
		}
	}
	return out, skipped
}
