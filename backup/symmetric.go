// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/pbkdf2"

	"github.com/veilchat/veilchat/secrets"
	"github.com/veilchat/veilchat/wire"
)

const (
	backupKeySize = 32

	pbkdf2Algorithm  = "m.pbkdf2"
	pbkdf2Iterations = 500000
)

// PassphraseInfo describes how to derive the backup key from a
// passphrase.
type PassphraseInfo struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Bits       int    `json:"bits,omitempty"`
}

// Key derives the backup key from a passphrase.
func (p *PassphraseInfo) Key(passphrase string) ([]byte, error) {
	if p.Algorithm != pbkdf2Algorithm || p.Iterations <= 0 {
		return nil, ErrBadAuthData
	}
	bits := p.Bits
	if bits <= 0 {
		bits = backupKeySize * 8
	}
	return pbkdf2.Key([]byte(passphrase), []byte(p.Salt), p.Iterations, bits/8, sha512.New), nil
}

// symmetricAuthData is the auth_data of a symmetric backup version: the
// key-check value of the shared key, plus optional passphrase
// derivation parameters.
type symmetricAuthData struct {
	IV         string          `json:"iv"`
	MAC        string          `json:"mac"`
	Passphrase *PassphraseInfo `json:"passphrase,omitempty"`
	Signatures wire.Signatures `json:"signatures,omitempty"`
}

func (ad *symmetricAuthData) check() *secrets.EncryptedData {
	return &secrets.EncryptedData{IV: ad.IV, MAC: ad.MAC}
}

// Symmetric encrypts backed-up sessions with a shared secret key, each
// session under sub-keys seeded by its session id.  Writing requires
// the key, so restored sessions keep their trust.
type Symmetric struct {
	key        []byte
	passphrase *PassphraseInfo
}

func (s *Symmetric) ID() string      { return AlgorithmSymmetric }
func (s *Symmetric) Untrusted() bool { return false }

// PrepareFromPassphrase derives the backup key from a passphrase with a
// fresh salt and records the derivation parameters in the auth data.
func (s *Symmetric) PrepareFromPassphrase(passphrase string) ([]byte, json.RawMessage, error) {
	var salt [backupKeySize]byte
	if _, err := rand.Reader.Read(salt[:]); err != nil {
		return nil, nil, err
	}
	s.passphrase = &PassphraseInfo{
		Algorithm:  pbkdf2Algorithm,
		Salt:       base64.RawStdEncoding.EncodeToString(salt[:]),
		Iterations: pbkdf2Iterations,
		Bits:       backupKeySize * 8,
	}
	key, err := s.passphrase.Key(passphrase)
	if err != nil {
		return nil, nil, err
	}
	return s.Prepare(key)
}

func (s *Symmetric) Prepare(key []byte) ([]byte, json.RawMessage, error) {
	if key == nil {
		key = make([]byte, backupKeySize)
		if _, err := rand.Reader.Read(key); err != nil {
			return nil, nil, err
		}
	}
	check, err := secrets.KeyCheck(key)
	if err != nil {
		return nil, nil, err
	}
	authData, err := json.Marshal(&symmetricAuthData{
		IV:         check.IV,
		MAC:        check.MAC,
		Passphrase: s.passphrase,
	})
	if err != nil {
		return nil, nil, err
	}
	s.key = append([]byte{}, key...)
	return key, authData, nil
}

func (s *Symmetric) Init(authData json.RawMessage, key []byte) error {
	var ad symmetricAuthData
	if err := json.Unmarshal(authData, &ad); err != nil || ad.MAC == "" {
		return ErrBadAuthData
	}
	if key == nil {
		return ErrNoKey
	}
	if !secrets.KeyMatches(key, ad.check()) {
		return ErrKeyMismatch
	}
	s.key = append([]byte{}, key...)
	s.passphrase = ad.Passphrase
	return nil
}

func (s *Symmetric) CheckVersion(info *wire.BackupVersionInfo) error {
	if info.Algorithm != AlgorithmSymmetric {
		return ErrUnknownAlgorithm
	}
	var ad symmetricAuthData
	if err := json.Unmarshal(info.AuthData, &ad); err != nil || ad.IV == "" || ad.MAC == "" {
		return ErrBadAuthData
	}
	return nil
}

func (s *Symmetric) KeyMatches(key []byte, authData json.RawMessage) (bool, error) {
	var ad symmetricAuthData
	if err := json.Unmarshal(authData, &ad); err != nil {
		return false, ErrBadAuthData
	}
	return secrets.KeyMatches(key, ad.check()), nil
}

func (s *Symmetric) EncryptSession(exp *wire.SessionExport) (json.RawMessage, error) {
	if s.key == nil {
		return nil, ErrNoKey
	}
	inner, err := json.Marshal(toSessionData(exp))
	if err != nil {
		return nil, err
	}
	data, err := secrets.EncryptNamed(s.key, string(exp.SessionID), inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(data)
}

func (s *Symmetric) DecryptSessions(key []byte, payload *wire.KeyBackupPayload) ([]*wire.SessionExport, int) {
	var out []*wire.SessionExport
	skipped := 0
	for roomID, room := range payload.Rooms {
		for sessionID, entry := range room.Sessions {
			var enc secrets.EncryptedData
			if err := json.Unmarshal(entry.SessionData, &enc); err != nil {
				skipped++
				continue
			}
			inner, err := secrets.DecryptNamed(key, string(sessionID), &enc)
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
