// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/wire"
)

func testExport() *wire.SessionExport {
	return &wire.SessionExport{
		Algorithm:          wire.AlgorithmMegolm,
		RoomID:             "!room:example.org",
		SessionID:          "session-id",
		SenderKey:          "sender-curve25519",
		SessionKey:         "exported-session-key",
		SenderClaimedKeys:  map[string]string{"ed25519": "sender-ed25519"},
		ForwardingKeyChain: []string{},
		FirstKnownIndex:    3,
		SharedHistory:      true,
	}
}

func payloadWith(t *testing.T, exp *wire.SessionExport, blob json.RawMessage) *wire.KeyBackupPayload {
	return &wire.KeyBackupPayload{
		Rooms: map[wire.RoomID]wire.RoomKeyBackup{
			exp.RoomID: {
				Sessions: map[wire.SessionID]wire.KeyBackupSessionData{
					exp.SessionID: {
						FirstMessageIndex: exp.FirstKnownIndex,
						SessionData:       blob,
					},
				},
			},
		},
	}
}

func TestAlgorithmRoundTrip(t *testing.T) {
	for _, id := range []string{AlgorithmAsymmetric, AlgorithmSymmetric} {
		t.Run(id, func(t *testing.T) {
			require := require.New(t)

			alg, err := NewAlgorithm(id)
			require.NoError(err)
			key, authData, err := alg.Prepare(nil)
			require.NoError(err)
			require.Len(key, 32)

			ok, err := alg.KeyMatches(key, authData)
			require.NoError(err)
			require.True(ok)
			wrong := append([]byte{}, key...)
			wrong[0] ^= 0xff
			ok, err = alg.KeyMatches(wrong, authData)
			require.NoError(err)
			require.False(ok)

			require.NoError(alg.CheckVersion(&wire.BackupVersionInfo{Algorithm: id, AuthData: authData}))
			require.Error(alg.CheckVersion(&wire.BackupVersionInfo{Algorithm: id, AuthData: json.RawMessage(`{}`)}))

			// A fresh instance bound to the same version interoperates.
			other, err := NewAlgorithm(id)
			require.NoError(err)
			require.NoError(other.Init(authData, key))
			require.ErrorIs(other.Init(authData, wrong), ErrKeyMismatch)

			exp := testExport()
			blob, err := other.EncryptSession(exp)
			require.NoError(err)

			restored, skipped := alg.DecryptSessions(key, payloadWith(t, exp, blob))
			require.Zero(skipped)
			require.Len(restored, 1)
			require.Equal(exp, restored[0])

			// Hostile entries are skipped, not fatal.
			_, skipped = alg.DecryptSessions(key, payloadWith(t, exp, json.RawMessage(`{"garbage":true}`)))
			require.Equal(1, skipped)
			_, skipped = alg.DecryptSessions(wrong, payloadWith(t, exp, blob))
			require.Equal(1, skipped)
		})
	}
}

func TestAlgorithmTrust(t *testing.T) {
	require := require.New(t)
	asym, err := NewAlgorithm(AlgorithmAsymmetric)
	require.NoError(err)
	require.True(asym.Untrusted())
	sym, err := NewAlgorithm(AlgorithmSymmetric)
	require.NoError(err)
	require.False(sym.Untrusted())

	_, err = NewAlgorithm("m.bogus.v0")
	require.ErrorIs(err, ErrUnknownAlgorithm)
}

func TestAsymmetricEncryptNeedsInit(t *testing.T) {
	_, err := new(Asymmetric).EncryptSession(testExport())
	require.ErrorIs(t, err, ErrNoKey)
}

func TestSymmetricPassphrase(t *testing.T) {
	require := require.New(t)

	alg := new(Symmetric)
	key, authData, err := alg.PrepareFromPassphrase("correct horse battery staple")
	require.NoError(err)

	var ad symmetricAuthData
	require.NoError(json.Unmarshal(authData, &ad))
	require.NotNil(ad.Passphrase)
	require.Equal(pbkdf2Algorithm, ad.Passphrase.Algorithm)

	// The recorded parameters re-derive the same key.
	derived, err := ad.Passphrase.Key("correct horse battery staple")
	require.NoError(err)
	require.Equal(key, derived)

	other, err := ad.Passphrase.Key("wrong passphrase")
	require.NoError(err)
	ok, err := alg.KeyMatches(other, authData)
	require.NoError(err)
	require.False(ok)
}

func TestRecoveryKeyCodec(t *testing.T) {
	require := require.New(t)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	enc := EncodeRecoveryKey(key)
	dec, err := DecodeRecoveryKey(enc)
	require.NoError(err)
	require.Equal(key, dec)

	// Extra whitespace is tolerated.
	dec, err = DecodeRecoveryKey("  " + enc + "\n")
	require.NoError(err)
	require.Equal(key, dec)

	t.Run("BadParity", func(t *testing.T) {
		raw := append([]byte{0x8b, 0x01}, key...)
		raw = append(raw, 0xff)
		_, err := DecodeRecoveryKey(base58.Encode(raw))
		require.ErrorIs(err, ErrBadRecoveryKey)
	})

	t.Run("BadPrefix", func(t *testing.T) {
		raw := append([]byte{0x8c, 0x01}, key...)
		var parity byte
		for _, b := range raw {
			parity ^= b
		}
		raw = append(raw, parity)
		_, err := DecodeRecoveryKey(base58.Encode(raw))
		require.ErrorIs(err, ErrBadRecoveryKey)
	})

	t.Run("WrongLength", func(t *testing.T) {
		_, err := DecodeRecoveryKey(EncodeRecoveryKey(key[:16]))
		require.ErrorIs(err, ErrBadRecoveryKey)
	})
}
