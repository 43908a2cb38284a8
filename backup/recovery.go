// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

// Recovery key wire format: a two byte prefix, the raw key, and a
// trailing parity byte that XORs the whole buffer to zero.
var recoveryKeyPrefix = []byte{0x8b, 0x01}

// ErrBadRecoveryKey indicates a recovery key string that fails to
// decode, carries the wrong prefix or length, or fails its parity check.
var ErrBadRecoveryKey = errors.New("backup: malformed recovery key")

// EncodeRecoveryKey renders a backup key in its human-transcribable
// form: prefixed, parity-protected, base58, grouped in blocks of four.
func EncodeRecoveryKey(key []byte) string {
	buf := make([]byte, 0, len(recoveryKeyPrefix)+len(key)+1)
	buf = append(buf, recoveryKeyPrefix...)
	buf = append(buf, key...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	enc := base58.Encode(buf)
	var out strings.Builder
	for i := 0; i < len(enc); i += 4 {
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(enc[i:min(i+4, len(enc))])
	}
	return out.String()
}

// DecodeRecoveryKey parses a recovery key string back into the raw
// backup key.  Whitespace is ignored.
func DecodeRecoveryKey(s string) ([]byte, error) {
	raw, err := base58.Decode(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, ErrBadRecoveryKey
	}
	if len(raw) != len(recoveryKeyPrefix)+backupKeySize+1 {
		return nil, ErrBadRecoveryKey
	}
	for i, b := range recoveryKeyPrefix {
		if raw[i] != b {
			return nil, ErrBadRecoveryKey
		}
	}
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return nil, ErrBadRecoveryKey
	}
	return raw[len(recoveryKeyPrefix) : len(raw)-1], nil
}
