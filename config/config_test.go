// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/wire"
)

const basicConfig = `
[Account]
UserID = "@alice:example.org"
DeviceID = "ALICE1"
DataDir = "/var/lib/veilchat"

[Logging]
Level = "debug"

[Sessions]
RotationMessages = 50

[KeyRequests]
ScanInterval = 30000
`

func TestLoadBasicConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)
	require.Equal("@alice:example.org", cfg.Account.UserID)
	require.Equal("/var/lib/veilchat/state.db", cfg.StorePath())

	// The log level is normalized, defaults fill the missing sections.
	require.Equal("DEBUG", cfg.Logging.Level)
	require.NotNil(cfg.Backup)
	require.NotNil(cfg.Trust)

	var pickleKey olm.PickleKey
	mc := cfg.MachineConfig(pickleKey)
	require.Equal(wire.UserID("@alice:example.org"), mc.OwnUserID)
	require.Equal(wire.DeviceID("ALICE1"), mc.OwnDeviceID)
	require.Equal(uint32(50), mc.Sessions.RotationMessages)
	require.Equal(30*time.Second, mc.KeyRequests.ScanInterval)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	for name, body := range map[string]string{
		"NoAccount": `[Logging]
Level = "INFO"`,
		"BadUserID": `[Account]
UserID = "alice"
DeviceID = "ALICE1"
DataDir = "/var/lib/veilchat"`,
		"RelativeDataDir": `[Account]
UserID = "@alice:example.org"
DeviceID = "ALICE1"
DataDir = "veilchat"`,
		"BadLogLevel": `[Account]
UserID = "@alice:example.org"
DeviceID = "ALICE1"
DataDir = "/var/lib/veilchat"
[Logging]
Level = "LOUD"`,
		"UnknownKey": `[Account]
UserID = "@alice:example.org"
DeviceID = "ALICE1"
DataDir = "/var/lib/veilchat"
Frobnicate = true`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}
