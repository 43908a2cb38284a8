// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	p := Policy{Base: 100 * time.Millisecond, Max: 1 * time.Second}

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, p.Delay(0))
		require.Equal(200*time.Millisecond, p.Delay(1))
		require.Equal(400*time.Millisecond, p.Delay(2))
		require.Equal(800*time.Millisecond, p.Delay(3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(p.Max, p.Delay(10))
	})

	t.Run("jitter range", func(t *testing.T) {
		jittered := Policy{Base: p.Base, Max: p.Max, Jitter: 0.2}
		for i := 0; i < 100; i++ {
			d := jittered.Delay(0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestInitialJitter(t *testing.T) {
	require := require.New(t)

	require.Equal(time.Duration(0), InitialJitter(0))
	for i := 0; i < 100; i++ {
		d := InitialJitter(time.Second)
		require.GreaterOrEqual(d, time.Duration(0))
		require.Less(d, time.Second)
	}
}
