// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/wire"
)

func newTestStore(t *testing.T) *BoltStore {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPartitionScoping(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, []PartitionID{PartitionAccount}, func(tx Txn) error {
		require.NoError(tx.PutAccountPickle([]byte("pickle")))
		// Sessions partition was not declared.
		_, err := tx.Session("key", "id")
		require.ErrorIs(err, ErrPartitionNotOpen)
		return nil
	})
	require.NoError(err)
}

func TestAtomicity(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	boom := context.Canceled // any sentinel will do
	err := s.Update(ctx, []PartitionID{PartitionAccount}, func(tx Txn) error {
		require.NoError(tx.PutAccountData("a", []byte("1")))
		require.NoError(tx.PutAccountData("b", []byte("2")))
		return boom
	})
	require.ErrorIs(err, boom)

	err = s.View(ctx, []PartitionID{PartitionAccount}, func(tx Txn) error {
		_, err := tx.AccountData("a")
		require.ErrorIs(err, ErrNotFound)
		_, err = tx.AccountData("b")
		require.ErrorIs(err, ErrNotFound)
		return nil
	})
	require.NoError(err)
}

func TestSessionRecords(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	recs := []*SessionRecord{
		{SenderKey: "devA", SessionID: "s1", Pickle: []byte("p1"), LastUse: time.Unix(100, 0).UTC()},
		{SenderKey: "devA", SessionID: "s2", Pickle: []byte("p2"), LastUse: time.Unix(200, 0).UTC()},
		{SenderKey: "devB", SessionID: "s3", Pickle: []byte("p3"), LastUse: time.Unix(300, 0).UTC()},
	}
	err := s.Update(ctx, []PartitionID{PartitionSessions}, func(tx Txn) error {
		for _, r := range recs {
			require.NoError(tx.PutSession(r))
		}
		return nil
	})
	require.NoError(err)

	err = s.View(ctx, []PartitionID{PartitionSessions}, func(tx Txn) error {
		got, err := tx.Session("devA", "s2")
		require.NoError(err)
		require.Equal(recs[1], got)

		forA, err := tx.SessionsForDevice("devA")
		require.NoError(err)
		require.Len(forA, 2)

		_, err = tx.Session("devC", "nope")
		require.ErrorIs(err, ErrNotFound)
		return nil
	})
	require.NoError(err)
}

func TestGroupSessionRoomIndex(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, []PartitionID{PartitionGroupSessions}, func(tx Txn) error {
		require.NoError(tx.PutGroupSession(&GroupSessionRecord{
			RoomID: "!room1", SenderKey: "k1", SessionID: "g1", Pickle: []byte("x"),
		}))
		require.NoError(tx.PutGroupSession(&GroupSessionRecord{
			RoomID: "!room1", SenderKey: "k2", SessionID: "g2", Pickle: []byte("y"),
		}))
		require.NoError(tx.PutGroupSession(&GroupSessionRecord{
			RoomID: "!room2", SenderKey: "k1", SessionID: "g3", Pickle: []byte("z"),
		}))
		return nil
	})
	require.NoError(err)

	err = s.View(ctx, []PartitionID{PartitionGroupSessions}, func(tx Txn) error {
		inRoom1, err := tx.GroupSessionsForRoom("!room1")
		require.NoError(err)
		require.Len(inRoom1, 2)

		byKey, err := tx.GroupSession("k1", "g3")
		require.NoError(err)
		require.Equal(wire.RoomID("!room2"), byKey.RoomID)
		return nil
	})
	require.NoError(err)
}

func TestMessageIndexLedger(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, []PartitionID{PartitionGroupSessions}, func(tx Txn) error {
		require.NoError(tx.PutMessageIndex("g1", 7, &IndexEntry{EventID: "$ev1", Timestamp: 1000}))
		return nil
	})
	require.NoError(err)

	err = s.View(ctx, []PartitionID{PartitionGroupSessions}, func(tx Txn) error {
		entry, err := tx.MessageIndex("g1", 7)
		require.NoError(err)
		require.Equal(wire.EventID("$ev1"), entry.EventID)

		_, err = tx.MessageIndex("g1", 8)
		require.ErrorIs(err, ErrNotFound)
		return nil
	})
	require.NoError(err)
}

func TestBackupMarkers(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	parts := []PartitionID{PartitionGroupSessions, PartitionBackupMarkers}
	err := s.Update(ctx, parts, func(tx Txn) error {
		for i := 0; i < 5; i++ {
			key := BackupKey{SenderKey: "k", SessionID: wire.SessionID(fmt.Sprintf("g%d", i))}
			require.NoError(tx.MarkForBackup(key))
		}
		return nil
	})
	require.NoError(err)

	err = s.Update(ctx, parts, func(tx Txn) error {
		n, err := tx.BackupPendingCount()
		require.NoError(err)
		require.Equal(5, n)

		pending, err := tx.BackupPending(3)
		require.NoError(err)
		require.Len(pending, 3)

		require.NoError(tx.UnmarkBackup(pending))
		n, err = tx.BackupPendingCount()
		require.NoError(err)
		require.Equal(2, n)
		return nil
	})
	require.NoError(err)
}

func TestMarkAllForBackup(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	parts := []PartitionID{PartitionGroupSessions, PartitionBackupMarkers}
	err := s.Update(ctx, parts, func(tx Txn) error {
		require.NoError(tx.PutGroupSession(&GroupSessionRecord{
			RoomID: "!r", SenderKey: "k1", SessionID: "g1", Pickle: []byte("x"),
		}))
		// A withheld marker has no key material and must be skipped.
		require.NoError(tx.PutGroupSession(&GroupSessionRecord{
			RoomID: "!r", SenderKey: "k2", SessionID: "g2", WithheldCode: wire.WithheldNoOlm,
		}))
		n, err := tx.MarkAllForBackup()
		require.NoError(err)
		require.Equal(1, n)
		return nil
	})
	require.NoError(err)
}

func TestMigrationState(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, []PartitionID{PartitionAccount}, func(tx Txn) error {
		v, err := tx.MigrationState()
		require.NoError(err)
		require.Equal(0, v)
		return tx.PutMigrationState(3)
	})
	require.NoError(err)

	err = s.View(ctx, []PartitionID{PartitionAccount}, func(tx Txn) error {
		v, err := tx.MigrationState()
		require.NoError(err)
		require.Equal(3, v)
		return nil
	})
	require.NoError(err)
}
