// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/core/retry"
	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

type fakeExporter struct {
	mu      sync.Mutex
	exports map[store.BackupKey]*wire.SessionExport
}

func (f *fakeExporter) add(exp *wire.SessionExport) store.BackupKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.BackupKey{SenderKey: exp.SenderKey, SessionID: exp.SessionID}
	f.exports[key] = exp
	return key
}

func (f *fakeExporter) ExportRoomKey(ctx context.Context, senderKey wire.Curve25519, sessionID wire.SessionID) (*wire.SessionExport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.exports[store.BackupKey{SenderKey: senderKey, SessionID: sessionID}]
	if !ok {
		return nil, errors.New("no such session")
	}
	return exp, nil
}

type fakeBackupAPI struct {
	mu       sync.Mutex
	latest   *wire.BackupVersionInfo
	uploads  []*wire.KeyBackupPayload
	failNext int
	created  int
}

func (f *fakeBackupAPI) GetBackupVersion(ctx context.Context, version string) (*wire.BackupVersionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil || (version != "" && version != f.latest.Version) {
		return nil, wire.ErrBackupVersionNotFound
	}
	info := *f.latest
	return &info, nil
}

func (f *fakeBackupAPI) CreateBackupVersion(ctx context.Context, info *wire.BackupVersionInfo) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	stored := *info
	stored.Version = fmt.Sprintf("%d", f.created)
	f.latest = &stored
	return stored.Version, nil
}

func (f *fakeBackupAPI) UpdateBackupVersion(ctx context.Context, version string, info *wire.BackupVersionInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil || f.latest.Version != version {
		return wire.ErrBackupVersionNotFound
	}
	f.latest.AuthData = info.AuthData
	return nil
}

func (f *fakeBackupAPI) UploadBackupKeys(ctx context.Context, version string, payload *wire.KeyBackupPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("transient server error")
	}
	if f.latest == nil {
		return wire.ErrBackupVersionNotFound
	}
	if f.latest.Version != version {
		return wire.ErrBackupVersionMismatch
	}
	f.uploads = append(f.uploads, payload)
	return nil
}

func (f *fakeBackupAPI) GetBackupKeys(ctx context.Context, version string) (*wire.KeyBackupPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil || f.latest.Version != version {
		return nil, wire.ErrBackupVersionNotFound
	}
	out := &wire.KeyBackupPayload{Rooms: make(map[wire.RoomID]wire.RoomKeyBackup)}
	for _, up := range f.uploads {
		for roomID, room := range up.Rooms {
			merged, ok := out.Rooms[roomID]
			if !ok {
				merged = wire.RoomKeyBackup{Sessions: make(map[wire.SessionID]wire.KeyBackupSessionData)}
				out.Rooms[roomID] = merged
			}
			for id, entry := range room.Sessions {
				merged.Sessions[id] = entry
			}
		}
	}
	return out, nil
}

func (f *fakeBackupAPI) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeBackupAPI, *fakeExporter, store.Store) {
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := devices.New(st, nil, log.NewDiscard(), devices.Options{FlushDelay: time.Hour})
	t.Cleanup(dir.Halt)

	api := &fakeBackupAPI{}
	exp := &fakeExporter{exports: make(map[store.BackupKey]*wire.SessionExport)}
	if opts.RetryPolicy == (retry.Policy{}) {
		opts.RetryPolicy = retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}
	}
	m := New(st, api, exp, dir, log.NewDiscard(), "@self:example.org", opts)
	t.Cleanup(m.Halt)
	return m, api, exp, st
}

func markSession(t *testing.T, st store.Store, exp *fakeExporter, room wire.RoomID, sessionID wire.SessionID) {
	key := exp.add(&wire.SessionExport{
		Algorithm:          wire.AlgorithmMegolm,
		RoomID:             room,
		SessionID:          sessionID,
		SenderKey:          "sender-key",
		SessionKey:         "session-key-" + string(sessionID),
		SenderClaimedKeys:  map[string]string{"ed25519": "sender-ed25519"},
		ForwardingKeyChain: []string{},
	})
	err := st.Update(context.Background(), []store.PartitionID{store.PartitionBackupMarkers}, func(tx store.Txn) error {
		return tx.MarkForBackup(key)
	})
	require.NoError(t, err)
}

func pendingCount(t *testing.T, st store.Store) int {
	var n int
	err := st.View(context.Background(), []store.PartitionID{store.PartitionBackupMarkers}, func(tx store.Txn) error {
		var err error
		n, err = tx.BackupPendingCount()
		return err
	})
	require.NoError(t, err)
	return n
}

func TestUploadDrainsPending(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m, api, exp, st := newTestManager(t, Options{BatchSize: 2})

	markSession(t, st, exp, "!room1:example.org", "sess1")
	markSession(t, st, exp, "!room1:example.org", "sess2")
	markSession(t, st, exp, "!room2:example.org", "sess3")

	recoveryKey, version, err := m.Create(ctx, &Asymmetric{}, nil, nil)
	require.NoError(err)
	require.Equal(version, m.Version())

	require.Eventually(func() bool { return pendingCount(t, st) == 0 },
		5*time.Second, 10*time.Millisecond)

	// Batch size 2 with 3 sessions pending means two uploads.
	require.Eventually(func() bool { return api.uploadCount() == 2 },
		time.Second, 10*time.Millisecond)

	restored, skipped, err := m.FetchAndDecrypt(ctx, version, recoveryKey)
	require.NoError(err)
	require.Zero(skipped)
	require.Len(restored, 3)

	wrong := append([]byte{}, recoveryKey...)
	wrong[0] ^= 0xff
	_, _, err = m.FetchAndDecrypt(ctx, version, wrong)
	require.ErrorIs(err, ErrKeyMismatch)
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m, api, exp, st := newTestManager(t, Options{})

	markSession(t, st, exp, "!room:example.org", "sess1")
	api.mu.Lock()
	api.failNext = 2
	api.mu.Unlock()

	_, _, err := m.Create(ctx, &Asymmetric{}, nil, nil)
	require.NoError(err)

	require.Eventually(func() bool { return pendingCount(t, st) == 0 },
		5*time.Second, 10*time.Millisecond)
	require.Equal(1, api.uploadCount())
}

func TestUploadOutlastsSustainedTransientFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m, api, exp, st := newTestManager(t, Options{})

	markSession(t, st, exp, "!room:example.org", "sess1")
	api.mu.Lock()
	api.failNext = 25
	api.mu.Unlock()

	_, _, err := m.Create(ctx, &Asymmetric{}, nil, nil)
	require.NoError(err)

	// The loop keeps backing off through an arbitrarily long run of
	// plain failures; pending work is only abandoned on Halt or a
	// version conflict.
	require.Eventually(func() bool { return pendingCount(t, st) == 0 },
		10*time.Second, 10*time.Millisecond)
	require.Equal(1, api.uploadCount())
	require.Equal("1", m.Version())
}

func TestUploadStopsOnSupersededVersion(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m, api, exp, st := newTestManager(t, Options{})

	_, version, err := m.Create(ctx, &Asymmetric{}, nil, nil)
	require.NoError(err)
	require.Eventually(func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.running
	}, time.Second, 5*time.Millisecond)

	// Another device replaces the version on the server.
	api.mu.Lock()
	api.latest.Version = "superseded"
	api.mu.Unlock()

	markSession(t, st, exp, "!room:example.org", "sess1")
	m.Trigger()

	require.Eventually(func() bool { return m.Version() == "" },
		5*time.Second, 10*time.Millisecond)
	require.Zero(api.uploadCount())
	require.Equal(1, pendingCount(t, st))
	_ = version
}

func TestUnexportableSessionsAreDropped(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m, _, exp, st := newTestManager(t, Options{})

	// Marked but not exportable, like a withheld marker.
	err := st.Update(ctx, []store.PartitionID{store.PartitionBackupMarkers}, func(tx store.Txn) error {
		return tx.MarkForBackup(store.BackupKey{SenderKey: "ghost", SessionID: "ghost"})
	})
	require.NoError(err)
	markSession(t, st, exp, "!room:example.org", "sess1")

	_, _, err = m.Create(ctx, &Asymmetric{}, nil, nil)
	require.NoError(err)

	require.Eventually(func() bool { return pendingCount(t, st) == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestVerifyVersionPinnedKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m, _, _, _ := newTestManager(t, Options{})

	key, version, err := m.Create(ctx, &Symmetric{}, nil, nil)
	require.NoError(err)
	info, err := m.api.GetBackupVersion(ctx, version)
	require.NoError(err)

	vt, err := m.VerifyVersion(info, key)
	require.NoError(err)
	require.True(vt.KeyPinned)
	require.True(vt.Usable())

	wrong := append([]byte{}, key...)
	wrong[0] ^= 0xff
	vt, err = m.VerifyVersion(info, wrong)
	require.NoError(err)
	require.False(vt.Usable())

	_, err = m.VerifyVersion(&wire.BackupVersionInfo{Algorithm: "m.bogus.v0"}, nil)
	require.ErrorIs(err, ErrUnknownAlgorithm)
}
