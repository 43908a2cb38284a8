// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package devices

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

type userSnapshot struct {
	State   TrackingState
	Devices map[wire.DeviceID]*DeviceRecord
}

type snapshot struct {
	Users        map[wire.UserID]*userSnapshot
	CrossSigning map[wire.UserID]*CrossSigningRecord
	SyncToken    string
}

// Load restores the directory from its persisted snapshot.  A fetch that
// was pending or in flight when the snapshot was taken resumes as pending.
func (d *Directory) Load(ctx context.Context) error {
	var blob []byte
	err := d.st.View(ctx, []store.PartitionID{store.PartitionDeviceData}, func(tx store.Txn) error {
		var err error
		blob, err = tx.DeviceSnapshot()
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshot
	if _, err = cbor.UnmarshalFirst(blob, &snap); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = make(map[wire.UserID]*userEntry, len(snap.Users))
	for u, us := range snap.Users {
		state := us.State
		if state == DownloadInProgress {
			state = PendingDownload
		}
		devices := us.Devices
		if devices == nil {
			devices = make(map[wire.DeviceID]*DeviceRecord)
		}
		d.users[u] = &userEntry{state: state, devices: devices}
	}
	d.crossSigning = snap.CrossSigning
	if d.crossSigning == nil {
		d.crossSigning = make(map[wire.UserID]*CrossSigningRecord)
	}
	d.syncToken = snap.SyncToken
	d.log.Debugf("restored %d tracked users", len(d.users))
	return nil
}

// scheduleFlushLocked arms the debounced snapshot write.
func (d *Directory) scheduleFlushLocked() {
	if !d.dirty || d.flushTimer != nil {
		return
	}
	d.flushTimer = time.AfterFunc(d.opts.FlushDelay, func() {
		if err := d.Flush(context.Background()); err != nil {
			d.log.Errorf("snapshot flush failed: %v", err)
		}
	})
}

// Flush persists the directory snapshot now if there are unwritten
// changes.
func (d *Directory) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	snap := snapshot{
		Users:        make(map[wire.UserID]*userSnapshot, len(d.users)),
		CrossSigning: d.crossSigning,
		SyncToken:    d.syncToken,
	}
	for u, e := range d.users {
		if e.state == NotTracked {
			continue
		}
		snap.Users[u] = &userSnapshot{State: e.state, Devices: e.devices}
	}
	blob, err := cbor.Marshal(&snap)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.dirty = false
	d.mu.Unlock()

	return d.st.Update(ctx, []store.PartitionID{store.PartitionDeviceData}, func(tx store.Txn) error {
		return tx.PutDeviceSnapshot(blob)
	})
}

// Shutdown halts the directory's background work and writes a final
// snapshot.
func (d *Directory) Shutdown(ctx context.Context) error {
	d.Halt()
	return d.Flush(ctx)
}

// SyncToken returns the last stream token the directory was updated at.
func (d *Directory) SyncToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncToken
}

// SetSyncToken records the stream token of the last processed update.
func (d *Directory) SetSyncToken(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.syncToken == token {
		return
	}
	d.syncToken = token
	d.dirty = true
	d.scheduleFlushLocked()
}

// Device returns the directory's record of a single device.
func (d *Directory) Device(u wire.UserID, id wire.DeviceID) (*DeviceRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[u]
	if !ok {
		return nil, false
	}
	rec, ok := e.devices[id]
	return rec, ok
}

// DeviceByIdentityKey returns the device of a user with the given
// curve25519 identity key.
func (d *Directory) DeviceByIdentityKey(u wire.UserID, key wire.Curve25519) (*DeviceRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[u]
	if !ok {
		return nil, false
	}
	for _, rec := range e.devices {
		if rec.IdentityKey() == key {
			return rec, true
		}
	}
	return nil, false
}

// UserDevices returns a copy of a user's device map.
func (d *Directory) UserDevices(u wire.UserID) map[wire.DeviceID]*DeviceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[u]
	if !ok {
		return nil
	}
	out := make(map[wire.DeviceID]*DeviceRecord, len(e.devices))
	for id, rec := range e.devices {
		out[id] = rec
	}
	return out
}

// CrossSigning returns a user's cross-signing record, or nil.
func (d *Directory) CrossSigning(u wire.UserID) *CrossSigningRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crossSigning[u]
}

// SetDeviceVerification sets the local verification state of a device.
func (d *Directory) SetDeviceVerification(u wire.UserID, id wire.DeviceID, state VerificationState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[u]
	if !ok || e.state == NotTracked {
		return ErrNotTracked
	}
	rec, ok := e.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Verification == state {
		return nil
	}
	rec.Verification = state
	d.dirty = true
	d.scheduleFlushLocked()
	return nil
}

// PinMasterKey pins a user's current master key, ending its
// trust-on-first-use window.
func (d *Directory) PinMasterKey(u wire.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.crossSigning[u]
	master := rec.MasterKey()
	if master == nil {
		return store.ErrNotFound
	}
	if master.Verified && !rec.FirstUse {
		return nil
	}
	master.Verified = true
	rec.FirstUse = false
	rec.PreviouslyVerified = true
	d.dirty = true
	d.scheduleFlushLocked()
	return nil
}

// MarkPreviouslyVerified latches the sticky was-once-verified flag on a
// user's cross-signing record.  Unlike PinMasterKey it does not pin the
// master key; it records that verification was reached through some
// chain, so a later downgrade is detectable.
func (d *Directory) MarkPreviouslyVerified(u wire.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.crossSigning[u]
	if rec == nil {
		return store.ErrNotFound
	}
	if rec.PreviouslyVerified {
		return nil
	}
	rec.PreviouslyVerified = true
	d.dirty = true
	d.scheduleFlushLocked()
	return nil
}
