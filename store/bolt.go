// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/veilchat/veilchat/wire"
)

// Key prefixes within the partition buckets.  The base64 alphabet never
// contains '|', so it is safe as a separator.
const (
	prefixSession  = "s|"
	prefixOutbound = "o|"
	prefixRoomIdx  = "r|"
	prefixIndex    = "i|"
	prefixData     = "d|"

	keyAccountPickle  = "pickle"
	keyMigrationState = "migration"
	keyDeviceSnapshot = "snapshot"
)

// BoltStore is a Store backed by a single bbolt database, one bucket per
// partition.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bolt-backed store.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, p := range AllPartitions {
			if _, err := tx.CreateBucketIfNotExists([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// View implements Store.
func (s *BoltStore) View(ctx context.Context, partitions []PartitionID, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(newBoltTxn(tx, partitions))
	})
}

// Update implements Store.
func (s *BoltStore) Update(ctx context.Context, partitions []PartitionID, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(newBoltTxn(tx, partitions))
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTxn struct {
	tx    *bolt.Tx
	scope map[PartitionID]bool
}

func newBoltTxn(tx *bolt.Tx, partitions []PartitionID) *boltTxn {
	scope := make(map[PartitionID]bool, len(partitions))
	for _, p := range partitions {
		scope[p] = true
	}
	return &boltTxn{tx: tx, scope: scope}
}

func (t *boltTxn) bucket(p PartitionID) (*bolt.Bucket, error) {
	if !t.scope[p] {
		return nil, ErrPartitionNotOpen
	}
	return t.tx.Bucket([]byte(p)), nil
}

func sessionKey(senderKey wire.Curve25519, id wire.SessionID) []byte {
	return []byte(prefixSession + string(senderKey) + "|" + string(id))
}

func (t *boltTxn) AccountPickle() ([]byte, error) {
	b, err := t.bucket(PartitionAccount)
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(keyAccountPickle))
	if v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *boltTxn) PutAccountPickle(pickle []byte) error {
	b, err := t.bucket(PartitionAccount)
	if err != nil {
		return err
	}
	return b.Put([]byte(keyAccountPickle), pickle)
}

func (t *boltTxn) AccountData(name string) ([]byte, error) {
	b, err := t.bucket(PartitionAccount)
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(prefixData + name))
	if v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *boltTxn) PutAccountData(name string, blob []byte) error {
	b, err := t.bucket(PartitionAccount)
	if err != nil {
		return err
	}
	return b.Put([]byte(prefixData+name), blob)
}

func (t *boltTxn) MigrationState() (int, error) {
	b, err := t.bucket(PartitionAccount)
	if err != nil {
		return 0, err
	}
	v := b.Get([]byte(keyMigrationState))
	if v == nil {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(v)), nil
}

func (t *boltTxn) PutMigrationState(version int) error {
	b, err := t.bucket(PartitionAccount)
	if err != nil {
		return err
	}
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(version))
	return b.Put([]byte(keyMigrationState), v[:])
}

func (t *boltTxn) Session(senderKey wire.Curve25519, id wire.SessionID) (*SessionRecord, error) {
	b, err := t.bucket(PartitionSessions)
	if err != nil {
		return nil, err
	}
	v := b.Get(sessionKey(senderKey, id))
	if v == nil {
		return nil, ErrNotFound
	}
	rec := new(SessionRecord)
	if _, err := cbor.UnmarshalFirst(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *boltTxn) PutSession(rec *SessionRecord) error {
	b, err := t.bucket(PartitionSessions)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(sessionKey(rec.SenderKey, rec.SessionID), blob)
}

func (t *boltTxn) DeleteSession(senderKey wire.Curve25519, id wire.SessionID) error {
	b, err := t.bucket(PartitionSessions)
	if err != nil {
		return err
	}
	return b.Delete(sessionKey(senderKey, id))
}

func (t *boltTxn) SessionsForDevice(senderKey wire.Curve25519) ([]*SessionRecord, error) {
	b, err := t.bucket(PartitionSessions)
	if err != nil {
		return nil, err
	}
	prefix := []byte(prefixSession + string(senderKey) + "|")
	var out []*SessionRecord
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec := new(SessionRecord)
		if _, err := cbor.UnmarshalFirst(v, rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *boltTxn) OutboundGroupSession(roomID wire.RoomID) (*OutboundGroupRecord, error) {
	b, err := t.bucket(PartitionSessions)
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(prefixOutbound + string(roomID)))
	if v == nil {
		return nil, ErrNotFound
	}
	rec := new(OutboundGroupRecord)
	if _, err := cbor.UnmarshalFirst(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *boltTxn) PutOutboundGroupSession(rec *OutboundGroupRecord) error {
	b, err := t.bucket(PartitionSessions)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(prefixOutbound+string(rec.RoomID)), blob)
}

func (t *boltTxn) DeleteOutboundGroupSession(roomID wire.RoomID) error {
	b, err := t.bucket(PartitionSessions)
	if err != nil {
		return err
	}
	return b.Delete([]byte(prefixOutbound + string(roomID)))
}

func (t *boltTxn) GroupSession(senderKey wire.Curve25519, id wire.SessionID) (*GroupSessionRecord, error) {
	b, err := t.bucket(PartitionGroupSessions)
	if err != nil {
		return nil, err
	}
	v := b.Get(sessionKey(senderKey, id))
	if v == nil {
		return nil, ErrNotFound
	}
	rec := new(GroupSessionRecord)
	if _, err := cbor.UnmarshalFirst(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *boltTxn) PutGroupSession(rec *GroupSessionRecord) error {
	b, err := t.bucket(PartitionGroupSessions)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.Put(sessionKey(rec.SenderKey, rec.SessionID), blob); err != nil {
		return err
	}
	// Maintain the room-scoped secondary index.
	idx := prefixRoomIdx + string(rec.RoomID) + "|" + string(rec.SenderKey) + "|" + string(rec.SessionID)
	return b.Put([]byte(idx), []byte{1})
}

func (t *boltTxn) GroupSessionsForRoom(roomID wire.RoomID) ([]*GroupSessionRecord, error) {
	b, err := t.bucket(PartitionGroupSessions)
	if err != nil {
		return nil, err
	}
	prefix := []byte(prefixRoomIdx + string(roomID) + "|")
	var out []*GroupSessionRecord
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		rest := k[len(prefix):]
		sep := bytes.IndexByte(rest, '|')
		if sep < 0 {
			continue
		}
		rec, err := t.GroupSession(wire.Curve25519(rest[:sep]), wire.SessionID(rest[sep+1:]))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func indexKey(id wire.SessionID, index uint32) []byte {
	k := []byte(prefixIndex + string(id) + "|")
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], index)
	return append(k, n[:]...)
}

func (t *boltTxn) MessageIndex(id wire.SessionID, index uint32) (*IndexEntry, error) {
	b, err := t.bucket(PartitionGroupSessions)
	if err != nil {
		return nil, err
	}
	v := b.Get(indexKey(id, index))
	if v == nil {
		return nil, ErrNotFound
	}
	entry := new(IndexEntry)
	if _, err := cbor.UnmarshalFirst(v, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (t *boltTxn) PutMessageIndex(id wire.SessionID, index uint32, entry *IndexEntry) error {
	b, err := t.bucket(PartitionGroupSessions)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put(indexKey(id, index), blob)
}

func backupKey(k BackupKey) []byte {
	return []byte(string(k.SenderKey) + "|" + string(k.SessionID))
}

func (t *boltTxn) MarkForBackup(key BackupKey) error {
	b, err := t.bucket(PartitionBackupMarkers)
	if err != nil {
		return err
	}
	return b.Put(backupKey(key), []byte{1})
}

func (t *boltTxn) UnmarkBackup(keys []BackupKey) error {
	b, err := t.bucket(PartitionBackupMarkers)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(backupKey(k)); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) MarkAllForBackup() (int, error) {
	gb, err := t.bucket(PartitionGroupSessions)
	if err != nil {
		return 0, err
	}
	bb, err := t.bucket(PartitionBackupMarkers)
	if err != nil {
		return 0, err
	}
	prefix := []byte(prefixSession)
	n := 0
	c := gb.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec := new(GroupSessionRecord)
		if _, err := cbor.UnmarshalFirst(v, rec); err != nil {
			continue
		}
		if len(rec.Pickle) == 0 {
			continue // withheld marker, nothing to back up
		}
		if err := bb.Put(backupKey(BackupKey{rec.SenderKey, rec.SessionID}), []byte{1}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *boltTxn) BackupPending(limit int) ([]BackupKey, error) {
	b, err := t.bucket(PartitionBackupMarkers)
	if err != nil {
		return nil, err
	}
	var out []BackupKey
	c := b.Cursor()
	for k, _ := c.First(); k != nil && len(out) < limit; k, _ = c.Next() {
		sep := bytes.IndexByte(k, '|')
		if sep < 0 {
			continue
		}
		out = append(out, BackupKey{
			SenderKey: wire.Curve25519(k[:sep]),
			SessionID: wire.SessionID(k[sep+1:]),
		})
	}
	return out, nil
}

func (t *boltTxn) BackupPendingCount() (int, error) {
	b, err := t.bucket(PartitionBackupMarkers)
	if err != nil {
		return 0, err
	}
	return b.Stats().KeyN, nil
}

func (t *boltTxn) DeviceSnapshot() ([]byte, error) {
	b, err := t.bucket(PartitionDeviceData)
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(keyDeviceSnapshot))
	if v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *boltTxn) PutDeviceSnapshot(blob []byte) error {
	b, err := t.bucket(PartitionDeviceData)
	if err != nil {
		return err
	}
	return b.Put([]byte(keyDeviceSnapshot), blob)
}
