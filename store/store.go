// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store defines the transactional persistence collaborator of the
// encryption core, and provides a bbolt-backed implementation of it.
// All reads and writes happen inside transactions scoped to an explicit
// list of named partitions; writes within one transaction commit or fail
// atomically.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/veilchat/veilchat/wire"
)

// PartitionID names a storage partition.
type PartitionID string

// The partitions the encryption core operates on.
const (
	PartitionAccount       PartitionID = "account"
	PartitionSessions      PartitionID = "sessions"
	PartitionGroupSessions PartitionID = "inbound-group-sessions"
	PartitionDeviceData    PartitionID = "device-data"
	PartitionBackupMarkers PartitionID = "backup-markers"
)

// AllPartitions lists every partition, for callers that genuinely need the
// whole store in one transaction.
var AllPartitions = []PartitionID{
	PartitionAccount,
	PartitionSessions,
	PartitionGroupSessions,
	PartitionDeviceData,
	PartitionBackupMarkers,
}

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrPartitionNotOpen indicates an access outside the transaction's
	// declared partition scope.
	ErrPartitionNotOpen = errors.New("store: partition not in transaction scope")
)

// SessionRecord is a persisted pairwise session.
type SessionRecord struct {
	SenderKey wire.Curve25519
	SessionID wire.SessionID
	Pickle    []byte
	LastUse   time.Time
}

// GroupSessionRecord is a persisted inbound group session, or a withheld
// marker when Pickle is empty and WithheldCode is set.
type GroupSessionRecord struct {
	RoomID             wire.RoomID
	SenderKey          wire.Curve25519
	SessionID          wire.SessionID
	Pickle             []byte
	ClaimedKeys        map[string]string
	ForwardingKeyChain []string
	Untrusted          bool
	SharedHistory      bool
	WithheldCode       string
	WithheldReason     string
}

// OutboundGroupRecord is the persisted outbound group session of a room.
type OutboundGroupRecord struct {
	RoomID  wire.RoomID
	Pickle  []byte
	Created time.Time
}

// IndexEntry records which event claimed a group session message index.
type IndexEntry struct {
	EventID   wire.EventID
	Timestamp int64
}

// BackupKey identifies a group session in the backup-pending set.
type BackupKey struct {
	SenderKey wire.Curve25519
	SessionID wire.SessionID
}

// Txn is a transaction scoped to a set of partitions.  Accessors touching
// a partition outside the transaction's scope fail with
// ErrPartitionNotOpen.
type Txn interface {
	// Account partition.
	AccountPickle() ([]byte, error)
	PutAccountPickle(pickle []byte) error
	AccountData(name string) ([]byte, error)
	PutAccountData(name string, blob []byte) error
	MigrationState() (int, error)
	PutMigrationState(v int) error

	// Sessions partition.
	Session(senderKey wire.Curve25519, id wire.SessionID) (*SessionRecord, error)
	PutSession(rec *SessionRecord) error
	DeleteSession(senderKey wire.Curve25519, id wire.SessionID) error
	SessionsForDevice(senderKey wire.Curve25519) ([]*SessionRecord, error)
	OutboundGroupSession(roomID wire.RoomID) (*OutboundGroupRecord, error)
	PutOutboundGroupSession(rec *OutboundGroupRecord) error
	DeleteOutboundGroupSession(roomID wire.RoomID) error

	// Inbound group sessions partition.
	GroupSession(senderKey wire.Curve25519, id wire.SessionID) (*GroupSessionRecord, error)
	PutGroupSession(rec *GroupSessionRecord) error
	GroupSessionsForRoom(roomID wire.RoomID) ([]*GroupSessionRecord, error)
	MessageIndex(id wire.SessionID, index uint32) (*IndexEntry, error)
	PutMessageIndex(id wire.SessionID, index uint32, entry *IndexEntry) error

	// Backup markers partition.
	MarkForBackup(key BackupKey) error
	UnmarkBackup(keys []BackupKey) error
	MarkAllForBackup() (int, error)
	BackupPending(limit int) ([]BackupKey, error)
	BackupPendingCount() (int, error)

	// Device data partition.
	DeviceSnapshot() ([]byte, error)
	PutDeviceSnapshot(blob []byte) error
}

// Store is the transactional persistence collaborator.
type Store interface {
	// View runs fn inside a read-only transaction scoped to partitions.
	View(ctx context.Context, partitions []PartitionID, fn func(Txn) error) error

	// Update runs fn inside a read-write transaction scoped to
	// partitions.  All writes commit atomically, or none do.
	Update(ctx context.Context, partitions []PartitionID, fn func(Txn) error) error

	Close() error
}
