// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"context"
	"errors"
)

// Errors the network collaborator is required to surface as distinguishable
// values so the retry loops can react per cause.
var (
	// ErrBackupVersionNotFound indicates the backup version no longer
	// exists on the server.
	ErrBackupVersionNotFound = errors.New("wire: backup version not found")

	// ErrBackupVersionMismatch indicates the upload targeted a version
	// that has been superseded.
	ErrBackupVersionMismatch = errors.New("wire: backup version mismatch")
)

// KeyAPI is the network collaborator for device key operations.  All calls
// block until the server round trip completes and honor ctx cancellation.
type KeyAPI interface {
	// QueryKeys performs a batched device-key query.
	QueryKeys(ctx context.Context, req *KeyQueryRequest) (*KeyQueryResponse, error)

	// ClaimOneTimeKeys claims one one-time key per listed device.
	ClaimOneTimeKeys(ctx context.Context, claims []OneTimeKeyClaim) (*ClaimResponse, error)

	// SendToDevice delivers targeted per-device messages.
	SendToDevice(ctx context.Context, batch *ToDeviceBatch) error

	// UploadKeys publishes our own device keys and one-time/fallback keys.
	UploadKeys(ctx context.Context, deviceKeys *DeviceKeys, oneTimeKeys map[KeyID]any) error

	// UploadCrossSigningKeys publishes a cross-signing hierarchy.  The
	// implementation is responsible for driving interactive auth.
	UploadCrossSigningKeys(ctx context.Context, master, selfSigning, userSigning *CrossSigningKey) error

	// UploadSignatures publishes signatures of other users' keys.
	UploadSignatures(ctx context.Context, sigs map[UserID]map[string]any) error
}

// BackupAPI is the network collaborator for the key backup resource.
type BackupAPI interface {
	// GetBackupVersion fetches a backup version, or the latest one when
	// version is empty.
	GetBackupVersion(ctx context.Context, version string) (*BackupVersionInfo, error)

	// CreateBackupVersion creates a new backup version and returns its id.
	CreateBackupVersion(ctx context.Context, info *BackupVersionInfo) (string, error)

	// UpdateBackupVersion replaces the auth data of an existing version.
	UpdateBackupVersion(ctx context.Context, version string, info *BackupVersionInfo) error

	// UploadBackupKeys uploads a batch of encrypted session records.
	// Implementations must return ErrBackupVersionNotFound or
	// ErrBackupVersionMismatch when the server reports those conditions.
	UploadBackupKeys(ctx context.Context, version string, payload *KeyBackupPayload) error

	// GetBackupKeys fetches all encrypted session records in a version.
	GetBackupKeys(ctx context.Context, version string) (*KeyBackupPayload, error)
}
