// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/core/retry"
	"github.com/veilchat/veilchat/core/worker"
	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

// ErrNotEnabled indicates no backup version is active.
var ErrNotEnabled = errors.New("backup: not enabled")

// Exporter turns a stored group session into its cleartext export form.
// Satisfied by the session engine.
type Exporter interface {
	ExportRoomKey(ctx context.Context, senderKey wire.Curve25519, sessionID wire.SessionID) (*wire.SessionExport, error)
}

// Signer signs JSON objects with the device key.  Satisfied by the
// session engine.
type Signer interface {
	SignJSON(raw json.RawMessage) (json.RawMessage, error)
}

// Options tunes the backup manager.
type Options struct {
	// BatchSize bounds how many sessions one upload carries.
	BatchSize int

	// RetryPolicy is the backoff schedule for failed uploads.
	RetryPolicy retry.Policy

	// InitialJitterMax delays the first upload by a uniformly random
	// duration, so a user's devices do not all upload in lockstep.
	InitialJitterMax time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.RetryPolicy == (retry.Policy{}) {
		o.RetryPolicy = retry.DefaultPolicy()
	}
}

// Manager drives the background upload of group sessions to the active
// backup version.
type Manager struct {
	worker.Worker

	log       *logging.Logger
	st        store.Store
	api       wire.BackupAPI
	exp       Exporter
	dir       *devices.Directory
	ownUserID wire.UserID
	opts      Options

	mu      sync.Mutex
	running bool
	version string
	alg     Algorithm
}

// New creates a backup manager.  No version is active until Enable or
// Create.
func New(st store.Store, api wire.BackupAPI, exp Exporter, dir *devices.Directory, backend *log.Backend, ownUserID wire.UserID, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		log:       backend.GetLogger("backup"),
		st:        st,
		api:       api,
		exp:       exp,
		dir:       dir,
		ownUserID: ownUserID,
		opts:      opts,
	}
}

// Create makes a new backup version on the server.  key may be nil to
// generate fresh material; the signer, when given, signs the auth data
// with the device key.  The new version becomes the active one.
func (m *Manager) Create(ctx context.Context, alg Algorithm, key []byte, signer Signer) (recoveryKey []byte, version string, err error) {
	recoveryKey, authData, err := alg.Prepare(key)
	if err != nil {
		return nil, "", err
	}
	if signer != nil {
		if authData, err = signer.SignJSON(authData); err != nil {
			return nil, "", err
		}
	}
	version, err = m.api.CreateBackupVersion(ctx, &wire.BackupVersionInfo{
		Algorithm: alg.ID(),
		AuthData:  authData,
	})
	if err != nil {
		return nil, "", err
	}
	m.log.Noticef("created backup version %s (%s)", version, alg.ID())
	m.enable(version, alg)
	return recoveryKey, version, nil
}

// Enable makes an existing version the upload target.  The algorithm
// must already be bound to the version's auth data.
func (m *Manager) Enable(version string, alg Algorithm) {
	m.enable(version, alg)
}

func (m *Manager) enable(version string, alg Algorithm) {
	m.mu.Lock()
	m.version = version
	m.alg = alg
	m.mu.Unlock()
	m.Trigger()
}

// Disable stops uploading.  Pending markers are kept for the next
// enabled version.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version != "" {
		m.log.Noticef("backup version %s disabled", m.version)
	}
	m.version = ""
	m.alg = nil
}

// Version returns the active version id, or empty when disabled.
func (m *Manager) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// MarkAll re-marks every stored group session for upload, for a fresh
// version that starts empty.
func (m *Manager) MarkAll(ctx context.Context) (int, error) {
	var n int
	parts := []store.PartitionID{store.PartitionGroupSessions, store.PartitionBackupMarkers}
	err := m.st.Update(ctx, parts, func(tx store.Txn) error {
		var err error
		n, err = tx.MarkAllForBackup()
		return err
	})
	if err != nil {
		return 0, err
	}
	m.Trigger()
	return n, nil
}

// Trigger kicks the upload loop.  At most one loop runs at a time;
// triggering while one is running is a no-op, the running loop drains
// everything pending anyway.
func (m *Manager) Trigger() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.version == "" {
		return
	}
	m.running = true
	m.Go(m.uploadLoop)
}

func (m *Manager) uploadLoop() {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	if !m.sleep(retry.InitialJitter(m.opts.InitialJitterMax)) {
		return
	}

	attempt := 0
	for {
		m.mu.Lock()
		version, alg := m.version, m.alg
		m.mu.Unlock()
		if version == "" {
			return
		}

		keys, payload, err := m.collect(ctx, alg)
		if err != nil {
			m.log.Errorf("collecting backup batch: %v", err)
			return
		}
		if len(keys) == 0 {
			m.log.Debugf("backup drained, version %s", version)
			return
		}

		err = m.api.UploadBackupKeys(ctx, version, payload)
		switch {
		case err == nil:
			err = m.st.Update(ctx, []store.PartitionID{store.PartitionBackupMarkers}, func(tx store.Txn) error {
				return tx.UnmarkBackup(keys)
			})
			if err != nil {
				m.log.Errorf("unmarking uploaded sessions: %v", err)
				return
			}
			m.log.Debugf("uploaded %d sessions to version %s", len(keys), version)
			attempt = 0

		case errors.Is(err, wire.ErrBackupVersionNotFound), errors.Is(err, wire.ErrBackupVersionMismatch):
			m.log.Warningf("upload to version %s rejected: %v", version, err)
			m.handleVersionConflict(ctx, version)
			return

		case ctx.Err() != nil:
			return

		default:
			// Plain transient failure.  The pending markers are durable
			// and the version is still ours, so keep retrying with the
			// backoff capped by the policy; only Halt or a version
			// conflict ends the pass.
			attempt++
			m.log.Warningf("backup upload failed (attempt %d): %v", attempt, err)
			if !m.sleep(m.opts.RetryPolicy.Delay(attempt)) {
				return
			}
		}
	}
}

func (m *Manager) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.HaltCh():
		return false
	}
}

// collect builds one upload batch from the backup-pending set.
// Sessions that cannot be exported or encrypted are dropped from the
// pending set rather than wedging the loop.
func (m *Manager) collect(ctx context.Context, alg Algorithm) ([]store.BackupKey, *wire.KeyBackupPayload, error) {
	var pending []store.BackupKey
	err := m.st.View(ctx, []store.PartitionID{store.PartitionBackupMarkers}, func(tx store.Txn) error {
		var err error
		pending, err = tx.BackupPending(m.opts.BatchSize)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	payload := &wire.KeyBackupPayload{Rooms: make(map[wire.RoomID]wire.RoomKeyBackup)}
	var done []store.BackupKey
	var dropped []store.BackupKey
	for _, key := range pending {
		exp, err := m.exp.ExportRoomKey(ctx, key.SenderKey, key.SessionID)
		if err != nil {
			m.log.Warningf("dropping unexportable session %s from backup: %v", key.SessionID, err)
			dropped = append(dropped, key)
			continue
		}
		blob, err := alg.EncryptSession(exp)
		if err != nil {
			m.log.Warningf("dropping session %s from backup: %v", key.SessionID, err)
			dropped = append(dropped, key)
			continue
		}
		room, ok := payload.Rooms[exp.RoomID]
		if !ok {
			room = wire.RoomKeyBackup{Sessions: make(map[wire.SessionID]wire.KeyBackupSessionData)}
			payload.Rooms[exp.RoomID] = room
		}
		room.Sessions[exp.SessionID] = wire.KeyBackupSessionData{
			FirstMessageIndex: exp.FirstKnownIndex,
			ForwardedCount:    len(exp.ForwardingKeyChain),
			IsVerified:        len(exp.ForwardingKeyChain) == 0,
			SessionData:       blob,
		}
		done = append(done, key)
	}

	if len(dropped) > 0 {
		err = m.st.Update(ctx, []store.PartitionID{store.PartitionBackupMarkers}, func(tx store.Txn) error {
			return tx.UnmarkBackup(dropped)
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return done, payload, nil
}

// handleVersionConflict re-reads the server's current version after a
// rejected upload and disables uploading when ours is gone or
// superseded.
func (m *Manager) handleVersionConflict(ctx context.Context, version string) {
	latest, err := m.api.GetBackupVersion(ctx, "")
	switch {
	case errors.Is(err, wire.ErrBackupVersionNotFound):
		m.log.Warningf("backup version %s deleted on server", version)
	case err != nil:
		m.log.Errorf("re-checking backup version: %v", err)
	case latest.Version != version:
		m.log.Warningf("backup version %s superseded by %s", version, latest.Version)
	default:
		// Transient server confusion; keep the version and let the next
		// trigger retry.
		return
	}
	m.Disable()
}

// VersionTrust describes how a backup version descriptor was validated.
type VersionTrust struct {
	// SignedByMaster is set when the auth data carries a valid signature
	// from our pinned cross-signing master key.
	SignedByMaster bool

	// SignedByVerifiedDevice is set when a locally verified device of
	// ours signed the auth data.
	SignedByVerifiedDevice bool

	// KeyPinned is set when a locally held backup key matches the
	// version.
	KeyPinned bool
}

// Usable reports whether the version may be uploaded to.
func (t VersionTrust) Usable() bool {
	return t.SignedByMaster || t.SignedByVerifiedDevice || t.KeyPinned
}

// VerifyVersion validates a version descriptor structurally and
// resolves the signatures in its auth data against our cross-signing
// hierarchy and verified devices.  pinnedKey, when given, additionally
// checks a locally held backup key against the version.
func (m *Manager) VerifyVersion(info *wire.BackupVersionInfo, pinnedKey []byte) (VersionTrust, error) {
	alg, err := NewAlgorithm(info.Algorithm)
	if err != nil {
		return VersionTrust{}, err
	}
	if err := alg.CheckVersion(info); err != nil {
		return VersionTrust{}, err
	}

	var vt VersionTrust
	if pinnedKey != nil {
		ok, err := alg.KeyMatches(pinnedKey, info.AuthData)
		if err != nil {
			return VersionTrust{}, err
		}
		vt.KeyPinned = ok
	}

	var signed struct {
		Signatures wire.Signatures `json:"signatures"`
	}
	if err := json.Unmarshal(info.AuthData, &signed); err != nil {
		return vt, nil
	}
	cs := m.dir.CrossSigning(m.ownUserID)
	for keyID := range signed.Signatures[m.ownUserID] {
		if keyID.Algorithm != wire.KeyAlgorithmEd25519 {
			continue
		}
		if cs != nil {
			if master := cs.MasterKey(); master != nil && master.Verified && string(master.PublicKey) == keyID.ID {
				if olm.VerifySignedJSON(info.AuthData, string(m.ownUserID), keyID.String(), string(master.PublicKey)) == nil {
					vt.SignedByMaster = true
					continue
				}
			}
		}
		dev, ok := m.dir.Device(m.ownUserID, wire.DeviceID(keyID.ID))
		if !ok || dev.Verification != devices.Verified {
			continue
		}
		if olm.VerifySignedJSON(info.AuthData, string(m.ownUserID), keyID.String(), string(dev.SigningKey())) == nil {
			vt.SignedByVerifiedDevice = true
		}
	}
	return vt, nil
}

// VersionInfo fetches a backup version's descriptor from the server.
// An empty version selects the latest.
func (m *Manager) VersionInfo(ctx context.Context, version string) (*wire.BackupVersionInfo, error) {
	return m.api.GetBackupVersion(ctx, version)
}

// FetchAndDecrypt downloads a backup version's contents and decrypts
// them with key.  Undecryptable entries are skipped; their count is
// returned alongside the restored sessions.
func (m *Manager) FetchAndDecrypt(ctx context.Context, version string, key []byte) ([]*wire.SessionExport, int, error) {
	info, err := m.api.GetBackupVersion(ctx, version)
	if err != nil {
		return nil, 0, err
	}
	alg, err := NewAlgorithm(info.Algorithm)
	if err != nil {
		return nil, 0, err
	}
	ok, err := alg.KeyMatches(key, info.AuthData)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrKeyMismatch
	}
	payload, err := m.api.GetBackupKeys(ctx, info.Version)
	if err != nil {
		return nil, 0, err
	}
	exports, skipped := alg.DecryptSessions(key, payload)
	if skipped > 0 {
		m.log.Warningf("skipped %d undecryptable sessions restoring version %s", skipped, info.Version)
	}
	return exports, skipped, nil
}

// Untrusted reports whether sessions restored from the given algorithm
// id must be marked untrusted.
func Untrusted(algorithmID string) (bool, error) {
	alg, err := NewAlgorithm(algorithmID)
	if err != nil {
		return false, err
	}
	return alg.Untrusted(), nil
}
