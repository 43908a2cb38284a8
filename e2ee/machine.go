// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package e2ee wires the encryption core together: one Machine owns the
// device directory, trust engine, session engine, key backup manager,
// outgoing key request manager and secret store, routes to-device
// events to the right component, and dispatches per-room encrypt and
// decrypt calls.
package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilchat/veilchat/backup"
	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/keyrequest"
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/secrets"
	"github.com/veilchat/veilchat/sessions"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/trust"
	"github.com/veilchat/veilchat/wire"
)

// schemaVersion is the store layout this build writes.
const schemaVersion = 1

// ErrStoreTooNew indicates the store was written by a newer build.
var ErrStoreTooNew = errors.New("e2ee: store schema newer than this build")

// Config assembles the per-component options of one machine.
type Config struct {
	OwnUserID   wire.UserID
	OwnDeviceID wire.DeviceID
	PickleKey   olm.PickleKey

	Devices     devices.Options
	Trust       trust.Options
	Sessions    sessions.Options
	Backup      backup.Options
	KeyRequests keyrequest.Options
}

// Machine is the encryption core orchestrator.
type Machine struct {
	log *logging.Logger
	st  store.Store
	api wire.KeyAPI

	dir      *devices.Directory
	trust    *trust.Engine
	sessions *sessions.Engine
	backup   *backup.Manager
	requests *keyrequest.Manager
	secrets  *secrets.Store

	ownUserID   wire.UserID
	ownDeviceID wire.DeviceID

	shutdownOnce sync.Once
}

// New builds a machine over the given store and network collaborators.
func New(ctx context.Context, st store.Store, keyAPI wire.KeyAPI, backupAPI wire.BackupAPI, backend *log.Backend, cfg Config) (*Machine, error) {
	if err := migrate(ctx, st); err != nil {
		return nil, err
	}

	dir := devices.New(st, keyAPI, backend, cfg.Devices)
	if err := dir.Load(ctx); err != nil {
		dir.Halt()
		return nil, err
	}
	tr := trust.New(dir, backend, cfg.OwnUserID, cfg.OwnDeviceID, cfg.Trust)
	eng, err := sessions.New(ctx, st, keyAPI, dir, tr, backend, cfg.OwnUserID, cfg.OwnDeviceID, cfg.PickleKey, cfg.Sessions)
	if err != nil {
		dir.Halt()
		return nil, err
	}
	bm := backup.New(st, backupAPI, eng, dir, backend, cfg.OwnUserID, cfg.Backup)
	kr, err := keyrequest.New(ctx, st, keyAPI, backend, cfg.OwnDeviceID, cfg.KeyRequests)
	if err != nil {
		dir.Halt()
		bm.Halt()
		return nil, err
	}
	sec := secrets.NewStore(st, keyAPI, eng, tr, backend, cfg.OwnUserID, cfg.OwnDeviceID)

	m := &Machine{
		log:         backend.GetLogger("e2ee"),
		st:          st,
		api:         keyAPI,
		dir:         dir,
		trust:       tr,
		sessions:    eng,
		backup:      bm,
		requests:    kr,
		secrets:     sec,
		ownUserID:   cfg.OwnUserID,
		ownDeviceID: cfg.OwnDeviceID,
	}
	m.dir.Track(cfg.OwnUserID)
	return m, nil
}

func migrate(ctx context.Context, st store.Store) error {
	return st.Update(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		v, err := tx.MigrationState()
		if errors.Is(err, store.ErrNotFound) {
			v = 0
		} else if err != nil {
			return err
		}
		if v > schemaVersion {
			return ErrStoreTooNew
		}
		if v < schemaVersion {
			return tx.PutMigrationState(schemaVersion)
		}
		return nil
	})
}

// Component accessors.
func (m *Machine) Devices() *devices.Directory    { return m.dir }
func (m *Machine) Trust() *trust.Engine           { return m.trust }
func (m *Machine) Sessions() *sessions.Engine     { return m.sessions }
func (m *Machine) Backup() *backup.Manager        { return m.backup }
func (m *Machine) KeyRequests() *keyrequest.Manager { return m.requests }
func (m *Machine) Secrets() *secrets.Store        { return m.secrets }

// Events returns the directory's change notification channel.
func (m *Machine) Events() <-chan devices.Event {
	return m.dir.Events()
}

// PublishKeys uploads our device keys and key material.
func (m *Machine) PublishKeys(ctx context.Context) error {
	return m.sessions.PublishKeys(ctx)
}

// HandleDeviceLists applies a sync's device list delta: changed users
// are invalidated, departed users stop being tracked.
func (m *Machine) HandleDeviceLists(changed, left []wire.UserID) {
	for _, u := range changed {
		m.dir.Invalidate(u)
	}
	for _, u := range left {
		if u != m.ownUserID {
			m.dir.StopTracking(u)
		}
	}
}

// EncryptRoomEvent encrypts a room event, sharing (or re-sharing after
// rotation) the room key to the recipients' devices first when needed.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID wire.RoomID, recipients []wire.UserID, eventType string, content any) (*wire.MegolmEncryptedContent, error) {
	enc, err := m.sessions.EncryptRoomEvent(ctx, roomID, eventType, content)
	if !errors.Is(err, sessions.ErrNoOutboundGroupSession) {
		return enc, err
	}

	if _, err := m.dir.DownloadKeys(ctx, recipients, false); err != nil {
		return nil, fmt.Errorf("e2ee: fetching recipient devices: %w", err)
	}
	if err := m.sessions.ShareRoomKey(ctx, roomID, recipients); err != nil {
		return nil, err
	}
	m.backup.Trigger()
	return m.sessions.EncryptRoomEvent(ctx, roomID, eventType, content)
}

// DecryptRoomEvent decrypts a room event.  A missing group session
// additionally queues an outgoing key request to our other devices
// before the error is surfaced.
func (m *Machine) DecryptRoomEvent(ctx context.Context, roomID wire.RoomID, eventID wire.EventID, content *wire.MegolmEncryptedContent) (*sessions.DecryptedRoomEvent, error) {
	dec, err := m.sessions.DecryptRoomEvent(ctx, roomID, eventID, content)
	if errors.Is(err, sessions.ErrNoGroupSession) {
		if qerr := m.RequestRoomKey(ctx, roomID, content); qerr != nil {
			m.log.Warningf("queueing key request for %s: %v", content.SessionID, qerr)
		}
	}
	return dec, err
}

// RequestRoomKey queues an outgoing key request for the session an
// event was encrypted with, addressed to our own other devices.
func (m *Machine) RequestRoomKey(ctx context.Context, roomID wire.RoomID, content *wire.MegolmEncryptedContent) error {
	body := &wire.RoomKeyRequestBody{
		Algorithm: content.Algorithm,
		RoomID:    roomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	}
	var devs []wire.DeviceID
	for id := range m.dir.UserDevices(m.ownUserID) {
		if id != m.ownDeviceID {
			devs = append(devs, id)
		}
	}
	if len(devs) == 0 {
		// The wildcard reaches devices we have not downloaded yet.
		devs = []wire.DeviceID{"*"}
	}
	return m.requests.Queue(ctx, body, map[wire.UserID][]wire.DeviceID{m.ownUserID: devs}, false)
}

// HandleToDeviceEvent routes one to-device event to the component that
// consumes it.  Encrypted envelopes carrying an application-level
// message the core does not consume are returned decrypted; all other
// cases return nil.
func (m *Machine) HandleToDeviceEvent(ctx context.Context, ev *wire.ToDeviceEvent) (*sessions.DecryptedOlmEvent, error) {
	switch ev.Type {
	case wire.EventTypeEncrypted:
		return m.handleEncrypted(ctx, ev.Sender, ev.Content)

	case wire.EventTypeRoomKeyWithheld:
		var content wire.RoomKeyWithheldContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, err
		}
		return nil, m.sessions.MarkWithheld(ctx, &content)

	case wire.EventTypeRoomKeyRequest:
		var content wire.RoomKeyRequestContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, err
		}
		return nil, m.handleRoomKeyRequest(ctx, ev.Sender, &content)

	case wire.EventTypeSecretRequest:
		var content wire.SecretRequestContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, err
		}
		return nil, m.secrets.HandleRequest(ctx, ev.Sender, &content)

	default:
		return nil, nil
	}
}

// handleEncrypted decrypts an olm envelope and routes its payload.
func (m *Machine) handleEncrypted(ctx context.Context, sender wire.UserID, raw json.RawMessage) (*sessions.DecryptedOlmEvent, error) {
	var content wire.OlmEncryptedContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}
	dec, err := m.sessions.DecryptToDevice(ctx, sender, &content)
	if err != nil {
		return nil, err
	}

	switch dec.Type {
	case wire.EventTypeRoomKey:
		var rk wire.RoomKeyContent
		if err := json.Unmarshal(dec.Content, &rk); err != nil {
			return nil, err
		}
		if err := m.sessions.ImportRoomKey(ctx, dec.SenderKey, dec.SenderSigningKey, &rk); err != nil {
			return nil, err
		}
		m.keyArrived(ctx, &wire.RoomKeyRequestBody{
			Algorithm: rk.Algorithm,
			RoomID:    rk.RoomID,
			SenderKey: dec.SenderKey,
			SessionID: rk.SessionID,
		})
		return nil, nil

	case wire.EventTypeForwardedRoomKey:
		var fwd wire.ForwardedRoomKeyContent
		if err := json.Unmarshal(dec.Content, &fwd); err != nil {
			return nil, err
		}
		if err := m.sessions.ImportForwardedRoomKey(ctx, dec.SenderKey, &fwd); err != nil {
			return nil, err
		}
		m.keyArrived(ctx, &wire.RoomKeyRequestBody{
			Algorithm: fwd.Algorithm,
			RoomID:    fwd.RoomID,
			SenderKey: fwd.SenderKey,
			SessionID: fwd.SessionID,
		})
		return nil, nil

	case wire.EventTypeSecretSend:
		var send wire.SecretSendContent
		if err := json.Unmarshal(dec.Content, &send); err != nil {
			return nil, err
		}
		m.secrets.HandleReply(&send)
		return nil, nil

	default:
		return dec, nil
	}
}

// keyArrived kicks the backup for a freshly imported session and
// withdraws the matching outgoing key request, if any.
func (m *Machine) keyArrived(ctx context.Context, body *wire.RoomKeyRequestBody) {
	m.backup.Trigger()
	if err := m.requests.Cancel(ctx, body); err != nil {
		m.log.Warningf("cancelling fulfilled key request: %v", err)
	}
}

// handleRoomKeyRequest serves a key request from one of our own verified
// devices by forwarding the session key over an olm envelope.
func (m *Machine) handleRoomKeyRequest(ctx context.Context, sender wire.UserID, content *wire.RoomKeyRequestContent) error {
	if content.Action != "request" || content.Body == nil {
		return nil
	}
	if sender != m.ownUserID || content.RequestingDeviceID == m.ownDeviceID {
		return nil
	}
	if !m.trust.DeviceTrust(sender, content.RequestingDeviceID).Verified() {
		m.log.Warningf("refusing key request from unverified device %s", content.RequestingDeviceID)
		return nil
	}

	exp, err := m.sessions.ExportRoomKey(ctx, content.Body.SenderKey, content.Body.SessionID)
	if errors.Is(err, sessions.ErrNoGroupSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if exp.RoomID != content.Body.RoomID {
		m.log.Warningf("key request for %s names the wrong room", content.Body.SessionID)
		return nil
	}

	fwd := &wire.ForwardedRoomKeyContent{
		Algorithm:                exp.Algorithm,
		RoomID:                   exp.RoomID,
		SenderKey:                exp.SenderKey,
		SessionID:                exp.SessionID,
		SessionKey:               exp.SessionKey,
		SenderClaimedEd25519Key:  exp.SenderClaimedKeys["ed25519"],
		ForwardingCurve25519Keys: exp.ForwardingKeyChain,
		SharedHistory:            exp.SharedHistory,
	}
	if _, err := m.sessions.EnsureSession(ctx, sender, content.RequestingDeviceID, sessions.EnsureOpts{}); err != nil {
		return err
	}
	enc, err := m.sessions.EncryptToDevice(ctx, sender, content.RequestingDeviceID, wire.EventTypeForwardedRoomKey, fwd)
	if err != nil {
		return err
	}
	return m.api.SendToDevice(ctx, &wire.ToDeviceBatch{
		Type: wire.EventTypeEncrypted,
		Messages: map[wire.UserID]map[wire.DeviceID]any{
			sender: {content.RequestingDeviceID: enc},
		},
	})
}

// RestoreBackup downloads a backup version, decrypts it with key, and
// imports every restored session.  It returns how many sessions were
// imported.
func (m *Machine) RestoreBackup(ctx context.Context, version string, key []byte) (int, error) {
	info, err := m.backup.VersionInfo(ctx, version)
	if err != nil {
		return 0, err
	}
	untrusted, err := backup.Untrusted(info.Algorithm)
	if err != nil {
		return 0, err
	}
	exports, _, err := m.backup.FetchAndDecrypt(ctx, info.Version, key)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, exp := range exports {
		if err := m.sessions.ImportBackedUp(ctx, exp, untrusted); err != nil {
			m.log.Warningf("importing backed up session %s: %v", exp.SessionID, err)
			continue
		}
		imported++
	}
	m.log.Noticef("restored %d sessions from backup version %s", imported, info.Version)
	return imported, nil
}

// Shutdown stops the background loops and flushes pending state.
// Repeated calls are no-ops.
func (m *Machine) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.requests.Halt()
		m.backup.Halt()
		err = m.dir.Shutdown(ctx)
	})
	return err
}
