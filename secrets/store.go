// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/sessions"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/trust"
	"github.com/veilchat/veilchat/wire"
)

// Well-known secret names.
const (
	NameMegolmBackupKey      = "m.megolm_backup.v1"
	NameCrossSigningMaster   = "m.cross_signing.master"
	NameCrossSigningSelf     = "m.cross_signing.self_signing"
	NameCrossSigningUserSign = "m.cross_signing.user_signing"
)

// Secret request actions.
const (
	actionRequest      = "request"
	actionCancellation = "request_cancellation"
)

var (
	// ErrNotStored indicates no secret of that name is stored.
	ErrNotStored = errors.New("secrets: not stored")

	// ErrNoUsableKey indicates the secret is stored, but not under any
	// key we hold.
	ErrNoUsableKey = errors.New("secrets: no usable storage key")

	// ErrNoDefaultKey indicates no default storage key is configured.
	ErrNoDefaultKey = errors.New("secrets: no default storage key")
)

// storedSecret is the account-data form of an encrypted secret, holding
// one ciphertext per storage key it was encrypted with.
type storedSecret struct {
	Encrypted map[string]*EncryptedData `json:"encrypted"`
}

// Store encrypts, stores, serves and requests named secrets.
type Store struct {
	log   *logging.Logger
	st    store.Store
	api   wire.KeyAPI
	eng   *sessions.Engine
	trust *trust.Engine

	ownUserID   wire.UserID
	ownDeviceID wire.DeviceID

	keysMu       sync.Mutex
	keys         map[string][]byte
	defaultKeyID string

	reqMu   sync.Mutex
	pending map[string]*Request
}

// NewStore creates a secret sharing store.
func NewStore(st store.Store, api wire.KeyAPI, eng *sessions.Engine, tr *trust.Engine, backend *log.Backend, ownUserID wire.UserID, ownDeviceID wire.DeviceID) *Store {
	return &Store{
		log:         backend.GetLogger("secrets"),
		st:          st,
		api:         api,
		eng:         eng,
		trust:       tr,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		keys:        make(map[string][]byte),
		pending:     make(map[string]*Request),
	}
}

// AddKey registers a storage key we hold and persists its key-check
// value so prospective keys can be tested later.
func (s *Store) AddKey(ctx context.Context, keyID string, key []byte, makeDefault bool) error {
	check, err := KeyCheck(key)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(check)
	if err != nil {
		return err
	}
	err = s.st.Update(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		return tx.PutAccountData("key-check/"+keyID, blob)
	})
	if err != nil {
		return err
	}

	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	s.keys[keyID] = append([]byte{}, key...)
	if makeDefault || s.defaultKeyID == "" {
		s.defaultKeyID = keyID
	}
	return nil
}

// CheckKey tests a prospective key against a registered key's check
// value without exposing the stored key material.
func (s *Store) CheckKey(ctx context.Context, keyID string, candidate []byte) (bool, error) {
	var blob []byte
	err := s.st.View(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		var err error
		blob, err = tx.AccountData("key-check/" + keyID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrNotStored
	}
	if err != nil {
		return false, err
	}
	var check EncryptedData
	if err := json.Unmarshal(blob, &check); err != nil {
		return false, err
	}
	return KeyMatches(candidate, &check), nil
}

// Put encrypts a secret under the named storage keys (the default key
// when none are given) and stores it as account data.
func (s *Store) Put(ctx context.Context, name string, plaintext []byte, keyIDs ...string) error {
	s.keysMu.Lock()
	if len(keyIDs) == 0 {
		if s.defaultKeyID == "" {
			s.keysMu.Unlock()
			return ErrNoDefaultKey
		}
		keyIDs = []string{s.defaultKeyID}
	}
	keys := make(map[string][]byte, len(keyIDs))
	for _, id := range keyIDs {
		k, ok := s.keys[id]
		if !ok {
			s.keysMu.Unlock()
			return ErrNoUsableKey
		}
		keys[id] = k
	}
	s.keysMu.Unlock()

	sec := storedSecret{Encrypted: make(map[string]*EncryptedData, len(keys))}
	for id, k := range keys {
		data, err := EncryptNamed(k, name, plaintext)
		if err != nil {
			return err
		}
		sec.Encrypted[id] = data
	}
	blob, err := json.Marshal(&sec)
	if err != nil {
		return err
	}
	return s.st.Update(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		return tx.PutAccountData("secret/"+name, blob)
	})
}

// Get decrypts a stored secret with any held storage key it was
// encrypted with.  The MAC is verified before plaintext is returned.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	sec, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}

	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	for id, data := range sec.Encrypted {
		key, ok := s.keys[id]
		if !ok {
			continue
		}
		return DecryptNamed(key, name, data)
	}
	return nil, ErrNoUsableKey
}

// IsStored reports whether a secret of that name is stored.
func (s *Store) IsStored(ctx context.Context, name string) (bool, error) {
	_, err := s.load(ctx, name)
	if errors.Is(err, ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) load(ctx context.Context, name string) (*storedSecret, error) {
	var blob []byte
	err := s.st.View(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		var err error
		blob, err = tx.AccountData("secret/" + name)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotStored
	}
	if err != nil {
		return nil, err
	}
	sec := new(storedSecret)
	if err := json.Unmarshal(blob, sec); err != nil {
		return nil, err
	}
	return sec, nil
}

// Request is a cancellable pending secret share request.
type Request struct {
	ID   string
	Name string

	s        *Store
	targets  []wire.DeviceID
	validate func([]byte) bool
	ch       chan []byte
	once     sync.Once
}

// Ch delivers the first accepted reply.  The channel is closed without a
// value when the request is cancelled.
func (r *Request) Ch() <-chan []byte { return r.ch }

// Cancel withdraws the request and tells the targeted devices to stop.
func (r *Request) Cancel(ctx context.Context) error {
	r.s.reqMu.Lock()
	_, live := r.s.pending[r.ID]
	delete(r.s.pending, r.ID)
	r.s.reqMu.Unlock()
	if !live {
		return nil
	}
	r.once.Do(func() { close(r.ch) })
	return r.s.sendRequest(ctx, &wire.SecretRequestContent{
		Action:             actionCancellation,
		RequestID:          r.ID,
		RequestingDeviceID: r.s.ownDeviceID,
	}, r.targets)
}

func (s *Store) sendRequest(ctx context.Context, content *wire.SecretRequestContent, targets []wire.DeviceID) error {
	msgs := make(map[wire.DeviceID]any, len(targets))
	for _, dev := range targets {
		msgs[dev] = content
	}
	return s.api.SendToDevice(ctx, &wire.ToDeviceBatch{
		Type:     wire.EventTypeSecretRequest,
		Messages: map[wire.UserID]map[wire.DeviceID]any{s.ownUserID: msgs},
	})
}

// RequestSecret asks the given devices of our own user for a secret and
// returns a cancellable handle resolved by the first accepted reply.
// The optional validate function rejects mismatched replies; rejected
// and malformed replies are ignored, not fatal.
func (s *Store) RequestSecret(ctx context.Context, name string, targets []wire.DeviceID, validate func([]byte) bool) (*Request, error) {
	var idRaw [16]byte
	if _, err := rand.Reader.Read(idRaw[:]); err != nil {
		return nil, err
	}
	req := &Request{
		ID:       base64.RawURLEncoding.EncodeToString(idRaw[:]),
		Name:     name,
		s:        s,
		targets:  targets,
		validate: validate,
		ch:       make(chan []byte, 1),
	}

	s.reqMu.Lock()
	s.pending[req.ID] = req
	s.reqMu.Unlock()

	err := s.sendRequest(ctx, &wire.SecretRequestContent{
		Action:             actionRequest,
		Name:               name,
		RequestID:          req.ID,
		RequestingDeviceID: s.ownDeviceID,
	}, targets)
	if err != nil {
		s.reqMu.Lock()
		delete(s.pending, req.ID)
		s.reqMu.Unlock()
		return nil, err
	}
	return req, nil
}

// HandleReply feeds an m.secret.send event (already decrypted from its
// olm envelope) to the matching pending request.
func (s *Store) HandleReply(content *wire.SecretSendContent) {
	s.reqMu.Lock()
	req := s.pending[content.RequestID]
	s.reqMu.Unlock()
	if req == nil {
		return
	}
	secret, err := base64.RawStdEncoding.DecodeString(content.Secret)
	if err != nil {
		s.log.Warningf("ignoring malformed secret reply for request %s", content.RequestID)
		return
	}
	if req.validate != nil && !req.validate(secret) {
		s.log.Warningf("ignoring mismatched secret reply for request %s", content.RequestID)
		return
	}

	s.reqMu.Lock()
	delete(s.pending, req.ID)
	s.reqMu.Unlock()
	req.once.Do(func() {
		req.ch <- secret
		close(req.ch)
	})
}

// HandleRequest serves an m.secret.request from one of our own verified
// devices, replying with the secret over an olm envelope.
func (s *Store) HandleRequest(ctx context.Context, sender wire.UserID, content *wire.SecretRequestContent) error {
	if content.Action != actionRequest {
		return nil
	}
	if sender != s.ownUserID || content.RequestingDeviceID == s.ownDeviceID {
		return nil
	}
	if !s.trust.DeviceTrust(sender, content.RequestingDeviceID).Verified() {
		s.log.Warningf("refusing secret request %q from unverified device %s", content.Name, content.RequestingDeviceID)
		return nil
	}

	plaintext, err := s.Get(ctx, content.Name)
	if err != nil {
		if errors.Is(err, ErrNotStored) || errors.Is(err, ErrNoUsableKey) {
			return nil
		}
		return err
	}

	if _, err := s.eng.EnsureSession(ctx, sender, content.RequestingDeviceID, sessions.EnsureOpts{}); err != nil {
		return err
	}
	reply := &wire.SecretSendContent{
		RequestID: content.RequestID,
		Secret:    base64.RawStdEncoding.EncodeToString(plaintext),
	}
	enc, err := s.eng.EncryptToDevice(ctx, sender, content.RequestingDeviceID, wire.EventTypeSecretSend, reply)
	if err != nil {
		return err
	}
	return s.api.SendToDevice(ctx, &wire.ToDeviceBatch{
		Type: wire.EventTypeEncrypted,
		Messages: map[wire.UserID]map[wire.DeviceID]any{
			sender: {content.RequestingDeviceID: enc},
		},
	})
}
