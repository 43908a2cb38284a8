// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keyrequest manages outgoing room key requests: a persistent
// per-request state machine and a background sender that delivers
// requests and cancellations as targeted per-device messages.
package keyrequest

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/core/retry"
	"github.com/veilchat/veilchat/core/worker"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

// Key request actions.
const (
	actionRequest      = "request"
	actionCancellation = "request_cancellation"
)

const snapshotKey = "room-key-requests"

// State is the lifecycle state of one outgoing key request.
type State int

const (
	// Unsent requests await their first delivery.
	Unsent State = iota

	// Sent requests are live on the wire.
	Sent

	// CancellationPending requests are withdrawn; once the cancellation
	// is delivered the entry is deleted.
	CancellationPending

	// CancellationPendingAndWillResend requests are withdrawn and
	// re-queued: after the cancellation is delivered the entry becomes
	// Unsent again instead of being deleted.
	CancellationPendingAndWillResend
)

// String returns a human readable state name.
func (s State) String() string {
	switch s {
	case Unsent:
		return "unsent"
	case Sent:
		return "sent"
	case CancellationPending:
		return "cancellation-pending"
	case CancellationPendingAndWillResend:
		return "cancellation-pending-will-resend"
	default:
		return "unknown"
	}
}

// Request is one outgoing key request.
type Request struct {
	RequestID  string
	Body       wire.RoomKeyRequestBody
	Recipients map[wire.UserID][]wire.DeviceID
	State      State
}

type snapshot struct {
	Requests []*Request
}

// Options tunes the key request manager.
type Options struct {
	// ScanInterval is how often the background scan looks for entries
	// needing a send.
	ScanInterval time.Duration

	// RetryPolicy is the backoff schedule after a failed send pass.
	RetryPolicy retry.Policy

	// MaxAttempts bounds consecutive failed passes before the loop gives
	// up until the next trigger or scan.
	MaxAttempts int
}

func (o *Options) applyDefaults() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Minute
	}
	if o.RetryPolicy == (retry.Policy{}) {
		o.RetryPolicy = retry.DefaultPolicy()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
}

// Manager drives the outgoing key request state machine.
type Manager struct {
	worker.Worker

	log         *logging.Logger
	st          store.Store
	api         wire.KeyAPI
	ownDeviceID wire.DeviceID
	opts        Options

	mu       sync.Mutex
	running  bool
	requests map[string]*Request
}

// New creates the manager, restoring persisted requests, and starts the
// background scan.
func New(ctx context.Context, st store.Store, api wire.KeyAPI, backend *log.Backend, ownDeviceID wire.DeviceID, opts Options) (*Manager, error) {
	opts.applyDefaults()
	m := &Manager{
		log:         backend.GetLogger("keyrequest"),
		st:          st,
		api:         api,
		ownDeviceID: ownDeviceID,
		opts:        opts,
		requests:    make(map[string]*Request),
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	m.Go(m.scanLoop)
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	var blob []byte
	err := m.st.View(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		var err error
		blob, err = tx.AccountData(snapshotKey)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if _, err := cbor.UnmarshalFirst(blob, &snap); err != nil {
		return err
	}
	for _, req := range snap.Requests {
		m.requests[req.RequestID] = req
	}
	return nil
}

// persistLocked writes the request set.  Callers hold mu.
func (m *Manager) persistLocked(ctx context.Context) error {
	snap := snapshot{Requests: make([]*Request, 0, len(m.requests))}
	for _, req := range m.requests {
		snap.Requests = append(snap.Requests, req)
	}
	blob, err := cbor.Marshal(&snap)
	if err != nil {
		return err
	}
	return m.st.Update(ctx, []store.PartitionID{store.PartitionAccount}, func(tx store.Txn) error {
		return tx.PutAccountData(snapshotKey, blob)
	})
}

func newRequestID() (string, error) {
	var raw [16]byte
	if _, err := rand.Reader.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// findLocked returns the request whose body deep-equals body, or nil.
func (m *Manager) findLocked(body *wire.RoomKeyRequestBody) *Request {
	for _, req := range m.requests {
		if req.Body == *body {
			return req
		}
	}
	return nil
}

// Queue adds an outgoing key request.  A request with an identical body
// is left untouched unless resend is set, which drives a
// cancel-and-resend transition instead of adding a duplicate.
func (m *Manager) Queue(ctx context.Context, body *wire.RoomKeyRequestBody, recipients map[wire.UserID][]wire.DeviceID, resend bool) error {
	m.mu.Lock()
	if existing := m.findLocked(body); existing != nil {
		changed := false
		if resend {
			switch existing.State {
			case Sent, CancellationPending:
				existing.State = CancellationPendingAndWillResend
				existing.Recipients = recipients
				changed = true
			}
		}
		var err error
		if changed {
			err = m.persistLocked(ctx)
		}
		m.mu.Unlock()
		if changed {
			m.Trigger()
		}
		return err
	}

	id, err := newRequestID()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.requests[id] = &Request{
		RequestID:  id,
		Body:       *body,
		Recipients: recipients,
		State:      Unsent,
	}
	err = m.persistLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.Trigger()
	return nil
}

// Cancel withdraws the request matching body.  A request that was never
// sent is deleted outright; a live one transitions to
// CancellationPending and a cancellation goes out on the wire.
func (m *Manager) Cancel(ctx context.Context, body *wire.RoomKeyRequestBody) error {
	m.mu.Lock()
	req := m.findLocked(body)
	if req == nil {
		m.mu.Unlock()
		return nil
	}
	switch req.State {
	case Unsent:
		delete(m.requests, req.RequestID)
	case Sent, CancellationPendingAndWillResend:
		req.State = CancellationPending
	}
	err := m.persistLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.Trigger()
	return nil
}

// RequestState reports the state of the request matching body.
func (m *Manager) RequestState(body *wire.RoomKeyRequestBody) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.findLocked(body)
	if req == nil {
		return 0, false
	}
	return req.State, true
}

// Trigger kicks the send loop.  At most one loop runs at a time; while
// one is running this is a no-op, the running loop picks up new work.
func (m *Manager) Trigger() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.Go(m.sendLoop)
}

func (m *Manager) scanLoop() {
	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
			m.Trigger()
		}
	}
}

func (m *Manager) sendLoop() {
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

	attempt := 0
	for {
		m.mu.Lock()
		var pending []*Request
		for _, req := range m.requests {
			if req.State != Sent {
				pending = append(pending, &Request{
					RequestID:  req.RequestID,
					Body:       req.Body,
					Recipients: req.Recipients,
					State:      req.State,
				})
			}
		}
		m.mu.Unlock()
		if len(pending) == 0 {
			return
		}

		progress := false
		failed := false
		for _, req := range pending {
			if err := m.dispatch(ctx, req); err != nil {
				m.log.Warningf("sending key request %s: %v", req.RequestID, err)
				failed = true
				continue
			}
			progress = true
		}

		if progress {
			m.mu.Lock()
			if err := m.persistLocked(ctx); err != nil {
				m.log.Errorf("persisting key requests: %v", err)
			}
			m.mu.Unlock()
		}
		if !failed {
			continue
		}
		attempt++
		if attempt >= m.opts.MaxAttempts {
			m.log.Warningf("giving up on key request sends after %d attempts", attempt)
			return
		}
		timer := time.NewTimer(m.opts.RetryPolicy.Delay(attempt))
		select {
		case <-timer.C:
		case <-m.HaltCh():
			timer.Stop()
			return
		}
	}
}

// dispatch performs the network send for one pending request and applies
// the resulting state transition.
func (m *Manager) dispatch(ctx context.Context, req *Request) error {
	switch req.State {
	case Unsent:
		content := &wire.RoomKeyRequestContent{
			Action:             actionRequest,
			Body:               &req.Body,
			RequestID:          req.RequestID,
			RequestingDeviceID: m.ownDeviceID,
		}
		if err := m.send(ctx, req.Recipients, content); err != nil {
			return err
		}
		m.transition(req.RequestID, Unsent, Sent)

	case CancellationPending, CancellationPendingAndWillResend:
		content := &wire.RoomKeyRequestContent{
			Action:             actionCancellation,
			RequestID:          req.RequestID,
			RequestingDeviceID: m.ownDeviceID,
		}
		if err := m.send(ctx, req.Recipients, content); err != nil {
			return err
		}
		m.mu.Lock()
		live, ok := m.requests[req.RequestID]
		switch {
		case !ok:
		case req.State == CancellationPending && live.State == CancellationPending:
			delete(m.requests, req.RequestID)
		case req.State == CancellationPendingAndWillResend && live.State == CancellationPendingAndWillResend:
			// Re-enters the send path under a fresh request id so the
			// resend is not mistaken for the cancelled request.
			delete(m.requests, req.RequestID)
			if id, err := newRequestID(); err == nil {
				m.requests[id] = &Request{
					RequestID:  id,
					Body:       live.Body,
					Recipients: live.Recipients,
					State:      Unsent,
				}
			}
		}
		m.mu.Unlock()
	}
	return nil
}

// transition applies from -> to unless a concurrent caller already moved
// the request elsewhere.
func (m *Manager) transition(id string, from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok && req.State == from {
		req.State = to
	}
}

func (m *Manager) send(ctx context.Context, recipients map[wire.UserID][]wire.DeviceID, content *wire.RoomKeyRequestContent) error {
	msgs := make(map[wire.UserID]map[wire.DeviceID]any, len(recipients))
	for u, devs := range recipients {
		msgs[u] = make(map[wire.DeviceID]any, len(devs))
		for _, dev := range devs {
			msgs[u][dev] = content
		}
	}
	return m.api.SendToDevice(ctx, &wire.ToDeviceBatch{
		Type:     wire.EventTypeRoomKeyRequest,
		Messages: msgs,
	})
}
