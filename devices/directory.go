// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package devices

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
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

var (
	// ErrNotTracked indicates an operation on a user the directory is
	// not tracking.
	ErrNotTracked = errors.New("devices: user not tracked")

	// ErrHalted indicates the directory was shut down while a caller
	// was waiting on it.
	ErrHalted = errors.New("devices: directory halted")
)

// Options tunes the directory's fetch and persistence behavior.
type Options struct {
	// ChunkSize bounds the number of users per key query request.
	ChunkSize int

	// MaxConcurrentChunks bounds how many chunked requests are in
	// flight at once within one logical fetch.
	MaxConcurrentChunks int

	// FlushDelay is the debounce delay for persisting the directory
	// snapshot after a mutation.
	FlushDelay time.Duration

	// RejectKeyChanges controls the policy for a device that presents
	// a changed ed25519 signing key: the old record is always kept,
	// and when this is set the old record is additionally downgraded
	// to unverified.
	RejectKeyChanges bool

	// QueryRetries is how many attempts a chunk query gets before its
	// users are returned to the pending state.
	QueryRetries int

	// RetryPolicy is the backoff schedule between chunk query attempts.
	RetryPolicy retry.Policy
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 250
	}
	if o.MaxConcurrentChunks <= 0 {
		o.MaxConcurrentChunks = 3
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 500 * time.Millisecond
	}
	if o.QueryRetries <= 0 {
		o.QueryRetries = 3
	}
	if o.RetryPolicy == (retry.Policy{}) {
		o.RetryPolicy = retry.DefaultPolicy()
	}
}

type userEntry struct {
	state   TrackingState
	gen     uint64
	devices map[wire.DeviceID]*DeviceRecord
	waiters []chan error
}

// Directory tracks remote users' device lists and cross-signing keys.
type Directory struct {
	worker.Worker

	log  *logging.Logger
	st   store.Store
	api  wire.KeyAPI
	opts Options

	mu           sync.Mutex
	users        map[wire.UserID]*userEntry
	crossSigning map[wire.UserID]*CrossSigningRecord
	syncToken    string
	queue        map[wire.UserID]struct{}
	fetching     bool
	dirty        bool
	flushTimer   *time.Timer

	events chan Event
}

// New creates a Directory.
func New(st store.Store, api wire.KeyAPI, backend *log.Backend, opts Options) *Directory {
	opts.applyDefaults()
	return &Directory{
		log:          backend.GetLogger("devices"),
		st:           st,
		api:          api,
		opts:         opts,
		users:        make(map[wire.UserID]*userEntry),
		crossSigning: make(map[wire.UserID]*CrossSigningRecord),
		queue:        make(map[wire.UserID]struct{}),
		events:       make(chan Event, 64),
	}
}

// Events returns the directory's change notification channel.
func (d *Directory) Events() <-chan Event {
	return d.events
}

func (d *Directory) emitLocked(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warningf("dropping event %v for %s, subscriber too slow", ev.Type, ev.UserID)
	}
}

// Track starts tracking the given users' device lists.
func (d *Directory) Track(users ...wire.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range users {
		e := d.entryLocked(u)
		if e.state == NotTracked {
			e.state = PendingDownload
			d.dirty = true
		}
	}
	d.scheduleFlushLocked()
}

// StopTracking stops tracking a user.  Any waiters are failed.
func (d *Directory) StopTracking(u wire.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[u]
	if !ok {
		return
	}
	e.state = NotTracked
	e.gen++
	delete(d.queue, u)
	d.notifyLocked(e, ErrNotTracked)
	d.dirty = true
	d.scheduleFlushLocked()
}

// Invalidate marks a user's device list as stale.  An invalidation that
// races an in-flight fetch wins: the fetch completing afterwards will not
// mark the user up to date.
func (d *Directory) Invalidate(u wire.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[u]
	if !ok || e.state == NotTracked {
		return
	}
	e.gen++
	if e.state == UpToDate || e.state == DownloadInProgress {
		e.state = PendingDownload
	}
	d.dirty = true
	d.scheduleFlushLocked()
}

// TrackingState returns a user's download state.
func (d *Directory) TrackingState(u wire.UserID) TrackingState {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[u]
	if !ok {
		return NotTracked
	}
	return e.state
}

func (d *Directory) entryLocked(u wire.UserID) *userEntry {
	e, ok := d.users[u]
	if !ok {
		e = &userEntry{devices: make(map[wire.DeviceID]*DeviceRecord)}
		d.users[u] = e
	}
	return e
}

func (d *Directory) notifyLocked(e *userEntry, err error) {
	for _, ch := range e.waiters {
		ch <- err
		close(ch)
	}
	e.waiters = nil
}

// DownloadKeys returns the device records of the given users, fetching
// from the network as needed.  Users already up to date are served from
// the local directory unless force is set.  Callers whose users have a
// fetch in flight join that fetch's result rather than issuing a
// duplicate query.  Per-user failures are isolated; the returned map
// contains whatever records are available, and the first fetch error (if
// any) is returned alongside it.
func (d *Directory) DownloadKeys(ctx context.Context, users []wire.UserID, force bool) (map[wire.UserID]map[wire.DeviceID]*DeviceRecord, error) {
	var waits []chan error

	d.mu.Lock()
	for _, u := range users {
		e := d.entryLocked(u)
		if !force && e.state == UpToDate {
			continue
		}
		if e.state == NotTracked || e.state == UpToDate {
			e.state = PendingDownload
		}
		// A user whose fetch is already in flight joins that fetch
		// instead of queueing a duplicate query.
		if e.state == PendingDownload || force {
			d.queue[u] = struct{}{}
		}
		ch := make(chan error, 1)
		e.waiters = append(e.waiters, ch)
		waits = append(waits, ch)
	}
	needFetch := len(waits) > 0
	d.mu.Unlock()

	if needFetch {
		d.kickFetch()
	}

	var firstErr error
	for _, ch := range waits {
		select {
		case err := <-ch:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.HaltCh():
			return nil, ErrHalted
		}
	}

	result := make(map[wire.UserID]map[wire.DeviceID]*DeviceRecord, len(users))
	d.mu.Lock()
	for _, u := range users {
		if e, ok := d.users[u]; ok {
			byDevice := make(map[wire.DeviceID]*DeviceRecord, len(e.devices))
			for id, rec := range e.devices {
				byDevice[id] = rec
			}
			result[u] = byDevice
		}
	}
	d.mu.Unlock()
	return result, firstErr
}

// kickFetch starts the fetch goroutine unless one is already running, in
// which case the running one will pick up the queued users.
func (d *Directory) kickFetch() {
	d.mu.Lock()
	if d.fetching {
		d.mu.Unlock()
		return
	}
	d.fetching = true
	d.mu.Unlock()
	d.Go(d.fetchLoop)
}

func (d *Directory) fetchLoop() {
	for {
		select {
		case <-d.HaltCh():
			d.mu.Lock()
			d.fetching = false
			d.mu.Unlock()
			return
		default:
		}

		d.mu.Lock()
		if len(d.queue) == 0 {
			d.fetching = false
			d.mu.Unlock()
			return
		}
		batch := make([]wire.UserID, 0, len(d.queue))
		startGens := make(map[wire.UserID]uint64, len(d.queue))
		for u := range d.queue {
			e := d.entryLocked(u)
			if e.state == NotTracked {
				delete(d.queue, u)
				continue
			}
			e.state = DownloadInProgress
			startGens[u] = e.gen
			batch = append(batch, u)
			delete(d.queue, u)
		}
		token := d.syncToken
		d.mu.Unlock()

		if len(batch) > 0 {
			d.fetchBatch(batch, startGens, token)
		}
	}
}

// fetchBatch issues the chunked key queries for one coalesced batch of
// users, bounding how many chunks are in flight concurrently.
func (d *Directory) fetchBatch(batch []wire.UserID, startGens map[wire.UserID]uint64, token string) {
	sem := make(chan struct{}, d.opts.MaxConcurrentChunks)
	var wg sync.WaitGroup
	for start := 0; start < len(batch); start += d.opts.ChunkSize {
		end := min(start+d.opts.ChunkSize, len(batch))
		chunk := batch[start:end]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.fetchChunk(chunk, startGens, token)
		}()
	}
	wg.Wait()
}

func (d *Directory) fetchChunk(chunk []wire.UserID, startGens map[wire.UserID]uint64, token string) {
	req := &wire.KeyQueryRequest{
		DeviceKeys: make(map[wire.UserID][]wire.DeviceID, len(chunk)),
		Token:      token,
	}
	for _, u := range chunk {
		req.DeviceKeys[u] = nil // all devices
	}

	var resp *wire.KeyQueryResponse
	var err error
	for attempt := 0; attempt < d.opts.QueryRetries; attempt++ {
		resp, err = d.api.QueryKeys(context.Background(), req)
		if err == nil {
			break
		}
		d.log.Warningf("key query for %d users failed (attempt %d): %v", len(chunk), attempt, err)
		select {
		case <-time.After(d.opts.RetryPolicy.Delay(attempt)):
		case <-d.HaltCh():
			err = ErrHalted
		}
		if err == ErrHalted {
			break
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		for _, u := range chunk {
			if e, ok := d.users[u]; ok && e.state == DownloadInProgress {
				e.state = PendingDownload
				d.notifyLocked(e, err)
			}
		}
		return
	}
	d.processResponseLocked(chunk, startGens, resp)
	d.scheduleFlushLocked()
}

func (d *Directory) processResponseLocked(chunk []wire.UserID, startGens map[wire.UserID]uint64, resp *wire.KeyQueryResponse) {
	for _, u := range chunk {
		e, ok := d.users[u]
		if !ok || e.state == NotTracked {
			continue
		}
		e.devices = d.mergeUserDevicesLocked(u, e.devices, resp.DeviceKeys[u])
		if e.gen == startGens[u] && e.state == DownloadInProgress {
			e.state = UpToDate
		} else if e.state == DownloadInProgress {
			// Invalidated while the fetch was in flight; the data is
			// possibly stale and must be fetched again.
			e.state = PendingDownload
		}
		d.dirty = true
		d.notifyLocked(e, nil)
		d.emitLocked(Event{Type: EventDevicesUpdated, UserID: u})
	}

	for u := range resp.MasterKeys {
		master := resp.MasterKeys[u]
		var self, user *wire.CrossSigningKey
		if k, ok := resp.SelfSigningKeys[u]; ok {
			self = &k
		}
		if k, ok := resp.UserSigningKeys[u]; ok {
			user = &k
		}
		if d.updateCrossSigningLocked(u, &master, self, user) {
			d.emitLocked(Event{Type: EventCrossSigningChanged, UserID: u})
		}
	}
}

// mergeUserDevicesLocked builds a user's fresh device map from a query
// response, dropping devices that fail validation and preserving the
// local state of surviving devices.
func (d *Directory) mergeUserDevicesLocked(u wire.UserID, old map[wire.DeviceID]*DeviceRecord, fetched map[wire.DeviceID]wire.DeviceKeys) map[wire.DeviceID]*DeviceRecord {
	fresh := make(map[wire.DeviceID]*DeviceRecord, len(fetched))
	for id, dk := range fetched {
		if dk.UserID != u || dk.DeviceID != id {
			d.log.Warningf("dropping device %s/%s: echo fields mismatch", u, id)
			continue
		}
		signingKey := dk.SigningKey()
		if signingKey == "" {
			d.log.Warningf("dropping device %s/%s: no signing key", u, id)
			continue
		}
		raw, err := json.Marshal(&dk)
		if err != nil {
			continue
		}
		keyID := wire.DeviceKeyID(wire.KeyAlgorithmEd25519, id).String()
		if err := olm.VerifySignedJSON(raw, string(u), keyID, string(signingKey)); err != nil {
			d.log.Warningf("dropping device %s/%s: bad self-signature", u, id)
			continue
		}

		prev := old[id]
		if prev != nil && prev.SigningKey() != signingKey {
			// Possible MITM; keep the old record rather than overwrite.
			d.log.Warningf("device %s/%s signing key changed, keeping old record", u, id)
			if d.opts.RejectKeyChanges && prev.Verification == Verified {
				prev.Verification = Unverified
			}
			fresh[id] = prev
			d.emitLocked(Event{Type: EventKeyChangeRejected, UserID: u})
			continue
		}

		rec := prev
		if rec == nil {
			rec = &DeviceRecord{UserID: u, DeviceID: id}
		}
		rec.Algorithms = dk.Algorithms
		rec.Keys = dk.Keys
		rec.Signatures = dk.Signatures
		rec.Unsigned = dk.Unsigned
		rec.Known = true
		fresh[id] = rec
	}
	return fresh
}

func (d *Directory) updateCrossSigningLocked(u wire.UserID, master, self, user *wire.CrossSigningKey) bool {
	pub := master.PublicKey()
	if pub == "" {
		return false
	}
	rec := d.crossSigning[u]
	changed := false
	switch {
	case rec == nil:
		rec = &CrossSigningRecord{
			Keys:     make(map[wire.CrossSigningUsage]*SigningKey),
			FirstUse: true,
		}
		d.crossSigning[u] = rec
		changed = true
	case rec.MasterKey() == nil || rec.MasterKey().PublicKey != pub:
		// Master key rotation replaces the record wholesale; the
		// previously-verified flag is monotonic and survives.
		rec.Keys = make(map[wire.CrossSigningUsage]*SigningKey)
		rec.FirstUse = true
		changed = true
	}

	if rec.MasterKey() == nil {
		rec.Keys[wire.UsageMaster] = &SigningKey{
			UserID:     u,
			Usage:      master.Usage,
			PublicKey:  pub,
			Signatures: master.Signatures,
		}
	} else {
		rec.MasterKey().Signatures = master.Signatures
	}
	for usage, k := range map[wire.CrossSigningUsage]*wire.CrossSigningKey{
		wire.UsageSelfSigning: self,
		wire.UsageUserSigning: user,
	} {
		if k == nil {
			continue
		}
		kpub := k.PublicKey()
		existing := rec.Keys[usage]
		if existing == nil || existing.PublicKey != kpub {
			rec.Keys[usage] = &SigningKey{
				UserID:     u,
				Usage:      k.Usage,
				PublicKey:  kpub,
				Signatures: k.Signatures,
			}
			changed = true
		}
	}
	if changed {
		d.dirty = true
	}
	return changed
}
