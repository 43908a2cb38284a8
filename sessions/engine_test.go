// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package sessions

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/devices"
	"github.com/veilchat/veilchat/olm"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/trust"
	"github.com/veilchat/veilchat/wire"
)

type otkEntry struct {
	id  wire.KeyID
	obj any
}

// worldAPI is an in-memory key server shared by the test peers.
type worldAPI struct {
	mu         sync.Mutex
	deviceKeys map[wire.UserID]map[wire.DeviceID]wire.DeviceKeys
	otks       map[wire.UserID]map[wire.DeviceID][]otkEntry
	claims     int
	claimDelay time.Duration
	inbox      []*wire.ToDeviceBatch
}

func newWorld() *worldAPI {
	return &worldAPI{
		deviceKeys: make(map[wire.UserID]map[wire.DeviceID]wire.DeviceKeys),
		otks:       make(map[wire.UserID]map[wire.DeviceID][]otkEntry),
	}
}

func (w *worldAPI) QueryKeys(ctx context.Context, req *wire.KeyQueryRequest) (*wire.KeyQueryResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	resp := &wire.KeyQueryResponse{DeviceKeys: make(map[wire.UserID]map[wire.DeviceID]wire.DeviceKeys)}
	for u := range req.DeviceKeys {
		resp.DeviceKeys[u] = w.deviceKeys[u]
	}
	return resp, nil
}

func (w *worldAPI) ClaimOneTimeKeys(ctx context.Context, claims []wire.OneTimeKeyClaim) (*wire.ClaimResponse, error) {
	w.mu.Lock()
	delay := w.claimDelay
	w.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.claims++
	resp := &wire.ClaimResponse{OneTimeKeys: make(map[wire.UserID]map[wire.DeviceID]map[wire.KeyID]wire.ClaimedKey)}
	for _, c := range claims {
		pool := w.otks[c.UserID][c.DeviceID]
		if len(pool) == 0 {
			continue
		}
		entry := pool[0]
		w.otks[c.UserID][c.DeviceID] = pool[1:]

		raw, err := json.Marshal(entry.obj)
		if err != nil {
			return nil, err
		}
		var ck wire.ClaimedKey
		if err := json.Unmarshal(raw, &ck); err != nil {
			return nil, err
		}
		if resp.OneTimeKeys[c.UserID] == nil {
			resp.OneTimeKeys[c.UserID] = make(map[wire.DeviceID]map[wire.KeyID]wire.ClaimedKey)
		}
		resp.OneTimeKeys[c.UserID][c.DeviceID] = map[wire.KeyID]wire.ClaimedKey{entry.id: ck}
	}
	return resp, nil
}

func (w *worldAPI) SendToDevice(ctx context.Context, batch *wire.ToDeviceBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inbox = append(w.inbox, batch)
	return nil
}

func (w *worldAPI) UploadKeys(ctx context.Context, dk *wire.DeviceKeys, otks map[wire.KeyID]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deviceKeys[dk.UserID] == nil {
		w.deviceKeys[dk.UserID] = make(map[wire.DeviceID]wire.DeviceKeys)
	}
	w.deviceKeys[dk.UserID][dk.DeviceID] = *dk
	if w.otks[dk.UserID] == nil {
		w.otks[dk.UserID] = make(map[wire.DeviceID][]otkEntry)
	}
	for id, obj := range otks {
		w.otks[dk.UserID][dk.DeviceID] = append(w.otks[dk.UserID][dk.DeviceID], otkEntry{id: id, obj: obj})
	}
	return nil
}

func (w *worldAPI) UploadCrossSigningKeys(ctx context.Context, master, selfSigning, userSigning *wire.CrossSigningKey) error {
	return nil
}

func (w *worldAPI) UploadSignatures(ctx context.Context, sigs map[wire.UserID]map[string]any) error {
	return nil
}

func (w *worldAPI) claimCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.claims
}

// lastBatch returns the most recent to-device batch of the given type.
func (w *worldAPI) lastBatch(eventType string) *wire.ToDeviceBatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.inbox) - 1; i >= 0; i-- {
		if w.inbox[i].Type == eventType {
			return w.inbox[i]
		}
	}
	return nil
}

type peer struct {
	user wire.UserID
	dev  wire.DeviceID
	eng  *Engine
	dir  *devices.Directory
}

func newPeer(t *testing.T, w *worldAPI, user wire.UserID, dev wire.DeviceID, opts Options) *peer {
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := devices.New(st, w, log.NewDiscard(), devices.Options{FlushDelay: time.Hour})
	t.Cleanup(dir.Halt)
	tr := trust.New(dir, log.NewDiscard(), user, dev, trust.Options{})

	var pickleKey olm.PickleKey
	copy(pickleKey[:], user+"-pickle-key-padding-padding-pad")
	eng, err := New(context.Background(), st, w, dir, tr, log.NewDiscard(), user, dev, pickleKey, opts)
	require.NoError(t, err)
	require.NoError(t, eng.PublishKeys(context.Background()))
	return &peer{user: user, dev: dev, eng: eng, dir: dir}
}

// connect downloads everyone's keys on every peer.
func connect(t *testing.T, peers ...*peer) {
	users := make([]wire.UserID, 0, len(peers))
	for _, p := range peers {
		users = append(users, p.user)
	}
	for _, p := range peers {
		_, err := p.dir.DownloadKeys(context.Background(), users, false)
		require.NoError(t, err)
	}
}

func TestOlmRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	_, err := alice.eng.EnsureSession(ctx, bob.user, bob.dev, EnsureOpts{})
	require.NoError(err)

	enc, err := alice.eng.EncryptToDevice(ctx, bob.user, bob.dev, "m.test", map[string]string{"hello": "bob"})
	require.NoError(err)
	require.Equal(wire.AlgorithmOlm, enc.Algorithm)

	dec, err := bob.eng.DecryptToDevice(ctx, alice.user, enc)
	require.NoError(err)
	require.Equal("m.test", dec.Type)
	require.Equal(alice.eng.IdentityKey(), dec.SenderKey)
	require.Equal(alice.eng.SigningKey(), dec.SenderSigningKey)
	var content map[string]string
	require.NoError(json.Unmarshal(dec.Content, &content))
	require.Equal("bob", content["hello"])

	// Bob replies over the session the pre-key message established, so
	// no claim happens in the other direction.
	claims := w.claimCount()
	reply, err := bob.eng.EncryptToDevice(ctx, alice.user, alice.dev, "m.test", map[string]string{"hello": "alice"})
	require.NoError(err)
	require.Equal(claims, w.claimCount())

	dec, err = alice.eng.DecryptToDevice(ctx, bob.user, reply)
	require.NoError(err)
	require.Equal(bob.user, dec.Sender)
}

func TestDecryptToDeviceRejectsSigningKeyMismatch(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	// Bob's record of alice's device gets a different signing key, as if
	// the server swapped it out after the fact.  The olm payload's
	// claimed ed25519 key no longer matches the published one.
	rec, ok := bob.dir.Device(alice.user, alice.dev)
	require.True(ok)
	rec.Keys[wire.DeviceKeyID(wire.KeyAlgorithmEd25519, alice.dev)] = "forged+signing+key"

	_, err := alice.eng.EnsureSession(ctx, bob.user, bob.dev, EnsureOpts{})
	require.NoError(err)
	enc, err := alice.eng.EncryptToDevice(ctx, bob.user, bob.dev, "m.test", map[string]string{"hello": "bob"})
	require.NoError(err)

	_, err = bob.eng.DecryptToDevice(ctx, alice.user, enc)
	require.ErrorIs(err, ErrSigningKeyMismatch)
}

func TestEnsureSessionSingleClaim(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	w.mu.Lock()
	w.claimDelay = 50 * time.Millisecond
	w.mu.Unlock()

	ids := make([]wire.SessionID, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := alice.eng.EnsureSession(ctx, bob.user, bob.dev, EnsureOpts{})
			require.NoError(err)
			ids[i] = id
		}()
	}
	wg.Wait()

	require.Equal(1, w.claimCount())
	require.Equal(ids[0], ids[1])
}

func TestEnsureSessionAllowParallel(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	w.mu.Lock()
	w.claimDelay = 50 * time.Millisecond
	w.mu.Unlock()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := alice.eng.EnsureSession(ctx, bob.user, bob.dev, EnsureOpts{Force: true, AllowParallel: true})
			require.NoError(err)
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(2, w.claimCount())
}
