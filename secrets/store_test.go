// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/core/log"
	"github.com/veilchat/veilchat/store"
	"github.com/veilchat/veilchat/wire"
)

// sendCaptureAPI records to-device sends and stubs out the rest.
type sendCaptureAPI struct {
	wire.KeyAPI

	mu    sync.Mutex
	sends []*wire.ToDeviceBatch
}

func (a *sendCaptureAPI) SendToDevice(ctx context.Context, batch *wire.ToDeviceBatch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, batch)
	return nil
}

func (a *sendCaptureAPI) lastSend() *wire.ToDeviceBatch {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sends) == 0 {
		return nil
	}
	return a.sends[len(a.sends)-1]
}

func newTestStore(t *testing.T) (*Store, *sendCaptureAPI) {
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	api := &sendCaptureAPI{}
	s := NewStore(st, api, nil, nil, log.NewDiscard(), "@self:example.org", "SELFDEV")
	return s, api
}

func TestPutGetRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	stored, err := s.IsStored(ctx, NameMegolmBackupKey)
	require.NoError(err)
	require.False(stored)
	_, err = s.Get(ctx, NameMegolmBackupKey)
	require.ErrorIs(err, ErrNotStored)

	require.NoError(s.AddKey(ctx, "keyA", testKey(t), true))
	secret := []byte("recovery key material")
	require.NoError(s.Put(ctx, NameMegolmBackupKey, secret))

	stored, err = s.IsStored(ctx, NameMegolmBackupKey)
	require.NoError(err)
	require.True(stored)

	out, err := s.Get(ctx, NameMegolmBackupKey)
	require.NoError(err)
	require.Equal(secret, out)
}

func TestGetWithoutUsableKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	dir := t.TempDir()
	st, err := store.OpenBolt(filepath.Join(dir, "state.db"))
	require.NoError(err)
	t.Cleanup(func() { st.Close() })

	writer := NewStore(st, &sendCaptureAPI{}, nil, nil, log.NewDiscard(), "@self:example.org", "SELFDEV")
	require.NoError(writer.AddKey(ctx, "keyA", testKey(t), true))
	require.NoError(writer.Put(ctx, "some.secret", []byte("hidden")))

	// A store over the same state that holds no keys sees the secret but
	// cannot open it.
	reader := NewStore(st, &sendCaptureAPI{}, nil, nil, log.NewDiscard(), "@self:example.org", "SELFDEV")
	stored, err := reader.IsStored(ctx, "some.secret")
	require.NoError(err)
	require.True(stored)
	_, err = reader.Get(ctx, "some.secret")
	require.ErrorIs(err, ErrNoUsableKey)

	// Once the key arrives, the reader can open it too.
	require.NoError(reader.AddKey(ctx, "keyA", testKey(t), false))
	out, err := reader.Get(ctx, "some.secret")
	require.NoError(err)
	require.Equal([]byte("hidden"), out)
}

func TestCheckKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.CheckKey(ctx, "keyA", testKey(t))
	require.ErrorIs(err, ErrNotStored)

	require.NoError(s.AddKey(ctx, "keyA", testKey(t), true))

	ok, err := s.CheckKey(ctx, "keyA", testKey(t))
	require.NoError(err)
	require.True(ok)

	wrong := testKey(t)
	wrong[0] ^= 0xff
	ok, err = s.CheckKey(ctx, "keyA", wrong)
	require.NoError(err)
	require.False(ok)
}

func TestRequestResolvedByFirstValidReply(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, api := newTestStore(t)

	want := []byte("the shared secret")
	req, err := s.RequestSecret(ctx, NameMegolmBackupKey,
		[]wire.DeviceID{"OTHER1", "OTHER2"},
		func(b []byte) bool { return bytes.Equal(b, want) })
	require.NoError(err)

	sent := api.lastSend()
	require.NotNil(sent)
	require.Equal(wire.EventTypeSecretRequest, sent.Type)
	require.Len(sent.Messages["@self:example.org"], 2)
	content := sent.Messages["@self:example.org"]["OTHER1"].(*wire.SecretRequestContent)
	require.Equal("request", content.Action)
	require.Equal(req.ID, content.RequestID)

	// Malformed and mismatched replies are ignored without resolving.
	s.HandleReply(&wire.SecretSendContent{RequestID: req.ID, Secret: "!!not-base64!!"})
	s.HandleReply(&wire.SecretSendContent{
		RequestID: req.ID,
		Secret:    base64.RawStdEncoding.EncodeToString([]byte("wrong")),
	})
	select {
	case <-req.Ch():
		t.Fatal("request resolved by an invalid reply")
	default:
	}

	// A reply for an unknown request is ignored.
	s.HandleReply(&wire.SecretSendContent{
		RequestID: "nonexistent",
		Secret:    base64.RawStdEncoding.EncodeToString(want),
	})

	s.HandleReply(&wire.SecretSendContent{
		RequestID: req.ID,
		Secret:    base64.RawStdEncoding.EncodeToString(want),
	})
	got, ok := <-req.Ch()
	require.True(ok)
	require.Equal(want, got)

	// Later duplicates are dropped now that the request is resolved.
	s.HandleReply(&wire.SecretSendContent{
		RequestID: req.ID,
		Secret:    base64.RawStdEncoding.EncodeToString(want),
	})
	_, ok = <-req.Ch()
	require.False(ok)
}

func TestRequestCancel(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, api := newTestStore(t)

	req, err := s.RequestSecret(ctx, NameMegolmBackupKey, []wire.DeviceID{"OTHER1"}, nil)
	require.NoError(err)
	require.NoError(req.Cancel(ctx))

	sent := api.lastSend()
	require.NotNil(sent)
	content := sent.Messages["@self:example.org"]["OTHER1"].(*wire.SecretRequestContent)
	require.Equal("request_cancellation", content.Action)
	require.Equal(req.ID, content.RequestID)

	_, ok := <-req.Ch()
	require.False(ok)

	// Replies after cancellation are ignored, and a second cancel is a
	// no-op that sends nothing.
	s.HandleReply(&wire.SecretSendContent{
		RequestID: req.ID,
		Secret:    base64.RawStdEncoding.EncodeToString([]byte("late")),
	})
	before := len(api.sends)
	require.NoError(req.Cancel(ctx))
	require.Len(api.sends, before)
}
