// SPDX-FileCopyrightText: 2025, The veilchat authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/wire"
)

// receiveRoomKey drives a peer through decrypting and importing the room
// key the world's last encrypted batch holds for it.
func receiveRoomKey(t *testing.T, w *worldAPI, sender, receiver *peer) wire.RoomKeyContent {
	require := require.New(t)
	ctx := context.Background()

	batch := w.lastBatch(wire.EventTypeEncrypted)
	require.NotNil(batch)
	msg, ok := batch.Messages[receiver.user][receiver.dev]
	require.True(ok)
	enc, ok := msg.(*wire.OlmEncryptedContent)
	require.True(ok)

	dec, err := receiver.eng.DecryptToDevice(ctx, sender.user, enc)
	require.NoError(err)
	require.Equal(wire.EventTypeRoomKey, dec.Type)

	var content wire.RoomKeyContent
	require.NoError(json.Unmarshal(dec.Content, &content))
	require.NoError(receiver.eng.ImportRoomKey(ctx, dec.SenderKey, dec.SenderSigningKey, &content))
	return content
}

func TestShareAndDecryptRoomKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	room := wire.RoomID("!room:example.org")
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	// Encrypting before any key was shared fails.
	_, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "hi"})
	require.ErrorIs(err, ErrNoOutboundGroupSession)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{alice.user, bob.user}))
	receiveRoomKey(t, w, alice, bob)

	enc, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "hi"})
	require.NoError(err)
	require.Equal(wire.AlgorithmMegolm, enc.Algorithm)

	dec, err := bob.eng.DecryptRoomEvent(ctx, room, "$ev1", enc)
	require.NoError(err)
	require.Equal("m.room.message", dec.Type)
	require.Equal(uint32(0), dec.Index)
	require.False(dec.Untrusted)
	var body map[string]string
	require.NoError(json.Unmarshal(dec.Content, &body))
	require.Equal("hi", body["body"])

	// Re-decryption of the same event is idempotent; a different event
	// claiming the same message index is a replay.
	_, err = bob.eng.DecryptRoomEvent(ctx, room, "$ev1", enc)
	require.NoError(err)
	_, err = bob.eng.DecryptRoomEvent(ctx, room, "$forged", enc)
	require.ErrorIs(err, ErrDuplicateMessageIndex)

	// The sender holds an inbound copy of its own session.
	dec, err = alice.eng.DecryptRoomEvent(ctx, room, "$ev1", enc)
	require.NoError(err)
	require.Equal(uint32(0), dec.Index)

	// Wrong room fails even with the right session.
	_, err = bob.eng.DecryptRoomEvent(ctx, "!other:example.org", "$ev2", enc)
	require.ErrorIs(err, ErrWrongRoom)
}

func TestWithheldRoomKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	room := wire.RoomID("!room:example.org")
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{OnlyShareToVerified: true})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))

	// Bob is unverified, so he got a withheld notice instead of the key.
	require.Nil(w.lastBatch(wire.EventTypeEncrypted))
	batch := w.lastBatch(wire.EventTypeRoomKeyWithheld)
	require.NotNil(batch)
	content, ok := batch.Messages[bob.user][bob.dev].(*wire.RoomKeyWithheldContent)
	require.True(ok)
	require.Equal(wire.WithheldUnverified, content.Code)

	require.NoError(bob.eng.MarkWithheld(ctx, content))

	enc, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "secret"})
	require.NoError(err)
	_, err = bob.eng.DecryptRoomEvent(ctx, room, "$ev1", enc)
	var withheld *WithheldError
	require.ErrorAs(err, &withheld)
	require.Equal(wire.WithheldUnverified, withheld.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	room := wire.RoomID("!room:example.org")
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	carol := newPeer(t, w, "@carol:example.org", "CAROL1", Options{})
	connect(t, alice, bob, carol)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	content := receiveRoomKey(t, w, alice, bob)

	exp, err := bob.eng.ExportRoomKey(ctx, alice.eng.IdentityKey(), content.SessionID)
	require.NoError(err)
	require.Equal(room, exp.RoomID)
	require.Equal(alice.eng.IdentityKey(), exp.SenderKey)
	require.Equal(string(alice.eng.SigningKey()), exp.SenderClaimedKeys["ed25519"])
	require.Equal(uint32(0), exp.FirstKnownIndex)

	require.NoError(carol.eng.ImportExported(ctx, exp))

	// A re-export from the importing side round-trips every field.
	exp2, err := carol.eng.ExportRoomKey(ctx, exp.SenderKey, exp.SessionID)
	require.NoError(err)
	require.Equal(exp.RoomID, exp2.RoomID)
	require.Equal(exp.SenderKey, exp2.SenderKey)
	require.Equal(exp.SessionKey, exp2.SessionKey)
	require.Equal(exp.SenderClaimedKeys, exp2.SenderClaimedKeys)
	require.Equal(exp.ForwardingKeyChain, exp2.ForwardingKeyChain)
	require.Equal(exp.FirstKnownIndex, exp2.FirstKnownIndex)

	enc, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "hi"})
	require.NoError(err)
	dec, err := carol.eng.DecryptRoomEvent(ctx, room, "$ev1", enc)
	require.NoError(err)
	require.True(dec.Untrusted)
}

func TestForwardedRoomKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	room := wire.RoomID("!room:example.org")
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	carol := newPeer(t, w, "@carol:example.org", "CAROL1", Options{})
	connect(t, alice, bob, carol)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	content := receiveRoomKey(t, w, alice, bob)

	// Bob forwards the key to carol.
	exp, err := bob.eng.ExportRoomKey(ctx, alice.eng.IdentityKey(), content.SessionID)
	require.NoError(err)
	fwd := &wire.ForwardedRoomKeyContent{
		Algorithm:                wire.AlgorithmMegolm,
		RoomID:                   room,
		SenderKey:                exp.SenderKey,
		SessionID:                exp.SessionID,
		SessionKey:               exp.SessionKey,
		SenderClaimedEd25519Key:  exp.SenderClaimedKeys["ed25519"],
		ForwardingCurve25519Keys: []string{},
	}
	require.NoError(carol.eng.ImportForwardedRoomKey(ctx, bob.eng.IdentityKey(), fwd))

	enc, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "hi"})
	require.NoError(err)
	dec, err := carol.eng.DecryptRoomEvent(ctx, room, "$ev1", enc)
	require.NoError(err)
	require.True(dec.Untrusted)
	require.Equal([]string{string(bob.eng.IdentityKey())}, dec.ForwardingChain)
}

func TestOutboundRotation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	room := wire.RoomID("!room:example.org")
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{RotationMessages: 2})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	first := receiveRoomKey(t, w, alice, bob).SessionID

	for i := 0; i < 2; i++ {
		_, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "x"})
		require.NoError(err)
	}

	// The message budget is exhausted; the session must rotate before
	// further encryption.
	_, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "x"})
	require.ErrorIs(err, ErrNoOutboundGroupSession)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	second := receiveRoomKey(t, w, alice, bob).SessionID
	require.NotEqual(first, second)

	enc, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", map[string]string{"body": "x"})
	require.NoError(err)
	require.Equal(second, enc.SessionID)
	_, err = bob.eng.DecryptRoomEvent(ctx, room, "$ev-rotated", enc)
	require.NoError(err)
}

func TestDiscardOutboundSession(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	room := wire.RoomID("!room:example.org")
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	first := receiveRoomKey(t, w, alice, bob).SessionID

	require.NoError(alice.eng.DiscardOutboundSession(ctx, room))
	_, err := alice.eng.EncryptRoomEvent(ctx, room, "m.room.message", nil)
	require.ErrorIs(err, ErrNoOutboundGroupSession)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	second := receiveRoomKey(t, w, alice, bob).SessionID
	require.NotEqual(first, second)
}

// Rotation by age: an old session is replaced even when its message
// budget remains.
func TestOutboundRotationByAge(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	room := wire.RoomID("!room:example.org")
	w := newWorld()
	alice := newPeer(t, w, "@alice:example.org", "ALICE1", Options{RotationPeriod: time.Millisecond})
	bob := newPeer(t, w, "@bob:example.org", "BOB1", Options{})
	connect(t, alice, bob)

	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	first := receiveRoomKey(t, w, alice, bob).SessionID

	time.Sleep(5 * time.Millisecond)
	require.NoError(alice.eng.ShareRoomKey(ctx, room, []wire.UserID{bob.user}))
	second := receiveRoomKey(t, w, alice, bob).SessionID
	require.NotEqual(first, second)
}
