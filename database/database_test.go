// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tapestryhq/tapestry/database"
	"github.com/tapestryhq/tapestry/database/models"
)

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(database.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestChannelCreateLookup(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		ch, err := txn.CreateChannel("!c:origin.test", "origin.test", "0")
		require.NoError(t, err)
		require.NotZero(t, ch.ID)
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(txn *database.Txn) error {
		ch, err := txn.Channel("!c:origin.test")
		require.NoError(t, err)
		require.Equal(t, "origin.test", ch.OriginServer)
		require.Equal(t, "0", ch.Version)

		_, err = txn.Channel("!missing:origin.test")
		require.ErrorIs(t, err, database.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestEventRowAndBlob(t *testing.T) {
	db := newTestDatabase(t)
	raw := []byte(`{"type":"channel.message","depth":1}`)
	err := db.Update(func(txn *database.Txn) error {
		ch, err := txn.CreateChannel("!c:s", "s", "0")
		require.NoError(t, err)
		ev := &models.Event{
			EventID:        "$e1:s",
			ChannelLocalID: ch.ID,
			EventType:      "channel.message",
			Sender:         "@a:s",
			Depth:          1,
			Present:        true,
		}
		require.NoError(t, txn.CreateEvent(ev))
		require.NotZero(t, ev.ID)
		// Duplicate insert surfaces as a conflict
		dup := &models.Event{EventID: "$e1:s", ChannelLocalID: ch.ID}
		require.ErrorIs(t, txn.CreateEvent(dup), database.ErrConflict)
		return txn.SetEventJSON("$e1:s", raw)
	})
	require.NoError(t, err)

	err = db.View(func(txn *database.Txn) error {
		got, err := txn.EventJSON("$e1:s")
		require.NoError(t, err)
		require.Equal(t, raw, got)
		_, err = txn.EventJSON("$missing:s")
		require.ErrorIs(t, err, database.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkProcessedOnce(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		ch, err := txn.CreateChannel("!c:s", "s", "0")
		require.NoError(t, err)
		require.NoError(t, txn.CreateEvent(&models.Event{
			EventID:        "$e1:s",
			ChannelLocalID: ch.ID,
			Present:        true,
		}))
		require.NoError(
			t,
			txn.MarkProcessed("$e1:s", true, false, "power too low", nil),
		)
		// Valid/allowed are set exactly once
		err = txn.MarkProcessed("$e1:s", true, true, "", nil)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(txn *database.Txn) error {
		ev, err := txn.Event("$e1:s")
		require.NoError(t, err)
		require.True(t, ev.Processed)
		require.True(t, ev.Valid)
		require.False(t, ev.Allowed)
		require.Equal(t, "power too low", ev.Reason)
		return nil
	})
	require.NoError(t, err)
}

func TestExtremities(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		ch, err := txn.CreateChannel("!c:s", "s", "0")
		require.NoError(t, err)

		require.NoError(t, txn.AddForwardExtremity(ch.ID, "$a:s"))
		require.NoError(t, txn.AddForwardExtremity(ch.ID, "$b:s"))
		// Duplicate add is a no-op
		require.NoError(t, txn.AddForwardExtremity(ch.ID, "$a:s"))

		heads, err := txn.ForwardExtremities(ch.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"$a:s", "$b:s"}, heads)

		require.NoError(t, txn.RemoveForwardExtremity(ch.ID, "$a:s"))
		heads, err = txn.ForwardExtremities(ch.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"$b:s"}, heads)

		require.NoError(t, txn.AddBackwardExtremity(ch.ID, "$gap:s"))
		gaps, err := txn.BackwardExtremities(ch.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"$gap:s"}, gaps)
		require.NoError(t, txn.RemoveBackwardExtremity(ch.ID, "$gap:s"))
		gaps, err = txn.BackwardExtremities(ch.ID)
		require.NoError(t, err)
		require.Empty(t, gaps)
		return nil
	})
	require.NoError(t, err)
}

func TestMembershipAndOtherServers(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		ch, err := txn.CreateChannel("!c:origin.test", "origin.test", "0")
		require.NoError(t, err)

		require.NoError(
			t,
			txn.SetMembership(ch.ID, "@a:origin.test", "origin.test", "join"),
		)
		require.NoError(
			t,
			txn.SetMembership(ch.ID, "@b:remote.test", "remote.test", "invite"),
		)
		require.NoError(
			t,
			txn.SetMembership(ch.ID, "@c:gone.test", "gone.test", "leave"),
		)

		servers, err := txn.OtherServers(ch.ID, "origin.test")
		require.NoError(t, err)
		require.Equal(t, []string{"remote.test"}, servers)

		// Upsert replaces the previous membership
		require.NoError(
			t,
			txn.SetMembership(ch.ID, "@b:remote.test", "remote.test", "leave"),
		)
		servers, err = txn.OtherServers(ch.ID, "origin.test")
		require.NoError(t, err)
		require.Empty(t, servers)

		m, err := txn.Membership(ch.ID, "@b:remote.test")
		require.NoError(t, err)
		require.Equal(t, "leave", m)
		return nil
	})
	require.NoError(t, err)
}

func TestSnapshots(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		ch, err := txn.CreateChannel("!c:s", "s", "0")
		require.NoError(t, err)
		id, err := txn.CreateSnapshot(ch.ID, []models.StateEntry{
			{EventType: "channel.create", StateKey: "", EventID: "$c:s"},
			{EventType: "channel.member", StateKey: "@a:s", EventID: "$m:s"},
		})
		require.NoError(t, err)
		entries, err := txn.SnapshotEntries(id)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, "channel.create", entries[0].EventType)
		return nil
	})
	require.NoError(t, err)
}

func TestAliases(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		require.NoError(t, txn.ReplaceAliases(
			"!c:s",
			"s",
			[]string{"#one:s", "#two:s"},
		))
		channelID, err := txn.LookupAlias("#one:s")
		require.NoError(t, err)
		require.Equal(t, "!c:s", channelID)

		// Replacing drops aliases no longer published
		require.NoError(t, txn.ReplaceAliases("!c:s", "s", []string{"#two:s"}))
		_, err = txn.LookupAlias("#one:s")
		require.ErrorIs(t, err, database.ErrNotFound)

		aliases, err := txn.ChannelAliases("!c:s")
		require.NoError(t, err)
		require.Equal(t, []string{"#two:s"}, aliases)
		return nil
	})
	require.NoError(t, err)
}

func TestPeerUpsert(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		require.NoError(t, txn.UpsertPeer(&models.Peer{
			ServerName:     "remote.test",
			LastAttempt:    100,
			WaitIntervalMs: 1000,
		}))
		require.NoError(t, txn.UpsertPeer(&models.Peer{
			ServerName:     "remote.test",
			LastAttempt:    200,
			LastSuccess:    200,
			WaitIntervalMs: 0,
		}))
		peer, err := txn.Peer("remote.test")
		require.NoError(t, err)
		require.Equal(t, int64(200), peer.LastAttempt)
		require.Equal(t, int64(0), peer.WaitIntervalMs)
		return nil
	})
	require.NoError(t, err)
}

func TestServerKeys(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Update(func(txn *database.Txn) error {
		require.NoError(
			t,
			txn.AddServerKey("remote.test", "ed25519:abc", []byte{1, 2, 3}),
		)
		keys, err := txn.ServerKeys("remote.test")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.Equal(t, []byte{1, 2, 3}, keys[0].PublicKey)
		return nil
	})
	require.NoError(t, err)
}
