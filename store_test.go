package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *boltStore {
	t.Helper()
	s, err := openBoltStore(filepath.Join(t.TempDir(), "ocelot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// userTotals returns the accumulated transfer totals of a user.
func (s *boltStore) userTotals(passkey string) (uploaded, downloaded uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(buckets.Users).Get([]byte(passkey))
		if v == nil {
			return fmt.Errorf("user %s not found", redactedPasskey(passkey))
		}
		var rec userRecord
		if err2 := json.Unmarshal(v, &rec); err2 != nil {
			return err2
		}
		uploaded, downloaded = rec.Uploaded, rec.Downloaded
		return nil
	})
	return uploaded, downloaded, err
}

func TestBoltStore_Empty(t *testing.T) {
	s := newTestStore(t)

	torrents, err := s.LoadTorrents()
	require.NoError(t, err)
	assert.Empty(t, torrents)

	free, err := s.LoadFreeleech()
	require.NoError(t, err)
	assert.False(t, free)
}

func TestBoltStore_Lists(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutTorrent(newTorrent(1, testHash, FreeleechNeutral)))
	require.NoError(t, s.PutTorrent(newTorrent(2, testHash2, FreeleechNormal)))
	require.NoError(t, s.DeleteTorrent(testHash2))
	require.NoError(t, s.PutUser(&User{Passkey: testPasskey, ID: 1, CanLeech: true, Protected: true}))
	require.NoError(t, s.PutWhitelist("-TR"))
	require.NoError(t, s.PutWhitelist("-DE"))
	require.NoError(t, s.DeleteWhitelist("-DE"))
	require.NoError(t, s.SetFreeleech(true))

	torrents, err := s.LoadTorrents()
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, uint32(1), torrents[0].ID)
	assert.Equal(t, testHash, torrents[0].InfoHash)
	assert.Equal(t, FreeleechNeutral, torrents[0].FreeTorrent)

	users, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, User{Passkey: testPasskey, ID: 1, CanLeech: true, Protected: true}, *users[0])

	whitelist, err := s.LoadWhitelist()
	require.NoError(t, err)
	assert.Equal(t, []string{"-TR"}, whitelist)

	free, err := s.LoadFreeleech()
	require.NoError(t, err)
	assert.True(t, free)
}

func TestBoltStore_RecordTransfers(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutTorrent(newTorrent(7, testHash, FreeleechNormal)))
	require.NoError(t, s.PutUser(&User{Passkey: testPasskey, ID: 1}))

	err := s.RecordTransfers([]transfer{
		{UserID: 1, TorrentID: 7, Uploaded: 100, Downloaded: 50},
		{UserID: 1, TorrentID: 7, Uploaded: 10, Snatched: true},
		{UserID: 99, TorrentID: 99, Uploaded: 1, Snatched: true}, // unknown, skipped
	})
	require.NoError(t, err)

	up, down, err := s.userTotals(testPasskey)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), up)
	assert.Equal(t, uint64(50), down)

	torrents, err := s.LoadTorrents()
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, 1, torrents[0].completed)

	// Re-adding the torrent keeps its snatch count.
	require.NoError(t, s.PutTorrent(newTorrent(7, testHash, FreeleechFree)))
	torrents, err = s.LoadTorrents()
	require.NoError(t, err)
	assert.Equal(t, 1, torrents[0].completed)
}

func TestBoltStore_PasskeyChangeKeepsTotals(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutUser(&User{Passkey: testPasskey, ID: 1}))
	require.NoError(t, s.RecordTransfers([]transfer{{UserID: 1, Uploaded: 42}}))

	require.NoError(t, s.PutUser(&User{Passkey: testPasskey2, ID: 1, CanLeech: true}))

	users, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, testPasskey2, users[0].Passkey)

	up, _, err := s.userTotals(testPasskey2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), up)
}

func TestBoltStore_ReloadIntoTracker(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutTorrent(newTorrent(1, testHash, FreeleechNormal)))
	require.NoError(t, s.PutUser(&User{Passkey: testPasskey, ID: 1, CanLeech: true}))

	tr := newTracker(testConfig(), s, nil, nil)
	require.NoError(t, tr.reloadLists())

	assert.NotNil(t, tr.reg.findTorrent(testHash))
	assert.NotNil(t, tr.reg.findUser(testPasskey))
}
