package main

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a Store backed by fixed lists.
type memStore struct {
	torrents  []*Torrent
	users     []*User
	whitelist []string
	freeleech bool
	err       error
}

func (s *memStore) LoadTorrents() ([]*Torrent, error) {
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		nt := newTorrent(t.ID, t.InfoHash, t.FreeTorrent)
		nt.completed = t.completed
		out = append(out, nt)
	}
	return out, nil
}

func (s *memStore) LoadUsers() ([]*User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.users, nil
}

func (s *memStore) LoadWhitelist() ([]string, error) { return s.whitelist, nil }
func (s *memStore) LoadFreeleech() (bool, error)     { return s.freeleech, nil }

func TestReloadLists_CarriesPeersOver(t *testing.T) {
	store := &memStore{
		torrents: []*Torrent{newTorrent(1, testHash, FreeleechFree)},
		users: []*User{
			{Passkey: testPasskey, ID: 1, CanLeech: true},
			{Passkey: testPasskey2, ID: 2, CanLeech: true},
		},
		whitelist: []string{"-TR"},
		freeleech: true,
	}
	tr := newTracker(testConfig(), store, nil, nil)
	require.NoError(t, tr.reloadLists())

	_, err := tr.announce(testAnnounce("-TR_keep____________", 0, eventCompleted), mustUser(t, tr, testPasskey))
	require.NoError(t, err)
	_, err = tr.announce(testAnnounce("-TR_orphan__________", 10, eventStarted), mustUser(t, tr, testPasskey2))
	require.NoError(t, err)

	// user 2 disappears from storage
	store.users = store.users[:1]
	require.NoError(t, tr.reloadLists())

	torrent := tr.reg.findTorrent(testHash)
	require.NotNil(t, torrent)
	assert.Len(t, torrent.seeders, 1)
	assert.Len(t, torrent.leechers, 0, "peers of removed users are dropped")
	assert.Equal(t, 1, torrent.completed, "completed survives a reload")
	assert.Equal(t, FreeleechFree, torrent.FreeTorrent)
	assert.Nil(t, tr.reg.findUser(testPasskey2))
	assert.True(t, tr.siteFreeleech.Load())
	assert.Equal(t, StatusOpen, tr.lifecycle.Status())
}

func TestReloadLists_StorageFailureKeepsTables(t *testing.T) {
	store := &memStore{
		torrents: []*Torrent{newTorrent(1, testHash, FreeleechNormal)},
		users:    []*User{{Passkey: testPasskey, ID: 1, CanLeech: true}},
	}
	tr := newTracker(testConfig(), store, nil, nil)
	require.NoError(t, tr.reloadLists())

	store.torrents = nil
	store.err = errors.New("disk on fire")
	err := tr.reloadLists()
	require.Error(t, err)

	assert.NotNil(t, tr.reg.findTorrent(testHash), "torrents are not touched")
	assert.NotNil(t, tr.reg.findUser(testPasskey), "users are not touched")
	assert.Equal(t, StatusOpen, tr.lifecycle.Status())
}

func TestReloadLists_NoStore(t *testing.T) {
	tr := newTestTracker(t)
	assert.ErrorIs(t, tr.reloadLists(), errNoStore)
}

func TestReloadLists_RefusedWhileClosing(t *testing.T) {
	tr := newTracker(testConfig(), &memStore{}, nil, nil)
	tr.lifecycle.Shutdown()

	assert.ErrorIs(t, tr.reloadLists(), errTrackerClosing)
}

func TestRegistry_CompletedIsMaxOfStoredAndLive(t *testing.T) {
	r := newRegistry()
	live := newTorrent(1, testHash, FreeleechNormal)
	live.completed = 5
	r.torrents[testHash] = live

	stored := newTorrent(1, testHash, FreeleechNormal)
	stored.completed = 3
	r.replace(&lists{torrents: []*Torrent{stored}})

	assert.Equal(t, 5, r.findTorrent(testHash).completed)
}

func TestRegistry_PutUserReplacesByID(t *testing.T) {
	r := newRegistry()
	r.putUser(&User{Passkey: testPasskey, ID: 1})
	r.putUser(&User{Passkey: testPasskey2, ID: 1, CanLeech: true})

	assert.Nil(t, r.findUser(testPasskey))
	u := r.findUser(testPasskey2)
	require.NotNil(t, u)
	assert.True(t, u.CanLeech)
	assert.Same(t, u, r.userByIDLocked(1))
}

func TestRegistry_ChangePasskey(t *testing.T) {
	r := newRegistry()
	r.putUser(&User{Passkey: testPasskey, ID: 1, CanLeech: true})
	r.putUser(&User{Passkey: testPasskey3, ID: 3})

	assert.Nil(t, r.changePasskey(testPasskey, testPasskey3), "new passkey is taken")
	assert.Nil(t, r.changePasskey(testPasskey2, "dddddddddddddddddddddddddddddddd"), "old passkey is unknown")

	u := r.changePasskey(testPasskey, testPasskey2)
	require.NotNil(t, u)
	assert.Equal(t, uint32(1), u.ID)
	assert.True(t, u.CanLeech)
	assert.Nil(t, r.findUser(testPasskey))
	assert.Same(t, u, r.findUser(testPasskey2))
}

func TestRegistry_ModifyUserPublishesCopy(t *testing.T) {
	r := newRegistry()
	orig := &User{Passkey: testPasskey, ID: 1, CanLeech: true}
	r.putUser(orig)

	u := r.modifyUser(testPasskey, func(u *User) { u.CanLeech = false })
	require.NotNil(t, u)
	assert.False(t, u.CanLeech)
	assert.True(t, orig.CanLeech, "published users are never mutated")
	assert.Nil(t, r.modifyUser(testPasskey2, func(*User) {}))
}

func TestRegistry_Counts(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.announce(testAnnounce("seeder______________", 0, eventStarted), mustUser(t, tr, testPasskey))
	require.NoError(t, err)
	_, err = tr.announce(testAnnounce("leecher_____________", 10, eventStarted), mustUser(t, tr, testPasskey2))
	require.NoError(t, err)

	assert.Equal(t, registryCounts{torrents: 1, users: 2, seeders: 1, leechers: 1}, tr.reg.counts())

	leeching, seeding := tr.reg.userPeerCounts(2)
	assert.Equal(t, 1, leeching)
	assert.Equal(t, 0, seeding)
}

// alternatingStore registers only testHash on odd loads and only testHash2 on
// even ones.
type alternatingStore struct {
	memStore
	loads atomic.Int64
}

func (s *alternatingStore) LoadTorrents() ([]*Torrent, error) {
	if s.loads.Add(1)%2 == 1 {
		return []*Torrent{newTorrent(1, testHash, FreeleechNormal)}, nil
	}
	return []*Torrent{newTorrent(2, testHash2, FreeleechNormal)}, nil
}

func scrapedFiles(body []byte) (map[string]any, error) {
	v, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	files, _ := v.(map[string]any)["files"].(map[string]any)
	return files, nil
}

func TestReloadLists_AtomicForReaders(t *testing.T) {
	store := &alternatingStore{}
	tr := newTracker(testConfig(), store, nil, nil)
	require.NoError(t, tr.reloadLists())

	stop := make(chan struct{})
	reloaded := make(chan int)
	go func() {
		n := 0
		defer func() { reloaded <- n }()
		for {
			select {
			case <-stop:
				return
			default:
				if err := tr.reloadLists(); err != nil {
					t.Errorf("reload: %v", err)
					return
				}
				n++
			}
		}
	}()

	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for range 500 {
				files, err := scrapedFiles(tr.scrape([]HashID{testHash, testHash2}))
				if !assert.NoError(t, err) {
					return
				}
				// One table or the other, never both or neither.
				assert.Len(t, files, 1)
			}
		}()
	}
	readers.Wait()
	close(stop)

	assert.Positive(t, <-reloaded)
	assert.Equal(t, StatusOpen, tr.lifecycle.Status())
}
