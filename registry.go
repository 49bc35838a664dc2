package main

import (
	"slices"
	"sync"
)

// Registry owns the torrent, user and whitelist tables.
// Lock ordering: torrentsMu -> Torrent.mu -> usersMu.
type Registry struct {
	torrents  map[HashID]*Torrent
	users     map[string]*User
	usersByID map[uint32]*User
	whitelist []string

	torrentsMu sync.RWMutex
	usersMu    sync.RWMutex // guards users, usersByID and whitelist
}

func newRegistry() *Registry {
	return &Registry{
		torrents:  make(map[HashID]*Torrent),
		users:     make(map[string]*User),
		usersByID: make(map[uint32]*User),
	}
}

// lists is a full snapshot of the durable tables, loaded before any lock is taken.
type lists struct {
	torrents  []*Torrent
	users     []*User
	whitelist []string
	freeleech bool
}

// findTorrent returns the registered torrent for infoHash. Its peer sets must
// not be read once the table lock is released; announce and scrape look up
// torrents inline for that reason.
func (r *Registry) findTorrent(infoHash HashID) *Torrent {
	r.torrentsMu.RLock()
	defer r.torrentsMu.RUnlock()

	return r.torrents[infoHash]
}

func (r *Registry) findUser(passkey string) *User {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()

	return r.users[passkey]
}

// userByIDLocked resolves a peer's owner. Caller must hold usersMu.
func (r *Registry) userByIDLocked(id uint32) *User {
	return r.usersByID[id]
}

// replace swaps all three tables in one critical section holding both write locks.
// Torrents that survive keep their peers and completed counter; peers whose
// owner no longer exists are dropped.
func (r *Registry) replace(l *lists) (droppedPeers int) {
	r.torrentsMu.Lock()
	defer r.torrentsMu.Unlock()
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	users := make(map[string]*User, len(l.users))
	usersByID := make(map[uint32]*User, len(l.users))
	for _, u := range l.users {
		users[u.Passkey] = u
		usersByID[u.ID] = u
	}

	torrents := make(map[HashID]*Torrent, len(l.torrents))
	for _, t := range l.torrents {
		if old, ok := r.torrents[t.InfoHash]; ok {
			t.seeders, t.leechers = old.seeders, old.leechers
			t.completed = max(t.completed, old.completed)
			droppedPeers += t.dropOrphans(usersByID)
		}
		torrents[t.InfoHash] = t
	}

	r.torrents = torrents
	r.users = users
	r.usersByID = usersByID
	r.whitelist = slices.Clone(l.whitelist)
	return droppedPeers
}

// registryCounts is a consistent snapshot used by stats and reports.
type registryCounts struct {
	torrents int
	users    int
	seeders  int
	leechers int
}

func (r *Registry) counts() registryCounts {
	var c registryCounts

	r.torrentsMu.RLock()
	c.torrents = len(r.torrents)
	for _, t := range r.torrents {
		t.mu.RLock()
		c.seeders += len(t.seeders)
		c.leechers += len(t.leechers)
		t.mu.RUnlock()
	}
	r.torrentsMu.RUnlock()

	r.usersMu.RLock()
	c.users = len(r.users)
	r.usersMu.RUnlock()

	return c
}

// userPeerCounts returns how many peers the user currently has in each set.
func (r *Registry) userPeerCounts(userID uint32) (leeching, seeding int) {
	r.torrentsMu.RLock()
	defer r.torrentsMu.RUnlock()

	for _, t := range r.torrents {
		t.mu.RLock()
		for _, p := range t.leechers {
			if p.UserID == userID {
				leeching++
			}
		}
		for _, p := range t.seeders {
			if p.UserID == userID {
				seeding++
			}
		}
		t.mu.RUnlock()
	}
	return leeching, seeding
}

// Mutations driven by the site update action.

// addTorrent registers a torrent, or updates id and freeleech type of an existing one.
func (r *Registry) addTorrent(id uint32, infoHash HashID, free FreeleechType) (created bool) {
	r.torrentsMu.Lock()
	defer r.torrentsMu.Unlock()

	if t, ok := r.torrents[infoHash]; ok {
		t.mu.Lock()
		t.ID, t.FreeTorrent = id, free
		t.mu.Unlock()
		return false
	}
	r.torrents[infoHash] = newTorrent(id, infoHash, free)
	return true
}

// setTorrentFreeleech changes the freeleech type and returns the torrent id.
func (r *Registry) setTorrentFreeleech(infoHash HashID, free FreeleechType) (id uint32, ok bool) {
	r.torrentsMu.RLock()
	defer r.torrentsMu.RUnlock()

	t, ok := r.torrents[infoHash]
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	t.FreeTorrent = free
	id = t.ID
	t.mu.Unlock()
	return id, true
}

func (r *Registry) deleteTorrent(infoHash HashID) *Torrent {
	r.torrentsMu.Lock()
	defer r.torrentsMu.Unlock()

	t, ok := r.torrents[infoHash]
	if !ok {
		return nil
	}
	delete(r.torrents, infoHash)
	return t
}

// putUser publishes u, replacing any user with the same id or passkey.
func (r *Registry) putUser(u *User) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	if old, ok := r.usersByID[u.ID]; ok && old.Passkey != u.Passkey {
		delete(r.users, old.Passkey)
	}
	if other, ok := r.users[u.Passkey]; ok && other.ID != u.ID {
		delete(r.usersByID, other.ID)
	}
	r.users[u.Passkey] = u
	r.usersByID[u.ID] = u
}

// modifyUser publishes a modified copy of the user with passkey.
func (r *Registry) modifyUser(passkey string, fn func(u *User)) *User {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	u, ok := r.users[passkey]
	if !ok {
		return nil
	}
	nu := *u
	fn(&nu)
	nu.Passkey, nu.ID = u.Passkey, u.ID
	r.users[passkey] = &nu
	r.usersByID[nu.ID] = &nu
	return &nu
}

func (r *Registry) removeUser(passkey string) *User {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	u, ok := r.users[passkey]
	if !ok {
		return nil
	}
	delete(r.users, passkey)
	delete(r.usersByID, u.ID)
	return u
}

func (r *Registry) changePasskey(oldPasskey, newPasskey string) *User {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	u, ok := r.users[oldPasskey]
	if !ok {
		return nil
	}
	if _, taken := r.users[newPasskey]; taken {
		return nil
	}
	nu := *u
	nu.Passkey = newPasskey
	delete(r.users, oldPasskey)
	r.users[newPasskey] = &nu
	r.usersByID[nu.ID] = &nu
	return &nu
}

func (r *Registry) addWhitelist(prefix string) bool {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	if slices.Contains(r.whitelist, prefix) {
		return false
	}
	r.whitelist = append(r.whitelist, prefix)
	return true
}

func (r *Registry) removeWhitelist(prefix string) bool {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	i := slices.Index(r.whitelist, prefix)
	if i < 0 {
		return false
	}
	r.whitelist = slices.Delete(r.whitelist, i, i+1)
	return true
}

// isWhitelisted reports whether the client identified by peerID may announce.
// An empty whitelist allows every client.
func (r *Registry) isWhitelisted(peerID HashID) bool {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()

	return matchesWhitelist(r.whitelist, peerID)
}
