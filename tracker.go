package main

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker ties the registry to its policies, collaborators and background tasks.
type Tracker struct {
	startedAt  time.Time
	reg        *Registry
	delReasons map[HashID]delReason
	store      Store
	sink       transferSink
	notifier   Notifier
	stats      *trackerStats
	now        func() time.Time
	cfg        atomic.Pointer[Config]

	lifecycle     lifecycle
	reaperActive  atomic.Bool
	siteFreeleech atomic.Bool

	delReasonsMu sync.Mutex
	updateMu     sync.Mutex // orders registry changes with their store writes
	wg           sync.WaitGroup
}

func newTracker(cfg *Config, store Store, sink transferSink, notifier Notifier) *Tracker {
	if sink == nil {
		sink = discardSink{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	tr := &Tracker{
		startedAt:  time.Now(),
		reg:        newRegistry(),
		delReasons: make(map[HashID]delReason),
		store:      store,
		sink:       sink,
		notifier:   notifier,
		now:        time.Now,
	}
	tr.cfg.Store(cfg)
	tr.stats = newTrackerStats(tr)
	return tr
}

func (tr *Tracker) config() *Config {
	return tr.cfg.Load()
}

// reloadConfig swaps the configuration used by subsequent requests.
func (tr *Tracker) reloadConfig(cfg *Config) {
	tr.cfg.Store(cfg)
	debugEnabled.Store(cfg.Debug)
	info("configuration reloaded")
}

// reloadLists replaces torrents, users, whitelist and the site freeleech flag
// from durable storage. Storage is read before any lock is taken, so a storage
// failure leaves the current tables authoritative.
func (tr *Tracker) reloadLists() error {
	if tr.store == nil {
		return errNoStore
	}
	l, err := loadLists(tr.store)
	if err != nil {
		return fmt.Errorf("reload lists: %w", err)
	}

	if err := tr.lifecycle.beginReload(); err != nil {
		return err
	}
	defer tr.lifecycle.endReload()

	dropped := tr.reg.replace(l)
	tr.siteFreeleech.Store(l.freeleech)

	info("loaded %d torrents, %d users, %d whitelist entries (site freeleech: %t, dropped %d orphan peers)",
		len(l.torrents), len(l.users), len(l.whitelist), l.freeleech, dropped)
	return nil
}

func loadLists(s Store) (*lists, error) {
	free, err := s.LoadFreeleech()
	if err != nil {
		return nil, fmt.Errorf("load freeleech: %w", err)
	}
	torrents, err := s.LoadTorrents()
	if err != nil {
		return nil, fmt.Errorf("load torrents: %w", err)
	}
	users, err := s.LoadUsers()
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	whitelist, err := s.LoadWhitelist()
	if err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}
	return &lists{torrents: torrents, users: users, whitelist: whitelist, freeleech: free}, nil
}

// Torrent peer-set methods. Callers hold t.mu for writing (or the torrent
// table write lock, which excludes every holder of t.mu).

func (t *Torrent) findPeer(id HashID) (p *Peer, seeder bool) {
	if p, ok := t.seeders[id]; ok {
		return p, true
	}
	return t.leechers[id], false
}

// putPeer stores p in the set matching its Left value, moving it out of the
// other set if it was there.
func (t *Torrent) putPeer(id HashID, p *Peer) {
	if p.Left == 0 {
		delete(t.leechers, id)
		t.seeders[id] = p
	} else {
		delete(t.seeders, id)
		t.leechers[id] = p
	}
}

func (t *Torrent) removePeer(id HashID) (*Peer, bool) {
	if p, ok := t.seeders[id]; ok {
		delete(t.seeders, id)
		return p, true
	}
	if p, ok := t.leechers[id]; ok {
		delete(t.leechers, id)
		return p, true
	}
	return nil, false
}

// dropOrphans removes peers whose owner is not in users.
func (t *Torrent) dropOrphans(users map[uint32]*User) int {
	var dropped int
	for _, set := range []map[HashID]*Peer{t.seeders, t.leechers} {
		for id, p := range set {
			if _, ok := users[p.UserID]; !ok {
				delete(set, id)
				dropped++
			}
		}
	}
	return dropped
}

// peerInfo is a lightweight struct for copying peer data out of locks
type peerInfo struct {
	ip   net.IP
	id   HashID
	port uint16
}

// selectPeers returns up to numWant peers for the requester. Seeders only get
// leechers; leechers get seeders first. The requester's own peers and peers
// rejected by visible are skipped. Caller holds t.mu.
func (t *Torrent) selectPeers(
	self HashID, selfUser uint32, numWant int, seeder bool, visible func(*Peer) bool,
) []peerInfo {
	if numWant <= 0 {
		return nil
	}

	candidatesPtr := getPeerSlice()
	candidates := *candidatesPtr
	collect := func(set map[HashID]*Peer) {
		for id, p := range set {
			if id == self || p.UserID == selfUser || !visible(p) {
				continue
			}
			candidates = append(candidates, peerInfo{ip: p.IP, id: id, port: p.Port})
		}
	}

	var peers []peerInfo
	take := func() {
		if len(candidates) == 0 {
			return
		}
		n := min(numWant-len(peers), len(candidates))
		//nolint:gosec // G404: math/rand acceptable for peer selection
		start := rand.Intn(len(candidates))
		for i := range n {
			peers = append(peers, candidates[(start+i)%len(candidates)])
		}
		candidates = candidates[:0]
	}

	if !seeder {
		collect(t.seeders)
		take()
	}
	if len(peers) < numWant {
		collect(t.leechers)
		take()
	}

	*candidatesPtr = candidates
	putPeerSlice(candidatesPtr)
	return peers
}
