package main

import (
	"context"
	"time"
)

// reapResult is the outcome of one sweep.
type reapResult struct {
	leechers   int
	seeders    int
	delReasons int
}

// reap runs one sweep unless another one is already running, in which case
// it returns false without doing anything.
func (tr *Tracker) reap() (reapResult, bool) {
	if !tr.reaperActive.CompareAndSwap(false, true) {
		debug("reaper already running, skipping")
		return reapResult{}, false
	}
	defer tr.reaperActive.Store(false)

	cfg := tr.config()
	now := tr.now()

	var res reapResult
	res.leechers, res.seeders = tr.reapPeers(now, cfg.peersTimeout())
	res.delReasons = tr.reapDelReasons(now, cfg.delReasonLifetime())

	tr.stats.reapedLeechers.Inc(int64(res.leechers))
	tr.stats.reapedSeeders.Inc(int64(res.seeders))
	tr.stats.reapedDelReasons.Inc(int64(res.delReasons))
	info("reaped %d leechers and %d seeders, %d deletion reasons expired",
		res.leechers, res.seeders, res.delReasons)
	return res, true
}

type staleKey struct {
	torrent *Torrent
	peer    HashID
	seeder  bool
}

// reapPeers removes peers with last_announced + timeout < now. The torrent
// table write lock is held for the whole sweep; candidates are collected first
// and removed afterwards. Empty torrents are kept.
func (tr *Tracker) reapPeers(now time.Time, timeout time.Duration) (leechers, seeders int) {
	tr.reg.torrentsMu.Lock()
	defer tr.reg.torrentsMu.Unlock()

	var stale []staleKey
	for _, t := range tr.reg.torrents {
		for id, p := range t.leechers {
			if p.LastAnnounced.Add(timeout).Before(now) {
				stale = append(stale, staleKey{torrent: t, peer: id})
			}
		}
		for id, p := range t.seeders {
			if p.LastAnnounced.Add(timeout).Before(now) {
				stale = append(stale, staleKey{torrent: t, peer: id, seeder: true})
			}
		}
	}

	for _, k := range stale {
		if k.seeder {
			delete(k.torrent.seeders, k.peer)
			seeders++
		} else {
			delete(k.torrent.leechers, k.peer)
			leechers++
		}
		if debugEnabled.Load() {
			debug("reaper: removed stale peer %s from %s", k.peer.String(), k.torrent.InfoHash.String())
		}
	}
	return leechers, seeders
}

// Deletion reasons

func (tr *Tracker) addDelReason(infoHash HashID, code int) {
	tr.delReasonsMu.Lock()
	tr.delReasons[infoHash] = delReason{code: code, created: tr.now()}
	tr.delReasonsMu.Unlock()
}

// delReasonFor returns the message recorded for a deleted torrent, if it has
// not outlived del_reason_lifetime.
func (tr *Tracker) delReasonFor(infoHash HashID) (string, bool) {
	lifetime := tr.config().delReasonLifetime()
	now := tr.now()

	tr.delReasonsMu.Lock()
	defer tr.delReasonsMu.Unlock()

	r, ok := tr.delReasons[infoHash]
	if !ok || r.created.Add(lifetime).Before(now) {
		return "", false
	}
	return delReasonMessage(r.code), true
}

func (tr *Tracker) reapDelReasons(now time.Time, lifetime time.Duration) int {
	tr.delReasonsMu.Lock()
	defer tr.delReasonsMu.Unlock()

	var expired []HashID
	for h, r := range tr.delReasons {
		if r.created.Add(lifetime).Before(now) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		delete(tr.delReasons, h)
	}
	return len(expired)
}

func (tr *Tracker) unregistered(infoHash HashID) error {
	reason := "Unregistered torrent"
	if msg, ok := tr.delReasonFor(infoHash); ok && msg != "" {
		reason += ": " + msg
	}
	return failure(errUnregisteredTorrent, reason)
}

// startReaper runs reap every reap_peers_interval until ctx is canceled.
// The interval is re-read after each sweep so config reloads apply.
func (tr *Tracker) startReaper(ctx context.Context) {
	tr.wg.Add(1)
	go func() {
		defer tr.wg.Done()

		timer := time.NewTimer(tr.config().reapInterval())
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				tr.reap()
				timer.Reset(tr.config().reapInterval())
			}
		}
	}()
}
