package main

import (
	"encoding/binary"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"time"
)

// announceRequest holds the parsed fields of an announce query.
type announceRequest struct {
	ip         net.IP
	infoHash   HashID
	peerID     HashID
	uploaded   uint64
	downloaded uint64
	left       uint64
	numWant    int // -1 when the client did not ask
	port       uint16
	event      event
	compact    bool
	noPeerID   bool
}

// announceOutcome is what the announce critical section hands back to the
// code running after the locks are released.
type announceOutcome struct {
	peers      []peerInfo
	uploaded   uint64
	downloaded uint64
	seeders    int
	leechers   int
	completed  int
	torrentID  uint32
	free       FreeleechType
	snatched   bool
	removed    bool
}

func parseUint(params url.Values, key string) (uint64, bool) {
	v := params.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}

// parseAnnounceRequest validates the query of an announce. observed is the
// address the request came from; it is used unless the client sent a valid ip.
func parseAnnounceRequest(params url.Values, observed net.IP) (announceRequest, error) {
	var req announceRequest

	infoHash := params.Get("info_hash")
	if len(infoHash) != len(HashID{}) {
		return req, failure(errMalformedRequest, "Invalid info hash")
	}
	peerID := params.Get("peer_id")
	if len(peerID) != len(HashID{}) {
		return req, failure(errMalformedRequest, "Invalid peer id")
	}
	req.infoHash = NewHashID([]byte(infoHash))
	req.peerID = NewHashID([]byte(peerID))

	port, ok := parseUint(params, "port")
	if !ok || port == 0 || port > 65535 {
		return req, failure(errMalformedRequest, "Invalid port")
	}
	req.port = uint16(port)

	var okUp, okDown, okLeft bool
	req.uploaded, okUp = parseUint(params, "uploaded")
	req.downloaded, okDown = parseUint(params, "downloaded")
	req.left, okLeft = parseUint(params, "left")
	if !okUp || !okDown || !okLeft {
		return req, failure(errMalformedRequest, "Invalid uploaded, downloaded or left")
	}

	req.event, ok = parseEvent(params.Get("event"))
	if !ok {
		return req, failure(errMalformedRequest, "Invalid event")
	}

	req.numWant = -1
	for _, key := range []string{"numwant", "num_want"} {
		if n, ok := parseUint(params, key); ok {
			req.numWant = int(min(n, 1<<16))
			break
		}
	}

	req.compact = params.Get("compact") != "0"
	req.noPeerID = params.Get("no_peer_id") == "1"

	req.ip = observed
	if ip := net.ParseIP(params.Get("ip")); ip != nil {
		req.ip = ip
	}
	if req.ip == nil {
		return req, failure(errMalformedRequest, "Invalid IP address")
	}
	return req, nil
}

// calculateNumWant caps the client's request at numwant_limit.
func calculateNumWant(req announceRequest, limit uint) int {
	if req.event == eventStopped {
		return 0
	}
	if req.numWant < 0 || uint(req.numWant) > limit {
		return int(limit)
	}
	return req.numWant
}

// nextInterval spreads re-announces over [interval, interval+jitter].
func nextInterval(cfg *Config) int {
	//nolint:gosec // G404: math/rand acceptable for jitter
	return int(cfg.AnnounceInterval) + rand.Intn(int(cfg.AnnounceJitter)+1)
}

// visibleTo reports whether p may be handed to other peers. It is decided
// from the owner's current flags, so revoking leech rights hides the user's
// leechers at once.
func visibleTo(owner *User, p *Peer) bool {
	return owner != nil && !owner.Protected && (p.Left == 0 || owner.CanLeech)
}

func transferDelta(prev, cur uint64) uint64 {
	if cur > prev {
		return cur - prev
	}
	return 0
}

// applyAnnounce performs every peer-set change of one announce. Caller holds t.mu.
func (t *Torrent) applyAnnounce(req announceRequest, u *User, now time.Time) announceOutcome {
	var out announceOutcome

	p, _ := t.findPeer(req.peerID)
	if req.event == eventStopped {
		if p != nil {
			out.uploaded = transferDelta(p.Uploaded, req.uploaded)
			out.downloaded = transferDelta(p.Downloaded, req.downloaded)
			t.removePeer(req.peerID)
			out.removed = true
		}
		return out
	}

	if p == nil {
		p = &Peer{FirstAnnounced: now, Uploaded: req.uploaded, Downloaded: req.downloaded}
	}
	out.uploaded = transferDelta(p.Uploaded, req.uploaded)
	out.downloaded = transferDelta(p.Downloaded, req.downloaded)

	p.UserID = u.ID
	p.IP, p.Port = req.ip, req.port
	p.Uploaded, p.Downloaded, p.Left = req.uploaded, req.downloaded, req.left
	p.LastAnnounced = now

	if req.event == eventCompleted && !p.Completed {
		p.Completed = true
		t.completed++
		out.snatched = true
	}

	t.putPeer(req.peerID, p)
	return out
}

// announce applies one peer's announce and builds the bencoded response.
func (tr *Tracker) announce(req announceRequest, u *User) ([]byte, error) {
	cfg := tr.config()

	if !tr.reg.isWhitelisted(req.peerID) {
		return nil, failure(errClientRejected, "Your client is not on the whitelist")
	}
	if req.left > 0 && !u.CanLeech && req.event != eventStopped {
		return nil, failure(errLeechDenied, "Access denied, leeching forbidden")
	}

	numWant := calculateNumWant(req, cfg.NumwantLimit)
	seeder := req.left == 0
	now := tr.now()

	tr.reg.torrentsMu.RLock()
	t, ok := tr.reg.torrents[req.infoHash]
	if !ok {
		tr.reg.torrentsMu.RUnlock()
		return nil, tr.unregistered(req.infoHash)
	}

	t.mu.Lock()
	out := t.applyAnnounce(req, u, now)

	tr.reg.usersMu.RLock()
	out.peers = t.selectPeers(req.peerID, u.ID, numWant, seeder, func(p *Peer) bool {
		owner := tr.reg.userByIDLocked(p.UserID)
		return visibleTo(owner, p)
	})
	tr.reg.usersMu.RUnlock()

	out.seeders, out.leechers, out.completed = len(t.seeders), len(t.leechers), t.completed
	out.torrentID, out.free = t.ID, t.FreeTorrent
	t.mu.Unlock()
	tr.reg.torrentsMu.RUnlock()

	if debugEnabled.Load() {
		debug("announce %s peer %s user %d: event=%d left=%d -> %d seeders, %d leechers, %d peers",
			req.infoHash.String(), req.peerID.String(), u.ID, req.event, req.left,
			out.seeders, out.leechers, len(out.peers))
	}

	tr.account(u, out)
	return encodeBencode(announceResponse(cfg, req, out)), nil
}

// account hands transfer and snatch records to the collaborators. Never called
// with a registry lock held.
func (tr *Tracker) account(u *User, out announceOutcome) {
	up, down := out.uploaded, out.downloaded
	switch {
	case out.free == FreeleechNeutral:
		up, down = 0, 0
	case out.free == FreeleechFree || u.Freeleech || tr.siteFreeleech.Load():
		down = 0
	}

	if up > 0 || down > 0 || out.snatched {
		tr.sink.record(transfer{
			UserID:     u.ID,
			TorrentID:  out.torrentID,
			Uploaded:   up,
			Downloaded: down,
			Snatched:   out.snatched,
		})
	}
	if out.snatched {
		tr.stats.snatches.Inc(1)
		tr.notifier.Notify(siteEvent{Type: eventTypeSnatch, UserID: u.ID, TorrentID: out.torrentID})
	}
}

func announceResponse(cfg *Config, req announceRequest, out announceOutcome) map[string]any {
	resp := map[string]any{
		"interval":     nextInterval(cfg),
		"min interval": int(cfg.AnnounceInterval),
		"complete":     out.seeders,
		"incomplete":   out.leechers,
		"downloaded":   out.completed,
	}

	if !req.compact {
		list := make([]any, 0, len(out.peers))
		for _, p := range out.peers {
			entry := map[string]any{"ip": p.ip.String(), "port": int(p.port)}
			if !req.noPeerID {
				entry["peer id"] = string(p.id[:])
			}
			list = append(list, entry)
		}
		resp["peers"] = list
		return resp
	}

	var n4 int
	for _, p := range out.peers {
		if p.ip.To4() != nil {
			n4++
		}
	}
	v4 := make([]byte, 0, n4*compactPeerSizeV4)
	v6 := make([]byte, 0, (len(out.peers)-n4)*compactPeerSizeV6)
	for _, p := range out.peers {
		if ip4 := p.ip.To4(); ip4 != nil {
			v4 = append(v4, ip4...)
			v4 = binary.BigEndian.AppendUint16(v4, p.port)
		} else if ip16 := p.ip.To16(); ip16 != nil {
			v6 = append(v6, ip16...)
			v6 = binary.BigEndian.AppendUint16(v6, p.port)
		}
	}
	resp["peers"] = string(v4)
	if len(v6) > 0 {
		resp["peers6"] = string(v6)
	}
	return resp
}
