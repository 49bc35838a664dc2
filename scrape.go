package main

import (
	"net/url"
)

// scrapeStats holds the statistics for a single torrent in a scrape response.
type scrapeStats struct {
	Complete   int `bencode:"complete"`
	Incomplete int `bencode:"incomplete"`
	Downloaded int `bencode:"downloaded"`
}

type scrapeResponse struct {
	Files map[string]scrapeStats `bencode:"files"`
}

// parseScrapeRequest returns the well-formed info_hashes of a scrape in
// request order. Wrong-length entries are skipped; a batch without any valid
// hash is malformed.
func parseScrapeRequest(params url.Values) ([]HashID, error) {
	raw := params["info_hash"]
	hashes := make([]HashID, 0, len(raw))
	for _, h := range raw {
		if len(h) != len(HashID{}) {
			continue
		}
		hashes = append(hashes, NewHashID([]byte(h)))
	}
	if len(hashes) == 0 {
		return nil, failure(errMalformedRequest, "Malformed scrape")
	}
	return hashes, nil
}

// stats reads the swarm counts. Caller must hold the torrent table read lock.
func (t *Torrent) stats() scrapeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return scrapeStats{
		Complete:   len(t.seeders),
		Incomplete: len(t.leechers),
		Downloaded: t.completed,
	}
}

// scrape collects stats for every registered hash of the batch under a single
// torrent table read lock, so the batch is one consistent snapshot.
// Unregistered hashes are omitted.
func (tr *Tracker) scrape(hashes []HashID) []byte {
	resp := scrapeResponse{Files: make(map[string]scrapeStats, len(hashes))}

	tr.reg.torrentsMu.RLock()
	for _, h := range hashes {
		t, ok := tr.reg.torrents[h]
		if !ok {
			continue
		}
		resp.Files[string(h[:])] = t.stats()
	}
	tr.reg.torrentsMu.RUnlock()

	debug("scrape of %d hashes, %d registered", len(hashes), len(resp.Files))
	return encodeBencode(resp)
}
