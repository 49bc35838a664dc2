package main

import (
	"fmt"
	"net/url"
	"strings"
)

// report answers operator queries with plain text.
//
//	get=stats            every counter and gauge, one "<value> <name>" per line
//	get=user&key=<pk>    "<leeching> leeching\n<seeding> seeding\n" for one user
//	get=torrent&info_hash=<raw>
//	                     seeders, leechers and snatches of one torrent
func (tr *Tracker) report(params url.Values) ([]byte, error) {
	switch params.Get("get") {
	case "stats":
		var b strings.Builder
		fmt.Fprintf(&b, "status %s\n", tr.lifecycle.Status())
		b.WriteString(tr.stats.String())
		return []byte(b.String()), nil

	case "user":
		key := params.Get("key")
		u := tr.reg.findUser(key)
		if u == nil {
			return nil, failure(errUnknownPasskey, "Passkey not found")
		}
		leeching, seeding := tr.reg.userPeerCounts(u.ID)
		return fmt.Appendf(nil, "%d leeching\n%d seeding\n", leeching, seeding), nil

	case "torrent":
		h, ok := paramHash(params, "info_hash")
		if !ok {
			return nil, failure(errMalformedRequest, "Malformed report")
		}
		tr.reg.torrentsMu.RLock()
		t, found := tr.reg.torrents[h]
		var st scrapeStats
		if found {
			st = t.stats()
		}
		tr.reg.torrentsMu.RUnlock()
		if !found {
			return nil, tr.unregistered(h)
		}
		return fmt.Appendf(nil, "%d seeders\n%d leechers\n%d snatches\n", st.Complete, st.Incomplete, st.Downloaded), nil

	default:
		return nil, failure(errInvalidAction, "Invalid action")
	}
}
