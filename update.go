package main

import (
	"fmt"
	"net/url"
	"strconv"
)

var updateSuccess = []byte("success")

// update applies one change pushed by the site. The registry is changed
// first; the change is then mirrored to storage with no registry lock held.
// Update actions run one at a time, so the store sees changes in the order
// the registry did.
func (tr *Tracker) update(params url.Values) ([]byte, error) {
	tr.updateMu.Lock()
	defer tr.updateMu.Unlock()

	act := params.Get("action")
	debug("update action %q", act)

	var mirror func(w storeWriter) error
	switch act {
	case "add_torrent":
		h, ok := paramHash(params, "info_hash")
		id, okID := paramUint32(params, "id")
		if !ok || !okID {
			return nil, invalidUpdate(act)
		}
		free := paramFreeleech(params)
		if tr.reg.addTorrent(id, h, free) {
			info("added torrent %d (%s)", id, h.String())
		}
		tr.clearDelReason(h)
		mirror = func(w storeWriter) error { return w.PutTorrent(newTorrent(id, h, free)) }

	case "update_torrent":
		h, ok := paramHash(params, "info_hash")
		if !ok {
			return nil, invalidUpdate(act)
		}
		free := paramFreeleech(params)
		id, found := tr.reg.setTorrentFreeleech(h, free)
		if !found {
			warn("update_torrent: %s not registered", h.String())
			return updateSuccess, nil
		}
		mirror = func(w storeWriter) error { return w.PutTorrent(newTorrent(id, h, free)) }

	case "delete_torrent":
		h, ok := paramHash(params, "info_hash")
		if !ok {
			return nil, invalidUpdate(act)
		}
		if t := tr.reg.deleteTorrent(h); t != nil {
			info("deleted torrent %d (%s)", t.ID, h.String())
		}
		if code, err := strconv.Atoi(params.Get("reason")); err == nil && code >= 0 {
			tr.addDelReason(h, code)
		}
		mirror = func(w storeWriter) error { return w.DeleteTorrent(h) }

	case "add_user":
		passkey := params.Get("passkey")
		id, okID := paramUint32(params, "id")
		if len(passkey) != passkeyLength || !okID {
			return nil, invalidUpdate(act)
		}
		u := &User{
			Passkey:   passkey,
			ID:        id,
			CanLeech:  params.Get("can_leech") != "0",
			Protected: params.Get("protected") == "1",
			Freeleech: params.Get("freeleech") == "1",
		}
		tr.reg.putUser(u)
		mirror = func(w storeWriter) error { return w.PutUser(u) }

	case "update_user":
		passkey := params.Get("passkey")
		u := tr.reg.modifyUser(passkey, func(u *User) {
			if v := params.Get("can_leech"); v != "" {
				u.CanLeech = v != "0"
			}
			if v := params.Get("protected"); v != "" {
				u.Protected = v == "1"
			}
			if v := params.Get("freeleech"); v != "" {
				u.Freeleech = v == "1"
			}
		})
		if u == nil {
			warn("update_user: passkey %s not found", redactedPasskey(passkey))
			return updateSuccess, nil
		}
		mirror = func(w storeWriter) error { return w.PutUser(u) }

	case "remove_user":
		passkey := params.Get("passkey")
		if u := tr.reg.removeUser(passkey); u != nil {
			info("removed user %d", u.ID)
		}
		mirror = func(w storeWriter) error { return w.DeleteUser(passkey) }

	case "change_passkey":
		oldPasskey, newPasskey := params.Get("oldpasskey"), params.Get("newpasskey")
		if len(newPasskey) != passkeyLength {
			return nil, invalidUpdate(act)
		}
		u := tr.reg.changePasskey(oldPasskey, newPasskey)
		if u == nil {
			warn("change_passkey: passkey %s not found or new passkey taken", redactedPasskey(oldPasskey))
			return updateSuccess, nil
		}
		mirror = func(w storeWriter) error { return w.PutUser(u) }

	case "add_whitelist":
		prefix := params.Get("peer_id")
		if prefix == "" || len(prefix) > maxPrefixLength {
			return nil, invalidUpdate(act)
		}
		tr.reg.addWhitelist(prefix)
		mirror = func(w storeWriter) error { return w.PutWhitelist(prefix) }

	case "remove_whitelist":
		prefix := params.Get("peer_id")
		tr.reg.removeWhitelist(prefix)
		mirror = func(w storeWriter) error { return w.DeleteWhitelist(prefix) }

	case "set_freeleech":
		enabled := params.Get("enabled") == "1"
		tr.siteFreeleech.Store(enabled)
		info("site freeleech set to %t", enabled)
		mirror = func(w storeWriter) error { return w.SetFreeleech(enabled) }

	case "reload":
		if err := tr.reloadLists(); err != nil {
			return nil, err
		}
		return updateSuccess, nil

	default:
		return nil, failure(errInvalidAction, "Invalid update action")
	}

	if w, ok := tr.store.(storeWriter); ok {
		if err := mirror(w); err != nil {
			return nil, fmt.Errorf("update %s: %w", act, err)
		}
	}
	return updateSuccess, nil
}

func invalidUpdate(act string) error {
	return failure(errMalformedRequest, "Invalid parameters for "+act)
}

func paramHash(params url.Values, key string) (HashID, bool) {
	v := params.Get(key)
	if len(v) != len(HashID{}) {
		return HashID{}, false
	}
	return NewHashID([]byte(v)), true
}

func paramUint32(params url.Values, key string) (uint32, bool) {
	n, err := strconv.ParseUint(params.Get(key), 10, 32)
	return uint32(n), err == nil
}

func paramFreeleech(params url.Values) FreeleechType {
	switch params.Get("freetorrent") {
	case "1":
		return FreeleechFree
	case "2":
		return FreeleechNeutral
	default:
		return FreeleechNormal
	}
}

// clearDelReason forgets the deletion reason of a re-added torrent.
func (tr *Tracker) clearDelReason(infoHash HashID) {
	tr.delReasonsMu.Lock()
	delete(tr.delReasons, infoHash)
	tr.delReasonsMu.Unlock()
}
