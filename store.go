package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
	"github.com/mitchellh/go-homedir"
)

// Store is the durable source of the registry tables.
type Store interface {
	LoadTorrents() ([]*Torrent, error)
	LoadUsers() ([]*User, error)
	LoadWhitelist() ([]string, error)
	LoadFreeleech() (bool, error)
}

// storeWriter mirrors site updates into durable storage.
type storeWriter interface {
	PutTorrent(t *Torrent) error
	DeleteTorrent(infoHash HashID) error
	PutUser(u *User) error
	DeleteUser(passkey string) error
	PutWhitelist(prefix string) error
	DeleteWhitelist(prefix string) error
	SetFreeleech(enabled bool) error
}

var errNoStore = errors.New("no store configured")

// Buckets of the bolt database.
var buckets = struct {
	Torrents  []byte
	Users     []byte
	Whitelist []byte
	Meta      []byte
}{
	Torrents:  []byte("torrents"),
	Users:     []byte("users"),
	Whitelist: []byte("whitelist"),
	Meta:      []byte("meta"),
}

var keySiteFreeleech = []byte("site_freeleech")

type torrentRecord struct {
	ID          uint32        `json:"id"`
	Completed   int           `json:"completed"`
	FreeTorrent FreeleechType `json:"free_torrent"`
}

type userRecord struct {
	ID         uint32 `json:"id"`
	CanLeech   bool   `json:"can_leech"`
	Protected  bool   `json:"protected"`
	Freeleech  bool   `json:"freeleech"`
	Uploaded   uint64 `json:"uploaded"`
	Downloaded uint64 `json:"downloaded"`
}

// boltStore keeps torrents (keyed by raw info_hash), users (keyed by passkey),
// whitelist prefixes and site settings in a Bolt database file.
type boltStore struct {
	db *bolt.DB
}

func openBoltStore(path string) (*boltStore, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{buckets.Torrents, buckets.Users, buckets.Whitelist, buckets.Meta} {
			if _, err2 := tx.CreateBucketIfNotExists(b); err2 != nil {
				return err2
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) LoadTorrents() ([]*Torrent, error) {
	var torrents []*Torrent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Torrents).ForEach(func(k, v []byte) error {
			if len(k) != len(HashID{}) {
				return fmt.Errorf("invalid info_hash key %x", k)
			}
			var rec torrentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("torrent %x: %w", k, err)
			}
			t := newTorrent(rec.ID, NewHashID(k), rec.FreeTorrent)
			t.completed = rec.Completed
			torrents = append(torrents, t)
			return nil
		})
	})
	return torrents, err
}

func (s *boltStore) LoadUsers() ([]*User, error) {
	var users []*User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Users).ForEach(func(k, v []byte) error {
			var rec userRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("user %d: %w", rec.ID, err)
			}
			users = append(users, &User{
				Passkey:   string(k),
				ID:        rec.ID,
				CanLeech:  rec.CanLeech,
				Protected: rec.Protected,
				Freeleech: rec.Freeleech,
			})
			return nil
		})
	})
	return users, err
}

func (s *boltStore) LoadWhitelist() ([]string, error) {
	var whitelist []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Whitelist).ForEach(func(k, _ []byte) error {
			whitelist = append(whitelist, string(k))
			return nil
		})
	})
	return whitelist, err
}

func (s *boltStore) LoadFreeleech() (bool, error) {
	var enabled bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(buckets.Meta).Get(keySiteFreeleech)
		if v == nil {
			return nil
		}
		var err error
		enabled, err = strconv.ParseBool(string(v))
		return err
	})
	return enabled, err
}

func (s *boltStore) PutTorrent(t *Torrent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(buckets.Torrents)
		var rec torrentRecord
		if v := b.Get(t.InfoHash[:]); v != nil {
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
		}
		rec.ID, rec.FreeTorrent = t.ID, t.FreeTorrent
		return putJSON(b, t.InfoHash[:], rec)
	})
}

func (s *boltStore) DeleteTorrent(infoHash HashID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Torrents).Delete(infoHash[:])
	})
}

func (s *boltStore) PutUser(u *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(buckets.Users)
		var rec userRecord
		// The passkey may have changed: carry totals over from the record with the same id.
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var old userRecord
			if err := json.Unmarshal(v, &old); err != nil {
				return err
			}
			if old.ID == u.ID {
				rec = old
				if string(k) != u.Passkey {
					if err := b.Delete(k); err != nil {
						return err
					}
				}
				break
			}
		}
		rec.ID, rec.CanLeech, rec.Protected, rec.Freeleech = u.ID, u.CanLeech, u.Protected, u.Freeleech
		return putJSON(b, []byte(u.Passkey), rec)
	})
}

func (s *boltStore) DeleteUser(passkey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Users).Delete([]byte(passkey))
	})
}

func (s *boltStore) PutWhitelist(prefix string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Whitelist).Put([]byte(prefix), []byte{})
	})
}

func (s *boltStore) DeleteWhitelist(prefix string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Whitelist).Delete([]byte(prefix))
	})
}

func (s *boltStore) SetFreeleech(enabled bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(buckets.Meta).Put(keySiteFreeleech, []byte(strconv.FormatBool(enabled)))
	})
}

// RecordTransfers applies a batch of flushed transfers in one transaction.
// Records for users or torrents that no longer exist are skipped.
func (s *boltStore) RecordTransfers(batch []transfer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(buckets.Users)
		byID := make(map[uint32][]byte)
		c := users.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec userRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			byID[rec.ID] = append([]byte(nil), k...)
		}

		torrents := tx.Bucket(buckets.Torrents)
		byTorrentID := make(map[uint32][]byte)
		c = torrents.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec torrentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			byTorrentID[rec.ID] = append([]byte(nil), k...)
		}

		for _, t := range batch {
			if key, ok := byID[t.UserID]; ok && (t.Uploaded > 0 || t.Downloaded > 0) {
				var rec userRecord
				if err := json.Unmarshal(users.Get(key), &rec); err != nil {
					return err
				}
				rec.Uploaded += t.Uploaded
				rec.Downloaded += t.Downloaded
				if err := putJSON(users, key, rec); err != nil {
					return err
				}
			}
			if key, ok := byTorrentID[t.TorrentID]; ok && t.Snatched {
				var rec torrentRecord
				if err := json.Unmarshal(torrents.Get(key), &rec); err != nil {
					return err
				}
				rec.Completed++
				if err := putJSON(torrents, key, rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
