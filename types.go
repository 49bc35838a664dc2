package main

import (
	"encoding/hex"
	"net"
	"sync"
	"time"
)

// HashID represents a 20-byte identifier (info_hash or peer_id).
// Used as map keys to avoid 40-byte hex string overhead.
type HashID [20]byte

// NewHashID creates a HashID from a byte slice.
// Caller must ensure b has at least 20 bytes (request validation happens before this).
// If b > 20 bytes, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// FreeleechType is the per-torrent download accounting policy.
type FreeleechType uint8

const (
	FreeleechNormal  FreeleechType = iota // upload and download counted
	FreeleechFree                         // download not counted
	FreeleechNeutral                      // neither counted
)

// Peer is one client participating in a torrent swarm.
// UserID is a weak reference: it must be resolved through the user table
// under the user read lock every time it is used.
type Peer struct {
	FirstAnnounced time.Time
	LastAnnounced  time.Time
	IP             net.IP
	Uploaded       uint64
	Downloaded     uint64
	Left           uint64
	UserID         uint32
	Port           uint16
	Completed      bool
}

// Torrent holds the swarm of a registered info_hash.
// A peer lives in exactly one of seeders or leechers.
type Torrent struct {
	seeders     map[HashID]*Peer
	leechers    map[HashID]*Peer
	mu          sync.RWMutex
	completed   int
	ID          uint32
	InfoHash    HashID
	FreeTorrent FreeleechType
}

func newTorrent(id uint32, infoHash HashID, free FreeleechType) *Torrent {
	return &Torrent{
		ID:          id,
		InfoHash:    infoHash,
		FreeTorrent: free,
		seeders:     make(map[HashID]*Peer),
		leechers:    make(map[HashID]*Peer),
	}
}

// User is immutable once published in the registry; updates replace the entry.
type User struct {
	Passkey   string
	ID        uint32
	CanLeech  bool
	Protected bool
	Freeleech bool
}

// redactedPasskey returns a log-safe form of a passkey.
func redactedPasskey(passkey string) string {
	if len(passkey) <= 4 {
		return "****"
	}
	return passkey[:4] + "****"
}

type delReason struct {
	created time.Time
	code    int
}
