package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/jackpal/bencode-go"
)

// HTTP tracker protocol constants (BEP 3, BEP 7, BEP 23)
const (
	minRequestLength = 60 // shortest plausible "GET /<passkey>/announce?... HTTP/1.1"
	passkeyLength    = 32

	compactPeerSizeV4 = 6  // ip:4 + port:2
	compactPeerSizeV6 = 18 // ip:16 + port:2

	authParam = "hmac"
)

type action uint8

const (
	actionInvalid action = iota
	actionAnnounce
	actionScrape
	actionUpdate
	actionReport
)

func (a action) String() string {
	switch a {
	case actionAnnounce:
		return "announce"
	case actionScrape:
		return "scrape"
	case actionUpdate:
		return "update"
	case actionReport:
		return "report"
	default:
		return "invalid"
	}
}

type event uint8

const (
	eventNone event = iota // regular update
	eventStarted
	eventCompleted
	eventStopped
	eventPaused
)

func parseEvent(s string) (event, bool) {
	switch s {
	case "":
		return eventNone, true
	case "started":
		return eventStarted, true
	case "completed":
		return eventCompleted, true
	case "stopped":
		return eventStopped, true
	case "paused":
		return eventPaused, true
	default:
		return eventNone, false
	}
}

// Client error classes. Each one has its own counter.
var (
	errMalformedRequest    = errors.New("malformed request")
	errInvalidAction       = errors.New("invalid action")
	errAuthFailure         = errors.New("authentication failure")
	errUnknownPasskey      = errors.New("unknown passkey")
	errUnregisteredTorrent = errors.New("unregistered torrent")
	errClientRejected      = errors.New("client not whitelisted")
	errLeechDenied         = errors.New("leeching forbidden")
)

// requestError carries the failure reason sent to the client and the class
// used for accounting.
type requestError struct {
	kind   error
	reason string
}

func (e *requestError) Error() string { return e.reason }
func (e *requestError) Unwrap() error { return e.kind }

func failure(kind error, reason string) error {
	return &requestError{kind: kind, reason: reason}
}

// requestTarget returns the target of the request line, e.g.
// "GET /<passkey>/announce?x=y HTTP/1.1" -> "/<passkey>/announce?x=y".
func requestTarget(input string) (string, bool) {
	line, _, _ := strings.Cut(input, "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "GET" || !strings.HasPrefix(fields[1], "/") {
		return "", false
	}
	return fields[1], true
}

// splitTarget splits "/<passkey>/<action>?<query>" into its parts.
func splitTarget(target string) (passkey, path, query string) {
	path, query, _ = strings.Cut(target, "?")
	path = strings.TrimPrefix(path, "/")
	passkey, path, _ = strings.Cut(path, "/")
	return passkey, path, query
}

// extractPasskey returns the passkey of target, or "" if it is malformed.
func extractPasskey(target string) string {
	passkey, _, _ := splitTarget(target)
	if !validPasskey(passkey) {
		return ""
	}
	return passkey
}

// validPasskey reports whether s is exactly passkeyLength ASCII alphanumerics.
func validPasskey(s string) bool {
	if len(s) != passkeyLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}

func parseAction(target string) action {
	_, path, _ := splitTarget(target)
	switch strings.TrimSuffix(path, "/") {
	case "announce":
		return actionAnnounce
	case "scrape":
		return actionScrape
	case "update":
		return actionUpdate
	case "report":
		return actionReport
	default:
		return actionInvalid
	}
}

// computeAuthCode returns the hex HMAC-SHA256 of message keyed with secret.
func computeAuthCode(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// authMessage splits the client-supplied auth code out of target and returns
// the target without it, which is what the code is computed over.
func authMessage(target string) (message, code string) {
	path, query, hasQuery := strings.Cut(target, "?")
	if !hasQuery {
		return target, ""
	}
	kept := make([]string, 0, strings.Count(query, "&")+1)
	for _, kv := range strings.Split(query, "&") {
		if k, v, _ := strings.Cut(kv, "="); k == authParam {
			code = v
			continue
		}
		kept = append(kept, kv)
	}
	if len(kept) == 0 {
		return path, code
	}
	return path + "?" + strings.Join(kept, "&"), code
}

func verifyAuthCode(target, secret string) bool {
	message, code := authMessage(target)
	if code == "" {
		return false
	}
	expected := computeAuthCode(message, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(code)))
}

// Bencoded bodies

type failureResponse struct {
	FailureReason string `bencode:"failure reason"`
}

// internalFailure is sent if encoding itself fails.
var internalFailure = []byte("d14:failure reason14:internal errore")

func encodeBencode(v any) []byte {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := bencode.Marshal(buf, v); err != nil {
		errorLog("bencode marshal failed: %v", err)
		return internalFailure
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func failureBody(reason string) []byte {
	return encodeBencode(failureResponse{FailureReason: reason})
}

// Deletion reason codes sent by the site with delete_torrent.
var delReasonMessages = map[int]string{
	0:  "Dupe",
	1:  "Trump",
	2:  "Bad File Names",
	3:  "Bad Folder Names",
	4:  "Bad Tags",
	5:  "Disallowed Format",
	6:  "Discs Missing",
	7:  "Discography",
	8:  "Edited Log",
	9:  "Inaccurate Bitrate",
	10: "Low Bitrate",
	11: "Mutt Rip",
	12: "Disallowed Source",
	13: "Encode Errors",
	14: "Specifically Banned",
	15: "Tracks Missing",
	16: "Transcode",
	17: "Unapproved Cassette",
	18: "Unsplit Album",
	19: "User Compilation",
	20: "Wrong Format",
	21: "Wrong Media",
	22: "Audience Recording",
}

func delReasonMessage(code int) string {
	return delReasonMessages[code]
}
