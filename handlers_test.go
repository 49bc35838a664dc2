package main

import (
	"net"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClientIP = net.ParseIP("10.9.9.9")

func requestLine(passkey, act string, params url.Values) string {
	return "GET /" + passkey + "/" + act + "?" + params.Encode() + " HTTP/1.1"
}

func announceParams(peer string, left string) url.Values {
	return url.Values{
		"info_hash":  {string(testHash[:])},
		"peer_id":    {peer},
		"port":       {"6881"},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"left":       {left},
	}
}

func failureReason(t *testing.T, body []byte) string {
	t.Helper()
	reason, _ := decodeDict(t, body)["failure reason"].(string)
	return reason
}

// counterValues returns every counter, for checking that exactly one moved.
func counterValues(tr *Tracker) map[string]int64 {
	out := make(map[string]int64)
	for _, v := range tr.stats.snapshot() {
		if !v.gauge {
			out[v.name] = v.value
		}
	}
	return out
}

func assertOnlyCounter(t *testing.T, tr *Tracker, name string, want int64) {
	t.Helper()
	for k, v := range counterValues(tr) {
		if k == name {
			assert.Equal(t, want, v, k)
		} else {
			assert.Zero(t, v, k)
		}
	}
}

func TestWork_ShortInput(t *testing.T) {
	tr := newTestTracker(t)
	input := strings.Repeat("x", 40)

	body := tr.work(input, testClientIP)

	assert.Equal(t, "GET string too short", failureReason(t, body))
	assertOnlyCounter(t, tr, "http_errors", 1)
}

func TestWork_MalformedPasskey(t *testing.T) {
	tr := newTestTracker(t)
	body := tr.work(requestLine("short", "announce", announceParams("peer________________", "0")), testClientIP)

	assert.Equal(t, "Malformed announce", failureReason(t, body))
	assertOnlyCounter(t, tr, "http_errors", 1)
}

func TestWork_NotGet(t *testing.T) {
	tr := newTestTracker(t)
	input := "POST /" + testPasskey + "/announce?info_hash=x&peer_id=y HTTP/1.1"
	body := tr.work(input, testClientIP)

	assert.Equal(t, "Malformed request", failureReason(t, body))
	assertOnlyCounter(t, tr, "http_errors", 1)
}

func TestWork_InvalidAction(t *testing.T) {
	tr := newTestTracker(t)
	body := tr.work(requestLine(testPasskey, "download", url.Values{"x": {"12345"}}), testClientIP)

	assert.Equal(t, "Invalid action", failureReason(t, body))
	assertOnlyCounter(t, tr, "invalid_actions", 1)
}

func TestWork_UnknownPasskey(t *testing.T) {
	tr := newTestTracker(t)
	body := tr.work(requestLine(testPasskey3, "announce", announceParams("peer________________", "0")), testClientIP)

	assert.Equal(t, "Passkey not found", failureReason(t, body))
	assertOnlyCounter(t, tr, "auth_errors_passkey", 1)
}

func TestWork_Announce(t *testing.T) {
	tr := newTestTracker(t)
	body := tr.work(requestLine(testPasskey, "announce", announceParams("peer________________", "0")), testClientIP)

	resp := decodeDict(t, body)
	require.NotContains(t, resp, "failure reason")
	assert.Equal(t, int64(1), resp["complete"])
	assert.Equal(t, int64(1), tr.stats.announcements.Count())

	p, _ := tr.reg.findTorrent(testHash).findPeer(NewHashID([]byte("peer________________")))
	require.NotNil(t, p)
	assert.Equal(t, testClientIP.String(), p.IP.String(), "observed address is used")
}

func TestWork_AnnounceUnregisteredWithReason(t *testing.T) {
	tr := newTestTracker(t)
	tr.addDelReason(testHash2, 16)
	params := announceParams("peer________________", "0")
	params.Set("info_hash", string(testHash2[:]))

	body := tr.work(requestLine(testPasskey, "announce", params), testClientIP)

	assert.Equal(t, "Unregistered torrent: Transcode", failureReason(t, body))
	assert.Equal(t, int64(1), tr.stats.unregisteredTorrents.Count())
}

func TestWork_AuthCode(t *testing.T) {
	tr := newTestTracker(t)
	cfg := testConfig()
	cfg.AuthSecret = "s3cret"
	tr.reloadConfig(cfg)

	params := announceParams("peer________________", "0")
	target := "/" + testPasskey + "/announce?" + params.Encode()

	body := tr.work("GET "+target+" HTTP/1.1", testClientIP)
	assert.Equal(t, "Authentication failure", failureReason(t, body))
	assert.Equal(t, int64(1), tr.stats.authErrorsSecret.Count())

	body = tr.work("GET "+target+"&hmac=deadbeef HTTP/1.1", testClientIP)
	assert.Equal(t, "Authentication failure", failureReason(t, body))

	code := computeAuthCode(target, "s3cret")
	body = tr.work("GET "+target+"&hmac="+code+" HTTP/1.1", testClientIP)
	resp := decodeDict(t, body)
	assert.NotContains(t, resp, "failure reason")
	assert.Equal(t, int64(2), tr.stats.authErrorsSecret.Count())
}

func TestWork_Scrape(t *testing.T) {
	tr := newTestTracker(t)
	tr.work(requestLine(testPasskey, "announce", announceParams("peer________________", "0")), testClientIP)

	params := url.Values{"info_hash": {string(testHash[:]), string(testHash2[:])}}
	body := tr.work(requestLine(testPasskey, "scrape", params), testClientIP)

	files, ok := decodeDict(t, body)["files"].(map[string]any)
	require.True(t, ok)
	require.Len(t, files, 1, "unregistered hashes are omitted")
	stats := files[string(testHash[:])].(map[string]any)
	assert.Equal(t, int64(1), stats["complete"])
	assert.Equal(t, int64(0), stats["incomplete"])
	assert.Equal(t, int64(0), stats["downloaded"])
	assert.Equal(t, int64(1), tr.stats.scrapes.Count())
}

func TestWork_ScrapeWithoutValidHash(t *testing.T) {
	tr := newTestTracker(t)
	body := tr.work(requestLine(testPasskey, "scrape", url.Values{"info_hash": {"short"}}), testClientIP)

	assert.Equal(t, "Malformed scrape", failureReason(t, body))
	assertOnlyCounter(t, tr, "http_errors", 1)
}

func TestWork_UpdateRequiresSitePassword(t *testing.T) {
	tr := newTestTracker(t)
	params := url.Values{"action": {"add_torrent"}, "info_hash": {string(testHash2[:])}, "id": {"2"}}

	body := tr.work(requestLine(testPasskey, "update", params), testClientIP)
	assert.Equal(t, "Authentication failure", failureReason(t, body))
	assert.Nil(t, tr.reg.findTorrent(testHash2))

	body = tr.work(requestLine(insecurePassword, "update", params), testClientIP)
	assert.Equal(t, "success", string(body))
	assert.NotNil(t, tr.reg.findTorrent(testHash2))
	assert.Equal(t, int64(1), tr.stats.updates.Count())
}

func TestWork_UpdateIgnoresAuthCode(t *testing.T) {
	tr := newTestTracker(t)
	cfg := testConfig()
	cfg.AuthSecret = "s3cret"
	tr.reloadConfig(cfg)

	params := url.Values{"action": {"set_freeleech"}, "enabled": {"1"}}
	body := tr.work(requestLine(insecurePassword, "update", params), testClientIP)
	assert.Equal(t, "success", string(body))
	assert.True(t, tr.siteFreeleech.Load())
}

func TestWork_Report(t *testing.T) {
	tr := newTestTracker(t)
	tr.work(requestLine(testPasskey, "announce", announceParams("peer________________", "10")), testClientIP)

	body := tr.work(requestLine(insecurePassword, "report", url.Values{"get": {"stats"}}), testClientIP)
	out := string(body)
	assert.Contains(t, out, "status open\n")
	assert.Contains(t, out, "1 announcements\n")
	assert.Contains(t, out, "1 leechers\n")
	assert.Contains(t, out, "1 torrents\n")
	assert.Contains(t, out, "2 users\n")

	body = tr.work(requestLine(insecurePassword, "report", url.Values{"get": {"user"}, "key": {testPasskey}}), testClientIP)
	assert.Equal(t, "1 leeching\n0 seeding\n", string(body))

	body = tr.work(requestLine(insecurePassword, "report", url.Values{"get": {"user"}, "key": {testPasskey3}}), testClientIP)
	assert.Equal(t, "Passkey not found", failureReason(t, body))

	body = tr.work(requestLine(insecurePassword, "report", url.Values{"get": {"torrent"}, "info_hash": {string(testHash[:])}}), testClientIP)
	assert.Equal(t, "0 seeders\n1 leechers\n0 snatches\n", string(body))

	body = tr.work(requestLine(insecurePassword, "report", url.Values{"get": {"torrent"}, "info_hash": {string(testHash2[:])}}), testClientIP)
	assert.Equal(t, "Unregistered torrent", failureReason(t, body))

	body = tr.work(requestLine(testPasskey, "report", url.Values{"get": {"stats"}}), testClientIP)
	assert.Equal(t, "Authentication failure", failureReason(t, body))
}

func TestFail_InternalError(t *testing.T) {
	tr := newTestTracker(t)
	body := tr.fail(errNoStore)

	assert.Equal(t, "Internal error", failureReason(t, body))
	assertOnlyCounter(t, tr, "internal_errors", 1)
}

func TestAuthMessage(t *testing.T) {
	tests := []struct {
		target      string
		wantMessage string
		wantCode    string
	}{
		{"/pk/announce?a=1&hmac=ab&b=2", "/pk/announce?a=1&b=2", "ab"},
		{"/pk/announce?hmac=ab", "/pk/announce", "ab"},
		{"/pk/announce?a=1", "/pk/announce?a=1", ""},
		{"/pk/announce", "/pk/announce", ""},
	}
	for _, tt := range tests {
		message, code := authMessage(tt.target)
		if message != tt.wantMessage || code != tt.wantCode {
			t.Errorf("authMessage(%q) = %q, %q, want %q, %q", tt.target, message, code, tt.wantMessage, tt.wantCode)
		}
	}
}

func TestParseAction(t *testing.T) {
	tests := map[string]action{
		"/" + testPasskey + "/announce?x=1": actionAnnounce,
		"/" + testPasskey + "/scrape":       actionScrape,
		"/" + testPasskey + "/update?x=1":   actionUpdate,
		"/" + testPasskey + "/report?x=1":   actionReport,
		"/" + testPasskey + "/other":        actionInvalid,
		"/" + testPasskey:                   actionInvalid,
	}
	for target, want := range tests {
		if got := parseAction(target); got != want {
			t.Errorf("parseAction(%q) = %s, want %s", target, got, want)
		}
	}
}
