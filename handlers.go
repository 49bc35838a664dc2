package main

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/url"
)

// work authenticates and routes one raw request line, e.g.
// "GET /<passkey>/announce?info_hash=... HTTP/1.1", and returns the response body.
// Protocol errors are always answered with a bencoded failure, never a transport error.
func (tr *Tracker) work(input string, ip net.IP) []byte {
	// Cheap first-line defense before any parsing or registry access.
	if len(input) < minRequestLength {
		tr.stats.httpErrors.Inc(1)
		return failureBody("GET string too short")
	}

	target, ok := requestTarget(input)
	if !ok {
		tr.stats.httpErrors.Inc(1)
		return failureBody("Malformed request")
	}

	passkey := extractPasskey(target)
	if passkey == "" {
		tr.stats.httpErrors.Inc(1)
		return failureBody("Malformed announce")
	}

	act := parseAction(target)
	if act == actionInvalid {
		tr.stats.invalidActions.Inc(1)
		return failureBody("Invalid action")
	}

	_, _, rawQuery := splitTarget(target)
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		tr.stats.httpErrors.Inc(1)
		return failureBody("Malformed request")
	}

	body, err := tr.route(act, passkey, target, params, ip)
	if err != nil {
		return tr.fail(err)
	}
	return body
}

func (tr *Tracker) route(act action, passkey, target string, params url.Values, ip net.IP) ([]byte, error) {
	cfg := tr.config()

	switch act {
	case actionUpdate:
		if !passwordMatches(passkey, cfg.SitePassword) {
			return nil, failure(errAuthFailure, "Authentication failure")
		}
		tr.stats.updates.Inc(1)
		return tr.update(params)
	case actionReport:
		if !passwordMatches(passkey, cfg.ReportPassword) {
			return nil, failure(errAuthFailure, "Authentication failure")
		}
		tr.stats.reports.Inc(1)
		return tr.report(params)
	}

	if cfg.AuthSecret != "" && !verifyAuthCode(target, cfg.AuthSecret) {
		if debugEnabled.Load() {
			debug("auth code mismatch for passkey %s from %s", redactedPasskey(passkey), ip)
		}
		return nil, failure(errAuthFailure, "Authentication failure")
	}

	u := tr.reg.findUser(passkey)
	if u == nil {
		return nil, failure(errUnknownPasskey, "Passkey not found")
	}

	switch act {
	case actionAnnounce:
		req, err := parseAnnounceRequest(params, ip)
		if err != nil {
			return nil, err
		}
		tr.stats.announcements.Inc(1)
		return tr.announce(req, u)
	default:
		hashes, err := parseScrapeRequest(params)
		if err != nil {
			return nil, err
		}
		tr.stats.scrapes.Inc(1)
		return tr.scrape(hashes), nil
	}
}

// fail counts err by class and renders it as a bencoded failure.
func (tr *Tracker) fail(err error) []byte {
	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		errorLog("request failed: %v", err)
		tr.stats.internalErrors.Inc(1)
		return failureBody("Internal error")
	}

	switch {
	case errors.Is(err, errMalformedRequest):
		tr.stats.httpErrors.Inc(1)
	case errors.Is(err, errInvalidAction):
		tr.stats.invalidActions.Inc(1)
	case errors.Is(err, errAuthFailure):
		tr.stats.authErrorsSecret.Inc(1)
	case errors.Is(err, errUnknownPasskey):
		tr.stats.authErrorsPasskey.Inc(1)
	case errors.Is(err, errUnregisteredTorrent):
		tr.stats.unregisteredTorrents.Inc(1)
	case errors.Is(err, errClientRejected):
		tr.stats.clientRejections.Inc(1)
	case errors.Is(err, errLeechDenied):
		tr.stats.leechDenied.Inc(1)
	}
	return failureBody(reqErr.reason)
}

func passwordMatches(given, want string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}
