package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

const whitelistRefreshInterval = 5 * time.Minute

// maxPrefixLength is the longest client prefix that can match a peer_id.
const maxPrefixLength = len(HashID{})

// matchesWhitelist reports whether peerID starts with one of the prefixes.
// An empty list allows every client.
func matchesWhitelist(list []string, peerID HashID) bool {
	if len(list) == 0 {
		return true
	}
	for _, prefix := range list {
		if len(prefix) <= len(peerID) && string(peerID[:len(prefix)]) == prefix {
			return true
		}
	}
	return false
}

// loadWhitelistFile reads client peer_id prefixes, one per line.
// Empty lines and lines starting with # are ignored.
func loadWhitelistFile(path string) ([]string, error) {
	//nolint:gosec // Path is controlled by admin
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open whitelist file: %w", err)
	}
	//nolint:errcheck // File close errors ignored during read
	defer file.Close()

	var prefixes []string
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > maxPrefixLength {
			warn("whitelist line %d: prefix longer than %d bytes, skipping", lineNum, maxPrefixLength)
			continue
		}
		if !slices.Contains(prefixes, line) {
			prefixes = append(prefixes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read whitelist file: %w", err)
	}
	return prefixes, nil
}

// setWhitelist replaces the whitelist table.
func (r *Registry) setWhitelist(prefixes []string) {
	r.usersMu.Lock()
	r.whitelist = slices.Clone(prefixes)
	r.usersMu.Unlock()
}

func (r *Registry) whitelistSnapshot() []string {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()

	return slices.Clone(r.whitelist)
}

// importWhitelist makes prefixes the whitelist, in memory and in storage.
func (tr *Tracker) importWhitelist(prefixes []string) error {
	tr.updateMu.Lock()
	defer tr.updateMu.Unlock()

	old := tr.reg.whitelistSnapshot()
	tr.reg.setWhitelist(prefixes)

	w, ok := tr.store.(storeWriter)
	if !ok {
		return nil
	}
	for _, p := range old {
		if !slices.Contains(prefixes, p) {
			if err := w.DeleteWhitelist(p); err != nil {
				return err
			}
		}
	}
	for _, p := range prefixes {
		if err := w.PutWhitelist(p); err != nil {
			return err
		}
	}
	return nil
}

// startWhitelistManager loads the whitelist file and reloads it whenever its
// modification time changes. It stops when ctx is canceled.
func (tr *Tracker) startWhitelistManager(ctx context.Context, path string) {
	load := func() {
		prefixes, err := loadWhitelistFile(path)
		if err != nil {
			warn("whitelist not loaded, keeping current entries: %v", err)
			return
		}
		if err = tr.importWhitelist(prefixes); err != nil {
			errorLog("cannot persist whitelist: %v", err)
		}
		info("loaded %d client prefixes from whitelist", len(prefixes))
	}
	load()

	tr.wg.Add(1)
	go func() {
		defer tr.wg.Done()

		var lastMod time.Time
		if fi, err := os.Stat(path); err == nil {
			lastMod = fi.ModTime()
		}

		ticker := time.NewTicker(whitelistRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fi, err := os.Stat(path)
				if err != nil {
					info("failed to stat whitelist file: %v", err)
					continue
				}
				if fi.ModTime() != lastMod {
					lastMod = fi.ModTime()
					load()
				}
			}
		}
	}()
}
