package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"
	"github.com/juju/ratelimit"
)

const (
	eventTypeSnatch = "snatch"

	siteQueueSize      = 1024
	siteRequestTimeout = 10 * time.Second
	siteMaxRetries     = 5
	siteRate           = 20 // events per second
)

// siteEvent is delivered to the site as a JSON document. ID lets the site
// discard duplicates of a retried delivery.
type siteEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    uint32    `json:"user_id"`
	TorrentID uint32    `json:"torrent_id"`
	Time      time.Time `json:"time"`
}

// Notifier receives events the site wants to hear about. Notify must not block.
type Notifier interface {
	Notify(ev siteEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(siteEvent) {}

// siteComm posts events to the site one at a time from a background worker.
type siteComm struct {
	url     string
	client  *http.Client
	queue   chan siteEvent
	bucket  *ratelimit.Bucket
	backoff func() backoff.BackOff
	wg      sync.WaitGroup
}

func newSiteComm(url string) *siteComm {
	return &siteComm{
		url:    url,
		client: &http.Client{Timeout: siteRequestTimeout},
		queue:  make(chan siteEvent, siteQueueSize),
		bucket: ratelimit.NewBucketWithRate(siteRate, siteRate),
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 2 * time.Minute
			return backoff.WithMaxRetries(bo, siteMaxRetries)
		},
	}
}

// newNotifier returns a siteComm for url, or a no-op notifier when url is empty.
func newNotifier(url string) Notifier {
	if url == "" {
		return nopNotifier{}
	}
	return newSiteComm(url)
}

func (s *siteComm) Notify(ev siteEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case s.queue <- ev:
	default:
		warn("site queue full, dropping %s event %s", ev.Type, ev.ID)
	}
}

// start delivers queued events until ctx is canceled. Events still queued at
// that point are dropped.
func (s *siteComm) start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				if n := len(s.queue); n > 0 {
					warn("dropping %d undelivered site events", n)
				}
				return
			case ev := <-s.queue:
				if !s.takeToken(ctx) {
					warn("dropping %d undelivered site events", len(s.queue)+1)
					return
				}
				if err := s.deliver(ctx, ev); err != nil {
					errorLog("cannot deliver %s event %s: %v", ev.Type, ev.ID, err)
				}
			}
		}
	}()
}

// takeToken waits for the rate limiter. It returns false if ctx is canceled first.
func (s *siteComm) takeToken(ctx context.Context) bool {
	d := s.bucket.Take(1)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *siteComm) wait() {
	s.wg.Wait()
}

func (s *siteComm) deliver(ctx context.Context, ev siteEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		//nolint:errcheck // body is drained for connection reuse only
		io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("site returned %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("site returned %s", resp.Status))
		}
	}
	err = backoff.Retry(op, backoff.WithContext(s.backoff(), ctx))
	if err == nil {
		debug("delivered %s event %s", ev.Type, ev.ID)
	}
	return err
}
