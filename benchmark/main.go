// HTTP tracker benchmark tool.
// Registers a user and a set of torrents through the update action, then runs
// concurrent announce/scrape clients against the tracker.
//
// Usage: go run ./benchmark -target http://localhost:34000 -site-password <pw> -duration 30s -concurrency 100

package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/juju/ratelimit"
)

const (
	responseTimeout = 5 * time.Second
	benchUserID     = 900000
	benchPasskey    = "benchbenchbenchbenchbenchbench00"
)

// LatencyStats stores latencies for one request type (announce/scrape)
type LatencyStats struct {
	Latencies []time.Duration
	Mu        sync.Mutex
}

func (l *LatencyStats) Record(d time.Duration) {
	l.Mu.Lock()
	l.Latencies = append(l.Latencies, d)
	l.Mu.Unlock()
}

func (l *LatencyStats) getSorted() []time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return nil
	}
	sorted := make([]time.Duration, len(l.Latencies))
	copy(sorted, l.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func (l *LatencyStats) Percentile(p float64) time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (l *LatencyStats) Avg() time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range l.Latencies {
		sum += d
	}
	return sum / time.Duration(len(l.Latencies))
}

type Stats struct {
	StartTime       time.Time
	AnnounceLatency LatencyStats
	ScrapeLatency   LatencyStats
	TotalRequests   atomic.Uint64
	SuccessfulReqs  atomic.Uint64
	FailedReqs      atomic.Uint64
	TrackerFailures atomic.Uint64 // well-formed "failure reason" responses
	AnnounceCount   atomic.Uint64
	ScrapeCount     atomic.Uint64
	ResponseBytes   atomic.Uint64
}

type Config struct {
	Target       string
	SitePassword string
	Duration     time.Duration
	Concurrency  int
	RateLimit    int
	NumHashes    int
	NumWant      int
}

type Benchmark struct {
	client *http.Client
	StopCh chan struct{}
	Config Config
	Stats  Stats
}

func NewBenchmark(cfg Config) *Benchmark {
	return &Benchmark{
		client: &http.Client{
			Timeout: responseTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.Concurrency,
			},
		},
		StopCh: make(chan struct{}),
		Config: cfg,
	}
}

// setup registers the benchmark user and one torrent per worker hash.
func (b *Benchmark) setup() error {
	update := func(params url.Values) error {
		u := fmt.Sprintf("%s/%s/update?%s", b.Config.Target, b.Config.SitePassword, params.Encode())
		body, err := b.get(u)
		if err != nil {
			return err
		}
		if string(body) != "success" {
			return fmt.Errorf("update %s: %q", params.Get("action"), body)
		}
		return nil
	}

	err := update(url.Values{
		"action":    {"add_user"},
		"passkey":   {benchPasskey},
		"id":        {strconv.Itoa(benchUserID)},
		"can_leech": {"1"},
	})
	if err != nil {
		return err
	}
	id := 1
	for w := 0; w < b.Config.Concurrency; w++ {
		for h := 0; h < b.Config.NumHashes; h++ {
			hash := generateInfoHash(w, h)
			err = update(url.Values{
				"action":    {"add_torrent"},
				"info_hash": {string(hash[:])},
				"id":        {strconv.Itoa(id)},
			})
			if err != nil {
				return err
			}
			id++
		}
	}
	return nil
}

func (b *Benchmark) Run() error {
	fmt.Printf("Starting benchmark...\n")
	fmt.Printf("Target: %s\n", b.Config.Target)
	fmt.Printf("Duration: %s\n", b.Config.Duration)
	fmt.Printf("Concurrency: %d\n", b.Config.Concurrency)
	fmt.Printf("Rate limit: %d req/s per worker\n", b.Config.RateLimit)
	fmt.Printf("Info hashes: %d per worker\n", b.Config.NumHashes)
	fmt.Println()

	if err := b.setup(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	b.Stats.StartTime = time.Now()
	go b.reportProgress()

	var wg sync.WaitGroup
	for i := 0; i < b.Config.Concurrency; i++ {
		wg.Add(1)
		go b.worker(i, &wg)
	}

	time.Sleep(b.Config.Duration)
	close(b.StopCh)
	wg.Wait()
	b.printResults()
	return nil
}

func (b *Benchmark) worker(id int, wg *sync.WaitGroup) {
	defer wg.Done()

	var bucket *ratelimit.Bucket
	if b.Config.RateLimit > 0 {
		bucket = ratelimit.NewBucketWithRate(float64(b.Config.RateLimit), 1)
	}

	hashes := make([][20]byte, b.Config.NumHashes)
	peerID := generatePeerID(id)
	for i := range hashes {
		hashes[i] = generateInfoHash(id, i)
	}

	for {
		for _, hash := range hashes {
			select {
			case <-b.StopCh:
				return
			default:
			}
			if bucket != nil {
				bucket.Wait(1)
			}
			b.count(&b.Stats.AnnounceCount, b.doAnnounce(hash, peerID, id))
		}
		b.count(&b.Stats.ScrapeCount, b.doScrape(hashes[0]))
	}
}

func (b *Benchmark) count(kind *atomic.Uint64, err error) {
	b.Stats.TotalRequests.Add(1)
	if err != nil {
		b.Stats.FailedReqs.Add(1)
		return
	}
	kind.Add(1)
	b.Stats.SuccessfulReqs.Add(1)
}

func (b *Benchmark) get(u string) ([]byte, error) {
	resp, err := b.client.Get(u)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // body fully read below
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// request fetches a tracker endpoint and fails on a bencoded failure reason.
func (b *Benchmark) request(u string, lat *LatencyStats) error {
	start := time.Now()
	body, err := b.get(u)
	lat.Record(time.Since(start))
	if err != nil {
		return err
	}
	b.Stats.ResponseBytes.Add(uint64(len(body)))

	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return err
	}
	if dict, ok := decoded.(map[string]any); ok {
		if reason, ok := dict["failure reason"]; ok {
			b.Stats.TrackerFailures.Add(1)
			return fmt.Errorf("tracker failure: %v", reason)
		}
	}
	return nil
}

func (b *Benchmark) doAnnounce(infoHash, peerID [20]byte, worker int) error {
	params := url.Values{
		"info_hash":  {string(infoHash[:])},
		"peer_id":    {string(peerID[:])},
		"port":       {strconv.Itoa(6881 + worker%1000)},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"left":       {"100"}, // leecher
		"numwant":    {strconv.Itoa(b.Config.NumWant)},
		"compact":    {"1"},
	}
	u := fmt.Sprintf("%s/%s/announce?%s", b.Config.Target, benchPasskey, params.Encode())
	return b.request(u, &b.Stats.AnnounceLatency)
}

func (b *Benchmark) doScrape(infoHash [20]byte) error {
	params := url.Values{"info_hash": {string(infoHash[:])}}
	u := fmt.Sprintf("%s/%s/scrape?%s", b.Config.Target, benchPasskey, params.Encode())
	return b.request(u, &b.Stats.ScrapeLatency)
}

func (b *Benchmark) reportProgress() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(b.Stats.StartTime)
			total := b.Stats.TotalRequests.Load()
			fmt.Printf("[%s] Total: %d | RPS: %.0f | Success: %d | Failed: %d\n",
				elapsed.Round(time.Second), total, float64(total)/elapsed.Seconds(),
				b.Stats.SuccessfulReqs.Load(), b.Stats.FailedReqs.Load())
		case <-b.StopCh:
			return
		}
	}
}

func (b *Benchmark) printResults() {
	elapsed := time.Since(b.Stats.StartTime)
	total := b.Stats.TotalRequests.Load()
	ok := b.Stats.SuccessfulReqs.Load()

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Concurrency: %d workers\n", b.Config.Concurrency)
	fmt.Println()

	fmt.Println("--- Request Statistics ---")
	fmt.Printf("Total Requests:     %d\n", total)
	if total > 0 {
		fmt.Printf("Successful:         %d (%.2f%%)\n", ok, float64(ok)/float64(total)*100)
		fmt.Printf("Failed:             %d (%d tracker failures)\n",
			b.Stats.FailedReqs.Load(), b.Stats.TrackerFailures.Load())
		fmt.Printf("Avg Response:       %.0f bytes\n", float64(b.Stats.ResponseBytes.Load())/float64(total))
	}
	fmt.Printf("Requests/Second:    %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Println()

	printLatency := func(name string, lat *LatencyStats, count uint64) {
		if count == 0 {
			return
		}
		sorted := lat.getSorted()
		fmt.Printf("%s Latency (n=%d):\n", name, count)
		fmt.Printf("  Min:  %s\n", sorted[0])
		fmt.Printf("  Avg:  %s\n", lat.Avg())
		fmt.Printf("  P50:  %s\n", lat.Percentile(50))
		fmt.Printf("  P95:  %s\n", lat.Percentile(95))
		fmt.Printf("  P99:  %s\n", lat.Percentile(99))
		fmt.Printf("  Max:  %s\n", sorted[len(sorted)-1])
	}
	fmt.Println("--- Latency Statistics ---")
	printLatency("Announce", &b.Stats.AnnounceLatency, b.Stats.AnnounceCount.Load())
	printLatency("Scrape", &b.Stats.ScrapeLatency, b.Stats.ScrapeCount.Load())
}

// generateInfoHash creates a deterministic 20-byte info hash for testing.
func generateInfoHash(workerID, hashID int) [20]byte {
	var hash [20]byte
	binary.BigEndian.PutUint32(hash[0:4], uint32(workerID))
	binary.BigEndian.PutUint32(hash[4:8], uint32(hashID))
	for i := 8; i < 20; i++ {
		hash[i] = byte(i)
	}
	return hash
}

// generatePeerID creates an Azureus-style peer id unique per worker.
func generatePeerID(workerID int) [20]byte {
	var id [20]byte
	copy(id[:], "-BM0001-")
	binary.BigEndian.PutUint32(id[8:12], uint32(workerID))
	for i := 12; i < 20; i++ {
		id[i] = byte('a' + i)
	}
	return id
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.Target, "target", "http://localhost:34000", "tracker base URL")
	flag.StringVar(&cfg.SitePassword, "site-password", "00000000000000000000000000000000", "tracker site_password")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "benchmark duration")
	flag.IntVar(&cfg.Concurrency, "concurrency", 50, "number of concurrent workers")
	flag.IntVar(&cfg.RateLimit, "rate", 0, "max requests per second per worker (0 = unlimited)")
	flag.IntVar(&cfg.NumHashes, "hashes", 10, "info hashes per worker")
	flag.IntVar(&cfg.NumWant, "numwant", 50, "numwant sent with announces")
	flag.Parse()

	if cfg.Concurrency <= 0 || cfg.NumHashes <= 0 {
		log.Fatal("concurrency and hashes must be > 0")
	}
	if err := NewBenchmark(cfg).Run(); err != nil {
		log.Fatal(err)
	}
}
