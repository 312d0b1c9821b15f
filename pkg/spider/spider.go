// ------------------------------------------------------
// Linkmark - Spider
// Best-first crawling driven by link annotation scores
// ------------------------------------------------------

package spider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/linkmark/linkmark/pkg/annotate"
	"github.com/linkmark/linkmark/pkg/config"
	"github.com/linkmark/linkmark/pkg/extract"
	"github.com/linkmark/linkmark/pkg/httpengine"
	"github.com/linkmark/linkmark/pkg/levenshtein"
	"github.com/linkmark/linkmark/pkg/result"
	"github.com/linkmark/linkmark/pkg/store"
)

// ErrNoStore is returned by Save when no database path is configured.
var ErrNoStore = errors.New("no database configured")

// Spider is the crawl orchestrator.
type Spider struct {
	cfg       *config.CrawlConfig
	engine    *httpengine.HTTPEngine
	ann       *annotate.Annotation
	store     *store.Store // nil when persistence is disabled
	processor *result.Processor

	mu      sync.Mutex
	visited map[string]struct{}
	bodies  [][]byte // recent page samples for near-duplicate detection

	// Progress tracking — updated atomically.
	pagesVisited atomic.Int32

	// stopped is set to true when the context is cancelled so that
	// in-flight goroutines do not emit results after a Ctrl+C.
	stopped atomic.Bool
}

// NewSpider creates a new Spider from cfg.
// When a database path is configured, previously saved links, marks and
// visit state are restored before the spider is returned.
func NewSpider(cfg *config.CrawlConfig) (*Spider, error) {
	processor, err := result.NewProcessor(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialise result processor: %w", err)
	}

	s := &Spider{
		cfg:       cfg,
		engine:    httpengine.NewHTTPEngine(cfg),
		ann:       annotate.New(annotate.FromConfig(cfg)),
		processor: processor,
		visited:   make(map[string]struct{}),
	}

	if cfg.DatabasePath != "" {
		st, openErr := store.Open(cfg.DatabasePath)
		if openErr != nil {
			processor.Close()
			return nil, fmt.Errorf("open database: %w", openErr)
		}
		s.store = st

		if restoreErr := s.restore(); restoreErr != nil {
			processor.Close()
			st.Close()
			return nil, fmt.Errorf("restore state: %w", restoreErr)
		}
	}

	return s, nil
}

// Annotation exposes the underlying link annotation (shared with the API server).
func (s *Spider) Annotation() *annotate.Annotation {
	return s.ann
}

// Stats returns the engine's HTTP statistics.
func (s *Spider) Stats() httpengine.Stats {
	return s.engine.GetStats()
}

// Progress returns the number of pages visited and the configured page cap.
func (s *Spider) Progress() (visited, maxPages int) {
	return int(s.pagesVisited.Load()), s.cfg.MaxPages
}

// Mark records a manual follow/avoid label for a link.
func (s *Spider) Mark(link string, follow bool) {
	s.ann.Mark(link, follow)
}

// Crawl visits the seed URLs, then repeatedly visits the best-ranked
// unvisited link until the page cap is reached, candidates run out, or
// ctx is cancelled. The final report is written in the configured format.
func (s *Spider) Crawl(ctx context.Context, seeds []string) (*result.CrawlReport, error) {
	if len(seeds) == 0 {
		seeds = s.cfg.Seeds
	}
	seeds = s.prepareSeeds(seeds)
	if len(seeds) == 0 {
		return nil, errors.New("no seed URLs")
	}

	s.printBanner(len(seeds))
	startTime := time.Now()

	go func() {
		<-ctx.Done()
		s.stopped.Store(true)
	}()

	// Seed phase: start pages are fetched concurrently.
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, seed := range seeds {
		wg.Add(1)

		go func(seedURL string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				// slot acquired
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			s.Visit(ctx, seedURL, true) //nolint:errcheck // failures land in the page report
		}(seed)
	}
	wg.Wait()

	// Best-first phase: one page at a time, re-ranking after each visit.
	for !s.stopped.Load() {
		if s.cfg.MaxPages > 0 && int(s.pagesVisited.Load()) >= s.cfg.MaxPages {
			break
		}

		next := s.Best(1)
		if len(next) == 0 {
			break
		}

		s.Visit(ctx, next[0], false) //nolint:errcheck // failures land in the page report
	}

	if s.store != nil {
		if err := s.Save(); err != nil {
			log.Errorf("save crawl state: %v", err)
		}
	}

	endTime := time.Now()
	report := &result.CrawlReport{
		Seeds:        seeds,
		PagesVisited: int(s.pagesVisited.Load()),
		LinksKnown:   s.ann.Len(),
		Pages:        s.processor.Pages(),
		Ranked:       s.Ranked(s.cfg.BestCount),
		Statistics:   result.StatsFromEngine(s.engine.GetStats()),
		StartTime:    startTime,
		EndTime:      endTime,
		Duration:     endTime.Sub(startTime),
	}

	if err := s.processor.WriteReport(report); err != nil {
		return report, fmt.Errorf("write report: %w", err)
	}

	s.printSummary()
	return report, nil
}

// Visit fetches a single page, feeds its links to the annotation, and
// records the visit. Visiting a non-start page also marks the page itself
// as a followed link, since choosing to visit it is a follow decision.
// A repeat visit returns (nil, nil).
func (s *Spider) Visit(ctx context.Context, rawURL string, start bool) (*result.PageReport, error) {
	if s.stopped.Load() {
		return nil, nil
	}

	s.mu.Lock()
	if _, seen := s.visited[rawURL]; seen {
		s.mu.Unlock()
		return nil, nil
	}
	s.visited[rawURL] = struct{}{}
	s.mu.Unlock()

	s.ann.AddLink(rawURL)
	if !start {
		s.ann.Mark(rawURL, true)
	}

	report := &result.PageReport{URL: rawURL, FetchedAt: time.Now()}

	page, err := s.engine.Fetch(ctx, rawURL)
	if err != nil {
		if s.stopped.Load() {
			return nil, err
		}
		report.Error = err.Error()
		s.processor.AddPage(*report)
		s.pagesVisited.Add(1)
		return report, err
	}

	report.FinalURL = page.FinalURL
	report.StatusCode = page.StatusCode
	report.FetchedAt = page.FetchedAt
	report.Elapsed = page.Elapsed

	if s.store != nil && s.cfg.StorePages {
		if putErr := s.store.PutPage(rawURL, page.Body); putErr != nil {
			log.Warnf("store page %q: %v", rawURL, putErr)
		}
	}

	if s.isNearDuplicate(page.Body) {
		report.Duplicate = true
		s.processor.AddPage(*report)
		s.pagesVisited.Add(1)
		return report, nil
	}

	base, parseErr := url.Parse(page.FinalURL)
	if parseErr != nil {
		base = nil
	}

	links, extractErr := extract.Links(base, bytes.NewReader(page.Body))
	if extractErr != nil {
		report.Error = extractErr.Error()
		s.processor.AddPage(*report)
		s.pagesVisited.Add(1)
		return report, extractErr
	}

	report.Links = len(links)

	before := s.ann.Len()
	for _, link := range links {
		if s.cfg.SameHostOnly && !sameHost(base, link) {
			continue
		}
		s.ann.AddLink(link)
	}
	report.NewLinks = s.ann.Len() - before

	if s.stopped.Load() {
		return report, nil
	}

	s.processor.AddPage(*report)
	s.pagesVisited.Add(1)
	return report, nil
}

// Best returns up to n of the best-ranked links that have not been visited.
func (s *Spider) Best(n int) []string {
	ranked := s.ann.BestLinks()

	s.mu.Lock()
	defer s.mu.Unlock()

	best := make([]string, 0, n)
	for _, r := range ranked {
		if _, seen := s.visited[r.Link]; seen {
			continue
		}
		best = append(best, r.Link)
		if len(best) == n {
			break
		}
	}
	return best
}

// Ranked returns up to n ranked links annotated with their visit state.
func (s *Spider) Ranked(n int) []result.RankedLink {
	ranked := s.ann.BestLinks()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]result.RankedLink, 0, min(n, len(ranked)))
	for _, r := range ranked {
		if len(out) == n {
			break
		}
		_, seen := s.visited[r.Link]
		out = append(out, result.RankedLink{
			URL:     r.Link,
			Follow:  r.Follow,
			Avoid:   r.Avoid,
			Score:   r.Score(),
			Visited: seen,
		})
	}
	return out
}

// Save persists the annotation state and visit history to the store.
func (s *Spider) Save() error {
	if s.store == nil {
		return ErrNoStore
	}

	snap := store.NewSnapshot()
	snap.Links = s.ann.Links()

	ids := make(map[string]uint32, len(snap.Links))
	for i, link := range snap.Links {
		ids[link] = uint32(i)
	}

	// Later marks win, so replay them in order and keep the bitmaps disjoint.
	for _, m := range s.ann.Marks() {
		id, ok := ids[m.Link]
		if !ok {
			continue
		}
		if m.Follow {
			snap.Follow.Add(id)
			snap.NoFollow.Remove(id)
		} else {
			snap.NoFollow.Add(id)
			snap.Follow.Remove(id)
		}
	}

	s.mu.Lock()
	for link := range s.visited {
		if id, ok := ids[link]; ok {
			snap.Visited.Add(id)
		}
	}
	s.mu.Unlock()

	return s.store.SaveSnapshot(snap)
}

// restore loads a previously saved snapshot into the annotation and
// visited set. A fresh database is a no-op.
func (s *Spider) restore() error {
	snap, err := s.store.LoadSnapshot()
	if err != nil {
		return err
	}
	if len(snap.Links) == 0 {
		return nil
	}

	s.ann.Load(snap.Links)

	for _, id := range snap.Follow.ToArray() {
		if int(id) < len(snap.Links) {
			s.ann.Mark(snap.Links[id], true)
		}
	}
	for _, id := range snap.NoFollow.ToArray() {
		if int(id) < len(snap.Links) {
			s.ann.Mark(snap.Links[id], false)
		}
	}

	s.mu.Lock()
	for _, id := range snap.Visited.ToArray() {
		if int(id) < len(snap.Links) {
			s.visited[snap.Links[id]] = struct{}{}
		}
	}
	s.mu.Unlock()

	log.Infof("restored %d links (%d visited) from %s",
		len(snap.Links), snap.Visited.GetCardinality(), s.store.Path())
	return nil
}

// prepareSeeds normalises and deduplicates a list of raw seed URLs.
func (s *Spider) prepareSeeds(rawURLs []string) []string {
	seen := make(map[string]struct{}, len(rawURLs))
	prepared := make([]string, 0, len(rawURLs))

	for _, rawURL := range rawURLs {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" {
			continue
		}

		if !strings.Contains(rawURL, "://") {
			rawURL = "https://" + rawURL
		}

		rawURL = strings.TrimSuffix(rawURL, "/")

		if _, exists := seen[rawURL]; !exists {
			seen[rawURL] = struct{}{}
			prepared = append(prepared, rawURL)
		}
	}

	return prepared
}

// isNearDuplicate reports whether body is close to a recently fetched page.
// Comparison uses a bounded sample of each body; bodies whose sample sizes
// differ by more than a fifth are rejected without the full comparison.
func (s *Spider) isNearDuplicate(body []byte) bool {
	if s.cfg.DedupeSimilarity <= 0 {
		return false
	}

	sample := body
	if len(sample) > config.DedupeSampleBytes {
		sample = sample[:config.DedupeSampleBytes]
	}
	sample = bytes.Clone(sample)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prev := range s.bodies {
		gap := len(sample) - len(prev)
		if gap < 0 {
			gap = -gap
		}
		if longer := max(len(sample), len(prev)); longer > 0 && gap*5 > longer {
			continue
		}
		if levenshtein.SimilarityCheck(string(sample), string(prev), s.cfg.DedupeSimilarity) {
			return true
		}
	}

	s.bodies = append(s.bodies, sample)
	if len(s.bodies) > config.DedupeWindow {
		s.bodies = s.bodies[1:]
	}
	return false
}

// sameHost reports whether link points at the same host as base.
// Unparseable links and a nil base are treated as same-host.
func sameHost(base *url.URL, link string) bool {
	if base == nil {
		return true
	}
	u, err := url.Parse(link)
	if err != nil {
		return true
	}
	return strings.EqualFold(base.Hostname(), u.Hostname())
}

// printBanner prints the crawl banner unless quiet mode is enabled.
func (s *Spider) printBanner(seedCount int) {
	if s.cfg.Quiet || s.cfg.Output != config.OutputHuman {
		return
	}

	banner := color.New(color.FgBlue, color.Bold).Sprint("🔗 Linkmark v"+config.Version) +
		" · " + color.New(color.FgWhite, color.Bold).Sprint("Link Annotation and Best-First Crawling")

	fmt.Println(banner)
	fmt.Printf("Seeds: %d | Concurrency: %d | Timeout: %v\n",
		seedCount, s.cfg.Concurrency, s.cfg.Timeout)
}

// printSummary prints the crawl summary unless quiet mode is enabled.
func (s *Spider) printSummary() {
	if s.cfg.Quiet || s.cfg.Output != config.OutputHuman {
		return
	}

	if s.stopped.Load() {
		visited, maxPages := s.Progress()
		fmt.Printf("Crawl interrupted: %d/%d pages visited\n", visited, maxPages)
		return
	}

	fmt.Println(s.processor.Summary())

	stats := s.engine.GetStats()
	fmt.Printf("Statistics: %d requests, %d retries, %d bytes received\n",
		stats.TotalRequests, stats.Retries, stats.BytesReceived)
}

// Close releases resources held by the spider.
func (s *Spider) Close() {
	s.processor.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Errorf("close database: %v", err)
		}
	}
}
