package spider_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/linkmark/linkmark/pkg/config"
	"github.com/linkmark/linkmark/pkg/spider"
)

// testConfig returns a crawl config suitable for fast local tests.
// Output goes to a JSON file so test logs stay clean.
func testConfig(t *testing.T) *config.CrawlConfig {
	cfg := config.DefaultConfig()
	cfg.Quiet = true
	cfg.Concurrency = 2
	cfg.RetryCount = 1
	cfg.RateLimit = 1000
	cfg.Output = config.OutputJSON
	cfg.OutputFile = filepath.Join(t.TempDir(), "out.json")
	return cfg
}

// htmlHandler serves a fixed HTML body.
func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, body)
	}
}

// fixtureServer serves a tiny site: the front page links to two items and
// an about page, and the item pages link to a third item.
func fixtureServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/item", htmlHandler(`<a href="/item?id=3">three</a>`))
	mux.HandleFunc("/about", htmlHandler(`<p>about this site</p>`))
	mux.HandleFunc("/", htmlHandler(
		`<a href="/item?id=1">one</a> <a href="/item?id=2">two</a> <a href="/about">about</a>`))
	return httptest.NewServer(mux)
}

// TestCrawlBestFirst verifies that a crawl visits the seed, then follows the
// marked link and its nearest neighbours up to the page cap.
func TestCrawlBestFirst(t *testing.T) {
	server := fixtureServer()
	defer server.Close()

	cfg := testConfig(t)
	cfg.MaxPages = 3

	sp, err := spider.NewSpider(cfg)
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}
	defer sp.Close()

	// Steer the crawl toward the item pages.
	sp.Mark(server.URL+"/item?id=1", true)

	report, err := sp.Crawl(context.Background(), []string{server.URL + "/"})
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	if report.PagesVisited != 3 {
		t.Errorf("expected 3 pages visited, got %d", report.PagesVisited)
	}
	// Seed URL + three front-page links + the item discovered on item?id=1.
	if report.LinksKnown != 5 {
		t.Errorf("expected 5 known links, got %d", report.LinksKnown)
	}
	if report.Statistics.TotalRequests != 3 {
		t.Errorf("expected 3 requests, got %d", report.Statistics.TotalRequests)
	}
	if len(report.Ranked) == 0 {
		t.Error("expected ranked links in the report")
	}

	// The marked link must have been visited in the best-first phase.
	visitedMarked := false
	for _, page := range report.Pages {
		if page.URL == server.URL+"/item?id=1" {
			visitedMarked = true
		}
	}
	if !visitedMarked {
		t.Error("marked link was not visited")
	}
}

// TestVisitMarksNonStartPage verifies that visiting a non-start page records
// it as a followed link.
func TestVisitMarksNonStartPage(t *testing.T) {
	server := fixtureServer()
	defer server.Close()

	sp, err := spider.NewSpider(testConfig(t))
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}
	defer sp.Close()

	pageURL := server.URL + "/item?id=1"
	report, err := sp.Visit(context.Background(), pageURL, false)
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}
	if report == nil || report.Links != 1 {
		t.Fatalf("expected a report with 1 link, got %+v", report)
	}

	found := false
	for _, m := range sp.Annotation().Marks() {
		if m.Link == pageURL && m.Follow {
			found = true
		}
	}
	if !found {
		t.Error("visited page was not marked as followed")
	}
}

// TestVisitRepeatIsNoOp verifies that a second visit to the same URL does nothing.
func TestVisitRepeatIsNoOp(t *testing.T) {
	server := fixtureServer()
	defer server.Close()

	sp, err := spider.NewSpider(testConfig(t))
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}
	defer sp.Close()

	if _, err := sp.Visit(context.Background(), server.URL+"/about", true); err != nil {
		t.Fatalf("first visit: %v", err)
	}

	report, err := sp.Visit(context.Background(), server.URL+"/about", true)
	if report != nil || err != nil {
		t.Errorf("repeat visit should be a no-op, got report=%+v err=%v", report, err)
	}

	if visited, _ := sp.Progress(); visited != 1 {
		t.Errorf("expected 1 page visited, got %d", visited)
	}
}

// TestVisitRecordsFetchError verifies that a failed fetch still counts the
// page as visited and records the error.
func TestVisitRecordsFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := server.URL
	server.Close()

	cfg := testConfig(t)
	cfg.RetryDelay = 0

	sp, err := spider.NewSpider(cfg)
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}
	defer sp.Close()

	report, visitErr := sp.Visit(context.Background(), deadURL, true)
	if visitErr == nil {
		t.Fatal("expected fetch error, got nil")
	}
	if report == nil || report.Error == "" {
		t.Fatalf("expected report with error, got %+v", report)
	}

	if visited, _ := sp.Progress(); visited != 1 {
		t.Errorf("failed page should still count as visited, got %d", visited)
	}
}

// TestBestExcludesVisited verifies that Best never returns an already
// visited link.
func TestBestExcludesVisited(t *testing.T) {
	server := fixtureServer()
	defer server.Close()

	sp, err := spider.NewSpider(testConfig(t))
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}
	defer sp.Close()

	pageURL := server.URL + "/item?id=1"
	if _, err := sp.Visit(context.Background(), pageURL, false); err != nil {
		t.Fatalf("Visit: %v", err)
	}

	for _, link := range sp.Best(10) {
		if link == pageURL {
			t.Errorf("Best returned visited link %q", link)
		}
	}

	// The item linked from the visited page should be a candidate.
	best := sp.Best(10)
	found := false
	for _, link := range best {
		if link == server.URL+"/item?id=3" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected item?id=3 among best links, got %v", best)
	}
}

// TestNearDuplicatePagesSkipped verifies that a page whose body matches a
// recently fetched page is skipped for link extraction.
func TestNearDuplicatePagesSkipped(t *testing.T) {
	body := `<html><body><p>same content on both pages</p><a href="/next">next</a></body></html>`
	mux := http.NewServeMux()
	mux.HandleFunc("/pageA", htmlHandler(body))
	mux.HandleFunc("/pageB", htmlHandler(body))
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testConfig(t)
	cfg.DedupeSimilarity = 0.9

	sp, err := spider.NewSpider(cfg)
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}
	defer sp.Close()

	first, err := sp.Visit(context.Background(), server.URL+"/pageA", true)
	if err != nil {
		t.Fatalf("first visit: %v", err)
	}
	if first.Duplicate {
		t.Error("first page should not be a duplicate")
	}

	second, err := sp.Visit(context.Background(), server.URL+"/pageB", true)
	if err != nil {
		t.Fatalf("second visit: %v", err)
	}
	if !second.Duplicate {
		t.Error("second page should be flagged as a near-duplicate")
	}
	if second.Links != 0 {
		t.Errorf("duplicate page links should be ignored, got %d", second.Links)
	}
}

// TestSaveRequiresStore verifies Save fails cleanly without a database.
func TestSaveRequiresStore(t *testing.T) {
	sp, err := spider.NewSpider(testConfig(t))
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}
	defer sp.Close()

	if err := sp.Save(); !errors.Is(err, spider.ErrNoStore) {
		t.Errorf("expected ErrNoStore, got %v", err)
	}
}

// TestSaveAndRestore verifies that links, marks and visit state survive a
// spider restart through the database.
func TestSaveAndRestore(t *testing.T) {
	server := fixtureServer()
	defer server.Close()

	cfg := testConfig(t)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "crawl.db")

	sp, err := spider.NewSpider(cfg)
	if err != nil {
		t.Fatalf("NewSpider: %v", err)
	}

	pageURL := server.URL + "/item?id=1"
	if _, err := sp.Visit(context.Background(), pageURL, false); err != nil {
		t.Fatalf("Visit: %v", err)
	}
	if err := sp.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	sp.Close()

	restored, err := spider.NewSpider(cfg)
	if err != nil {
		t.Fatalf("NewSpider after save: %v", err)
	}
	defer restored.Close()

	ann := restored.Annotation()
	if ann.Len() < 2 {
		t.Fatalf("expected restored links, got %d", ann.Len())
	}

	followRestored := false
	for _, m := range ann.Marks() {
		if m.Link == pageURL && m.Follow {
			followRestored = true
		}
	}
	if !followRestored {
		t.Error("follow mark was not restored")
	}

	// The visited page must stay excluded from best candidates after restore.
	for _, link := range restored.Best(10) {
		if link == pageURL {
			t.Errorf("restored spider offered visited link %q", link)
		}
	}
}
