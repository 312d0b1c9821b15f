// ------------------------------------------------------
// Linkmark - Result Processor
// Crawl reports, link rankings, and multiple output formats
// ------------------------------------------------------

package result

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/linkmark/linkmark/pkg/config"
	"github.com/linkmark/linkmark/pkg/httpengine"
)

// PageReport records the outcome of a single page visit.
type PageReport struct {
	URL        string        `json:"url"`
	FinalURL   string        `json:"final_url,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Links      int           `json:"links"`
	NewLinks   int           `json:"new_links"`
	Duplicate  bool          `json:"duplicate,omitempty"`
	Error      string        `json:"error,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
	Elapsed    time.Duration `json:"elapsed"`
}

// RankedLink is a link with its propagated label scores.
type RankedLink struct {
	URL     string  `json:"url"`
	Follow  float64 `json:"follow"`
	Avoid   float64 `json:"avoid"`
	Score   float64 `json:"score"`
	Visited bool    `json:"visited,omitempty"`
}

// CrawlStatistics holds crawl-level HTTP statistics.
type CrawlStatistics struct {
	TotalRequests   int64         `json:"total_requests"`
	SuccessRequests int64         `json:"success_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	Retries         int64         `json:"retries"`
	BytesReceived   int64         `json:"bytes_received"`
	AvgLatency      time.Duration `json:"avg_latency"`
	MinLatency      time.Duration `json:"min_latency"`
	MaxLatency      time.Duration `json:"max_latency"`
}

// StatsFromEngine converts engine statistics into report form.
func StatsFromEngine(s httpengine.Stats) CrawlStatistics {
	return CrawlStatistics{
		TotalRequests:   s.TotalRequests,
		SuccessRequests: s.SuccessRequests,
		FailedRequests:  s.FailedRequests,
		Retries:         s.Retries,
		BytesReceived:   s.BytesReceived,
		AvgLatency:      s.AvgLatency,
		MinLatency:      s.MinLatency,
		MaxLatency:      s.MaxLatency,
	}
}

// CrawlReport is the complete result of a crawl.
type CrawlReport struct {
	Seeds        []string        `json:"seeds"`
	PagesVisited int             `json:"pages_visited"`
	LinksKnown   int             `json:"links_known"`
	Pages        []PageReport    `json:"pages"`
	Ranked       []RankedLink    `json:"ranked,omitempty"`
	Statistics   CrawlStatistics `json:"statistics"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Duration     time.Duration   `json:"duration"`
}

// Processor handles result collection and output.
// It is safe for concurrent use.
type Processor struct {
	cfg              *config.CrawlConfig
	pages            []PageReport
	seen             map[string]struct{} // for page deduplication
	mu               sync.RWMutex
	outputFile       *os.File
	csvWriter        *csv.Writer
	csvHeaderWritten bool // ensures the CSV header is written exactly once
}

// NewProcessor creates a new Processor.
// Returns an error if an output file is configured but cannot be created.
func NewProcessor(cfg *config.CrawlConfig) (*Processor, error) {
	p := &Processor{
		cfg:  cfg,
		seen: make(map[string]struct{}),
	}

	if cfg.OutputFile != "" {
		file, err := os.Create(cfg.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("create output file %q: %w", cfg.OutputFile, err)
		}
		p.outputFile = file

		if cfg.Output == config.OutputCSV {
			p.csvWriter = csv.NewWriter(file)
		}
	}

	return p, nil
}

// AddPage records a page visit. Repeat reports for the same URL are ignored.
// In human mode a progress line is written immediately.
func (p *Processor) AddPage(page PageReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.seen[page.URL]; exists {
		return
	}
	p.seen[page.URL] = struct{}{}
	p.pages = append(p.pages, page)

	if p.cfg.Output == config.OutputHuman && !p.cfg.Quiet {
		printPageLine(page)
	}
}

// printPageLine writes a one-line progress entry for a visited page.
func printPageLine(page PageReport) {
	urlText := color.New(color.FgCyan).Sprint(page.URL)

	switch {
	case page.Error != "":
		fmt.Printf("%s %s (%s)\n", color.New(color.FgRed).Sprint("✗"), urlText, page.Error)
	case page.Duplicate:
		fmt.Printf("%s %s (near-duplicate, links ignored)\n", color.New(color.FgYellow).Sprint("≈"), urlText)
	default:
		fmt.Printf("%s %s → %d links (%d new) in %v\n",
			color.New(color.FgGreen).Sprint("✓"), urlText, page.Links, page.NewLinks, page.Elapsed.Round(time.Millisecond))
	}
}

// Pages returns a snapshot of all recorded page reports.
func (p *Processor) Pages() []PageReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make([]PageReport, len(p.pages))
	copy(snapshot, p.pages)
	return snapshot
}

// WriteReport writes the final crawl report in the configured format.
func (p *Processor) WriteReport(report *CrawlReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.cfg.Output {
	case config.OutputJSON:
		return p.writeJSON(report)
	case config.OutputCSV:
		return p.writeCSV(report)
	case config.OutputMarkdown:
		return p.writeMarkdown(report)
	default:
		return p.writeHuman(report)
	}
}

// writeHuman writes a human-readable report block with ANSI colours.
func (p *Processor) writeHuman(report *CrawlReport) error {
	fmt.Println("\n════════════════════════════════════════════════════════════════════════════════")
	fmt.Printf("Pages visited: %d\n", report.PagesVisited)
	fmt.Printf("Links known: %d\n", report.LinksKnown)
	fmt.Printf("Duration: %v\n", report.Duration.Round(time.Millisecond))

	if len(report.Ranked) > 0 {
		fmt.Println("\nThe best links to follow next:")
		for _, link := range report.Ranked {
			marker := " "
			if link.Visited {
				marker = color.New(color.FgWhite).Sprint("·")
			}
			fmt.Printf("  %s %s %s\n",
				marker,
				color.New(color.FgGreen).Sprintf("%.4f", link.Score),
				color.New(color.FgCyan).Sprint(link.URL))
		}
	}

	fmt.Println("════════════════════════════════════════════════════════════════════════════════")
	return nil
}

// writeJSON writes the report as indented JSON. HTML escaping is disabled
// so URL query separators survive as plain ampersands.
func (p *Processor) writeJSON(report *CrawlReport) error {
	enc := json.NewEncoder(p.writer())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("JSON write: %w", err)
	}
	return nil
}

// writeCSV writes one row per ranked link; the header is written exactly once.
func (p *Processor) writeCSV(report *CrawlReport) error {
	w := p.csvWriter
	if w == nil {
		w = csv.NewWriter(os.Stdout)
	}

	if !p.csvHeaderWritten {
		header := []string{"url", "score", "follow", "avoid", "visited"}
		if err := w.Write(header); err != nil {
			return fmt.Errorf("CSV header write: %w", err)
		}
		p.csvHeaderWritten = true
	}

	for _, link := range report.Ranked {
		row := []string{
			link.URL,
			fmt.Sprintf("%.6f", link.Score),
			fmt.Sprintf("%.6f", link.Follow),
			fmt.Sprintf("%.6f", link.Avoid),
			fmt.Sprintf("%v", link.Visited),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("CSV row write: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

// writeMarkdown writes Markdown-formatted output.
func (p *Processor) writeMarkdown(report *CrawlReport) error {
	var sb strings.Builder

	sb.WriteString("# Linkmark - Crawl Report\n\n")
	sb.WriteString(fmt.Sprintf("- **Seeds**: %s\n", strings.Join(report.Seeds, ", ")))
	sb.WriteString(fmt.Sprintf("- **Pages visited**: %d\n", report.PagesVisited))
	sb.WriteString(fmt.Sprintf("- **Links known**: %d\n", report.LinksKnown))
	sb.WriteString(fmt.Sprintf("- **Duration**: %v\n", report.Duration.Round(time.Millisecond)))

	if len(report.Ranked) > 0 {
		sb.WriteString("\n## Best Links\n\n")
		sb.WriteString("| URL | Score | Follow | Avoid |\n")
		sb.WriteString("|-----|-------|--------|-------|\n")
		for _, link := range report.Ranked {
			sb.WriteString(fmt.Sprintf("| %s | %.4f | %.4f | %.4f |\n", link.URL, link.Score, link.Follow, link.Avoid))
		}
	}

	if len(report.Pages) > 0 {
		sb.WriteString("\n## Visited Pages\n\n")
		sb.WriteString("| URL | Status | Links | New |\n")
		sb.WriteString("|-----|--------|-------|-----|\n")
		for _, page := range report.Pages {
			status := fmt.Sprintf("%d", page.StatusCode)
			if page.Error != "" {
				status = "error"
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %d | %d |\n", page.URL, status, page.Links, page.NewLinks))
		}
	}

	sb.WriteString("\n## Statistics\n\n")
	sb.WriteString(fmt.Sprintf("- **Total requests**: %d\n", report.Statistics.TotalRequests))
	sb.WriteString(fmt.Sprintf("- **Failed requests**: %d\n", report.Statistics.FailedRequests))
	sb.WriteString(fmt.Sprintf("- **Retries**: %d\n", report.Statistics.Retries))
	sb.WriteString(fmt.Sprintf("- **Average latency**: %v\n", report.Statistics.AvgLatency.Round(time.Millisecond)))

	out := p.writer()
	if _, err := fmt.Fprint(out, sb.String()); err != nil {
		return fmt.Errorf("Markdown write: %w", err)
	}
	return nil
}

// writer returns the configured output destination (file or stdout).
func (p *Processor) writer() *os.File {
	if p.outputFile != nil {
		return p.outputFile
	}
	return os.Stdout
}

// Summary returns a one-line summary of the recorded page visits.
func (p *Processor) Summary() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var failed, newLinks int
	for _, page := range p.pages {
		if page.Error != "" {
			failed++
		}
		newLinks += page.NewLinks
	}

	return fmt.Sprintf(
		"Crawl Summary: %d pages visited, %d failed, %d new links discovered",
		len(p.pages), failed, newLinks,
	)
}

// Close flushes and closes all open output writers.
func (p *Processor) Close() {
	if p.csvWriter != nil {
		p.csvWriter.Flush()
	}
	if p.outputFile != nil {
		if err := p.outputFile.Close(); err != nil {
			log.Errorf("close output file: %v", err)
		}
	}
}
