// ------------------------------------------------------
// Linkmark - Command Line Interface
// Link annotation and best-first crawling tool
// ------------------------------------------------------

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/linkmark/linkmark/pkg/api"
	"github.com/linkmark/linkmark/pkg/config"
	"github.com/linkmark/linkmark/pkg/spider"
)

// CommandLineArgs represents command line arguments.
type CommandLineArgs struct {
	Seeds []string `arg:"positional" help:"Seed URL to crawl (prefix with @ to read from a file)" placeholder:"URL"`

	// Annotation options
	Marks     []string `arg:"-m,--mark,separate" help:"Mark a link before crawling (prefix with ! to avoid)" placeholder:"URL"`
	Neighbors int      `arg:"-k,--neighbors"     help:"Neighbours per link in the similarity graph"          default:"5"`
	Alpha     float64  `arg:"-a,--alpha"         help:"Label propagation clamping factor (0-1)"              default:"0.95"`
	Sigma     float64  `arg:"--sigma"            help:"Gaussian kernel width for edge weights"               default:"1.0"`
	MinScore  float64  `arg:"--min-score"        help:"Decision threshold (0 derives one from alpha)"`
	MaxSeq    int      `arg:"--max-seq"          help:"Longest comparable sequence in bytes (0 = unlimited)"`

	// Crawl behaviour
	MaxPages  int     `arg:"-p,--max-pages"  help:"Stop after visiting this many pages (0 = unlimited)" default:"25"`
	SameHost  bool    `arg:"--same-host"     help:"Only follow links on the seed hosts"`
	Dedupe    float64 `arg:"--dedupe"        help:"Skip near-duplicate pages above this similarity (0 disables)"`
	PrintBest int     `arg:"-b,--print-best" help:"Visit only the seeds, then report the N best links"  placeholder:"N"`
	SeedFile  string  `arg:"--seed-file"     help:"File with additional seed URLs"                      placeholder:"FILE"`

	// HTTP options
	Headers     []string `arg:"-H,--header,separate" help:"Custom headers (repeatable)"`
	Concurrency int      `arg:"-c,--concurrency"     help:"Concurrent seed fetches"      default:"4"`
	Timeout     int      `arg:"-t,--timeout"         help:"Request timeout in seconds"   default:"15"`
	RateLimit   int      `arg:"--rate-limit"         help:"Max requests per second"      default:"20"`
	UserAgent   string   `arg:"--user-agent"         help:"Override the User-Agent header"`

	// Proxy options
	Proxy     string `arg:"-x,--proxy"   help:"Proxy URL (e.g. http://127.0.0.1:8080, socks5://127.0.0.1:1080)" placeholder:"URL"`
	ProxyFile string `arg:"--proxy-file" help:"File with proxy URLs for rotation" placeholder:"FILE"`
	ProxyAuth string `arg:"--proxy-auth" help:"Proxy credentials (user:pass)"     placeholder:"CREDS"`

	// Storage options
	Database   string `arg:"--db"          help:"Persist links and marks to this database file" placeholder:"FILE"`
	StorePages bool   `arg:"--store-pages" help:"Also store fetched page bodies in the database"`

	// Output options
	Output     string `arg:"-o,--output"      help:"Output format: human|json|csv|markdown" default:"human"`
	OutputFile string `arg:"-O,--output-file" help:"Write output to file"                   placeholder:"FILE"`
	Quiet      bool   `arg:"-q,--quiet"       help:"Suppress all output except results"`
	Verbose    int    `arg:"-v,--verbose"     help:"Verbosity level (0-2)"                  default:"0"`

	// Advanced options
	HTTP2       bool `arg:"--http2"    help:"Enable HTTP/2 support" default:"true"`
	NoTLSVerify bool `arg:"--insecure" help:"Skip TLS certificate verification"`

	// API server
	EnableAPI bool   `arg:"--api"      help:"Enable REST API server"`
	APIPort   int    `arg:"--api-port" help:"API server port" default:"8080"`
	APIKey    string `arg:"--api-key"  help:"Require this key in X-API-Key headers" placeholder:"KEY"`
}

// Version returns the version banner shown by --version.
func (CommandLineArgs) Version() string {
	return color.New(color.FgBlue, color.Bold).Sprint("🔗 Linkmark v"+config.Version) +
		" · " + color.New(color.FgWhite, color.Bold).Sprint("Link Annotation and Best-First Crawling")
}

// Description returns the tool description shown in help output.
func (CommandLineArgs) Description() string {
	return "A link annotation and best-first crawling tool for focused web exploration"
}

func main() {
	var args CommandLineArgs
	p := arg.MustParse(&args)

	// Validate output format.
	validFormats := map[string]bool{
		"human": true, "json": true, "csv": true, "markdown": true,
	}
	if !validFormats[strings.ToLower(args.Output)] {
		p.Fail("output must be one of: human, json, csv, markdown")
	}

	setupLogging(args.Verbose, args.Quiet)

	cfg := buildConfig(args)

	// Validate config to surface any remaining constraint violations early.
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	seeds := buildSeedList(args)
	cfg.Seeds = seeds
	if len(seeds) == 0 && !cfg.EnableAPI {
		p.Fail("at least one seed URL is required (or --api for serve-only mode)")
	}

	// --print-best visits only the seeds, then reports the ranked links.
	if args.PrintBest > 0 {
		cfg.BestCount = args.PrintBest
		cfg.MaxPages = len(seeds)
	}

	// Root context with cancellation on interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n[!] Interrupt received, shutting down…")
		cancel()
	}()

	// Create the spider early so command line marks and the API server
	// share its annotation state.
	sp, err := spider.NewSpider(cfg)
	if err != nil {
		log.Fatalf("Failed to initialise spider: %v", err)
	}
	defer sp.Close()

	for _, mark := range args.Marks {
		if link, ok := strings.CutPrefix(mark, "!"); ok {
			sp.Mark(link, false)
		} else {
			sp.Mark(mark, true)
		}
	}

	// Optionally start the API server in the background.
	if cfg.EnableAPI {
		apiServer := api.NewServer(cfg, sp.Annotation())

		go func() {
			log.Infof("API server listening on :%d", cfg.APIPort)
			if listenErr := apiServer.Start(cfg.APIPort); listenErr != nil && ctx.Err() == nil {
				log.Errorf("API server error: %v", listenErr)
			}
		}()

		// Shut the API server down when the main context is cancelled.
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	// Serve-only mode: no seeds, just the API until interrupted.
	if len(seeds) == 0 {
		<-ctx.Done()
		return
	}

	if _, err := sp.Crawl(ctx, seeds); err != nil {
		log.Fatalf("Crawl failed: %v", err)
	}
}

// buildConfig translates CLI arguments into a CrawlConfig.
func buildConfig(args CommandLineArgs) *config.CrawlConfig {
	cfg := config.DefaultConfig()

	cfg.Concurrency = args.Concurrency
	cfg.Timeout = time.Duration(args.Timeout) * time.Second
	cfg.RateLimit = args.RateLimit
	cfg.Headers = args.Headers
	if args.UserAgent != "" {
		cfg.UserAgent = args.UserAgent
	}

	cfg.ProxyURL = args.Proxy
	cfg.ProxyFile = args.ProxyFile
	cfg.ProxyAuth = args.ProxyAuth

	cfg.Neighbors = args.Neighbors
	cfg.Alpha = args.Alpha
	cfg.Sigma = args.Sigma
	cfg.MinScore = args.MinScore
	cfg.MaxSequenceLen = args.MaxSeq

	cfg.MaxPages = args.MaxPages
	cfg.SameHostOnly = args.SameHost
	cfg.DedupeSimilarity = args.Dedupe
	cfg.StorePages = args.StorePages
	cfg.SeedFile = args.SeedFile

	cfg.DatabasePath = args.Database

	cfg.Output = config.OutputFormat(strings.ToLower(args.Output))
	cfg.OutputFile = args.OutputFile
	cfg.Quiet = args.Quiet
	cfg.LogLevel = config.LogLevel(min(args.Verbose+1, int(config.LogTrace)))
	if args.Quiet {
		cfg.LogLevel = config.LogQuiet
	}

	cfg.EnableHTTP2 = args.HTTP2
	cfg.TLSSkipVerify = args.NoTLSVerify

	cfg.EnableAPI = args.EnableAPI
	cfg.APIPort = args.APIPort
	cfg.APIKey = args.APIKey

	return cfg
}

// buildSeedList expands @file references and collects all seed URLs.
func buildSeedList(args CommandLineArgs) []string {
	seeds := make([]string, 0, len(args.Seeds))

	for _, rawArg := range args.Seeds {
		if strings.HasPrefix(rawArg, "@") {
			filePath := strings.TrimPrefix(rawArg, "@")
			fileSeeds, err := readSeedsFromFile(filePath)
			if err != nil {
				log.Fatalf("Failed to read seed file: %v", err)
			}
			seeds = append(seeds, fileSeeds...)
		} else {
			seeds = append(seeds, rawArg)
		}
	}

	if args.SeedFile != "" {
		fileSeeds, err := readSeedsFromFile(args.SeedFile)
		if err != nil {
			log.Fatalf("Failed to read seed file: %v", err)
		}
		seeds = append(seeds, fileSeeds...)
	}

	return seeds
}

// readSeedsFromFile reads non-empty, non-comment lines from a seed list file.
func readSeedsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", filePath, err)
	}
	defer file.Close()

	seeds := make([]string, 0)
	lineScanner := bufio.NewScanner(file)

	for lineScanner.Scan() {
		line := strings.TrimSpace(lineScanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}

	if scanErr := lineScanner.Err(); scanErr != nil {
		return nil, fmt.Errorf("read %q: %w", filePath, scanErr)
	}

	return seeds, nil
}

// setupLogging configures the logrus logger based on verbosity and quiet flags.
func setupLogging(verbose int, quiet bool) {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
		DisableTimestamp:       true,
	})

	if quiet {
		log.SetLevel(log.PanicLevel)
		return
	}

	switch verbose {
	case 0:
		log.SetLevel(log.WarnLevel)
	case 1:
		log.SetLevel(log.InfoLevel)
	case 2:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}
}
