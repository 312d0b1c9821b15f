// ------------------------------------------------------
// Linkmark - Configuration Module
// Link annotation and best-first crawling toolkit
// ------------------------------------------------------

package config

import (
	"fmt"
	"time"
)

// Version information
const (
	Version   = "1.0.0"
	BuildDate = "2026-08-25"
)

// Default connection / HTTP values
const (
	DefaultConcurrency    = 4
	DefaultTimeout        = 15 * time.Second
	DefaultRetryCount     = 2
	DefaultRetryDelay     = 2 * time.Second
	DefaultRateLimit      = 20 // requests per second
	DefaultMaxRedirects   = 5
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxBodyBytes   = 2 << 20 // 2 MiB per fetched page
)

// Annotation algorithm constants — keeps magic numbers in one place.
const (
	// DefaultNeighbors is the number of nearest neighbors kept per link
	// in the similarity graph.
	DefaultNeighbors = 5

	// DefaultAlpha is the label propagation mixing coefficient: how much
	// weight flows from the graph versus the seed marks. Must stay below
	// 1 for the iteration to converge.
	DefaultAlpha = 0.95

	// DefaultSigma is the gaussian kernel bandwidth applied to edit
	// distances when building the similarity kernel.
	DefaultSigma = 1.0

	// DefaultEpsilon is the convergence threshold for label propagation:
	// iteration stops once no label moves by more than this amount.
	DefaultEpsilon = 1e-3

	// MinScoreDivisor derives the default decision threshold from alpha:
	// links score as follow/avoid only above alpha/MinScoreDivisor.
	MinScoreDivisor = 4
)

// Crawl behavior constants
const (
	// DefaultMaxPages is the page budget for an automatic crawl.
	DefaultMaxPages = 25

	// DedupeSampleBytes is how much of a page body is compared when
	// checking for near-duplicate pages.
	DedupeSampleBytes = 2048

	// DedupeWindow is how many recently fetched bodies are kept for
	// duplicate comparison.
	DedupeWindow = 10

	// DefaultBestCount is how many ranked links a crawl report carries.
	DefaultBestCount = 20
)

// Proxy / rate-limiter tuning constants
const (
	// ProxyMaxFailures is the number of recorded failures before a proxy is skipped.
	ProxyMaxFailures = 3

	// AdaptiveSuccessThreshold is how many consecutive successes trigger a rate increase.
	AdaptiveSuccessThreshold = 10

	// AdaptiveFailureThreshold is how many consecutive failures trigger a rate decrease.
	AdaptiveFailureThreshold = 3

	// AdaptiveRateIncrement is the req/s added on each successful rate-up event.
	AdaptiveRateIncrement = 5

	// AdaptiveRateDecrement is the req/s removed on each rate-down event.
	AdaptiveRateDecrement = 10

	// LatencySampleWindow is the number of latency samples kept in the rolling window.
	LatencySampleWindow = 100
)

// API server constant
const (
	// DefaultAPIPort is the default port for the REST API server.
	DefaultAPIPort = 8080
)

// OutputFormat represents the report output format type
type OutputFormat string

const (
	OutputHuman    OutputFormat = "human"
	OutputJSON     OutputFormat = "json"
	OutputCSV      OutputFormat = "csv"
	OutputMarkdown OutputFormat = "markdown"
)

// validOutputFormats is used by Validate() to check the configured format.
var validOutputFormats = map[OutputFormat]struct{}{
	OutputHuman:    {},
	OutputJSON:     {},
	OutputCSV:      {},
	OutputMarkdown: {},
}

// LogLevel represents logging verbosity
type LogLevel int

const (
	LogQuiet LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// CrawlConfig holds all configuration for a crawl
type CrawlConfig struct {
	// Target configuration
	Seeds    []string `json:"seeds"     yaml:"seeds"`
	SeedFile string   `json:"seed_file" yaml:"seed_file"`

	// HTTP configuration
	Concurrency    int           `json:"concurrency"     yaml:"concurrency"`
	Timeout        time.Duration `json:"timeout"         yaml:"timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RetryCount     int           `json:"retry_count"     yaml:"retry_count"`
	RetryDelay     time.Duration `json:"retry_delay"     yaml:"retry_delay"`
	MaxRedirects   int           `json:"max_redirects"   yaml:"max_redirects"`
	MaxBodyBytes   int64         `json:"max_body_bytes"  yaml:"max_body_bytes"`

	// Rate limiting
	RateLimit    int  `json:"rate_limit"    yaml:"rate_limit"`
	AdaptiveRate bool `json:"adaptive_rate" yaml:"adaptive_rate"`

	// Proxy configuration
	ProxyURL  string `json:"proxy_url"  yaml:"proxy_url"`
	ProxyFile string `json:"proxy_file" yaml:"proxy_file"`
	ProxyAuth string `json:"proxy_auth" yaml:"proxy_auth"`

	// Headers
	UserAgent string   `json:"user_agent" yaml:"user_agent"`
	Headers   []string `json:"headers"    yaml:"headers"`

	// Annotation configuration
	Neighbors      int     `json:"neighbors"        yaml:"neighbors"`
	Alpha          float64 `json:"alpha"            yaml:"alpha"`
	Sigma          float64 `json:"sigma"            yaml:"sigma"`
	Epsilon        float64 `json:"epsilon"          yaml:"epsilon"`
	MinScore       float64 `json:"min_score"        yaml:"min_score"` // 0 derives alpha/MinScoreDivisor
	MaxSequenceLen int     `json:"max_sequence_len" yaml:"max_sequence_len"`

	// Crawl behavior
	MaxPages         int     `json:"max_pages"         yaml:"max_pages"` // 0 crawls until candidates run out
	SameHostOnly     bool    `json:"same_host_only"    yaml:"same_host_only"`
	DedupeSimilarity float64 `json:"dedupe_similarity" yaml:"dedupe_similarity"` // 0 disables duplicate skipping
	StorePages       bool    `json:"store_pages"       yaml:"store_pages"`
	BestCount        int     `json:"best_count"        yaml:"best_count"`

	// Persistence
	DatabasePath string `json:"database_path" yaml:"database_path"`

	// Output configuration
	Output     OutputFormat `json:"output"      yaml:"output"`
	OutputFile string       `json:"output_file" yaml:"output_file"`
	LogLevel   LogLevel     `json:"log_level"   yaml:"log_level"`
	Quiet      bool         `json:"quiet"       yaml:"quiet"`

	// Advanced features
	EnableHTTP2   bool `json:"enable_http2"    yaml:"enable_http2"`
	TLSSkipVerify bool `json:"tls_skip_verify" yaml:"tls_skip_verify"`

	// API server
	EnableAPI bool   `json:"enable_api" yaml:"enable_api"`
	APIPort   int    `json:"api_port"   yaml:"api_port"`
	APIKey    string `json:"api_key"    yaml:"api_key"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *CrawlConfig {
	return &CrawlConfig{
		Concurrency:    DefaultConcurrency,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		RetryCount:     DefaultRetryCount,
		RetryDelay:     DefaultRetryDelay,
		RateLimit:      DefaultRateLimit,
		MaxRedirects:   DefaultMaxRedirects,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		AdaptiveRate:   true,
		Neighbors:      DefaultNeighbors,
		Alpha:          DefaultAlpha,
		Sigma:          DefaultSigma,
		Epsilon:        DefaultEpsilon,
		MaxPages:       DefaultMaxPages,
		BestCount:      DefaultBestCount,
		EnableHTTP2:    true,
		Output:         OutputHuman,
		LogLevel:       LogWarn,
		UserAgent:      "linkmark/" + Version + " (+https://github.com/linkmark/linkmark)",
		APIPort:        DefaultAPIPort,
	}
}

// MinDecisionScore returns the configured decision threshold, deriving
// it from alpha when unset.
func (c *CrawlConfig) MinDecisionScore() float64 {
	if c.MinScore > 0 {
		return c.MinScore
	}
	return c.Alpha / MinScoreDivisor
}

// Validate validates the configuration and returns a descriptive error if invalid.
func (c *CrawlConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %v", c.ConnectTimeout)
	}

	if c.RateLimit < 1 {
		return fmt.Errorf("rate_limit must be at least 1, got %d", c.RateLimit)
	}

	if c.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative, got %d", c.RetryCount)
	}

	if c.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects cannot be negative, got %d", c.MaxRedirects)
	}

	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes cannot be negative, got %d", c.MaxBodyBytes)
	}

	if c.Neighbors < 1 {
		return fmt.Errorf("neighbors must be at least 1, got %d", c.Neighbors)
	}

	if c.Alpha <= 0 || c.Alpha >= 1 {
		return fmt.Errorf("alpha must be strictly between 0 and 1, got %g", c.Alpha)
	}

	if c.Sigma <= 0 {
		return fmt.Errorf("sigma must be positive, got %g", c.Sigma)
	}

	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}

	if c.MinScore < 0 || c.MinScore >= 1 {
		return fmt.Errorf("min_score must be in [0, 1), got %g", c.MinScore)
	}

	if c.MaxSequenceLen < 0 {
		return fmt.Errorf("max_sequence_len cannot be negative, got %d", c.MaxSequenceLen)
	}

	if c.MaxPages < 0 {
		return fmt.Errorf("max_pages cannot be negative, got %d", c.MaxPages)
	}

	if c.DedupeSimilarity < 0 || c.DedupeSimilarity > 1 {
		return fmt.Errorf("dedupe_similarity must be in [0, 1], got %g", c.DedupeSimilarity)
	}

	if c.BestCount < 1 {
		return fmt.Errorf("best_count must be at least 1, got %d", c.BestCount)
	}

	if _, ok := validOutputFormats[c.Output]; !ok {
		return fmt.Errorf("unknown output format %q", c.Output)
	}

	if c.EnableAPI && (c.APIPort < 1 || c.APIPort > 65535) {
		return fmt.Errorf("api_port must be between 1 and 65535, got %d", c.APIPort)
	}

	return nil
}
