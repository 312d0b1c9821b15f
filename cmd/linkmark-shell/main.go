// ------------------------------------------------------
// Linkmark - Interactive Shell
// Explore, mark, and crawl links from a REPL
// ------------------------------------------------------

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/c-bata/go-prompt"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/linkmark/linkmark/pkg/config"
	"github.com/linkmark/linkmark/pkg/levenshtein"
	"github.com/linkmark/linkmark/pkg/linkindex"
	"github.com/linkmark/linkmark/pkg/spider"
)

// ShellArgs represents command line arguments.
type ShellArgs struct {
	Database string `arg:"--db"         help:"Persist links and marks to this database file" placeholder:"FILE"`
	Timeout  int    `arg:"-t,--timeout" help:"Request timeout in seconds"                    default:"15"`
	SameHost bool   `arg:"--same-host"  help:"Only collect links on the visited hosts"`
	Insecure bool   `arg:"--insecure"   help:"Skip TLS certificate verification"`
}

// Version returns the version banner shown by --version.
func (ShellArgs) Version() string {
	return color.New(color.FgBlue, color.Bold).Sprint("🔗 Linkmark Shell v"+config.Version) +
		" · " + color.New(color.FgWhite, color.Bold).Sprint("Interactive Link Exploration")
}

// Description returns the tool description shown in help output.
func (ShellArgs) Description() string {
	return "An interactive shell for exploring, marking, and crawling links"
}

// REPL holds the session state behind the prompt.
type REPL struct {
	sp       *spider.Spider
	idx      *linkindex.Index
	idxLen   int
	lastBest []string
}

var suggestions = []prompt.Suggest{
	{Text: "visit", Description: "Fetch a page and collect its links"},
	{Text: "links", Description: "List known links"},
	{Text: "best", Description: "Show the best links to visit next"},
	{Text: "mark", Description: "Mark a link worth following (! prefix to avoid)"},
	{Text: "score", Description: "Show propagated scores for a link"},
	{Text: "dist", Description: "Edit distance between two strings"},
	{Text: "near", Description: "Links within a small edit distance"},
	{Text: "prefix", Description: "Links starting with a prefix"},
	{Text: "prune", Description: "Keep only the most valuable links"},
	{Text: "save", Description: "Persist links and marks to the database"},
	{Text: "stats", Description: "Session statistics"},
	{Text: "help", Description: "Show help"},
	{Text: "quit", Description: "Exit"},
}

func main() {
	var args ShellArgs
	arg.MustParse(&args)

	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
		DisableTimestamp:       true,
	})
	log.SetLevel(log.WarnLevel)

	fmt.Println("Linkmark Interactive Shell")
	fmt.Println()
	printHelp()
	fmt.Println()

	cfg := config.DefaultConfig()
	cfg.Timeout = time.Duration(args.Timeout) * time.Second
	cfg.DatabasePath = args.Database
	cfg.SameHostOnly = args.SameHost
	cfg.TLSSkipVerify = args.Insecure
	// The shell does its own printing.
	cfg.Quiet = true

	sp, err := spider.NewSpider(cfg)
	if err != nil {
		fmt.Printf("Error opening session: %v\n", err)
		os.Exit(1)
	}

	r := &REPL{sp: sp}
	if args.Database != "" {
		fmt.Printf("Database %s (%d links)\n\n", args.Database, sp.Annotation().Len())
	}

	p := prompt.New(
		r.executor,
		r.completer,
		prompt.OptionPrefix("linkmark >> "),
		prompt.OptionTitle("linkmark"),
	)
	p.Run()
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  visit <url|n>     - Fetch a page (picking n from 'best' also marks it followed)")
	fmt.Println("  links             - List known links")
	fmt.Println("  best [n]          - Show the best links to visit next")
	fmt.Println("  mark <url|n>      - Mark a link worth following (prefix with ! to avoid)")
	fmt.Println("  score <url>       - Show propagated scores for a link")
	fmt.Println("  dist <a> <b>      - Edit distance and similarity ratio")
	fmt.Println("  near <url> [d]    - Links within edit distance d (0-2, default 1)")
	fmt.Println("  prefix <p>        - Links starting with p")
	fmt.Println("  prune <n>         - Keep only the n most valuable links")
	fmt.Println("  save              - Persist links and marks to the database")
	fmt.Println("  stats             - Session statistics")
	fmt.Println("  help              - Show this help")
	fmt.Println("  quit              - Exit")
}

// completer suggests command names for the first word only.
func (r *REPL) completer(d prompt.Document) []prompt.Suggest {
	if d.TextBeforeCursor() != d.GetWordBeforeCursor() {
		return nil
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

func (r *REPL) executor(input string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return
	}

	parts := strings.Fields(input)
	cmd := parts[0]

	switch cmd {
	case "visit":
		r.cmdVisit(parts[1:])
	case "links":
		r.cmdLinks()
	case "best":
		r.cmdBest(parts[1:])
	case "mark":
		r.cmdMark(parts[1:])
	case "score":
		r.cmdScore(parts[1:])
	case "dist":
		r.cmdDist(parts[1:])
	case "near":
		r.cmdNear(parts[1:])
	case "prefix":
		r.cmdPrefix(parts[1:])
	case "prune":
		r.cmdPrune(parts[1:])
	case "save":
		r.cmdSave()
	case "stats":
		r.cmdStats()
	case "help":
		printHelp()
	case "quit", "exit":
		fmt.Println("Goodbye!")
		if r.idx != nil {
			r.idx.Close()
		}
		r.sp.Close()
		os.Exit(0)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
	}
}

// resolveLink turns a 'best' listing number into its URL. Anything that
// is not a number in range passes through unchanged.
func (r *REPL) resolveLink(arg string) string {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(r.lastBest) {
		return r.lastBest[n-1]
	}
	return arg
}

func (r *REPL) cmdVisit(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: visit <url|n>")
		return
	}

	// A URL typed out is a fresh start. A number picks from the last
	// 'best' listing and counts as an endorsement, like a followed
	// link during a crawl.
	link := args[0]
	fromBest := false
	if n, err := strconv.Atoi(link); err == nil && n >= 1 && n <= len(r.lastBest) {
		link = r.lastBest[n-1]
		fromBest = true
	}

	report, err := r.sp.Visit(context.Background(), link, !fromBest)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if report == nil {
		fmt.Println("Already visited")
		return
	}

	if report.Duplicate {
		fmt.Printf("%d %s: near-duplicate of a recent page, links skipped\n",
			report.StatusCode, report.FinalURL)
		return
	}
	fmt.Printf("%d %s: %d links (%d new) in %v\n",
		report.StatusCode, report.FinalURL, report.Links, report.NewLinks, report.Elapsed)
}

func (r *REPL) cmdLinks() {
	links := r.sp.Annotation().Links()
	if len(links) == 0 {
		fmt.Println("No links yet")
		return
	}
	fmt.Printf("%d links:\n", len(links))
	for _, link := range links {
		fmt.Printf("  %s\n", link)
	}
}

func (r *REPL) cmdBest(args []string) {
	n := 10
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			fmt.Println("Usage: best [n]")
			return
		}
		n = parsed
	}

	best := r.sp.Best(n)
	if len(best) == 0 {
		fmt.Println("No candidates; mark a link or visit a page first")
		return
	}

	r.lastBest = best
	ann := r.sp.Annotation()
	fmt.Println("Best links to visit next:")
	for i, link := range best {
		follow, avoid, err := ann.Scores(link)
		if err != nil {
			fmt.Printf("  %2d. %s\n", i+1, link)
			continue
		}
		fmt.Printf("  %2d. %s (follow %.3f, avoid %.3f)\n", i+1, link, follow, avoid)
	}
}

func (r *REPL) cmdMark(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: mark <url|n>  (prefix with ! to avoid)")
		return
	}

	arg := args[0]
	follow := true
	if rest, ok := strings.CutPrefix(arg, "!"); ok {
		follow = false
		arg = rest
	}

	link := r.resolveLink(arg)
	r.sp.Mark(link, follow)
	if follow {
		fmt.Printf("Marked %s as worth following\n", link)
	} else {
		fmt.Printf("Marked %s as one to avoid\n", link)
	}
}

func (r *REPL) cmdScore(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: score <url>")
		return
	}

	link := r.resolveLink(args[0])
	ann := r.sp.Annotation()
	follow, avoid, err := ann.Scores(link)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	verdict := "undecided"
	if f, decided := ann.Decide(link); decided {
		if f {
			verdict = "follow"
		} else {
			verdict = "avoid"
		}
	}
	fmt.Printf("%s\n  follow %.4f, avoid %.4f, decision: %s\n", link, follow, avoid, verdict)
}

func (r *REPL) cmdDist(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: dist <a> <b>")
		return
	}

	d := levenshtein.Distance(args[0], args[1])
	ratio := levenshtein.Ratio(args[0], args[1])
	fmt.Printf("distance %d, similarity %.4f\n", d, ratio)
}

func (r *REPL) cmdNear(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: near <url> [d]")
		return
	}

	fuzziness := 1
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil || parsed < 0 || parsed > 2 {
			fmt.Println("Usage: near <url> [d]  with d between 0 and 2")
			return
		}
		fuzziness = parsed
	}

	idx, err := r.nearIndex()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	matches, err := idx.Near(r.resolveLink(args[0]), uint8(fuzziness))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(matches) == 0 {
		fmt.Println("No links within that distance")
		return
	}
	for _, m := range matches {
		fmt.Printf("  %s\n", m)
	}
}

func (r *REPL) cmdPrefix(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: prefix <p>")
		return
	}

	idx, err := r.nearIndex()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	matches, err := idx.WithPrefix(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(matches) == 0 {
		fmt.Println("No links with that prefix")
		return
	}
	for _, m := range matches {
		fmt.Printf("  %s\n", m)
	}
}

func (r *REPL) cmdPrune(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: prune <n>")
		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		fmt.Println("Usage: prune <n>")
		return
	}

	ann := r.sp.Annotation()
	before := ann.Len()
	ann.Prune(n)
	fmt.Printf("Pruned %d links, %d kept\n", before-ann.Len(), ann.Len())
}

func (r *REPL) cmdSave() {
	if err := r.sp.Save(); err != nil {
		if errors.Is(err, spider.ErrNoStore) {
			fmt.Println("No database configured (start with --db)")
			return
		}
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Saved %d links\n", r.sp.Annotation().Len())
}

func (r *REPL) cmdStats() {
	ann := r.sp.Annotation()
	visited, _ := r.sp.Progress()
	st := r.sp.Stats()

	fmt.Printf("Links: %d (%d marked, %d visited)\n", ann.Len(), len(ann.Marks()), visited)
	fmt.Printf("Requests: %d total, %d failed, %d retries\n",
		st.TotalRequests, st.FailedRequests, st.Retries)
	fmt.Printf("Received: %d bytes, average latency %v\n", st.BytesReceived, st.AvgLatency)
}

// nearIndex rebuilds the fuzzy index when links were added or pruned
// since the last build.
func (r *REPL) nearIndex() (*linkindex.Index, error) {
	n := r.sp.Annotation().Len()
	if r.idx != nil && r.idxLen == n {
		return r.idx, nil
	}

	idx, err := linkindex.Build(r.sp.Annotation().Links())
	if err != nil {
		return nil, err
	}

	if r.idx != nil {
		r.idx.Close()
	}
	r.idx = idx
	r.idxLen = n
	return idx, nil
}
