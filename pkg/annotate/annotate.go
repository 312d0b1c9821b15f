// ------------------------------------------------------
// Linkmark - Link Annotation
// Scores links worth following from manual examples
// ------------------------------------------------------

package annotate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/linkmark/linkmark/pkg/config"
	"github.com/linkmark/linkmark/pkg/knn"
	"github.com/linkmark/linkmark/pkg/levenshtein"
)

// ErrUnknownLink is returned when a score is requested for a link that
// was never added
var ErrUnknownLink = errors.New("annotate: unknown link")

// Mark is a manual follow / do-not-follow example
type Mark struct {
	Link   string `json:"link"`
	Follow bool   `json:"follow"`
}

// Options configure an Annotation. Zero values select the defaults
type Options struct {
	Neighbors int              // nearest neighbors kept per link
	Alpha     float64          // propagation mixing coefficient, in (0,1)
	Sigma     float64          // gaussian kernel bandwidth
	Eps       float64          // propagation convergence threshold
	MinScore  float64          // decision threshold; 0 derives alpha/MinScoreDivisor
	Distance  knn.DistanceFunc // nil uses levenshtein.Distance
}

func (o Options) withDefaults() Options {
	if o.Neighbors <= 0 {
		o.Neighbors = config.DefaultNeighbors
	}
	if o.Alpha <= 0 || o.Alpha >= 1 {
		o.Alpha = config.DefaultAlpha
	}
	if o.Sigma <= 0 {
		o.Sigma = config.DefaultSigma
	}
	if o.Eps <= 0 {
		o.Eps = config.DefaultEpsilon
	}
	if o.MinScore <= 0 {
		o.MinScore = o.Alpha / config.MinScoreDivisor
	}
	if o.Distance == nil {
		o.Distance = levenshtein.Distance
	}
	return o
}

// FromConfig builds annotation options from a crawl configuration
func FromConfig(cfg *config.CrawlConfig) Options {
	return Options{
		Neighbors: cfg.Neighbors,
		Alpha:     cfg.Alpha,
		Sigma:     cfg.Sigma,
		Eps:       cfg.Epsilon,
		MinScore:  cfg.MinScore,
	}
}

// Annotation scores links by spreading manual follow marks across a
// k-nearest-neighbor graph keyed by edit distance. The label matrix is
// recomputed lazily after any mutation. Safe for concurrent use
type Annotation struct {
	mu     sync.RWMutex
	opts   Options
	graph  *knn.Graph
	marked []Mark
	labels *mat.Dense
	dirty  bool
}

// New returns an empty annotation
func New(opts Options) *Annotation {
	opts = opts.withDefaults()
	return &Annotation{
		opts:  opts,
		graph: knn.New(opts.Distance, opts.Neighbors),
	}
}

// MinScore returns the decision threshold in effect
func (a *Annotation) MinScore() float64 { return a.opts.MinScore }

// AddLink inserts a link into the similarity graph
func (a *Annotation) AddLink(link string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.graph.Add(link) {
		a.dirty = true
	}
}

// Load inserts the extracted links of a visited page
func (a *Annotation) Load(links []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range links {
		if a.graph.Add(l) {
			a.dirty = true
		}
	}
}

// Mark records a manual follow / do-not-follow example. Unknown links
// are added first
func (a *Annotation) Mark(link string, follow bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.graph.Add(link)
	a.marked = append(a.marked, Mark{Link: link, Follow: follow})
	a.dirty = true
}

// Links returns every known link in insertion order
func (a *Annotation) Links() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.graph.Points()
}

// Len returns the number of known links
func (a *Annotation) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.graph.Len()
}

// Marks returns the manual examples in the order they were made
func (a *Annotation) Marks() []Mark {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Mark, len(a.marked))
	copy(out, a.marked)
	return out
}

// Scores returns the propagated follow and avoid scores of link
func (a *Annotation) Scores(link string) (follow, avoid float64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.graph.ID(link)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownLink, link)
	}
	a.propagate()
	return a.labels.At(id, 0), a.labels.At(id, 1), nil
}

// Decide classifies link. decided stays false while neither score
// clears the minimum; otherwise follow reports whether the link is
// worth visiting
func (a *Annotation) Decide(link string) (follow, decided bool) {
	f, av, err := a.Scores(link)
	if err != nil {
		return false, false
	}
	if f < a.opts.MinScore && av < a.opts.MinScore {
		return false, false
	}
	return f >= av, true
}

// FollowLinks returns the links decided in favor of following, in
// insertion order
func (a *Annotation) FollowLinks() []string {
	var out []string
	for _, link := range a.Links() {
		if follow, decided := a.Decide(link); decided && follow {
			out = append(out, link)
		}
	}
	return out
}

// Ranked is a link with its propagated scores
type Ranked struct {
	Link   string
	Follow float64
	Avoid  float64
}

// Score ranks by the follow/avoid ratio, falling back to the bare
// follow score when nothing speaks against the link
func (r Ranked) Score() float64 {
	if r.Avoid > 0 {
		return r.Follow / r.Avoid
	}
	return r.Follow
}

// BestLinks returns every link with a positive follow score, best first
func (a *Annotation) BestLinks() []Ranked {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bestLocked()
}

func (a *Annotation) bestLocked() []Ranked {
	a.propagate()

	var out []Ranked
	for id, link := range a.graph.Points() {
		f := a.labels.At(id, 0)
		if f <= 0 {
			continue
		}
		out = append(out, Ranked{Link: link, Follow: f, Avoid: a.labels.At(id, 1)})
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].Link < out[j].Link
	})
	return out
}

// Prune keeps at most n links: manual marks first, then the best
// ranked links, then the remainder in insertion order. The graph is
// rebuilt from the survivors
func (a *Annotation) Prune(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if a.graph.Len() <= n {
		return
	}

	keep := make([]string, 0, n)
	chosen := make(map[string]bool, n)
	add := func(link string) {
		if len(keep) < n && !chosen[link] {
			chosen[link] = true
			keep = append(keep, link)
		}
	}

	for _, m := range a.marked {
		add(m.Link)
	}
	for _, r := range a.bestLocked() {
		add(r.Link)
	}
	for _, link := range a.graph.Points() {
		add(link)
	}

	a.graph.Rebuild(keep)

	// Marks whose link was pruned go with it
	kept := a.marked[:0]
	for _, m := range a.marked {
		if chosen[m.Link] {
			kept = append(kept, m)
		}
	}
	a.marked = kept
	a.dirty = true
}

// propagate recomputes the label matrix when links or marks changed
// since the last read. Callers must hold the write lock
func (a *Annotation) propagate() {
	if !a.dirty {
		return
	}
	a.dirty = false

	n := a.graph.Len()
	if n == 0 {
		a.labels = nil
		return
	}

	y := mat.NewDense(n, 2, nil)
	for _, m := range a.marked {
		id, ok := a.graph.ID(m.Link)
		if !ok {
			continue
		}
		if m.Follow {
			y.Set(id, 0, 1)
			y.Set(id, 1, 0)
		} else {
			y.Set(id, 0, 0)
			y.Set(id, 1, 1)
		}
	}

	kernel := a.graph.Kernel(a.opts.Sigma)
	a.labels = PropagateLabels(kernel, y, a.opts.Alpha, a.opts.Eps)
}
