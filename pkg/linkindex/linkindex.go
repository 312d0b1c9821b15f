// ------------------------------------------------------
// Linkmark - Link Index
// FST-backed fuzzy and prefix lookup over known links
// ------------------------------------------------------

package linkindex

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/couchbase/vellum"
	lev "github.com/couchbase/vellum/levenshtein"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/linkmark/linkmark/pkg/levenshtein"
)

// ErrNotBuilt is returned when searching an index that holds no FST
var ErrNotBuilt = errors.New("linkindex: index not built")

// maxFuzziness is the largest edit distance the automaton supports
const maxFuzziness = 2

// Index is an immutable FST over a link set supporting exact, prefix
// and fuzzy lookups. Build one in memory or reopen a persisted file
type Index struct {
	fst  *vellum.FST
	raw  []byte    // in-memory FST bytes, nil when file-backed
	data mmap.MMap // mapped file bytes, nil when built in memory
	file *os.File
}

// Build constructs an index over links. The input is deduplicated and
// sorted; stored ordinals follow the sorted order
func Build(links []string) (*Index, error) {
	uniq := make([]string, 0, len(links))
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if !seen[l] {
			seen[l] = true
			uniq = append(uniq, l)
		}
	}
	sort.Strings(uniq)

	var buf bytes.Buffer
	b, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("create fst builder: %w", err)
	}
	for i, link := range uniq {
		if err := b.Insert([]byte(link), uint64(i)); err != nil {
			return nil, fmt.Errorf("insert %q: %w", link, err)
		}
	}
	if err := b.Close(); err != nil {
		return nil, fmt.Errorf("finish fst: %w", err)
	}

	fst, err := vellum.Load(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load fst: %w", err)
	}
	return &Index{fst: fst, raw: buf.Bytes()}, nil
}

// Len returns the number of indexed links
func (idx *Index) Len() int {
	if idx.fst == nil {
		return 0
	}
	return idx.fst.Len()
}

// Has reports whether link is indexed
func (idx *Index) Has(link string) bool {
	if idx.fst == nil {
		return false
	}
	_, ok, err := idx.fst.Get([]byte(link))
	return err == nil && ok
}

// Near returns the indexed links within fuzziness edits of term, in
// key order. Automaton matches are double-checked against plain edit
// distance since the DFA also admits transpositions
func (idx *Index) Near(term string, fuzziness uint8) ([]string, error) {
	if idx.fst == nil {
		return nil, ErrNotBuilt
	}
	if fuzziness == 0 {
		if idx.Has(term) {
			return []string{term}, nil
		}
		return nil, nil
	}
	if fuzziness > maxFuzziness {
		fuzziness = maxFuzziness
	}

	lb, err := lev.NewLevenshteinAutomatonBuilder(fuzziness, true)
	if err != nil {
		return nil, fmt.Errorf("build automaton: %w", err)
	}
	dfa, err := lb.BuildDfa(term, fuzziness)
	if err != nil {
		return nil, fmt.Errorf("compile automaton for %q: %w", term, err)
	}

	itr, err := idx.fst.Search(dfa, nil, nil)
	var out []string
	for err == nil {
		key, _ := itr.Current()
		cand := string(key)
		if levenshtein.DistanceThreshold(cand, term, int(fuzziness)) <= int(fuzziness) {
			out = append(out, cand)
		}
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return nil, fmt.Errorf("search near %q: %w", term, err)
	}
	return out, nil
}

// WithPrefix returns every indexed link beginning with prefix, in key
// order. An empty prefix lists the whole index
func (idx *Index) WithPrefix(prefix string) ([]string, error) {
	if idx.fst == nil {
		return nil, ErrNotBuilt
	}

	var start, end []byte
	if prefix != "" {
		start = []byte(prefix)
		end = prefixSuccessor(start)
	}

	itr, err := idx.fst.Iterator(start, end)
	var out []string
	for err == nil {
		key, _ := itr.Current()
		out = append(out, string(key))
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return nil, fmt.Errorf("iterate prefix %q: %w", prefix, err)
	}
	return out, nil
}

// prefixSuccessor returns the smallest byte string greater than every
// string carrying prefix b, or nil when no upper bound exists
func prefixSuccessor(b []byte) []byte {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			out := make([]byte, i+1)
			copy(out, b)
			out[i]++
			return out
		}
	}
	return nil
}

// WriteFile persists the FST so it can be reopened with OpenFile
func (idx *Index) WriteFile(path string) error {
	if idx.fst == nil {
		return ErrNotBuilt
	}
	data := idx.raw
	if data == nil {
		data = idx.data
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// OpenFile maps a persisted index read-only and loads the FST from
// the mapped bytes. Close releases the mapping
func OpenFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map index: %w", err)
	}
	fst, err := vellum.Load(data)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("load index: %w", err)
	}
	return &Index{fst: fst, data: data, file: f}, nil
}

// Close releases the FST and any file mapping. The index cannot be
// searched afterwards
func (idx *Index) Close() error {
	idx.fst = nil
	idx.raw = nil

	var firstErr error
	if idx.data != nil {
		if err := idx.data.Unmap(); err != nil {
			firstErr = err
		}
		idx.data = nil
	}
	if idx.file != nil {
		if err := idx.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		idx.file = nil
	}
	return firstErr
}
