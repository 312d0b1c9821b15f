package annotate_test

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/linkmark/linkmark/pkg/annotate"
)

const (
	itemA = "https://example.org/item?id=101"
	itemB = "https://example.org/item?id=102"
	itemC = "https://example.org/item?id=103"
	pageA = "https://example.org/news?p=2"
	pageB = "https://example.org/news?p=3"
	userA = "https://example.org/user?id=alice"
	userB = "https://example.org/user?id=bob"
)

// newsFixture builds an annotation over three natural URL clusters with
// one follow mark in the pagination cluster and one do-not-follow mark
// in the user cluster.
func newsFixture() *annotate.Annotation {
	a := annotate.New(annotate.Options{})
	a.Load([]string{itemA, itemB, itemC, pageA, pageB, userA, userB})
	a.Mark(pageA, true)
	a.Mark(userA, false)
	return a
}

func TestScoresSpreadToNeighbors(t *testing.T) {
	a := newsFixture()

	follow, avoid, err := a.Scores(pageB)
	if err != nil {
		t.Fatalf("Scores(%s): %v", pageB, err)
	}
	if follow <= avoid {
		t.Errorf("pagination neighbor: follow %g should beat avoid %g", follow, avoid)
	}
	if follow < a.MinScore() {
		t.Errorf("pagination neighbor follow score %g below decision threshold %g", follow, a.MinScore())
	}

	follow, avoid, err = a.Scores(userB)
	if err != nil {
		t.Fatalf("Scores(%s): %v", userB, err)
	}
	if avoid <= follow {
		t.Errorf("user neighbor: avoid %g should beat follow %g", avoid, follow)
	}
}

func TestDecide(t *testing.T) {
	a := newsFixture()

	if follow, decided := a.Decide(pageA); !decided || !follow {
		t.Error("marked follow link should decide as follow")
	}
	if follow, decided := a.Decide(userA); !decided || follow {
		t.Error("marked do-not-follow link should decide against following")
	}
	if _, decided := a.Decide(itemA); decided {
		t.Error("far-away item link should stay undecided")
	}
}

func TestFollowLinks(t *testing.T) {
	a := newsFixture()

	got := a.FollowLinks()
	want := map[string]bool{pageA: true, pageB: true}
	if len(got) != len(want) {
		t.Fatalf("FollowLinks = %v, want the two pagination links", got)
	}
	for _, link := range got {
		if !want[link] {
			t.Errorf("unexpected follow link %q", link)
		}
	}
}

func TestBestLinksRanking(t *testing.T) {
	a := newsFixture()

	best := a.BestLinks()
	if len(best) < 2 {
		t.Fatalf("BestLinks returned %d entries, want at least 2", len(best))
	}

	// The pagination cluster must outrank everything else
	top := map[string]bool{best[0].Link: true, best[1].Link: true}
	if !top[pageA] || !top[pageB] {
		t.Errorf("top ranked = %v, want %s and %s first", best[:2], pageA, pageB)
	}
	for _, r := range best {
		if r.Follow <= 0 {
			t.Errorf("BestLinks included %q with follow score %g", r.Link, r.Follow)
		}
	}
}

// TestMarkRefreshesScores pins the lazy recompute: a mark made after a
// score read must show up in the next read.
func TestMarkRefreshesScores(t *testing.T) {
	a := newsFixture()

	if _, decided := a.Decide(itemA); decided {
		t.Fatal("item link should start undecided")
	}

	a.Mark(itemC, false)

	if follow, decided := a.Decide(itemA); !decided || follow {
		t.Error("item link should decide against following after its neighbor was marked")
	}
}

func TestScoresUnknownLink(t *testing.T) {
	a := newsFixture()
	if _, _, err := a.Scores("https://example.org/never-seen"); !errors.Is(err, annotate.ErrUnknownLink) {
		t.Errorf("expected ErrUnknownLink, got %v", err)
	}
}

func TestEmptyAnnotation(t *testing.T) {
	a := annotate.New(annotate.Options{})
	if got := a.BestLinks(); len(got) != 0 {
		t.Errorf("BestLinks on empty annotation = %v", got)
	}
	if _, _, err := a.Scores("x"); !errors.Is(err, annotate.ErrUnknownLink) {
		t.Errorf("expected ErrUnknownLink, got %v", err)
	}
	if _, decided := a.Decide("x"); decided {
		t.Error("empty annotation should not decide anything")
	}
}

func TestPrune(t *testing.T) {
	a := newsFixture()

	a.Prune(4)
	if got := a.Len(); got != 4 {
		t.Fatalf("Len after Prune(4) = %d, want 4", got)
	}

	links := map[string]bool{}
	for _, l := range a.Links() {
		links[l] = true
	}
	// Marked links survive first, then the best ranked
	if !links[pageA] || !links[userA] {
		t.Errorf("pruned links %v lost a marked link", a.Links())
	}
	if !links[pageB] {
		t.Errorf("pruned links %v lost the best unmarked link", a.Links())
	}
	if got := len(a.Marks()); got != 2 {
		t.Errorf("Marks after prune = %d, want 2", got)
	}
}

func TestPruneNoOpWhenUnderLimit(t *testing.T) {
	a := newsFixture()
	a.Prune(100)
	if got := a.Len(); got != 7 {
		t.Errorf("Len after generous prune = %d, want 7", got)
	}
}

// TestPropagateLabelsTwoNodes checks the iteration against the closed
// form F = (1-alpha)(I - alpha*S)^-1 Y for a two node graph, where the
// follow column works out to (2/3, 1/3) at alpha = 0.5.
func TestPropagateLabelsTwoNodes(t *testing.T) {
	w := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	y := mat.NewDense(2, 2, []float64{1, 0, 0, 0})

	f := annotate.PropagateLabels(w, y, 0.5, 1e-9)

	if got := f.At(0, 0); math.Abs(got-2.0/3.0) > 1e-3 {
		t.Errorf("F[0][0] = %g, want 2/3", got)
	}
	if got := f.At(1, 0); math.Abs(got-1.0/3.0) > 1e-3 {
		t.Errorf("F[1][0] = %g, want 1/3", got)
	}
}

func TestPropagateLabelsIsolatedRow(t *testing.T) {
	// Row 2 has no edges; normalization must clamp it, not divide by zero
	w := mat.NewDense(3, 3, []float64{0, 1, 0, 1, 0, 0, 0, 0, 0})
	y := mat.NewDense(3, 2, []float64{1, 0, 0, 0, 0, 1})

	f := annotate.PropagateLabels(w, y, 0.9, 1e-6)
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			if math.IsNaN(f.At(i, j)) {
				t.Fatalf("F[%d][%d] is NaN", i, j)
			}
		}
	}
	// The isolated point keeps only its seed contribution
	if got := f.At(2, 1); math.Abs(got-0.1) > 1e-3 {
		t.Errorf("isolated point score = %g, want 0.1", got)
	}
}
