// ------------------------------------------------------
// Linkmark - Levenshtein Distance Engine
// Byte-oriented edit distance with similarity helpers
// ------------------------------------------------------

package levenshtein

import "errors"

// ErrResourceLimit is returned by DistanceLimited when an input exceeds
// the configured sequence length cap
var ErrResourceLimit = errors.New("levenshtein: sequence length limit exceeded")

// Distance returns the Levenshtein edit distance between two strings,
// measured in bytes: the minimum number of single-byte insertions,
// deletions and substitutions needed to turn a into b. Byte semantics
// match the raw URL and identifier inputs the annotator feeds it; use
// DistanceRunes when comparing decoded text
func Distance(a, b string) int {
	la := len(a)
	lb := len(b)

	// Handle edge cases
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	// Swap to ensure b is shorter (optimization)
	if la < lb {
		a, b = b, a
		la, lb = lb, la
	}

	// Two rolling rows (O(min(m,n)) space)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)

	// Initialize first row
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	// Calculate edit distances
	for i := 1; i <= la; i++ {
		curr[0] = i

		for j := 1; j <= lb; j++ {
			if a[i-1] == b[j-1] {
				// Match carries the diagonal
				curr[j] = prev[j-1]
			} else {
				// Minimum of delete, insert, replace
				curr[j] = 1 + min(prev[j], curr[j-1], prev[j-1])
			}
		}

		// Swap rows
		prev, curr = curr, prev
	}

	return prev[lb]
}

// DistanceRunes returns the edit distance measured in Unicode code
// points rather than bytes
func DistanceRunes(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	la := len(ra)
	lb := len(rb)

	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	if la < lb {
		ra, rb = rb, ra
		la, lb = lb, la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)

	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i

		for j := 1; j <= lb; j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1]
			} else {
				curr[j] = 1 + min(prev[j], curr[j-1], prev[j-1])
			}
		}

		prev, curr = curr, prev
	}

	return prev[lb]
}

// DistanceLimited returns the edit distance between a and b, refusing
// inputs longer than maxLen bytes. A maxLen of zero or less disables
// the cap. The check runs before any row allocation
func DistanceLimited(a, b string, maxLen int) (int, error) {
	if maxLen > 0 && (len(a) > maxLen || len(b) > maxLen) {
		return 0, ErrResourceLimit
	}
	return Distance(a, b), nil
}

// DistanceThreshold calculates distance but stops early if threshold exceeded
// Distances above the threshold are reported as threshold+1
func DistanceThreshold(a, b string, threshold int) int {
	// Early exit if difference in length alone exceeds threshold
	diff := len(a) - len(b)
	if diff < 0 {
		diff = -diff
	}
	if diff > threshold {
		return threshold + 1
	}

	d := Distance(a, b)
	if d > threshold {
		return threshold + 1
	}
	return d
}

// Ratio returns the similarity ratio between two strings (0.0 to 1.0)
func Ratio(a, b string) float64 {
	maxLen := max(len(a), len(b))
	if maxLen == 0 {
		return 1.0
	}

	distance := Distance(a, b)
	return 1.0 - float64(distance)/float64(maxLen)
}

// SimilarityCheck checks if two strings are similar within a threshold
func SimilarityCheck(a, b string, threshold float64) bool {
	return Ratio(a, b) >= threshold
}
