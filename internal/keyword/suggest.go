package keyword

import "strings"

// Suggest replaces every query term that is not in vocabulary with the closest
// vocabulary term within maxDistance edits. Ties prefer the shorter distance, then
// the lexically smaller term. It returns the corrected query and whether it differs.
func Suggest(query string, vocabulary []string, maxDistance int) (string, bool) {
	known := make(map[string]struct{}, len(vocabulary))
	for _, v := range vocabulary {
		known[strings.ToLower(v)] = struct{}{}
	}

	terms := tokenizeQuery(query)
	changed := false
	for i, term := range terms {
		if _, ok := known[term]; ok {
			continue
		}
		best, bestDist := "", maxDistance+1
		for v := range known {
			if abs(len([]rune(v))-len([]rune(term))) > maxDistance {
				continue
			}
			d := LevenshteinDistance(term, v)
			if d < bestDist || (d == bestDist && v < best) {
				best, bestDist = v, d
			}
		}
		if best != "" {
			terms[i] = best
			changed = true
		}
	}
	if !changed {
		return query, false
	}
	return strings.Join(terms, " "), true
}

// LevenshteinDistance returns the minimum number of single-rune insertions, deletions
// or substitutions that turn a into b.
func LevenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
