package transcript

import "strings"

// Stitch appends incoming to existing, dropping the longest run of leading
// incoming words that repeats the trailing words of existing.
func Stitch(existing, incoming string) string {
	return StitchWithin(existing, incoming, 0)
}

// StitchWithin is Stitch with the overlap search bounded to maxWords words.
// A maxWords of zero or less leaves the search unbounded.
func StitchWithin(existing, incoming string, maxWords int) string {
	if existing == "" {
		return incoming
	}
	if incoming == "" {
		return existing
	}

	prev := strings.Fields(existing)
	next := strings.Fields(incoming)
	if len(next) == 0 {
		return existing
	}
	if len(prev) == 0 {
		return incoming
	}

	longest := min(len(prev), len(next))
	if maxWords > 0 && maxWords < longest {
		longest = maxWords
	}

	for l := longest; l > 0; l-- {
		if wordsEqual(prev[len(prev)-l:], next[:l]) {
			if l == len(next) {
				return existing
			}
			return existing + " " + strings.Join(next[l:], " ")
		}
	}

	return existing + " " + incoming
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
