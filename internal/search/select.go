package search

import "bindery/internal/queue"

// scoreEpsilon is the band below the top score within which format
// preference outranks raw score.
const scoreEpsilon = 0.1

// formatBonus feeds into the download priority so better formats drain
// from the download queue first.
var formatBonus = map[string]int{
	"epub": 20,
	"mobi": 15,
	"azw3": 10,
	"pdf":  5,
}

// selectCandidate picks the candidate to download. Candidates within
// scoreEpsilon of the best score compete on preferred format order; outside
// that band the higher score always wins. candidates must be sorted by
// score descending, which is how the store returns them.
func selectCandidate(candidates []*queue.SearchCandidate, preferred []string) *queue.SearchCandidate {
	if len(candidates) == 0 {
		return nil
	}
	top := candidates[0].MatchScore
	best := candidates[0]
	bestRank := formatRank(best.Format, preferred)
	for _, cand := range candidates[1:] {
		if top-cand.MatchScore > scoreEpsilon {
			break
		}
		if rank := formatRank(cand.Format, preferred); rank < bestRank {
			best = cand
			bestRank = rank
		}
	}
	return best
}

// formatRank returns the candidate format's position in the preference
// list, or len(preferred) when the format is not listed.
func formatRank(format string, preferred []string) int {
	for i, want := range preferred {
		if format == want {
			return i
		}
	}
	return len(preferred)
}

// downloadPriority combines the match score with the format bonus into the
// priority stored on the download queue entry.
func downloadPriority(score float64, format string) int {
	return int(score*100+0.5) + formatBonus[format]
}
