package textutil

// Jaccard computes token-set Jaccard similarity between two strings after
// normalization. Returns 0 when either side tokenizes to nothing.
func Jaccard(a, b string) float64 {
	tokensA := Tokenize(a)
	tokensB := Tokenize(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(tokensA))
	for _, token := range tokensA {
		setA[token] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tokensB))
	for _, token := range tokensB {
		setB[token] = struct{}{}
	}

	intersection := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Field weights for candidate match scoring. When a field is missing on
// either side its weight is redistributed across the present fields.
const (
	titleWeight     = 0.5
	authorWeight    = 0.3
	publisherWeight = 0.2
)

// MatchScore computes the weighted similarity between a wanted book and a
// catalog candidate. ISBN equality short-circuits to a perfect score.
func MatchScore(wantTitle, wantAuthor, wantPublisher, wantISBN, gotTitle, gotAuthor, gotPublisher, gotISBN string) float64 {
	if isbn := NormalizeISBN(wantISBN); isbn != "" && isbn == NormalizeISBN(gotISBN) {
		return 1.0
	}

	var score, weight float64
	if wantTitle != "" && gotTitle != "" {
		score += titleWeight * Jaccard(wantTitle, gotTitle)
		weight += titleWeight
	}
	if wantAuthor != "" && gotAuthor != "" {
		score += authorWeight * Jaccard(wantAuthor, gotAuthor)
		weight += authorWeight
	}
	if wantPublisher != "" && gotPublisher != "" {
		score += publisherWeight * Jaccard(wantPublisher, gotPublisher)
		weight += publisherWeight
	}
	if weight == 0 {
		return 0
	}
	return score / weight
}
