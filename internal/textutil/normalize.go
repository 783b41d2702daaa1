package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Normalize folds text into a canonical comparable form: NFKC normalization,
// full-width to half-width folding, lowercasing, and whitespace collapsing.
// Book metadata arrives in mixed CJK/Latin with inconsistent width forms, so
// comparisons without this folding miss obvious matches.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = width.Fold.String(text)
	text = strings.ToLower(text)
	return strings.Join(strings.Fields(text), " ")
}

// Tokenize splits normalized text into comparison tokens. Latin/digit runs
// become one token each (dropping single characters); Han ideographs are
// individual tokens, since CJK titles carry meaning per character and have no
// word separators.
func Tokenize(text string) []string {
	text = Normalize(text)
	var (
		tokens  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() >= 2 {
			tokens = append(tokens, current.String())
		}
		current.Reset()
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// NormalizeISBN strips separators and lowercases an ISBN for comparison.
func NormalizeISBN(isbn string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(isbn)) {
		if (r >= '0' && r <= '9') || r == 'x' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fileNameReplacer replaces filesystem-unsafe characters with safe alternatives.
var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName replaces filesystem-unsafe characters in a filename.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(fileNameReplacer.Replace(name))
}
