// Package textutil provides text normalization and similarity scoring for
// matching catalog candidates against wanted books, tuned for mixed
// CJK/Latin metadata.
package textutil
