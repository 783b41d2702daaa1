// Package services holds the error-classification policy shared by the
// scheduler and the stage wrapper, plus the context annotations external
// collaborator clients use for log correlation.
//
// Subpackages implement the collaborator clients themselves (douban,
// zlibrary, calibre).
package services
