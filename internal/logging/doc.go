// Package logging builds slog loggers with console (pretty) and JSON
// handlers, standardized attribute keys, and context-derived correlation
// fields.
package logging
