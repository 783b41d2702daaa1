// Package notifications sends fire-and-forget ntfy pushes for pipeline
// milestones and alerts. A noop implementation stands in when no topic is
// configured.
package notifications
