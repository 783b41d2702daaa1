package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Sentinel markers tag errors with their failure class. Wrap an error with
// one of these and Classify recovers the category later, however deep the
// error has been wrapped since.
var (
	ErrNetwork        = errors.New("network error")
	ErrAuth           = errors.New("authentication error")
	ErrNotFound       = errors.New("not found")
	ErrQuotaExhausted = errors.New("quota exhausted")
	ErrStatusMismatch = errors.New("status mismatch")
	ErrSystem         = errors.New("system error")
)

// Category names a failure class for retry-policy decisions.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuth           Category = "auth"
	CategoryNotFound       Category = "not_found"
	CategoryQuotaExhausted Category = "quota_exhausted"
	CategoryStatusMismatch Category = "status_mismatch"
	CategorySystem         Category = "system"
)

// Classification pairs a failure category with its retry decision.
type Classification struct {
	Category  Category
	Retryable bool
}

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrSystem
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to its failure category and retry decision.
// Unrecognized errors land in the system bucket, which is retryable: an
// unknown failure is assumed transient until retries run out.
func Classify(err error) Classification {
	switch {
	case errors.Is(err, ErrQuotaExhausted):
		return Classification{Category: CategoryQuotaExhausted, Retryable: false}
	case errors.Is(err, ErrAuth):
		return Classification{Category: CategoryAuth, Retryable: false}
	case errors.Is(err, ErrNotFound):
		return Classification{Category: CategoryNotFound, Retryable: false}
	case errors.Is(err, ErrStatusMismatch):
		return Classification{Category: CategoryStatusMismatch, Retryable: true}
	case errors.Is(err, ErrNetwork), isNetworkError(err):
		return Classification{Category: CategoryNetwork, Retryable: true}
	default:
		return Classification{Category: CategorySystem, Retryable: true}
	}
}

// IsRetryable reports whether an error's category allows another attempt.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

// ClassifyHTTPStatus maps an HTTP response code to the matching sentinel, or
// nil when the code does not indicate a failure class by itself.
func ClassifyHTTPStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrQuotaExhausted
	case code >= 500:
		return ErrNetwork
	default:
		return nil
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host")
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
