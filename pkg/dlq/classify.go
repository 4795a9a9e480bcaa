package dlq

import "regexp"

// Classification is the recovery worker's verdict on a dead-letter entry's
// failure reason.
type Classification string

const (
	ClassifyRetry  Classification = "retry"
	ClassifyNotify Classification = "notify"
)

// retryablePatterns match transient failures worth another attempt:
// timeout, rate-limit, network, and other clearly temporary conditions.
var retryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)timed out`),
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)connection (refused|reset)`),
	regexp.MustCompile(`(?i)econnrefused`),
	regexp.MustCompile(`(?i)econnreset`),
	regexp.MustCompile(`(?i)network`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
	regexp.MustCompile(`(?i)service unavailable`),
	regexp.MustCompile(`(?i)\b5\d\d\b`),
}

// nonRetryablePatterns match permanent failures no retry will fix:
// authentication/authorization, quota exhaustion, invalid input, and
// missing resources. These take precedence over a retryable match.
var nonRetryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unauthoriz`),
	regexp.MustCompile(`(?i)authentic`),
	regexp.MustCompile(`(?i)forbidden`),
	regexp.MustCompile(`(?i)permission denied`),
	regexp.MustCompile(`(?i)\b401\b`),
	regexp.MustCompile(`(?i)\b403\b`),
	regexp.MustCompile(`(?i)quota`),
	regexp.MustCompile(`(?i)budget exceeded`),
	regexp.MustCompile(`(?i)invalid input`),
	regexp.MustCompile(`(?i)validation failed`),
	regexp.MustCompile(`(?i)\b400\b`),
	regexp.MustCompile(`(?i)not found`),
	regexp.MustCompile(`(?i)\b404\b`),
}

// NotifyReason buckets a non-retryable failure for grouping in the admin
// notification.
type NotifyReason string

const (
	ReasonAuthentication NotifyReason = "authentication_error"
	ReasonQuota          NotifyReason = "quota_error"
	ReasonInvalidInput   NotifyReason = "invalid_input_error"
	ReasonNotFound       NotifyReason = "not_found_error"
	ReasonOther          NotifyReason = "other_error"
)

// Classify decides whether failureReason is worth retrying. A message
// matching any non-retryable pattern is never retried, even if it also
// happens to match a retryable one.
func Classify(failureReason string) Classification {
	for _, p := range nonRetryablePatterns {
		if p.MatchString(failureReason) {
			return ClassifyNotify
		}
	}
	for _, p := range retryablePatterns {
		if p.MatchString(failureReason) {
			return ClassifyRetry
		}
	}
	// Unrecognized messages are treated as non-retryable: a fallback
	// pattern match is safer defaulting to "escalate to an operator" than
	// silently retrying an unknown failure forever.
	return ClassifyNotify
}

// ReasonFor buckets a non-retryable failure message for the admin
// notification's grouping key.
func ReasonFor(failureReason string) NotifyReason {
	switch {
	case matchAny(failureReason, `(?i)unauthoriz`, `(?i)authentic`, `(?i)forbidden`, `(?i)permission denied`, `(?i)\b401\b`, `(?i)\b403\b`):
		return ReasonAuthentication
	case matchAny(failureReason, `(?i)quota`, `(?i)budget exceeded`):
		return ReasonQuota
	case matchAny(failureReason, `(?i)invalid input`, `(?i)validation failed`, `(?i)\b400\b`):
		return ReasonInvalidInput
	case matchAny(failureReason, `(?i)not found`, `(?i)\b404\b`):
		return ReasonNotFound
	default:
		return ReasonOther
	}
}

func matchAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if regexp.MustCompile(p).MatchString(s) {
			return true
		}
	}
	return false
}
