package utils

import (
	"time"
)

// Context keys attached by HTTP handlers
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	UserAgentKey ContextKey = "user_agent"
	IPAddressKey ContextKey = "ip_address"
	EndpointKey  ContextKey = "endpoint"
)

// Dispatcher timing constants
const (
	// SharedSecretBytes is the entropy of a per-sender webhook secret
	SharedSecretBytes = 32

	// AutoDisableCooldown is applied when a sender crosses its failure threshold
	AutoDisableCooldown = 60 * time.Minute

	// RetryBackoffBase is the first retry delay of a failed dispatch
	RetryBackoffBase = 60 * time.Second

	// RetryBackoffCap bounds the exponential retry delay
	RetryBackoffCap = 15 * time.Minute

	// PhoneHistoryTTL is how long a not_available verdict is trusted
	PhoneHistoryTTL = 14 * 24 * time.Hour

	// BatchInterval separates consecutive batches of one campaign
	BatchInterval = time.Hour

	// BatchBusyRetry is the wait before re-checking a batch that still has hand-offs in flight
	BatchBusyRetry = time.Minute
)

// RetryBackoff returns base * 2^(retryCount-1) capped at RetryBackoffCap
func RetryBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := RetryBackoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= RetryBackoffCap {
			return RetryBackoffCap
		}
	}
	if d > RetryBackoffCap {
		return RetryBackoffCap
	}
	return d
}
