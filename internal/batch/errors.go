package batch

import "errors"

// Sentinel errors returned by the batch lifecycle components, per spec.md
// §7's error-handling table. Components map provider/store-level errors
// onto these before they cross a package boundary so callers can switch on
// a fixed, small vocabulary rather than inspecting provider-specific types.
var (
	// ErrDuplicateRegistration is not a failure: the Item was already
	// registered to a non-terminal Job by a concurrent caller.
	ErrDuplicateRegistration = errors.New("batch: item already registered")

	// ErrProviderTransient covers rate limits, timeouts, and 5xx responses
	// from the provider - the operation should be retried with backoff.
	ErrProviderTransient = errors.New("batch: transient provider error")

	// ErrProviderPermanent covers 4xx responses other than rate limiting -
	// the Job is moved to FAILED without retry.
	ErrProviderPermanent = errors.New("batch: permanent provider error")

	// ErrMalformedResponse is returned when a downloaded result file fails
	// schema validation (response.go).
	ErrMalformedResponse = errors.New("batch: malformed provider response")

	// ErrProviderRecordMissing is returned when the Poller asks the provider
	// about a ProviderHandle it no longer recognizes.
	ErrProviderRecordMissing = errors.New("batch: provider has no record of this job")

	// ErrStoreUnavailable wraps a store error that survived the Store's own
	// transaction retries.
	ErrStoreUnavailable = errors.New("batch: store unavailable")
)
