package llm

import "errors"

// Errors are grouped by when they occur. Adapters wrap these sentinels so that
// callers can tell the classes apart with errors.Is.
var (
	// ErrConfiguration marks invalid or unsupported configuration: a bad
	// completion mode, a non-positive weight, a missing model identifier. It is
	// always returned before any network call and is never worth retrying.
	ErrConfiguration = errors.New("configuration error")

	// ErrInitialization marks a provider client that could not be set up. The
	// underlying cause stays reachable through errors.Is / errors.As.
	ErrInitialization = errors.New("initialization error")

	// ErrSelectionExhausted means the weighted draw walked every endpoint
	// without choosing one. It indicates a bug.
	ErrSelectionExhausted = errors.New("failed to select endpoint")

	// ErrProviderRequest marks network, authentication and rate-limit failures
	// reported by the provider. It is surfaced through [TokenStream.Err].
	ErrProviderRequest = errors.New("provider request failed")
)
