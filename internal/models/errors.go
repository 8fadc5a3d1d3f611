package models

import "errors"

// Error taxonomy shared by the crawler, the claim engine and the sweep.
var (
	// ErrTransientNetwork marks a retryable failure (rate limit, timeout, reset).
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrExhaustedRetries is returned once the retry ceiling is hit. Fatal for a run.
	ErrExhaustedRetries = errors.New("exhausted retries")
	// ErrNoMoreSales is the crawl's natural termination signal, not a failure.
	ErrNoMoreSales = errors.New("no more sales available")
	// ErrSaleNotFound means a sale ID was reassigned or removed; skip it.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrSaleIDMismatch is returned when a sale page declares a different ID than requested.
	ErrSaleIDMismatch = errors.New("sale id mismatch")
	// ErrSchemaMismatch marks a persisted record written by an older schema version.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrAuthentication is fatal for any operation that needs a session.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNegotiation is a per-game download negotiation failure.
	ErrNegotiation = errors.New("download negotiation failed")
	// ErrUnknownClaimFailure is returned when the origin rejects a claim without explanation.
	ErrUnknownClaimFailure = errors.New("unknown claim failure")
	// ErrNotFound is returned by stores when an entity is absent.
	ErrNotFound = errors.New("not found")
	// ErrParse is returned when a page does not match its parse contract.
	ErrParse = errors.New("page does not match parse contract")
	// ErrNoActiveSale is returned when a game page reports no running sale.
	ErrNoActiveSale = errors.New("game has no active sale")
)

// IsFatal reports whether err may terminate a whole crawl or sweep.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrExhaustedRetries)
}
