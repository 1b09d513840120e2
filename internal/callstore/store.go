package callstore

import "context"

// Store is the persistence surface for vendors and call records. A nil or
// absent Store is valid operationally; callers fall back to configured
// defaults and skip persistence.
type Store interface {
	// VendorByPhone resolves the vendor assigned to a dialed number.
	// Returns ErrNotFound when no vendor claims the number.
	VendorByPhone(ctx context.Context, phone string) (Vendor, error)

	// UpsertVendor creates or replaces a vendor keyed by phone number and
	// returns the stored row.
	UpsertVendor(ctx context.Context, v Vendor) (Vendor, error)

	// SaveCall writes a completed call record.
	SaveCall(ctx context.Context, rec CallRecord) error

	// SetSummary attaches a post-call summary to an existing record.
	SetSummary(ctx context.Context, callID, summary string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
