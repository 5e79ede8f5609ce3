package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the core from concrete stores (SQLite, Redis,
// bbolt). A nil port disables the concern.

// MutationJournal records every mutating attempt for audit.
type MutationJournal interface {
	Record(ctx context.Context, rec MutationRecord) error
	Recent(ctx context.Context, limit int) ([]MutationRecord, error)
}

// BreakerStore persists the emergency breaker across restarts.
type BreakerStore interface {
	LoadBreaker() (BreakerState, bool, error)
	SaveBreaker(BreakerState) error
}
