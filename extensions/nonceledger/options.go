package nonceledger

import "time"

const (
	// DefaultPendingTTL bounds how long an unreconciled settlement holds a nonce.
	DefaultPendingTTL = 24 * time.Hour

	// DefaultConfirmedTTL is how long a settled nonce is remembered.
	DefaultConfirmedTTL = 7 * 24 * time.Hour
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithPendingTTL overrides DefaultPendingTTL.
func WithPendingTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		l.pendingTTL = ttl
	}
}

// WithConfirmedTTL overrides DefaultConfirmedTTL.
func WithConfirmedTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		l.confirmedTTL = ttl
	}
}

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}
