package nonceledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheGreatAxios/skale-facilitator/kv"
)

// KeyPrefix prefixes every ledger key.
const KeyPrefix = "nonce:"

// Status is the lifecycle state of a recorded nonce.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Record is the stored state of one (network, nonce) pair.
type Record struct {
	Status      Status    `json:"status"`
	RequestID   string    `json:"requestId"`
	Timestamp   time.Time `json:"timestamp"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
}

// Ledger tracks nonce lifecycle records in a kv.Store.
type Ledger struct {
	store        kv.Store
	now          func() time.Time
	pendingTTL   time.Duration
	confirmedTTL time.Duration
}

// New creates a Ledger backed by store.
func New(store kv.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		now:          time.Now,
		pendingTTL:   DefaultPendingTTL,
		confirmedTTL: DefaultConfirmedTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the store key for a nonce on a network.
// Nonces compare case-insensitively, so the hex form is lowercased.
func Key(network, nonce string) string {
	return KeyPrefix + network + ":" + strings.ToLower(nonce)
}

// Get returns the record for (network, nonce), or nil if the nonce is unused.
func (l *Ledger) Get(ctx context.Context, network, nonce string) (*Record, error) {
	var record Record
	err := kv.GetJSON(ctx, l.store, Key(network, nonce), &record)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nonce ledger read: %w", err)
	}
	return &record, nil
}

// Used reports whether any record exists for (network, nonce).
func (l *Ledger) Used(ctx context.Context, network, nonce string) (bool, error) {
	record, err := l.Get(ctx, network, nonce)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// MarkPending records that settlement of nonce has started.
func (l *Ledger) MarkPending(ctx context.Context, network, nonce, requestID string) error {
	record := Record{
		Status:    StatusPending,
		RequestID: requestID,
		Timestamp: l.now().UTC(),
	}
	if err := kv.PutJSON(ctx, l.store, Key(network, nonce), record, l.pendingTTL); err != nil {
		return fmt.Errorf("nonce ledger mark pending: %w", err)
	}
	return nil
}

// MarkConfirmed records a successful settlement transaction.
func (l *Ledger) MarkConfirmed(ctx context.Context, network, nonce, requestID, txHash string, blockNumber uint64) error {
	record := Record{
		Status:      StatusConfirmed,
		RequestID:   requestID,
		Timestamp:   l.now().UTC(),
		TxHash:      txHash,
		BlockNumber: blockNumber,
	}
	if err := kv.PutJSON(ctx, l.store, Key(network, nonce), record, l.confirmedTTL); err != nil {
		return fmt.Errorf("nonce ledger mark confirmed: %w", err)
	}
	return nil
}

// Release deletes the record, making the nonce available again.
func (l *Ledger) Release(ctx context.Context, network, nonce string) error {
	if err := l.store.Delete(ctx, Key(network, nonce)); err != nil {
		return fmt.Errorf("nonce ledger release: %w", err)
	}
	return nil
}
