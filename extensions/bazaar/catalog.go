// Package bazaar keeps the discovery catalog: the payee resources seen in
// successful verify and settle traffic, listed for buyers and agents looking
// for x402-enabled endpoints.
package bazaar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/kv"
)

const (
	// KeyPrefix prefixes every catalog key.
	KeyPrefix = "discovery:"

	// ResourceTypeHTTP is the only resource type recorded.
	ResourceTypeHTTP = "http"

	// DefaultDebounce is the minimum interval between two writes of one resource.
	DefaultDebounce = time.Hour

	// DefaultTTL evicts resources that have not been seen for a week.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultListLimit applies when the caller gives no usable limit.
	DefaultListLimit = 100

	// MaxListLimit caps a single page.
	MaxListLimit = 1000

	// ScanLimit caps how many keys a listing reads from the store.
	ScanLimit = 1000

	keyDigestLength = 16
)

// Catalog stores discovery resources in a kv.Store.
type Catalog struct {
	store    kv.Store
	logger   *zap.Logger
	now      func() time.Time
	debounce time.Duration
	ttl      time.Duration
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(c *Catalog) {
		c.debounce = d
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		c.ttl = ttl
	}
}

// NewCatalog creates a Catalog backed by store.
func NewCatalog(store kv.Store, opts ...Option) *Catalog {
	c := &Catalog{
		store:    store,
		logger:   zap.NewNop(),
		now:      time.Now,
		debounce: DefaultDebounce,
		ttl:      DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the store key for a resource URL.
//
// The URL is query-escaped. Escaped forms that would exceed kv.MaxKeyLength
// are truncated and suffixed with a digest of the full URL so distinct long
// URLs keep distinct keys.
func Key(resource string) string {
	key := KeyPrefix + url.QueryEscape(resource)
	if len(key) <= kv.MaxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(resource))
	suffix := "~" + hex.EncodeToString(sum[:])[:keyDigestLength]
	return key[:kv.MaxKeyLength-len(suffix)] + suffix
}

// Register records that requirements were accepted for their resource.
//
// Requirements without a resource are ignored. A resource written less than
// the debounce interval ago is left untouched. Otherwise the accepted entry
// with the same payTo, asset and network is replaced in place, or appended,
// and the resource's expiry restarts.
//
// Two first sightings of one resource racing each other both create the
// record and the later write wins.
func (c *Catalog) Register(ctx context.Context, requirements x402.PaymentRequirements, x402Version int) error {
	if requirements.Resource == "" {
		return nil
	}
	key := Key(requirements.Resource)
	now := c.now().UTC()

	var resource x402.DiscoveryResource
	err := kv.GetJSON(ctx, c.store, key, &resource)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		resource = x402.DiscoveryResource{
			Resource:    requirements.Resource,
			Type:        ResourceTypeHTTP,
			X402Version: x402Version,
			Accepts:     []x402.PaymentRequirements{requirements},
			LastUpdated: now,
			Metadata:    map[string]interface{}{},
		}
	case err != nil:
		return fmt.Errorf("discovery read %s: %w", requirements.Resource, err)
	default:
		if now.Sub(resource.LastUpdated) < c.debounce {
			c.logger.Debug("discovery write debounced",
				zap.String("resource", requirements.Resource),
				zap.Time("last_updated", resource.LastUpdated),
			)
			return nil
		}
		resource.Accepts = mergeAccepts(resource.Accepts, requirements)
		resource.X402Version = x402Version
		resource.LastUpdated = now
	}

	if err := kv.PutJSON(ctx, c.store, key, resource, c.ttl); err != nil {
		return fmt.Errorf("discovery write %s: %w", requirements.Resource, err)
	}
	c.logger.Debug("discovery resource registered",
		zap.String("resource", requirements.Resource),
		zap.Int("accepts", len(resource.Accepts)),
	)
	return nil
}

func mergeAccepts(accepts []x402.PaymentRequirements, requirements x402.PaymentRequirements) []x402.PaymentRequirements {
	for i := range accepts {
		if accepts[i].SameDestination(requirements) {
			accepts[i] = requirements
			return accepts
		}
	}
	return append(accepts, requirements)
}

// List returns one page of resources, most recently updated first.
//
// limit <= 0 means DefaultListLimit and is capped at MaxListLimit; a negative
// offset is treated as zero. Entries that cannot be read or decoded are
// skipped. Total counts every readable resource before paging.
func (c *Catalog) List(ctx context.Context, limit, offset int) (*x402.DiscoveryListResponse, error) {
	limit, offset = NormalizePage(limit, offset)

	keys, err := c.store.List(ctx, KeyPrefix, ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("discovery list: %w", err)
	}

	all := make([]x402.DiscoveryResource, 0, len(keys))
	for _, key := range keys {
		var resource x402.DiscoveryResource
		if err := kv.GetJSON(ctx, c.store, key, &resource); err != nil {
			c.logger.Debug("skipping unreadable discovery entry", zap.String("key", key), zap.Error(err))
			continue
		}
		all = append(all, resource)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].LastUpdated.Equal(all[j].LastUpdated) {
			return all[i].LastUpdated.After(all[j].LastUpdated)
		}
		return all[i].Resource < all[j].Resource
	})

	total := len(all)
	items := []x402.DiscoveryResource{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		items = all[offset:end]
	}

	return &x402.DiscoveryListResponse{
		X402Version: x402.Version,
		Items:       items,
		Pagination: x402.DiscoveryPagination{
			Limit:  limit,
			Offset: offset,
			Total:  total,
		},
	}, nil
}

// Count returns the number of live catalog keys, up to ScanLimit.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	keys, err := c.store.List(ctx, KeyPrefix, ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("discovery count: %w", err)
	}
	return len(keys), nil
}

// NormalizePage applies the listing defaults: limit <= 0 becomes
// DefaultListLimit, limit is capped at MaxListLimit and a negative offset is 0.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
