package facilitator

import (
	"context"
	"time"

	"go.uber.org/zap"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/mechanisms/evm"
)

// DefaultReadTimeout bounds the best-effort RPC reads made during verification.
const DefaultReadTimeout = 3 * time.Second

// Ledger is the nonce lifecycle store used by verification and settlement.
type Ledger interface {
	Used(ctx context.Context, network, nonce string) (bool, error)
	MarkPending(ctx context.Context, network, nonce, requestID string) error
	MarkConfirmed(ctx context.Context, network, nonce, requestID, txHash string, blockNumber uint64) error
	Release(ctx context.Context, network, nonce string) error
}

// Registrar records accepted payment requirements for discovery.
type Registrar interface {
	Register(ctx context.Context, requirements x402.PaymentRequirements, x402Version int) error
}

// ExactEvmScheme verifies and settles exact payments made with ERC-3009
// transferWithAuthorization on the networks of a registry.
type ExactEvmScheme struct {
	registry    *evm.Registry
	ledger      Ledger
	signers     map[string]evm.FacilitatorEvmSigner
	verifier    evm.TypedDataVerifier
	catalog     Registrar
	tasks       *x402.TaskRunner
	logger      *zap.Logger
	now         func() time.Time
	readTimeout time.Duration
}

// Option configures an ExactEvmScheme.
type Option func(*ExactEvmScheme)

// WithSigner sets the chain client for one network.
func WithSigner(network string, signer evm.FacilitatorEvmSigner) Option {
	return func(s *ExactEvmScheme) {
		s.signers[network] = signer
	}
}

// WithVerifier replaces the default ECDSA typed-data verifier.
func WithVerifier(verifier evm.TypedDataVerifier) Option {
	return func(s *ExactEvmScheme) {
		s.verifier = verifier
	}
}

// WithCatalog enables discovery registration after successful payments.
func WithCatalog(catalog Registrar) Option {
	return func(s *ExactEvmScheme) {
		s.catalog = catalog
	}
}

// WithTaskRunner sets the runner for detached discovery writes.
func WithTaskRunner(tasks *x402.TaskRunner) Option {
	return func(s *ExactEvmScheme) {
		s.tasks = tasks
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *ExactEvmScheme) {
		s.logger = logger
	}
}

// WithClock sets the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(s *ExactEvmScheme) {
		s.now = now
	}
}

// WithReadTimeout overrides DefaultReadTimeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *ExactEvmScheme) {
		s.readTimeout = timeout
	}
}

// NewExactEvmScheme creates an ExactEvmScheme.
func NewExactEvmScheme(registry *evm.Registry, ledger Ledger, opts ...Option) *ExactEvmScheme {
	s := &ExactEvmScheme{
		registry:    registry,
		ledger:      ledger,
		signers:     make(map[string]evm.FacilitatorEvmSigner),
		verifier:    evm.ECDSAVerifier{},
		logger:      zap.NewNop(),
		now:         time.Now,
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tasks == nil {
		s.tasks = x402.NewTaskRunner(x402.WithTaskLogger(s.logger))
	}
	return s
}

// Scheme returns the scheme identifier
func (s *ExactEvmScheme) Scheme() string {
	return x402.SchemeExact
}

// Supported lists one kind per registry network.
func (s *ExactEvmScheme) Supported() x402.SupportedResponse {
	networks := s.registry.Networks()
	kinds := make([]x402.SupportedKind, 0, len(networks))
	for _, n := range networks {
		kinds = append(kinds, x402.SupportedKind{
			X402Version: x402.Version,
			Scheme:      x402.SchemeExact,
			Network:     x402.Network(n.Name),
		})
	}
	extensions := []string{}
	if s.catalog != nil {
		extensions = append(extensions, "bazaar")
	}
	return x402.SupportedResponse{Kinds: kinds, Extensions: extensions}
}

// Signer returns the chain client for network, if configured.
func (s *ExactEvmScheme) Signer(network string) (evm.FacilitatorEvmSigner, bool) {
	signer, ok := s.signers[network]
	return signer, ok
}

func (s *ExactEvmScheme) scheduleRegistration(ctx context.Context, requirements x402.PaymentRequirements, x402Version int) {
	if s.catalog == nil || requirements.Resource == "" {
		return
	}
	if x402Version == 0 {
		x402Version = x402.Version
	}
	s.tasks.Go(ctx, "discovery.register", func(ctx context.Context) error {
		return s.catalog.Register(ctx, requirements, x402Version)
	})
}
