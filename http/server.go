// Package http exposes the facilitator over HTTP using gin.
//
// Routes:
//
//	GET  /                     capability listing
//	GET  /supported            supported payment kinds
//	GET  /health               liveness plus discovered resource count
//	POST /verify               verify a payment without spending gas
//	POST /settle               submit a verified payment on-chain
//	GET  /discovery/resources  paginated discovery catalog (alias /list)
package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/mechanisms/evm"
)

const (
	// DefaultVerifyTimeout bounds a /verify request.
	DefaultVerifyTimeout = 30 * time.Second

	// DefaultMaxBodyBytes bounds a /verify or /settle request body.
	DefaultMaxBodyBytes int64 = 1 << 20

	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-Id"

	// Version is reported by the capability and health endpoints.
	Version = "1.0.0"
)

// Scheme is the payment scheme served by the facilitator.
type Scheme interface {
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error)
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error)
	Supported() x402.SupportedResponse
	Signer(network string) (evm.FacilitatorEvmSigner, bool)
}

// Catalog is the read side of the discovery catalog.
type Catalog interface {
	List(ctx context.Context, limit, offset int) (*x402.DiscoveryListResponse, error)
	Count(ctx context.Context) (int, error)
}

// Server holds the handlers and their collaborators.
type Server struct {
	scheme        Scheme
	registry      *evm.Registry
	catalog       Catalog
	logger        *zap.Logger
	validate      *validator.Validate
	verifyTimeout time.Duration
	maxBodyBytes  int64
}

// Option configures a Server.
type Option func(*Server)

// WithCatalog enables the discovery endpoints.
func WithCatalog(catalog Catalog) Option {
	return func(s *Server) {
		s.catalog = catalog
	}
}

// WithLogger sets the logger used for access and error logs.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithVerifyTimeout overrides DefaultVerifyTimeout.
func WithVerifyTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.verifyTimeout = timeout
	}
}

// NewServer creates a Server for scheme. The registry feeds the capability listing.
func NewServer(scheme Scheme, registry *evm.Registry, opts ...Option) *Server {
	s := &Server{
		scheme:        scheme,
		registry:      registry,
		logger:        zap.NewNop(),
		validate:      validator.New(),
		verifyTimeout: DefaultVerifyTimeout,
		maxBodyBytes:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with middleware and routes installed.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(
		s.recovery(),
		requestID(),
		cors(),
		s.accessLog(),
	)

	router.GET("/", s.handleIndex)
	router.GET("/supported", s.handleSupported)
	router.GET("/health", s.handleHealth)
	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.GET("/discovery/resources", s.handleDiscovery)
	router.GET("/list", s.handleDiscovery)

	return router
}
