package x402

import (
	"encoding/json"
	"strings"
	"time"
)

// Version is the x402 protocol version this facilitator speaks.
const Version = 1

// SchemeExact is the only payment scheme supported.
const SchemeExact = "exact"

// Network is a network identifier as used in payment requirements
// (e.g. "skale-base-sepolia", "base").
type Network string

// PaymentRequirements defines what payment a payee accepts for a resource.
//
// Extra and OutputSchema are kept as raw JSON so that a requirement stored in
// the discovery catalog is returned exactly as it was submitted.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme" validate:"required"`
	Network           Network         `json:"network" validate:"required"`
	MaxAmountRequired string          `json:"maxAmountRequired" validate:"required"`
	Resource          string          `json:"resource,omitempty"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	PayTo             string          `json:"payTo" validate:"required"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds,omitempty"`
	Asset             string          `json:"asset" validate:"required"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// DomainExtra holds the EIP-712 domain overrides a payee may put in Extra.
// A nil field means no override; an empty string is an override to "".
type DomainExtra struct {
	Name    *string `json:"name,omitempty"`
	Version *string `json:"version,omitempty"`
}

// DomainOverrides decodes the name/version overrides from Extra.
// Missing, null or non-string values yield no override for that field.
func (r PaymentRequirements) DomainOverrides() DomainExtra {
	var extra DomainExtra
	if len(r.Extra) == 0 {
		return extra
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(r.Extra, &raw); err != nil {
		return extra
	}
	if name, ok := raw["name"].(string); ok {
		extra.Name = &name
	}
	if version, ok := raw["version"].(string); ok {
		extra.Version = &version
	}
	return extra
}

// SameDestination reports whether two requirements pay the same recipient in
// the same asset on the same network. Addresses compare case-insensitively.
func (r PaymentRequirements) SameDestination(other PaymentRequirements) bool {
	return strings.EqualFold(r.PayTo, other.PayTo) &&
		strings.EqualFold(r.Asset, other.Asset) &&
		strings.EqualFold(string(r.Network), string(other.Network))
}

// PaymentPayload is the signed payment sent by the payer.
// Payload holds the scheme-specific body ({signature, authorization} for exact EVM).
type PaymentPayload struct {
	X402Version int                    `json:"x402Version,omitempty"`
	Scheme      string                 `json:"scheme" validate:"required"`
	Network     Network                `json:"network"`
	Payload     map[string]interface{} `json:"payload" validate:"required"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest = VerifyRequest

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds      []SupportedKind `json:"kinds"`
	Extensions []string        `json:"extensions"`
}

// DiscoveryResource is a payee endpoint seen in verify/settle traffic.
type DiscoveryResource struct {
	// Resource is the URL of the x402-protected endpoint
	Resource string `json:"resource"`
	// Type is the resource type (currently only "http")
	Type string `json:"type"`
	// X402Version is the protocol version
	X402Version int `json:"x402Version"`
	// Accepts contains the payment requirements seen for this resource
	Accepts []PaymentRequirements `json:"accepts"`
	// LastUpdated is when this resource was last registered/updated
	LastUpdated time.Time `json:"lastUpdated"`
	// Metadata contains optional discovery metadata
	Metadata map[string]interface{} `json:"metadata"`
}

// DiscoveryListResponse is returned by GET /discovery/resources.
type DiscoveryListResponse struct {
	X402Version int                 `json:"x402Version"`
	Items       []DiscoveryResource `json:"items"`
	Pagination  DiscoveryPagination `json:"pagination"`
}

// DiscoveryPagination contains pagination info for discovery list.
type DiscoveryPagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// String implements fmt.Stringer for log fields.
func (n Network) String() string {
	return string(n)
}
