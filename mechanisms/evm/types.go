package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// ExactEIP3009Authorization is the authorization as it arrives on the wire.
// Numeric fields are kept as decimal strings until Parse.
type ExactEIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEIP3009Payload is the scheme payload for exact EVM payments.
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// Authorization is a parsed ERC-3009 authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrMissingSignature     = errors.New("missing signature")
)

// FacilitatorEvmSigner is the chain client a facilitator uses on one network.
type FacilitatorEvmSigner interface {
	// Address returns the gas payer address
	Address() string

	// ReadContract calls a view function and returns its first output
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract signs and submits a transaction, returning its hash
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt blocks until the transaction is mined or ctx is done
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// ToMap converts the payload to the generic shape carried in PaymentPayload.
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// PayloadFromMap extracts an ExactEIP3009Payload from a decoded JSON object.
//
// Numeric authorization fields may be JSON strings or JSON numbers; numbers
// must have been decoded with json.Decoder.UseNumber to keep full precision.
func PayloadFromMap(data map[string]interface{}) (*ExactEIP3009Payload, error) {
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, ErrMissingAuthorization
	}

	payload := &ExactEIP3009Payload{}
	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	if payload.Signature == "" {
		return nil, ErrMissingSignature
	}

	fields := []struct {
		name string
		dst  *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validAfter", &payload.Authorization.ValidAfter},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	}
	for _, f := range fields {
		v, err := scalarString(auth[f.name])
		if err != nil {
			return nil, fmt.Errorf("authorization.%s: %w", f.name, err)
		}
		*f.dst = v
	}

	return payload, nil
}

func scalarString(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", errors.New("missing")
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case float64:
		// Only reached when the caller decoded without UseNumber.
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

// Parse validates and converts the wire authorization.
func (a ExactEIP3009Authorization) Parse() (*Authorization, error) {
	if !common.IsHexAddress(a.From) {
		return nil, fmt.Errorf("invalid from address: %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("invalid to address: %q", a.To)
	}

	value, err := ParseUint256(a.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	validAfter, err := ParseUint256(a.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := ParseUint256(a.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("invalid validBefore: %w", err)
	}
	nonce, err := HexToBytes32(a.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	return &Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, nil
}

// Message returns the EIP-712 message for this authorization.
func (a *Authorization) Message() map[string]interface{} {
	return map[string]interface{}{
		"from":        a.From.Hex(),
		"to":          a.To.Hex(),
		"value":       new(big.Int).Set(a.Value),
		"validAfter":  new(big.Int).Set(a.ValidAfter),
		"validBefore": new(big.Int).Set(a.ValidBefore),
		"nonce":       a.Nonce[:],
	}
}
