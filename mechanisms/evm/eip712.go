package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedDataVerifier recovers the signer of EIP-712 typed data.
type TypedDataVerifier interface {
	RecoverTypedDataSigner(
		domain TypedDataDomain,
		types map[string][]TypedDataField,
		primaryType string,
		message map[string]interface{},
		signature []byte,
	) (common.Address, error)
}

// ECDSAVerifier recovers EOA signers with secp256k1 public key recovery.
type ECDSAVerifier struct{}

// HashTypedData hashes EIP-712 typed data.
//
// The hash is keccak256("\x19\x01" || domainSeparator || structHash).
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = typedFields
	}
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		domainFields := TransferWithAuthorizationTypes()["EIP712Domain"]
		typedFields := make([]apitypes.Type, len(domainFields))
		for i, field := range domainFields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types["EIP712Domain"] = typedFields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", domainMap(typedData.Domain))
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := make([]byte, 0, 2+len(domainSeparator)+len(dataHash))
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// domainMap keeps empty name and version, which apitypes.TypedDataDomain.Map
// drops. An empty string is a valid domain value and hashes as keccak256("").
func domainMap(domain apitypes.TypedDataDomain) map[string]interface{} {
	data := map[string]interface{}{
		"name":              domain.Name,
		"version":           domain.Version,
		"verifyingContract": domain.VerifyingContract,
	}
	if domain.ChainId != nil {
		data["chainId"] = domain.ChainId
	}
	return data
}

// HashAuthorization hashes a TransferWithAuthorization message under domain.
func HashAuthorization(domain TypedDataDomain, auth *Authorization) ([]byte, error) {
	return HashTypedData(domain, TransferWithAuthorizationTypes(), PrimaryTypeTransferWithAuthorization, auth.Message())
}

// RecoverTypedDataSigner implements TypedDataVerifier.
func (ECDSAVerifier) RecoverTypedDataSigner(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (common.Address, error) {
	if len(signature) != SignatureLengthRSV {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	digest, err := HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, SignatureLengthRSV)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

var _ TypedDataVerifier = ECDSAVerifier{}
