package evm

import (
	"errors"
	"fmt"
)

// SignatureKind selects the transferWithAuthorization overload used for settlement.
type SignatureKind int

const (
	// SignaturePacked is passed as an opaque bytes argument.
	SignaturePacked SignatureKind = iota
	// SignatureCompactRSV is split into (v, r, s).
	SignatureCompactRSV
)

// SignatureLengthRSV is the length of an r || s || v ECDSA signature.
const SignatureLengthRSV = 65

func (k SignatureKind) String() string {
	switch k {
	case SignatureCompactRSV:
		return "compact-rsv"
	default:
		return "packed"
	}
}

// ClassifySignature decides the submission shape from the raw signature length.
func ClassifySignature(sig []byte) SignatureKind {
	if len(sig) == SignatureLengthRSV {
		return SignatureCompactRSV
	}
	return SignaturePacked
}

// SplitSignature splits a 65-byte signature into v, r and s.
// v is normalised to 27 or 28 as token contracts expect.
func SplitSignature(sig []byte) (v uint8, r [32]byte, s [32]byte, err error) {
	if len(sig) != SignatureLengthRSV {
		return 0, r, s, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, errors.New("invalid signature recovery id")
	}
	return v, r, s, nil
}

// TransferCall returns the ABI and argument list for transferWithAuthorization
// matching the signature's kind.
func TransferCall(auth *Authorization, sig []byte) ([]byte, []interface{}, error) {
	args := []interface{}{
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
	}

	switch ClassifySignature(sig) {
	case SignatureCompactRSV:
		v, r, s, err := SplitSignature(sig)
		if err != nil {
			return nil, nil, err
		}
		return TransferWithAuthorizationVRSABI, append(args, v, r, s), nil
	default:
		return TransferWithAuthorizationBytesABI, append(args, sig), nil
	}
}
