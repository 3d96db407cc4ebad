package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// HexToBytes decodes a 0x-prefixed (or bare) hex string.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty hex string")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode("0x" + s[2:])
	if err != nil {
		return nil, err
	}
	return b, nil
}

// HexToBytes32 decodes a 32-byte hex value such as an authorization nonce.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ParseUint256 parses a base-10 unsigned integer that fits in uint256.
func ParseUint256(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty integer")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("out of uint256 range: %s", s)
	}
	return v, nil
}

// NonceKey renders a nonce in the canonical lowercase 0x form.
func NonceKey(nonce [32]byte) string {
	return hexutil.Encode(nonce[:])
}
